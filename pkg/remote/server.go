package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"rvemu/pkg/session"
)

const alpnProto = "rvemu/1"

// ServerOptions configures a run server.
type ServerOptions struct {
	// ListenAddr defaults to "127.0.0.1:0".
	ListenAddr string
	// PrivateKey identifies the server. A fresh key is generated when nil.
	PrivateKey ed25519.PrivateKey
	// MaxInstructions caps every run; requests asking for more, or for no
	// limit, are clamped to it.
	MaxInstructions uint64
	// MaxRunTime bounds the wall time of a single run.
	MaxRunTime time.Duration
}

// Server runs guest programs submitted over QUIC. Every stream carries one
// RunRequest and receives one RunResponse, and every run gets its own machine.
type Server struct {
	opts     ServerOptions
	listener *quic.Listener
	wg       sync.WaitGroup
}

// NewServer starts listening but does not accept connections until Serve.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.ListenAddr == "" {
		opts.ListenAddr = "127.0.0.1:0"
	}
	if opts.MaxInstructions == 0 {
		opts.MaxInstructions = session.DefaultConfig().MaxInstructions
	}
	if opts.MaxRunTime == 0 {
		opts.MaxRunTime = 30 * time.Second
	}
	if opts.PrivateKey == nil {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate server key: %w", err)
		}
		opts.PrivateKey = key
	}
	tlsConfig, err := serverTLSConfig(opts.PrivateKey)
	if err != nil {
		return nil, err
	}
	quicConfig := &quic.Config{
		HandshakeIdleTimeout: 10 * time.Second,
		MaxIdleTimeout:       opts.MaxRunTime + 30*time.Second,
		KeepAlivePeriod:      15 * time.Second,
	}
	listener, err := quic.ListenAddr(opts.ListenAddr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create QUIC listener: %w", err)
	}
	return &Server{opts: opts, listener: listener}, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// PublicKey is the key clients can pin.
func (s *Server) PublicKey() ed25519.PublicKey {
	return s.opts.PrivateKey.Public().(ed25519.PublicKey)
}

// Serve accepts connections until ctx is done, then closes the listener and
// waits for in-flight runs.
func (s *Server) Serve(ctx context.Context) error {
	log.Printf("[remote] listening on %s", s.Addr())
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	defer s.wg.Wait()

	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *quic.Conn) {
	defer conn.CloseWithError(0, "")
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleStream(ctx, stream)
		}()
	}
}

func (s *Server) handleStream(ctx context.Context, stream *quic.Stream) {
	defer stream.Close()

	var req RunRequest
	if err := readValue(stream, &req); err != nil {
		log.Printf("[remote] bad request: %v", err)
		stream.CancelRead(1)
		return
	}
	resp := s.run(ctx, &req)
	if err := writeValue(stream, resp); err != nil {
		log.Printf("[remote] failed to send response: %v", err)
	}
}

func (s *Server) run(ctx context.Context, req *RunRequest) *RunResponse {
	cfg := req.Config
	if cfg.MaxInstructions == 0 || cfg.MaxInstructions > s.opts.MaxInstructions {
		cfg.MaxInstructions = s.opts.MaxInstructions
	}

	sess, err := session.New(cfg)
	if err != nil {
		return &RunResponse{Error: err.Error()}
	}
	defer sess.Close()
	if err := sess.Load(req.Image, req.Base, req.Entry); err != nil {
		return &RunResponse{Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.MaxRunTime)
	defer cancel()
	report, err := sess.Run(ctx)
	resp := &RunResponse{Report: *report}
	if err != nil {
		resp.Error = err.Error()
	}
	log.Printf("[remote] ran image %x: exit=%d instructions=%d err=%q",
		report.ImageHash[:4], report.ExitCode, report.Instructions, resp.Error)
	return resp
}

// Close stops accepting connections.
func (s *Server) Close() error {
	return s.listener.Close()
}
