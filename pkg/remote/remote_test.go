package remote

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"rvemu/pkg/machine"
	"rvemu/pkg/rvasm"
	"rvemu/pkg/session"
)

func startServer(t *testing.T, opts ServerOptions) *Server {
	t.Helper()
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return srv
}

func dial(t *testing.T, ctx context.Context, srv *Server) *Client {
	t.Helper()
	c, err := DialPinned(ctx, srv.Addr().String(), srv.PublicKey())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// exitProgram exits with code.
func exitProgram(code int32) []byte {
	return rvasm.NewAssembler().Emit32(
		rvasm.ADDI(rvasm.A0, rvasm.Zero, code),
		rvasm.ADDI(rvasm.A7, rvasm.Zero, machine.SyscallExit),
		rvasm.ECALL(),
	).Bytes()
}

func request(image []byte) RunRequest {
	cfg := session.DefaultConfig()
	cfg.Compressed = false
	return RunRequest{Config: cfg, Image: image, Base: 0x10000, Entry: 0x10000}
}

func TestRunOverQUIC(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv := startServer(t, ServerOptions{})
	c := dial(t, ctx, srv)

	var wg sync.WaitGroup
	for code := int32(1); code <= 4; code++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Run(ctx, request(exitProgram(code)))
			if err != nil {
				t.Errorf("Run(%d): %v", code, err)
				return
			}
			if resp.Error != "" || resp.Report.ExitCode != code || resp.Report.Instructions != 3 {
				t.Errorf("Run(%d): error %q exit %d instructions %d",
					code, resp.Error, resp.Report.ExitCode, resp.Report.Instructions)
			}
		}()
	}
	wg.Wait()
}

func TestServerClampsBudget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv := startServer(t, ServerOptions{MaxInstructions: 500})
	c := dial(t, ctx, srv)

	loop := rvasm.NewAssembler().Emit32(rvasm.J(0)).Bytes()
	req := request(loop)
	req.Config.MaxInstructions = 0
	resp, err := c.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Report.Instructions != 500 || resp.Report.Stopped {
		t.Errorf("instructions = %d stopped = %v, want 500 and false", resp.Report.Instructions, resp.Report.Stopped)
	}
}

func TestRunErrorsAreReported(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv := startServer(t, ServerOptions{})
	c := dial(t, ctx, srv)

	req := request(rvasm.NewAssembler().Emit32(rvasm.J(2)).Bytes())
	resp, err := c.Run(ctx, req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Error == "" || resp.Report.Exception == "" || resp.Report.ExceptionData != 0x10002 {
		t.Errorf("response = %+v", resp)
	}

	req = request(nil)
	if resp, err = c.Run(ctx, req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Error == "" {
		t.Errorf("empty image was accepted")
	}
}

func TestPinnedKeyMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv := startServer(t, ServerOptions{})

	other, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if c, err := DialPinned(ctx, srv.Addr().String(), other); err == nil {
		c.Close()
		t.Errorf("dial succeeded with the wrong pinned key")
	}
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	want := request(exitProgram(7))
	if err := writeValue(&buf, &want); err != nil {
		t.Fatalf("writeValue: %v", err)
	}
	if got := buf.Len() - 4; got <= len(want.Image) {
		t.Errorf("message body is only %d bytes", got)
	}
	var got RunRequest
	if err := readValue(&buf, &got); err != nil {
		t.Fatalf("readValue: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request (-want +got):\n%s", diff)
	}

	oversized := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadMessage(bytes.NewReader(oversized)); err == nil {
		t.Errorf("oversized message accepted")
	}
}

func TestAlternativeName(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	name, err := AlternativeName(pub)
	if err != nil {
		t.Fatalf("AlternativeName: %v", err)
	}
	if len(name) != 53 || name[0] != 'r' {
		t.Errorf("name %q", name)
	}
	if _, err := AlternativeName(pub[:31]); err == nil {
		t.Errorf("short key accepted")
	}
}
