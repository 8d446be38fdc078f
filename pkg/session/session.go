package session

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"time"

	"rvemu/pkg/errors"
	"rvemu/pkg/machine"
	"rvemu/pkg/memory"
	"rvemu/pkg/threads"

	"golang.org/x/crypto/blake2b"
)

const (
	SysWrite = 64

	ebadf = 9
)

// Report summarizes one Run.
type Report struct {
	ExitCode     int32
	Stopped      bool
	Instructions uint64
	Evictions    uint64
	Threads      int
	Switches     uint64
	Output       []byte
	ImageHash    [32]byte
	// Exception is empty unless the run ended with a machine exception.
	Exception     string
	ExceptionData uint64
	Elapsed       time.Duration
}

// Session owns one machine, its optional thread manager and the console
// output the guest produced. It is not safe for concurrent use.
type Session struct {
	cfg       Config
	m         *machine.Machine
	threads   *threads.Manager
	output    bytes.Buffer
	imageHash [32]byte
}

// New builds the machine described by cfg and installs the host syscalls.
func New(cfg Config) (*Session, error) {
	opts, err := cfg.MachineOptions()
	if err != nil {
		return nil, err
	}
	m, err := machine.New(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create machine: %w", err)
	}
	s := &Session{cfg: cfg, m: m}
	m.SetUserdata(s)
	if cfg.Threads {
		s.threads = threads.Install(m)
	}
	m.InstallSyscallHandler(SysWrite, s.sysWrite)
	return s, nil
}

func (s *Session) Machine() *machine.Machine {
	return s.m
}

// Threads returns the thread manager, or nil when threads are disabled.
func (s *Session) Threads() *threads.Manager {
	return s.threads
}

func (s *Session) Output() []byte {
	return s.output.Bytes()
}

// Load maps code at base and points the CPU at entry.
func (s *Session) Load(code []byte, base, entry uint32) error {
	if err := s.m.LoadProgram(code, base, entry); err != nil {
		return err
	}
	s.imageHash = blake2b.Sum256(code)
	s.output.Reset()
	if s.threads != nil {
		s.threads.Reset()
	}
	return nil
}

// Run simulates until the guest stops, the instruction budget runs out or ctx
// is done. The report is filled in even when an error is returned.
func (s *Session) Run(ctx context.Context) (*Report, error) {
	budget := s.cfg.MaxInstructions
	if budget == 0 {
		budget = math.MaxUint64
	}
	start := time.Now()
	before := s.m.CPU.InstructionCounter()
	err := s.m.Simulate(ctx, budget)

	report := &Report{
		ExitCode:     s.m.ExitCode(),
		Stopped:      s.m.Stopped(),
		Instructions: s.m.CPU.InstructionCounter() - before,
		Evictions:    s.m.CPU.PageCacheEvictions(),
		Threads:      1,
		Output:       append([]byte(nil), s.output.Bytes()...),
		ImageHash:    s.imageHash,
		Elapsed:      time.Since(start),
	}
	if s.threads != nil {
		report.Threads = s.threads.Count()
		report.Switches = s.threads.Switches()
	}
	if me, ok := errors.AsMachineException(err); ok {
		report.Exception = me.Error()
		report.ExceptionData = me.Data
	}
	return report, err
}

// sysWrite implements write(fd, buf, count) for stdout and stderr. Writes that
// span more pages than a gather buffer holds are cut short, as a partial write.
func (s *Session) sysWrite(m *machine.Machine) (int64, error) {
	fd, addr, count := m.SysArg(0), m.SysArg(1), m.SysArg(2)
	if fd != 1 && fd != 2 {
		return -ebadf, nil
	}
	limit := uint32((memory.MaxFragments - 1) * m.Memory.PageSize())
	if count > limit {
		count = limit
	}
	buf, err := m.Memory.Gather(addr, int(count))
	if err != nil {
		return 0, err
	}
	buf.ForEach(func(fragment []byte) {
		s.output.Write(fragment)
	})
	return int64(buf.Len()), nil
}

// Snapshot serializes the machine. Thread state is not part of a snapshot.
func (s *Session) Snapshot() ([]byte, machine.SerializedLayout, error) {
	return s.m.Serialize()
}

// Restore loads a snapshot taken with a compatible config. Any guest threads
// are discarded and the restored registers become the main thread.
func (s *Session) Restore(data []byte, layout machine.SerializedLayout) error {
	if err := s.m.Restore(data, layout); err != nil {
		return err
	}
	if s.threads != nil {
		s.threads.Reset()
	}
	s.output.Reset()
	return nil
}

func (s *Session) Close() error {
	return s.m.Close()
}
