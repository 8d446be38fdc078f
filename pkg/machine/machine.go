package machine

import (
	"context"
	"fmt"

	"rvemu/pkg/memory"
)

// Machine is one isolated guest: a CPU, its address space and the syscall
// table the host installed. A Machine must only be driven from one goroutine.
type Machine struct {
	CPU    *CPU
	Memory *memory.Memory

	opts           Options
	syscalls       [MaxSyscalls]SyscallHandler
	unknownSyscall func(m *Machine, number uint32) int64
	stopped        bool
	exitCode       int32
	userdata       any
	destructors    []func()
}

// New creates a machine with an empty address space.
func New(opts Options) (*Machine, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	mem, err := memory.New(memory.Options{
		PageSize:        opts.PageSize,
		MaxPages:        opts.MaxPages,
		StrictAlignment: opts.StrictAlignment,
	})
	if err != nil {
		return nil, err
	}
	mem.SetStackInitial(opts.StackTop)

	m := &Machine{Memory: mem, opts: opts}
	m.CPU = newCPU(m, opts)
	m.installDefaultSyscalls()
	return m, nil
}

func (m *Machine) Options() Options {
	return m.opts
}

// LoadProgram maps code as the exec segment at base and resets the CPU to entry.
func (m *Machine) LoadProgram(code []byte, base, entry uint32) error {
	if err := m.Memory.SetExecSegment(base, code); err != nil {
		return fmt.Errorf("failed to load program: %w", err)
	}
	m.Memory.SetStartAddress(entry)
	m.CPU.Reset()
	m.stopped = false
	return nil
}

// Simulate runs the guest for at most maxInstructions instructions. It returns
// nil when the budget is used up or the guest stopped the machine.
func (m *Machine) Simulate(ctx context.Context, maxInstructions uint64) error {
	m.stopped = false
	return m.CPU.Simulate(ctx, maxInstructions)
}

// Stop ends the current Simulate call after the running instruction.
func (m *Machine) Stop() {
	m.stopped = true
}

func (m *Machine) Stopped() bool {
	return m.stopped
}

func (m *Machine) ExitCode() int32 {
	return m.exitCode
}

func (m *Machine) SetExitCode(code int32) {
	m.exitCode = code
}

// SysArg returns syscall argument i (a0..a6).
func (m *Machine) SysArg(i int) uint32 {
	return m.CPU.Reg(uint32(RegArg0 + i))
}

func (m *Machine) SetUserdata(v any) {
	m.userdata = v
}

func (m *Machine) Userdata() any {
	return m.userdata
}

// AddDestructor registers fn to run on Close, in reverse order of registration.
func (m *Machine) AddDestructor(fn func()) {
	m.destructors = append(m.destructors, fn)
}

// Close runs destructors and releases host resources.
func (m *Machine) Close() error {
	for i := len(m.destructors) - 1; i >= 0; i-- {
		m.destructors[i]()
	}
	m.destructors = nil
	return m.Memory.Close()
}
