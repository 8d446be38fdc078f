package machine

import (
	"fmt"
	"log"
)

const (
	// MaxSyscalls is the size of the syscall table.
	MaxSyscalls = 512
	// SyscallEbreak is the table slot used by EBREAK.
	SyscallEbreak = MaxSyscalls - 1

	SyscallExit      = 93
	SyscallExitGroup = 94

	ENOSYS = 38
)

// SyscallHandler implements one syscall. Its result is written to a0 of
// whichever thread is active when it returns.
type SyscallHandler func(m *Machine) (int64, error)

// InstallSyscallHandler binds number to h. A nil h removes the binding.
func (m *Machine) InstallSyscallHandler(number uint32, h SyscallHandler) {
	if number >= MaxSyscalls {
		panic(fmt.Sprintf("syscall number %d out of range (max is %d)", number, MaxSyscalls-1))
	}
	m.syscalls[number] = h
}

// SyscallHandler returns the handler bound to number, if any.
func (m *Machine) SyscallHandler(number uint32) SyscallHandler {
	if number >= MaxSyscalls {
		return nil
	}
	return m.syscalls[number]
}

// SetUnknownSyscallHandler replaces the fallback for unbound syscall numbers.
func (m *Machine) SetUnknownSyscallHandler(fn func(m *Machine, number uint32) int64) {
	m.unknownSyscall = fn
}

func (m *Machine) systemCall(number uint32) error {
	if number < MaxSyscalls {
		if h := m.syscalls[number]; h != nil {
			ret, err := h(m)
			if err != nil {
				return err
			}
			m.CPU.SetReg(RegRetval, uint32(ret))
			return nil
		}
	}
	m.CPU.SetReg(RegRetval, uint32(m.unknownSyscall(m, number)))
	return nil
}

func (m *Machine) installDefaultSyscalls() {
	m.unknownSyscall = func(m *Machine, number uint32) int64 {
		log.Printf("unhandled system call %d at pc=0x%08x", number, m.CPU.PC())
		return -ENOSYS
	}
	exit := func(m *Machine) (int64, error) {
		m.exitCode = int32(m.SysArg(0))
		m.Stop()
		return int64(m.SysArg(0)), nil
	}
	m.syscalls[SyscallExit] = exit
	m.syscalls[SyscallExitGroup] = exit
	m.syscalls[SyscallEbreak] = func(m *Machine) (int64, error) {
		log.Printf("ebreak at pc=0x%08x, stopping", m.CPU.PC())
		m.Stop()
		return int64(m.SysArg(0)), nil
	}
}
