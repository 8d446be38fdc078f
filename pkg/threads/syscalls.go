package threads

import (
	"rvemu/pkg/errors"
	"rvemu/pkg/machine"
)

// Syscall numbers from the Linux RISC-V ABI.
const (
	SysExit          = 93
	SysExitGroup     = 94
	SysSetTidAddress = 96
	SysFutex         = 98
	SysSetRobustList = 99
	SysSchedYield    = 124
	SysTgkill        = 131
	SysGettid        = 178
	SysClone         = 220
)

const (
	futexWait       = 0
	futexWake       = 1
	futexWaitBitset = 9
	futexWakeBitset = 10
)

// Install creates a Manager for m and binds the thread syscalls. The manager
// is released when the machine is closed.
func Install(m *machine.Machine) *Manager {
	mt := NewManager(m)
	m.AddDestructor(func() {
		mt.threads = nil
		mt.suspended = nil
	})

	m.InstallSyscallHandler(SysExit, mt.sysExit)
	m.InstallSyscallHandler(SysExitGroup, m.SyscallHandler(SysExit))
	m.InstallSyscallHandler(SysSetTidAddress, mt.sysSetTidAddress)
	m.InstallSyscallHandler(SysSetRobustList, func(*machine.Machine) (int64, error) {
		return 0, nil
	})
	m.InstallSyscallHandler(SysSchedYield, mt.sysSchedYield)
	m.InstallSyscallHandler(SysTgkill, mt.sysTgkill)
	m.InstallSyscallHandler(SysGettid, mt.sysGettid)
	m.InstallSyscallHandler(SysFutex, mt.sysFutex)
	m.InstallSyscallHandler(SysClone, mt.sysClone)
	return mt
}

// a0 returns the live a0, which after a switch belongs to the resumed thread.
func a0(m *machine.Machine) int64 {
	return int64(m.CPU.Reg(machine.RegArg0))
}

func (mt *Manager) sysExit(m *machine.Machine) (int64, error) {
	status := int32(m.SysArg(0))
	t := mt.current
	debugf("exit on tid=%d, exit code = %d", t.TID, status)
	if t.TID != 0 {
		if err := mt.Exit(t); err != nil {
			return 0, err
		}
		return a0(m), nil
	}
	m.SetExitCode(status)
	m.Stop()
	return int64(status), nil
}

func (mt *Manager) sysSetTidAddress(m *machine.Machine) (int64, error) {
	clearTid := m.SysArg(0)
	debugf("set_tid_address(0x%X)", clearTid)
	mt.current.ClearTID = clearTid
	return int64(mt.current.TID), nil
}

func (mt *Manager) sysSchedYield(m *machine.Machine) (int64, error) {
	debugf("sched_yield() on tid=%d", mt.current.TID)
	if mt.SuspendAndYield() {
		return a0(m), nil
	}
	return 0, nil
}

func (mt *Manager) sysTgkill(m *machine.Machine) (int64, error) {
	tid := int(int32(m.SysArg(1)))
	debugf("tgkill on tid=%d", tid)
	if t := mt.threads[tid]; t != nil && t.TID != 0 {
		if err := mt.Exit(t); err != nil {
			return 0, err
		}
		return a0(m), nil
	}
	m.Stop()
	return 0, nil
}

func (mt *Manager) sysGettid(m *machine.Machine) (int64, error) {
	debugf("gettid() = %d", mt.current.TID)
	return int64(mt.current.TID), nil
}

func (mt *Manager) sysFutex(m *machine.Machine) (int64, error) {
	addr := m.SysArg(0)
	op := m.SysArg(1)
	val := m.SysArg(2)
	debugf("futex(0x%X, op=%d, val=%d)", addr, int32(op), int32(val))

	switch op & 0xF {
	case futexWait, futexWaitBitset:
		current, err := m.Memory.Read32(addr)
		if err != nil {
			return 0, err
		}
		if current != val {
			return 0, nil
		}
		debugf("futex: tid=%d waiting on 0x%X", mt.current.TID, addr)
		if mt.SuspendAndYield() {
			return a0(m), nil
		}
		return 0, errors.Exceptionf(errors.DeadlockReached, uint64(addr),
			"futex wait on 0x%X with no other runnable thread", addr)
	case futexWake, futexWakeBitset:
		// Waking is a single yield; waiters re-run in queue order.
		debugf("futex: waking others on 0x%X", addr)
		if mt.SuspendAndYield() {
			return a0(m), nil
		}
		return 0, nil
	}
	return -machine.ENOSYS, nil
}

func (mt *Manager) sysClone(m *machine.Machine) (int64, error) {
	flags := m.SysArg(0)
	stack := m.SysArg(1)
	ptid := m.SysArg(4)
	tls := m.SysArg(5)
	ctid := m.SysArg(6)
	debugf("clone(func=0x%X, stack=0x%X, flags=%x, args=0x%X, ctid=0x%X ptid=0x%X, tls=0x%X)",
		m.SysArg(2), stack, flags, m.SysArg(3), ctid, ptid, tls)

	if _, err := mt.Clone(flags, stack, ptid, tls, ctid); err != nil {
		return 0, err
	}
	// The child is active now and sees 0.
	return 0, nil
}
