package threads

import (
	"fmt"
	"log"

	"rvemu/pkg/errors"
	"rvemu/pkg/machine"
)

// Debug enables tracing of every thread syscall through the standard logger.
var Debug = false

func debugf(format string, args ...interface{}) {
	if Debug {
		log.Printf("[threads] "+format, args...)
	}
}

// Linux clone(2) flags understood by Clone.
const (
	CloneSettls        = 0x00080000
	CloneParentSettid  = 0x00100000
	CloneChildCleartid = 0x00200000
	CloneChildSettid   = 0x01000000
)

// Thread is a guest thread. While suspended its registers live here; while
// active they live in the CPU.
type Thread struct {
	TID int
	// ClearTID is zeroed in guest memory when the thread exits.
	ClearTID uint32

	parent *Thread
	regs   machine.Registers
}

// Parent returns the thread that cloned t, or nil for the main thread.
func (t *Thread) Parent() *Thread {
	return t.parent
}

// Manager schedules guest threads cooperatively on a single CPU. Switches
// happen only inside syscalls: the active thread's registers are saved and a
// suspended thread's registers are loaded in their place.
type Manager struct {
	m         *machine.Machine
	threads   map[int]*Thread
	current   *Thread
	suspended []*Thread
	counter   int
	switches  uint64
}

// NewManager creates a manager whose only thread is the main thread, tid 0.
func NewManager(m *machine.Machine) *Manager {
	mt := &Manager{m: m}
	mt.Reset()
	return mt
}

// Reset forgets every thread but a fresh main thread, as after restoring a
// snapshot. The CPU registers are left alone.
func (mt *Manager) Reset() {
	main := &Thread{TID: 0}
	mt.threads = map[int]*Thread{0: main}
	mt.current = main
	mt.suspended = nil
	mt.counter = 0
}

// Current returns the running thread.
func (mt *Manager) Current() *Thread {
	return mt.current
}

// Thread returns the thread with tid, or nil.
func (mt *Manager) Thread(tid int) *Thread {
	return mt.threads[tid]
}

// Count is the number of live threads, including the running one.
func (mt *Manager) Count() int {
	return len(mt.threads)
}

// Suspended returns the tids waiting to run, in the order they will run.
func (mt *Manager) Suspended() []int {
	tids := make([]int, len(mt.suspended))
	for i, t := range mt.suspended {
		tids[i] = t.TID
	}
	return tids
}

// Switches counts context switches performed so far.
func (mt *Manager) Switches() uint64 {
	return mt.switches
}

// Create makes a new thread from the running thread's registers. It does not
// schedule it.
func (mt *Manager) Create(flags, ctid, ptid, stack, tls uint32) (*Thread, error) {
	mt.counter++
	t := &Thread{
		TID:    mt.counter,
		parent: mt.current,
		regs:   *mt.m.CPU.Registers(),
	}
	t.regs.Set(machine.RegSP, stack)
	if flags&CloneSettls != 0 {
		t.regs.Set(machine.RegTP, tls)
	}
	if flags&CloneChildSettid != 0 {
		if err := mt.m.Memory.Write32(ctid, uint32(t.TID)); err != nil {
			return nil, fmt.Errorf("failed to write child tid: %w", err)
		}
	}
	if flags&CloneParentSettid != 0 {
		if err := mt.m.Memory.Write32(ptid, uint32(t.TID)); err != nil {
			return nil, fmt.Errorf("failed to write parent tid: %w", err)
		}
	}
	if flags&CloneChildCleartid != 0 {
		t.ClearTID = ctid
	}
	mt.threads[t.TID] = t
	return t, nil
}

// Clone creates a thread and switches to it. The parent is suspended with the
// child's tid as its pending return value; the child starts with the parent's
// registers apart from the stack and, with CloneSettls, the thread pointer.
func (mt *Manager) Clone(flags, stack, ptid, tls, ctid uint32) (int, error) {
	parent := mt.current
	child, err := mt.Create(flags, ctid, ptid, stack, tls)
	if err != nil {
		return 0, err
	}
	mt.suspend(parent, uint32(child.TID))
	mt.activate(child)
	return child.TID, nil
}

// SuspendAndYield moves the running thread to the back of the queue and
// resumes the front one. It returns false, doing nothing, when no other
// thread is waiting. The yielding thread will observe 0 in a0 when it resumes.
func (mt *Manager) SuspendAndYield() bool {
	if len(mt.suspended) == 0 {
		return false
	}
	mt.suspend(mt.current, 0)
	mt.wakeupNext()
	return true
}

// Exit terminates t, clearing its ClearTID word. When t is running the next
// suspended thread takes over; when none is left the machine stops.
func (mt *Manager) Exit(t *Thread) error {
	if t.TID == 0 {
		return errors.Exceptionf(errors.IllegalOperation, 0, "the main thread cannot exit as a thread")
	}
	exitingSelf := t == mt.current
	if t.ClearTID != 0 {
		debugf("clearing thread value for tid=%d at 0x%X", t.TID, t.ClearTID)
		if err := mt.m.Memory.Write32(t.ClearTID, 0); err != nil {
			return err
		}
	}
	delete(mt.threads, t.TID)
	mt.removeSuspended(t)

	if exitingSelf && !mt.wakeupNext() {
		mt.m.Stop()
	}
	return nil
}

func (mt *Manager) suspend(t *Thread, retval uint32) {
	t.regs = *mt.m.CPU.Registers()
	t.regs.Set(machine.RegArg0, retval)
	mt.suspended = append(mt.suspended, t)
}

func (mt *Manager) activate(t *Thread) {
	mt.current = t
	mt.m.CPU.SetRegisters(t.regs)
	mt.switches++
}

func (mt *Manager) wakeupNext() bool {
	if len(mt.suspended) == 0 {
		return false
	}
	next := mt.suspended[0]
	mt.suspended = mt.suspended[1:]
	mt.activate(next)
	return true
}

func (mt *Manager) removeSuspended(t *Thread) {
	for i, s := range mt.suspended {
		if s == t {
			mt.suspended = append(mt.suspended[:i], mt.suspended[i+1:]...)
			return
		}
	}
}
