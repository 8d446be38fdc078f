package errors

import (
	stderrors "errors"
	"fmt"
)

// ExceptionKind enumerates the machine exceptions raised by the CPU and memory.
type ExceptionKind uint8

const (
	IllegalOpcode ExceptionKind = iota
	IllegalOperation
	ProtectionFault
	ExecutionSpaceProtectionFault
	MisalignedInstruction
	UnimplementedInstruction
	UnimplementedInstructionLength
	DeadlockReached
	UnknownException
)

func (k ExceptionKind) String() string {
	switch k {
	case IllegalOpcode:
		return "ILLEGAL_OPCODE"
	case IllegalOperation:
		return "ILLEGAL_OPERATION"
	case ProtectionFault:
		return "PROTECTION_FAULT"
	case ExecutionSpaceProtectionFault:
		return "EXECUTION_SPACE_PROTECTION_FAULT"
	case MisalignedInstruction:
		return "MISALIGNED_INSTRUCTION"
	case UnimplementedInstruction:
		return "UNIMPLEMENTED_INSTRUCTION"
	case UnimplementedInstructionLength:
		return "UNIMPLEMENTED_INSTRUCTION_LENGTH"
	case DeadlockReached:
		return "DEADLOCK_REACHED"
	default:
		return "UNKNOWN_EXCEPTION"
	}
}

// defaultMessage is the text used when an exception is raised without one.
func (k ExceptionKind) defaultMessage() string {
	switch k {
	case IllegalOpcode:
		return "Illegal opcode executed"
	case IllegalOperation:
		return "Illegal operation during instruction decoding"
	case ProtectionFault:
		return "Protection fault"
	case ExecutionSpaceProtectionFault:
		return "Execution space protection fault"
	case MisalignedInstruction:
		return "Misaligned instruction executed"
	case UnimplementedInstruction:
		return "Unimplemented instruction executed"
	case UnimplementedInstructionLength:
		return "Unimplemented instruction format length"
	case DeadlockReached:
		return "Deadlock reached"
	default:
		return "Unknown exception"
	}
}

// MachineException is fatal to the Simulate call that raised it. Data holds
// the faulting address, instruction bits or raw interrupt code.
type MachineException struct {
	Kind    ExceptionKind
	Message string
	Data    uint64
	Cause   error
}

func (e *MachineException) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (data: 0x%X): %v", e.Kind, e.Message, e.Data, e.Cause)
	}
	return fmt.Sprintf("%s: %s (data: 0x%X)", e.Kind, e.Message, e.Data)
}

func (e *MachineException) Unwrap() error {
	return e.Cause
}

// Is matches any MachineException of the same kind, so
// errors.Is(err, &MachineException{Kind: ProtectionFault}) works.
func (e *MachineException) Is(target error) bool {
	t, ok := target.(*MachineException)
	return ok && t.Kind == e.Kind
}

// Trigger creates an exception of the given kind with its standard message.
// Codes outside the known set become UnknownException carrying the raw code.
func Trigger(kind ExceptionKind, data uint64) *MachineException {
	if kind > UnknownException {
		return &MachineException{
			Kind:    UnknownException,
			Message: UnknownException.defaultMessage(),
			Data:    uint64(kind),
		}
	}
	return &MachineException{
		Kind:    kind,
		Message: kind.defaultMessage(),
		Data:    data,
	}
}

// Exceptionf creates an exception with a formatted message
func Exceptionf(kind ExceptionKind, data uint64, format string, args ...interface{}) *MachineException {
	return &MachineException{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Data:    data,
	}
}

// Wrap wraps an existing error as a machine exception
func Wrap(kind ExceptionKind, err error, data uint64) *MachineException {
	return &MachineException{
		Kind:    kind,
		Message: kind.defaultMessage(),
		Data:    data,
		Cause:   err,
	}
}

// IsMachineException checks if an error is or wraps a machine exception
func IsMachineException(err error) bool {
	var me *MachineException
	return stderrors.As(err, &me)
}

// AsMachineException unwraps err to the first machine exception in its chain.
func AsMachineException(err error) (*MachineException, bool) {
	var me *MachineException
	if stderrors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// KindOf returns the exception kind of err, or UnknownException when err is
// not a machine exception.
func KindOf(err error) ExceptionKind {
	if me, ok := AsMachineException(err); ok {
		return me.Kind
	}
	return UnknownException
}
