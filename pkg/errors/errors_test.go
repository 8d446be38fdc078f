package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestTriggerMessages(t *testing.T) {
	tests := []struct {
		kind ExceptionKind
		want string
	}{
		{IllegalOpcode, "Illegal opcode executed"},
		{IllegalOperation, "Illegal operation during instruction decoding"},
		{ProtectionFault, "Protection fault"},
		{ExecutionSpaceProtectionFault, "Execution space protection fault"},
		{MisalignedInstruction, "Misaligned instruction executed"},
		{UnimplementedInstruction, "Unimplemented instruction executed"},
		{UnimplementedInstructionLength, "Unimplemented instruction format length"},
		{DeadlockReached, "Deadlock reached"},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			e := Trigger(tt.kind, 0x1000)
			if e.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", e.Kind, tt.kind)
			}
			if e.Message != tt.want {
				t.Errorf("Message = %q, want %q", e.Message, tt.want)
			}
			if e.Data != 0x1000 {
				t.Errorf("Data = 0x%X, want 0x1000", e.Data)
			}
		})
	}
}

func TestTriggerUnknownCarriesRawCode(t *testing.T) {
	e := Trigger(ExceptionKind(42), 7)
	if e.Kind != UnknownException {
		t.Fatalf("Kind = %v, want UnknownException", e.Kind)
	}
	if e.Data != 42 {
		t.Errorf("Data = %d, want 42", e.Data)
	}
}

func TestWrappedExceptionIsDetected(t *testing.T) {
	base := Trigger(ProtectionFault, 0xdead)
	err := fmt.Errorf("simulate: %w", base)

	if !IsMachineException(err) {
		t.Fatal("IsMachineException = false, want true")
	}
	if got := KindOf(err); got != ProtectionFault {
		t.Errorf("KindOf = %v, want ProtectionFault", got)
	}
	if !stderrors.Is(err, &MachineException{Kind: ProtectionFault}) {
		t.Error("errors.Is did not match by kind")
	}
	if stderrors.Is(err, &MachineException{Kind: IllegalOpcode}) {
		t.Error("errors.Is matched a different kind")
	}
	if KindOf(fmt.Errorf("plain")) != UnknownException {
		t.Error("KindOf(plain error) should be UnknownException")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("page limit")
	e := Wrap(ProtectionFault, cause, 0x2000)
	if !stderrors.Is(e, cause) {
		t.Error("wrapped cause not reachable through Unwrap")
	}
}
