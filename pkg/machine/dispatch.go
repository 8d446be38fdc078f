package machine

import (
	"rvemu/pkg/errors"
)

// Handler executes one decoded instruction. A handler that transfers control
// calls CPU.Jump; otherwise the CPU advances past the instruction.
type Handler func(cpu *CPU, instr Instruction) error

// baseTable is indexed by the 7-bit major opcode of 32-bit encodings.
var baseTable [128]Handler

// compressedTable is indexed by quadrant<<3 | funct3.
var compressedTable [32]Handler

func init() {
	baseTable[0x03] = execLoad
	baseTable[0x0f] = execFence
	baseTable[0x13] = execOpImm
	baseTable[0x17] = execAuipc
	baseTable[0x23] = execStore
	baseTable[0x2f] = execAtomic
	baseTable[0x33] = execOp
	baseTable[0x37] = execLui
	baseTable[0x63] = execBranch
	baseTable[0x67] = execJalr
	baseTable[0x6f] = execJal
	baseTable[0x73] = execSystem

	compressedTable[0<<3|0] = execCAddi4spn
	compressedTable[0<<3|2] = execCLw
	compressedTable[0<<3|6] = execCSw
	compressedTable[1<<3|0] = execCAddi
	compressedTable[1<<3|1] = execCJal
	compressedTable[1<<3|2] = execCLi
	compressedTable[1<<3|3] = execCLui
	compressedTable[1<<3|4] = execCArith
	compressedTable[1<<3|5] = execCJ
	compressedTable[1<<3|6] = execCBeqz
	compressedTable[1<<3|7] = execCBnez
	compressedTable[2<<3|0] = execCSlli
	compressedTable[2<<3|2] = execCLwsp
	compressedTable[2<<3|4] = execCMisc
	compressedTable[2<<3|6] = execCSwsp
}

func illegalInstruction(_ *CPU, instr Instruction) error {
	return errors.Trigger(errors.IllegalOpcode, uint64(instr))
}

func illegalOperation(instr Instruction) error {
	return errors.Trigger(errors.IllegalOperation, uint64(instr))
}

func unimplementedInstruction(_ *CPU, instr Instruction) error {
	return errors.Trigger(errors.UnimplementedInstruction, uint64(instr))
}

func unimplementedLength(_ *CPU, instr Instruction) error {
	return errors.Trigger(errors.UnimplementedInstructionLength, uint64(instr))
}

// Decode selects the handler for instr. It never fails: undecodable bits
// produce a handler that raises the matching exception when executed.
func (c *CPU) Decode(instr Instruction) Handler {
	if instr == 0 {
		return illegalInstruction
	}
	if h := baseTable[instr.Opcode()]; h != nil {
		return h
	}
	if instr.IsCompressed() {
		if !c.compressed {
			return unimplementedLength
		}
		if instr.Half() == 0 {
			return illegalInstruction
		}
		if h := compressedTable[instr.compressedKey()]; h != nil {
			return h
		}
		return unimplementedInstruction
	}
	if instr.IsLongFormat() {
		return unimplementedLength
	}
	return unimplementedInstruction
}

// length is the encoded size of instr under the CPU's configuration.
func (c *CPU) length(instr Instruction) uint32 {
	if c.compressed && instr.IsCompressed() {
		return 2
	}
	return 4
}
