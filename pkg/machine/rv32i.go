package machine

import (
	"math"
)

// Base integer instruction set with the M and A extensions.

func execLoad(c *CPU, instr Instruction) error {
	addr := c.regs.Get(instr.Rs1()) + instr.ImmI()
	var v uint32
	switch instr.Funct3() {
	case 0: // LB
		b, err := c.mem.Read8(addr)
		if err != nil {
			return err
		}
		v = uint32(int32(int8(b)))
	case 1: // LH
		h, err := c.mem.Read16(addr)
		if err != nil {
			return err
		}
		v = uint32(int32(int16(h)))
	case 2: // LW
		w, err := c.mem.Read32(addr)
		if err != nil {
			return err
		}
		v = w
	case 4: // LBU
		b, err := c.mem.Read8(addr)
		if err != nil {
			return err
		}
		v = uint32(b)
	case 5: // LHU
		h, err := c.mem.Read16(addr)
		if err != nil {
			return err
		}
		v = uint32(h)
	default:
		return illegalOperation(instr)
	}
	c.regs.Set(instr.Rd(), v)
	return nil
}

func execStore(c *CPU, instr Instruction) error {
	addr := c.regs.Get(instr.Rs1()) + instr.ImmS()
	v := c.regs.Get(instr.Rs2())
	switch instr.Funct3() {
	case 0:
		return c.mem.Write8(addr, uint8(v))
	case 1:
		return c.mem.Write16(addr, uint16(v))
	case 2:
		return c.mem.Write32(addr, v)
	default:
		return illegalOperation(instr)
	}
}

func execBranch(c *CPU, instr Instruction) error {
	a := c.regs.Get(instr.Rs1())
	b := c.regs.Get(instr.Rs2())
	var taken bool
	switch instr.Funct3() {
	case 0:
		taken = a == b
	case 1:
		taken = a != b
	case 4:
		taken = int32(a) < int32(b)
	case 5:
		taken = int32(a) >= int32(b)
	case 6:
		taken = a < b
	case 7:
		taken = a >= b
	default:
		return illegalOperation(instr)
	}
	if taken {
		return c.Jump(c.regs.PC + instr.ImmB())
	}
	return nil
}

func execJal(c *CPU, instr Instruction) error {
	pc := c.regs.PC
	if err := c.Jump(pc + instr.ImmJ()); err != nil {
		return err
	}
	c.regs.Set(instr.Rd(), pc+4)
	return nil
}

func execJalr(c *CPU, instr Instruction) error {
	if instr.Funct3() != 0 {
		return illegalOperation(instr)
	}
	pc := c.regs.PC
	target := (c.regs.Get(instr.Rs1()) + instr.ImmI()) &^ 1
	if err := c.Jump(target); err != nil {
		return err
	}
	c.regs.Set(instr.Rd(), pc+4)
	return nil
}

func execLui(c *CPU, instr Instruction) error {
	c.regs.Set(instr.Rd(), instr.ImmU())
	return nil
}

func execAuipc(c *CPU, instr Instruction) error {
	c.regs.Set(instr.Rd(), c.regs.PC+instr.ImmU())
	return nil
}

func execFence(c *CPU, instr Instruction) error {
	return nil
}

func execOpImm(c *CPU, instr Instruction) error {
	a := c.regs.Get(instr.Rs1())
	imm := instr.ImmI()
	var v uint32
	switch instr.Funct3() {
	case 0: // ADDI
		v = a + imm
	case 1: // SLLI
		if instr.Funct7() != 0 {
			return illegalOperation(instr)
		}
		v = a << (imm & 31)
	case 2: // SLTI
		v = boolToU32(int32(a) < int32(imm))
	case 3: // SLTIU
		v = boolToU32(a < imm)
	case 4: // XORI
		v = a ^ imm
	case 5: // SRLI / SRAI
		switch instr.Funct7() {
		case 0x00:
			v = a >> (imm & 31)
		case 0x20:
			v = uint32(int32(a) >> (imm & 31))
		default:
			return illegalOperation(instr)
		}
	case 6: // ORI
		v = a | imm
	case 7: // ANDI
		v = a & imm
	}
	c.regs.Set(instr.Rd(), v)
	return nil
}

func execOp(c *CPU, instr Instruction) error {
	a := c.regs.Get(instr.Rs1())
	b := c.regs.Get(instr.Rs2())
	var v uint32
	switch instr.Funct7() {
	case 0x00:
		switch instr.Funct3() {
		case 0:
			v = a + b
		case 1:
			v = a << (b & 31)
		case 2:
			v = boolToU32(int32(a) < int32(b))
		case 3:
			v = boolToU32(a < b)
		case 4:
			v = a ^ b
		case 5:
			v = a >> (b & 31)
		case 6:
			v = a | b
		case 7:
			v = a & b
		}
	case 0x20:
		switch instr.Funct3() {
		case 0:
			v = a - b
		case 5:
			v = uint32(int32(a) >> (b & 31))
		default:
			return illegalOperation(instr)
		}
	case 0x01:
		v = mulDiv(instr.Funct3(), a, b)
	default:
		return illegalOperation(instr)
	}
	c.regs.Set(instr.Rd(), v)
	return nil
}

func mulDiv(funct3, a, b uint32) uint32 {
	switch funct3 {
	case 0: // MUL
		return a * b
	case 1: // MULH
		return uint32(uint64(int64(int32(a))*int64(int32(b))) >> 32)
	case 2: // MULHSU
		return uint32(uint64(int64(int32(a))*int64(b)) >> 32)
	case 3: // MULHU
		return uint32(uint64(a) * uint64(b) >> 32)
	case 4: // DIV
		switch {
		case b == 0:
			return math.MaxUint32
		case int32(a) == math.MinInt32 && int32(b) == -1:
			return a
		}
		return uint32(int32(a) / int32(b))
	case 5: // DIVU
		if b == 0 {
			return math.MaxUint32
		}
		return a / b
	case 6: // REM
		switch {
		case b == 0:
			return a
		case int32(a) == math.MinInt32 && int32(b) == -1:
			return 0
		}
		return uint32(int32(a) % int32(b))
	default: // REMU
		if b == 0 {
			return a
		}
		return a % b
	}
}

func execAtomic(c *CPU, instr Instruction) error {
	if instr.Funct3() != 2 {
		return illegalOperation(instr)
	}
	addr := c.regs.Get(instr.Rs1())
	src := c.regs.Get(instr.Rs2())
	funct5 := instr.Funct7() >> 2

	switch funct5 {
	case 0x02: // LR.W
		v, err := c.mem.Read32(addr)
		if err != nil {
			return err
		}
		c.reservation, c.reservationValid = addr, true
		c.regs.Set(instr.Rd(), v)
		return nil
	case 0x03: // SC.W
		if c.reservationValid && c.reservation == addr {
			if err := c.mem.Write32(addr, src); err != nil {
				return err
			}
			c.regs.Set(instr.Rd(), 0)
		} else {
			c.regs.Set(instr.Rd(), 1)
		}
		c.reservationValid = false
		return nil
	}

	old, err := c.mem.Read32(addr)
	if err != nil {
		return err
	}
	var v uint32
	switch funct5 {
	case 0x01: // AMOSWAP
		v = src
	case 0x00: // AMOADD
		v = old + src
	case 0x04: // AMOXOR
		v = old ^ src
	case 0x0C: // AMOAND
		v = old & src
	case 0x08: // AMOOR
		v = old | src
	case 0x10: // AMOMIN
		v = old
		if int32(src) < int32(old) {
			v = src
		}
	case 0x14: // AMOMAX
		v = old
		if int32(src) > int32(old) {
			v = src
		}
	case 0x18: // AMOMINU
		v = min(old, src)
	case 0x1C: // AMOMAXU
		v = max(old, src)
	default:
		return illegalOperation(instr)
	}
	if err := c.mem.Write32(addr, v); err != nil {
		return err
	}
	c.regs.Set(instr.Rd(), old)
	return nil
}

// CSR numbers readable by guests.
const (
	csrFflags    = 0x001
	csrFrm       = 0x002
	csrFcsr      = 0x003
	csrCycle     = 0xC00
	csrTime      = 0xC01
	csrInstret   = 0xC02
	csrCycleH    = 0xC80
	csrTimeH     = 0xC81
	csrInstretH  = 0xC82
	systemEcall  = 0x000
	systemEbreak = 0x001
	systemWfi    = 0x105
)

func execSystem(c *CPU, instr Instruction) error {
	funct3 := instr.Funct3()
	if funct3 == 0 {
		switch uint32(instr) >> 20 {
		case systemEcall:
			return c.machine.systemCall(c.regs.Get(RegSyscall))
		case systemEbreak:
			return c.machine.systemCall(SyscallEbreak)
		case systemWfi:
			return nil
		}
		return illegalOperation(instr)
	}
	if funct3 == 4 {
		return illegalOperation(instr)
	}

	csr := uint32(instr) >> 20
	// Immediate forms take the 5-bit rs1 field as the operand.
	operand := instr.Rs1()
	if funct3 < 4 {
		operand = c.regs.Get(instr.Rs1())
	}
	writes := funct3&3 == 1 || instr.Rs1() != 0

	var old uint32
	switch csr {
	case csrFflags:
		old = c.regs.FCSR & 0x1f
	case csrFrm:
		old = (c.regs.FCSR >> 5) & 7
	case csrFcsr:
		old = c.regs.FCSR & 0xff
	case csrCycle, csrTime, csrInstret:
		if writes {
			return illegalOperation(instr)
		}
		old = uint32(c.counter)
	case csrCycleH, csrTimeH, csrInstretH:
		if writes {
			return illegalOperation(instr)
		}
		old = uint32(c.counter >> 32)
	default:
		return illegalOperation(instr)
	}

	if writes {
		var v uint32
		switch funct3 & 3 {
		case 1:
			v = operand
		case 2:
			v = old | operand
		case 3:
			v = old &^ operand
		}
		switch csr {
		case csrFflags:
			c.regs.FCSR = c.regs.FCSR&^0x1f | v&0x1f
		case csrFrm:
			c.regs.FCSR = c.regs.FCSR&^0xe0 | (v&7)<<5
		case csrFcsr:
			c.regs.FCSR = v & 0xff
		}
	}
	c.regs.Set(instr.Rd(), old)
	return nil
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
