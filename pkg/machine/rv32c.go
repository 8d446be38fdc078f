package machine

// Compressed (RVC) integer instructions for RV32. Only the low 16 bits of
// the instruction word are meaningful here.

// creg maps a 3-bit compressed register field to x8-x15.
func creg(field uint32) uint32 {
	return 8 + field&7
}

func signExtend(v uint32, bits uint) uint32 {
	shift := 32 - bits
	return uint32(int32(v<<shift) >> shift)
}

// ciImm is the 6-bit signed immediate of CI-format instructions.
func ciImm(w uint32) uint32 {
	return signExtend((w>>7)&0x20|(w>>2)&0x1f, 6)
}

// clwImm is the word offset used by C.LW and C.SW.
func clwImm(w uint32) uint32 {
	return (w>>7)&0x38 | (w>>4)&0x4 | (w<<1)&0x40
}

func cjImm(w uint32) uint32 {
	imm := (w>>1)&0x800 | (w>>7)&0x10 | (w>>1)&0x300 | (w<<2)&0x400 |
		(w>>1)&0x40 | (w<<1)&0x80 | (w>>2)&0xe | (w<<3)&0x20
	return signExtend(imm, 12)
}

func cbImm(w uint32) uint32 {
	imm := (w>>4)&0x100 | (w>>7)&0x18 | (w<<1)&0xc0 | (w>>2)&0x6 | (w<<3)&0x20
	return signExtend(imm, 9)
}

func execCAddi4spn(c *CPU, instr Instruction) error {
	w := instr.Half()
	imm := (w>>7)&0x30 | (w>>1)&0x3c0 | (w>>4)&0x4 | (w>>2)&0x8
	if imm == 0 {
		return illegalInstruction(c, instr)
	}
	c.regs.Set(creg(w>>2), c.regs.Get(RegSP)+imm)
	return nil
}

func execCLw(c *CPU, instr Instruction) error {
	w := instr.Half()
	v, err := c.mem.Read32(c.regs.Get(creg(w>>7)) + clwImm(w))
	if err != nil {
		return err
	}
	c.regs.Set(creg(w>>2), v)
	return nil
}

func execCSw(c *CPU, instr Instruction) error {
	w := instr.Half()
	return c.mem.Write32(c.regs.Get(creg(w>>7))+clwImm(w), c.regs.Get(creg(w>>2)))
}

// C.ADDI, and C.NOP when rd is zero.
func execCAddi(c *CPU, instr Instruction) error {
	w := instr.Half()
	rd := (w >> 7) & 0x1f
	c.regs.Set(rd, c.regs.Get(rd)+ciImm(w))
	return nil
}

func execCJal(c *CPU, instr Instruction) error {
	pc := c.regs.PC
	if err := c.Jump(pc + cjImm(instr.Half())); err != nil {
		return err
	}
	c.regs.Set(RegRA, pc+2)
	return nil
}

func execCLi(c *CPU, instr Instruction) error {
	w := instr.Half()
	c.regs.Set((w>>7)&0x1f, ciImm(w))
	return nil
}

// C.ADDI16SP when rd is sp, otherwise C.LUI.
func execCLui(c *CPU, instr Instruction) error {
	w := instr.Half()
	rd := (w >> 7) & 0x1f
	if rd == RegSP {
		imm := (w>>3)&0x200 | (w>>2)&0x10 | (w<<1)&0x40 | (w<<4)&0x180 | (w<<3)&0x20
		if imm == 0 {
			return illegalOperation(instr)
		}
		c.regs.Set(RegSP, c.regs.Get(RegSP)+signExtend(imm, 10))
		return nil
	}
	imm := ciImm(w)
	if imm == 0 {
		return illegalOperation(instr)
	}
	c.regs.Set(rd, imm<<12)
	return nil
}

func execCArith(c *CPU, instr Instruction) error {
	w := instr.Half()
	rd := creg(w >> 7)
	a := c.regs.Get(rd)
	switch (w >> 10) & 3 {
	case 0: // C.SRLI
		if w&0x1000 != 0 {
			return illegalOperation(instr)
		}
		c.regs.Set(rd, a>>((w>>2)&0x1f))
	case 1: // C.SRAI
		if w&0x1000 != 0 {
			return illegalOperation(instr)
		}
		c.regs.Set(rd, uint32(int32(a)>>((w>>2)&0x1f)))
	case 2: // C.ANDI
		c.regs.Set(rd, a&ciImm(w))
	case 3:
		if w&0x1000 != 0 {
			return unimplementedInstruction(c, instr)
		}
		b := c.regs.Get(creg(w >> 2))
		switch (w >> 5) & 3 {
		case 0:
			c.regs.Set(rd, a-b)
		case 1:
			c.regs.Set(rd, a^b)
		case 2:
			c.regs.Set(rd, a|b)
		case 3:
			c.regs.Set(rd, a&b)
		}
	}
	return nil
}

func execCJ(c *CPU, instr Instruction) error {
	return c.Jump(c.regs.PC + cjImm(instr.Half()))
}

func execCBeqz(c *CPU, instr Instruction) error {
	w := instr.Half()
	if c.regs.Get(creg(w>>7)) == 0 {
		return c.Jump(c.regs.PC + cbImm(w))
	}
	return nil
}

func execCBnez(c *CPU, instr Instruction) error {
	w := instr.Half()
	if c.regs.Get(creg(w>>7)) != 0 {
		return c.Jump(c.regs.PC + cbImm(w))
	}
	return nil
}

func execCSlli(c *CPU, instr Instruction) error {
	w := instr.Half()
	if w&0x1000 != 0 {
		return illegalOperation(instr)
	}
	rd := (w >> 7) & 0x1f
	c.regs.Set(rd, c.regs.Get(rd)<<((w>>2)&0x1f))
	return nil
}

func execCLwsp(c *CPU, instr Instruction) error {
	w := instr.Half()
	rd := (w >> 7) & 0x1f
	if rd == 0 {
		return illegalOperation(instr)
	}
	imm := (w>>7)&0x20 | (w>>2)&0x1c | (w<<4)&0xc0
	v, err := c.mem.Read32(c.regs.Get(RegSP) + imm)
	if err != nil {
		return err
	}
	c.regs.Set(rd, v)
	return nil
}

// C.JR, C.MV, C.EBREAK, C.JALR and C.ADD.
func execCMisc(c *CPU, instr Instruction) error {
	w := instr.Half()
	rs1 := (w >> 7) & 0x1f
	rs2 := (w >> 2) & 0x1f
	if w&0x1000 == 0 {
		if rs2 == 0 {
			if rs1 == 0 {
				return illegalOperation(instr)
			}
			return c.Jump(c.regs.Get(rs1) &^ 1)
		}
		c.regs.Set(rs1, c.regs.Get(rs2))
		return nil
	}
	switch {
	case rs1 == 0 && rs2 == 0:
		return c.machine.systemCall(SyscallEbreak)
	case rs2 == 0:
		pc := c.regs.PC
		if err := c.Jump(c.regs.Get(rs1) &^ 1); err != nil {
			return err
		}
		c.regs.Set(RegRA, pc+2)
		return nil
	}
	c.regs.Set(rs1, c.regs.Get(rs1)+c.regs.Get(rs2))
	return nil
}

func execCSwsp(c *CPU, instr Instruction) error {
	w := instr.Half()
	imm := (w>>7)&0x3c | (w>>1)&0xc0
	return c.mem.Write32(c.regs.Get(RegSP)+imm, c.regs.Get((w>>2)&0x1f))
}
