package machine

// Instruction is a raw instruction word. Compressed instructions occupy the
// low 16 bits; the upper half is whatever followed them in memory.
type Instruction uint32

func (i Instruction) Opcode() uint32 { return uint32(i) & 0x7f }
func (i Instruction) Rd() uint32     { return (uint32(i) >> 7) & 0x1f }
func (i Instruction) Rs1() uint32    { return (uint32(i) >> 15) & 0x1f }
func (i Instruction) Rs2() uint32    { return (uint32(i) >> 20) & 0x1f }
func (i Instruction) Funct3() uint32 { return (uint32(i) >> 12) & 7 }
func (i Instruction) Funct7() uint32 { return uint32(i) >> 25 }

func (i Instruction) ImmI() uint32 {
	return uint32(int32(i) >> 20)
}

func (i Instruction) ImmS() uint32 {
	return uint32(int32(i)>>25<<5) | (uint32(i)>>7)&0x1f
}

func (i Instruction) ImmB() uint32 {
	w := uint32(i)
	imm := (w>>31)&1<<12 | (w>>7)&1<<11 | (w>>25)&0x3f<<5 | (w>>8)&0xf<<1
	return uint32(int32(imm<<19) >> 19)
}

func (i Instruction) ImmU() uint32 {
	return uint32(i) & 0xfffff000
}

func (i Instruction) ImmJ() uint32 {
	w := uint32(i)
	imm := (w>>31)&1<<20 | (w>>12)&0xff<<12 | (w>>20)&1<<11 | (w>>21)&0x3ff<<1
	return uint32(int32(imm<<11) >> 11)
}

// IsCompressed reports whether the encoding is a 16-bit RVC instruction.
func (i Instruction) IsCompressed() bool {
	return i&3 != 3
}

// IsLongFormat reports a 48-bit or wider encoding.
func (i Instruction) IsLongFormat() bool {
	return i&0x1f == 0x1f
}

// Half returns the low 16 bits.
func (i Instruction) Half() uint32 {
	return uint32(i) & 0xffff
}

// compressedKey indexes the RVC table by quadrant and funct3.
func (i Instruction) compressedKey() uint32 {
	return (uint32(i)&3)<<3 | (uint32(i)>>13)&7
}
