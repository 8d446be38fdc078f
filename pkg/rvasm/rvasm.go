package rvasm

import (
	"encoding/binary"
)

// RV32 register numbers
const (
	Zero = 0
	RA   = 1
	SP   = 2
	GP   = 3
	TP   = 4
	T0   = 5
	T1   = 6
	T2   = 7
	S0   = 8
	S1   = 9
	A0   = 10
	A1   = 11
	A2   = 12
	A3   = 13
	A4   = 14
	A5   = 15
	A6   = 16
	A7   = 17
	S2   = 18
	S3   = 19
	S4   = 20
	S5   = 21
	T3   = 28
	T4   = 29
)

// Assembler emits RV32IMAC machine code
type Assembler struct {
	buf []byte
}

// NewAssembler creates an empty assembler
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Offset returns current write position
func (a *Assembler) Offset() uint32 {
	return uint32(len(a.buf))
}

// Bytes returns the assembled code
func (a *Assembler) Bytes() []byte {
	return a.buf
}

// Emit32 appends 32-bit instruction words
func (a *Assembler) Emit32(words ...uint32) *Assembler {
	for _, w := range words {
		a.buf = binary.LittleEndian.AppendUint32(a.buf, w)
	}
	return a
}

// Emit16 appends compressed instructions
func (a *Assembler) Emit16(halves ...uint16) *Assembler {
	for _, h := range halves {
		a.buf = binary.LittleEndian.AppendUint16(a.buf, h)
	}
	return a
}

//
// 32-bit formats
//

func rType(op, funct3, funct7, rd, rs1, rs2 uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | op
}

func iType(op, funct3, rd, rs1 uint32, imm int32) uint32 {
	return uint32(imm)&0xfff<<20 | rs1<<15 | funct3<<12 | rd<<7 | op
}

func sType(op, funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>5)&0x7f<<25 | rs2<<20 | rs1<<15 | funct3<<12 | u&0x1f<<7 | op
}

func bType(funct3, rs1, rs2 uint32, offset int32) uint32 {
	u := uint32(offset)
	return (u>>12)&1<<31 | (u>>5)&0x3f<<25 | rs2<<20 | rs1<<15 | funct3<<12 |
		(u>>1)&0xf<<8 | (u>>11)&1<<7 | 0x63
}

func ADDI(rd, rs1 uint32, imm int32) uint32 { return iType(0x13, 0, rd, rs1, imm) }
func SLLI(rd, rs1, shamt uint32) uint32     { return iType(0x13, 1, rd, rs1, int32(shamt&31)) }
func ORI(rd, rs1 uint32, imm int32) uint32  { return iType(0x13, 6, rd, rs1, imm) }
func ANDI(rd, rs1 uint32, imm int32) uint32 { return iType(0x13, 7, rd, rs1, imm) }

func ADD(rd, rs1, rs2 uint32) uint32  { return rType(0x33, 0, 0x00, rd, rs1, rs2) }
func SUB(rd, rs1, rs2 uint32) uint32  { return rType(0x33, 0, 0x20, rd, rs1, rs2) }
func MUL(rd, rs1, rs2 uint32) uint32  { return rType(0x33, 0, 0x01, rd, rs1, rs2) }
func DIV(rd, rs1, rs2 uint32) uint32  { return rType(0x33, 4, 0x01, rd, rs1, rs2) }
func DIVU(rd, rs1, rs2 uint32) uint32 { return rType(0x33, 5, 0x01, rd, rs1, rs2) }
func REM(rd, rs1, rs2 uint32) uint32  { return rType(0x33, 6, 0x01, rd, rs1, rs2) }

// LUI loads the upper 20 bits of imm; the low 12 bits are ignored.
func LUI(rd, imm uint32) uint32   { return imm&0xfffff000 | rd<<7 | 0x37 }
func AUIPC(rd, imm uint32) uint32 { return imm&0xfffff000 | rd<<7 | 0x17 }

func JAL(rd uint32, offset int32) uint32 {
	u := uint32(offset)
	return (u>>20)&1<<31 | (u>>1)&0x3ff<<21 | (u>>11)&1<<20 | (u>>12)&0xff<<12 | rd<<7 | 0x6f
}

func JALR(rd, rs1 uint32, imm int32) uint32 { return iType(0x67, 0, rd, rs1, imm) }

func BEQ(rs1, rs2 uint32, offset int32) uint32  { return bType(0, rs1, rs2, offset) }
func BNE(rs1, rs2 uint32, offset int32) uint32  { return bType(1, rs1, rs2, offset) }
func BLT(rs1, rs2 uint32, offset int32) uint32  { return bType(4, rs1, rs2, offset) }
func BGEU(rs1, rs2 uint32, offset int32) uint32 { return bType(7, rs1, rs2, offset) }

func LB(rd, rs1 uint32, imm int32) uint32  { return iType(0x03, 0, rd, rs1, imm) }
func LW(rd, rs1 uint32, imm int32) uint32  { return iType(0x03, 2, rd, rs1, imm) }
func LBU(rd, rs1 uint32, imm int32) uint32 { return iType(0x03, 4, rd, rs1, imm) }
func SB(rs2, rs1 uint32, imm int32) uint32 { return sType(0x23, 0, rs1, rs2, imm) }
func SW(rs2, rs1 uint32, imm int32) uint32 { return sType(0x23, 2, rs1, rs2, imm) }

func LRW(rd, rs1 uint32) uint32           { return rType(0x2f, 2, 0x02<<2, rd, rs1, 0) }
func SCW(rd, rs1, rs2 uint32) uint32      { return rType(0x2f, 2, 0x03<<2, rd, rs1, rs2) }
func AMOADDW(rd, rs1, rs2 uint32) uint32  { return rType(0x2f, 2, 0x00, rd, rs1, rs2) }
func AMOSWAPW(rd, rs1, rs2 uint32) uint32 { return rType(0x2f, 2, 0x01<<2, rd, rs1, rs2) }
func CSRRS(rd, csr, rs1 uint32) uint32    { return csr<<20 | rs1<<15 | 2<<12 | rd<<7 | 0x73 }
func CSRRW(rd, csr, rs1 uint32) uint32    { return csr<<20 | rs1<<15 | 1<<12 | rd<<7 | 0x73 }
func RDINSTRET(rd uint32) uint32          { return CSRRS(rd, 0xC02, Zero) }
func FENCE() uint32                       { return 0x0ff0000f }
func NOP() uint32                         { return ADDI(Zero, Zero, 0) }
func MV(rd, rs uint32) uint32             { return ADDI(rd, rs, 0) }
func ECALL() uint32                       { return 0x00000073 }
func EBREAK() uint32                      { return 0x00100073 }
func J(offset int32) uint32               { return JAL(Zero, offset) }
func RET() uint32                         { return JALR(Zero, RA, 0) }

// LI expands to ADDI, or LUI+ADDI when imm does not fit 12 signed bits.
func LI(rd uint32, imm int32) []uint32 {
	if imm >= -2048 && imm < 2048 {
		return []uint32{ADDI(rd, Zero, imm)}
	}
	lo := imm << 20 >> 20
	hi := uint32(imm-lo) & 0xfffff000
	if lo == 0 {
		return []uint32{LUI(rd, hi)}
	}
	return []uint32{LUI(rd, hi), ADDI(rd, rd, lo)}
}

//
// Compressed formats
//

func ciType(funct3, rd uint32, imm int32) uint16 {
	u := uint32(imm)
	return uint16(funct3<<13 | (u>>5)&1<<12 | rd<<7 | u&0x1f<<2 | 1)
}

func CNOP() uint16                      { return ciType(0, Zero, 0) }
func CADDI(rd uint32, imm int32) uint16 { return ciType(0, rd, imm) }
func CLI(rd uint32, imm int32) uint16   { return ciType(2, rd, imm) }
func CMV(rd, rs2 uint32) uint16         { return uint16(0x8000 | rd<<7 | rs2<<2 | 2) }
func CADD(rd, rs2 uint32) uint16        { return uint16(0x9000 | rd<<7 | rs2<<2 | 2) }
func CJR(rs1 uint32) uint16             { return uint16(0x8000 | rs1<<7 | 2) }
func CEBREAK() uint16                   { return 0x9002 }

// CJ jumps by a signed, even offset in [-2048, 2046].
func CJ(offset int32) uint16 {
	u := uint32(offset)
	w := (u>>11)&1<<12 | (u>>4)&1<<11 | (u>>8)&3<<9 | (u>>10)&1<<8 |
		(u>>6)&1<<7 | (u>>7)&1<<6 | (u>>1)&7<<3 | (u>>5)&1<<2
	return uint16(5<<13 | w | 1)
}
