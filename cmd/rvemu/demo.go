package main

import (
	"rvemu/pkg/machine"
	"rvemu/pkg/rvasm"
	"rvemu/pkg/session"
	"rvemu/pkg/threads"
)

func threadsDebug() {
	threads.Debug = true
}

const demoMessage = "hello from rv32\n"

// demoImage clones a thread that prints a greeting while the main thread
// waits for it with sched_yield, then exits with status 0.
func demoImage() []byte {
	child := rvasm.NewAssembler()
	child.Emit32(
		rvasm.ADDI(rvasm.A0, rvasm.Zero, 1),
		rvasm.MV(rvasm.A1, rvasm.S1),
		rvasm.ADDI(rvasm.A2, rvasm.Zero, int32(len(demoMessage))),
		rvasm.ADDI(rvasm.A7, rvasm.Zero, session.SysWrite),
		rvasm.ECALL(),
		rvasm.ADDI(rvasm.A7, rvasm.Zero, threads.SysExit),
		rvasm.ECALL(),
	)

	a := rvasm.NewAssembler()
	// s1 = address of the message, which follows the code.
	a.Emit32(rvasm.AUIPC(rvasm.S1, 0))
	msgOffset := a.Offset()
	a.Emit32(rvasm.ADDI(rvasm.S1, rvasm.S1, 0)) // patched below
	a.Emit32(
		rvasm.ADDI(rvasm.A0, rvasm.Zero, 0),
		rvasm.LUI(rvasm.A1, 0x40000),
		rvasm.ADDI(rvasm.A7, rvasm.Zero, threads.SysClone),
		rvasm.ECALL(),
		rvasm.BNE(rvasm.A0, rvasm.Zero, int32(4+child.Offset())),
	)
	a.Emit32(wordsOf(child.Bytes())...)
	a.Emit32(
		rvasm.ADDI(rvasm.A7, rvasm.Zero, threads.SysSchedYield),
		rvasm.ECALL(),
		rvasm.ADDI(rvasm.A0, rvasm.Zero, 0),
		rvasm.ADDI(rvasm.A7, rvasm.Zero, machine.SyscallExit),
		rvasm.ECALL(),
	)

	code := a.Bytes()
	// auipc sits at offset 0, so the message is len(code) bytes past s1.
	patched := rvasm.ADDI(rvasm.S1, rvasm.S1, int32(len(code)))
	code[msgOffset] = byte(patched)
	code[msgOffset+1] = byte(patched >> 8)
	code[msgOffset+2] = byte(patched >> 16)
	code[msgOffset+3] = byte(patched >> 24)
	return append(code, demoMessage...)
}

func wordsOf(code []byte) []uint32 {
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = uint32(code[4*i]) | uint32(code[4*i+1])<<8 | uint32(code[4*i+2])<<16 | uint32(code[4*i+3])<<24
	}
	return words
}
