package machine

import (
	"context"
	"encoding/binary"

	"rvemu/pkg/errors"
	"rvemu/pkg/memory"
)

// batchSize is the number of instructions run between cancellation checks.
const batchSize = 100

type cachedPage struct {
	pageno uint32
	page   *memory.Page
	valid  bool
}

// CPU is the fetch-decode-execute engine of one machine.
type CPU struct {
	machine    *Machine
	mem        *memory.Memory
	regs       Registers
	counter    uint64
	compressed bool
	alignMask  uint32
	jumped     bool

	reservation      uint32
	reservationValid bool

	execBegin uint32
	execEnd   uint32
	execData  []byte

	current       cachedPage
	pageCache     []cachedPage
	pageCacheIter uint64

	decoder *decoderCache
}

func newCPU(m *Machine, opts Options) *CPU {
	c := &CPU{
		machine:    m,
		mem:        m.Memory,
		compressed: opts.Compressed,
		alignMask:  3,
		pageCache:  make([]cachedPage, opts.PageCacheDepth),
	}
	if opts.Compressed {
		c.alignMask = 1
	}
	if opts.DecoderCache != DecoderCacheOff {
		c.decoder = newDecoderCache(c, opts.DecoderCache)
	}
	m.Memory.OnPageChange(c.pageChanged)
	return c
}

// Reset zeroes the registers, re-establishes the stack pointer and jumps to
// the memory's start address.
func (c *CPU) Reset() {
	c.regs = Registers{}
	c.regs.X[RegSP] = c.mem.StackInitial()
	c.regs.PC = c.mem.StartAddress()
	c.reservationValid = false
	c.invalidatePageCache()
}

func (c *CPU) PC() uint32 {
	return c.regs.PC
}

func (c *CPU) Reg(i uint32) uint32 {
	return c.regs.Get(i)
}

func (c *CPU) SetReg(i uint32, v uint32) {
	c.regs.Set(i, v)
}

// Registers returns the live register file.
func (c *CPU) Registers() *Registers {
	return &c.regs
}

// SetRegisters replaces the whole register file, as on a thread switch.
func (c *CPU) SetRegisters(r Registers) {
	r.X[0] = 0
	c.regs = r
	c.reservationValid = false
}

// InstructionCounter is the number of instructions retired since creation.
func (c *CPU) InstructionCounter() uint64 {
	return c.counter
}

// PageCacheEvictions counts fetch pages pushed out of the page cache.
func (c *CPU) PageCacheEvictions() uint64 {
	if depth := uint64(len(c.pageCache)); c.pageCacheIter > depth {
		return c.pageCacheIter - depth
	}
	return 0
}

// Jump transfers control to addr. Targets must be aligned to the smallest
// instruction size.
func (c *CPU) Jump(addr uint32) error {
	if addr&c.alignMask != 0 {
		return errors.Trigger(errors.MisalignedInstruction, uint64(addr))
	}
	c.regs.PC = addr
	c.jumped = true
	return nil
}

// Simulate runs at most maxInstructions instructions, stopping early when the
// machine is stopped, an exception is raised or ctx is done.
func (c *CPU) Simulate(ctx context.Context, maxInstructions uint64) error {
	var executed uint64
	for executed < maxInstructions && !c.machine.stopped {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(uint64(batchSize), maxInstructions-executed)
		for i := uint64(0); i < n && !c.machine.stopped; i++ {
			if err := c.Step(); err != nil {
				return err
			}
			executed++
		}
	}
	return nil
}

// Step executes exactly one instruction.
func (c *CPU) Step() error {
	pc := c.regs.PC
	instr, err := c.fetch(pc)
	if err != nil {
		return err
	}

	var handler Handler
	if slot := c.decoder.slot(pc); slot != nil {
		if *slot == nil {
			*slot = c.Decode(instr)
		}
		handler = *slot
	} else {
		handler = c.Decode(instr)
	}

	if fileLogger != nil {
		fileLogger.Printf("pc=0x%08x instruction=0x%08x counter=%d", pc, uint32(instr), c.counter)
	}

	c.jumped = false
	if err := handler(c, instr); err != nil {
		return err
	}
	if !c.jumped {
		// A syscall may have switched threads; advance whatever PC is live now.
		c.regs.PC += c.length(instr)
	}
	c.counter++
	return nil
}

// fetch reads the instruction at pc, preferring the flat exec view.
func (c *CPU) fetch(pc uint32) (Instruction, error) {
	if pc >= c.execBegin && pc < c.execEnd && c.execData != nil && c.execEnd-pc >= 4 {
		return Instruction(binary.LittleEndian.Uint32(c.execData[pc-c.execBegin:])), nil
	}

	pageno := c.mem.PageNumber(pc)
	page, err := c.fetchPage(pageno, pc)
	if err != nil {
		return 0, err
	}
	offset := c.mem.PageOffset(pc)
	data := page.Data()
	if int(offset)+4 <= len(data) {
		return Instruction(binary.LittleEndian.Uint32(data[offset:])), nil
	}

	// The last two bytes of a page: only a long instruction needs the next page.
	lo := uint32(binary.LittleEndian.Uint16(data[offset:]))
	if c.compressed && lo&3 != 3 {
		return Instruction(lo), nil
	}
	next, err := c.fetchPage(pageno+1, pc+2)
	if err != nil {
		return 0, err
	}
	hi := uint32(binary.LittleEndian.Uint16(next.Data()))
	return Instruction(lo | hi<<16), nil
}

// fetchPage resolves an executable page through the page cache.
func (c *CPU) fetchPage(pageno, addr uint32) (*memory.Page, error) {
	if c.current.valid && c.current.pageno == pageno {
		return c.current.page, nil
	}
	for i := range c.pageCache {
		if e := c.pageCache[i]; e.valid && e.pageno == pageno {
			c.current = e
			return e.page, nil
		}
	}
	page, err := c.mem.ExecutablePage(addr)
	if err != nil {
		return nil, err
	}
	entry := cachedPage{pageno: pageno, page: page, valid: true}
	if len(c.pageCache) > 0 {
		c.pageCache[c.pageCacheIter%uint64(len(c.pageCache))] = entry
	}
	c.pageCacheIter++
	c.current = entry
	return page, nil
}

func (c *CPU) invalidatePageCache() {
	c.current = cachedPage{}
	for i := range c.pageCache {
		c.pageCache[i] = cachedPage{}
	}
	c.execBegin, c.execEnd, c.execData = c.mem.ExecView()
}

// pageChanged drops every cached view of pageno.
func (c *CPU) pageChanged(pageno uint32) {
	if pageno == memory.AllPages {
		c.invalidatePageCache()
	} else {
		if c.current.pageno == pageno {
			c.current = cachedPage{}
		}
		for i := range c.pageCache {
			if c.pageCache[i].pageno == pageno {
				c.pageCache[i] = cachedPage{}
			}
		}
		c.execBegin, c.execEnd, c.execData = c.mem.ExecView()
	}
	c.decoder.pageChanged(pageno)
}
