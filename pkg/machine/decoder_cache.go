package machine

import (
	"encoding/binary"

	"rvemu/pkg/memory"
)

// decoderCache memoizes Decode for every instruction slot of the pages
// spanned by the exec segment. A slot never holds anything other than what
// decoding the bytes at its address would produce.
type decoderCache struct {
	cpu       *CPU
	mode      DecoderCacheMode
	unitShift uint32
	begin     uint32
	end       uint32
	firstPage uint32
	pages     [][]Handler
}

func newDecoderCache(c *CPU, mode DecoderCacheMode) *decoderCache {
	d := &decoderCache{cpu: c, mode: mode, unitShift: 2}
	if c.compressed {
		d.unitShift = 1
	}
	d.rebuild()
	return d
}

// rebuild sizes the cache to the current exec segment.
func (d *decoderCache) rebuild() {
	mem := d.cpu.mem
	d.begin, d.end = mem.ExecSegment()
	d.pages = nil
	if d.end <= d.begin {
		return
	}
	d.firstPage = mem.PageNumber(d.begin)
	last := mem.PageNumber(d.end - 1)
	units := mem.PageSize() >> d.unitShift
	d.pages = make([][]Handler, last-d.firstPage+1)
	for i := range d.pages {
		d.pages[i] = make([]Handler, units)
		if d.mode == DecoderCacheEager {
			d.generate(d.firstPage + uint32(i))
		}
	}
}

// generate decodes every slot of pageno. Slots outside the segment get the
// illegal-instruction sentinel.
func (d *decoderCache) generate(pageno uint32) {
	mem := d.cpu.mem
	slots := d.pages[pageno-d.firstPage]
	base := pageno * uint32(mem.PageSize())
	var buf [4]byte
	for i := range slots {
		addr := base + uint32(i)<<d.unitShift
		if addr < d.begin || addr >= d.end {
			slots[i] = illegalInstruction
			continue
		}
		mem.MemcpyOut(buf[:], addr)
		slots[i] = d.cpu.Decode(Instruction(binary.LittleEndian.Uint32(buf[:])))
	}
}

// slot returns the cache entry for pc, or nil when pc is not cached.
func (d *decoderCache) slot(pc uint32) *Handler {
	if d == nil || pc < d.begin || pc >= d.end || pc&(1<<d.unitShift-1) != 0 {
		return nil
	}
	mem := d.cpu.mem
	slots := d.pages[mem.PageNumber(pc)-d.firstPage]
	return &slots[mem.PageOffset(pc)>>d.unitShift]
}

func (d *decoderCache) pageChanged(pageno uint32) {
	if d == nil {
		return
	}
	begin, end := d.cpu.mem.ExecSegment()
	if pageno == memory.AllPages || begin != d.begin || end != d.end {
		d.rebuild()
		return
	}
	if d.pages == nil || pageno < d.firstPage || pageno-d.firstPage >= uint32(len(d.pages)) {
		return
	}
	if d.mode == DecoderCacheEager {
		d.generate(pageno)
	} else {
		clear(d.pages[pageno-d.firstPage])
	}
}
