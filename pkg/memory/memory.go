package memory

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"
	"unsafe"

	"rvemu/pkg/errors"
)

const (
	DefaultPageSize = 1 << 12
	MinPageSize     = 64

	// AllPages is passed to change listeners when every page is affected.
	AllPages = ^uint32(0)
)

// Word is any unsigned integer type that can be loaded from or stored to guest memory.
type Word interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// TrapDecision is returned by read and write traps.
type TrapDecision int

const (
	// TrapAllow performs the access normally.
	TrapAllow TrapDecision = iota
	// TrapRewrite substitutes the returned value for the loaded or stored one.
	TrapRewrite
	// TrapFault raises a ProtectionFault at the accessed address.
	TrapFault
)

// TrapFunc intercepts a guest access of width bytes at address. For reads value is 0.
type TrapFunc func(address uint32, width int, value uint64) (TrapDecision, uint64)

// PageFaultHandler supplies a page for a page number that has no page yet.
// The returned page is inserted into the page map by the caller.
type PageFaultHandler func(m *Memory, pageno uint32) (*Page, error)

type Options struct {
	PageSize int
	// MaxPages bounds the number of allocated pages. Zero means unlimited.
	MaxPages int
	// StrictAlignment rejects loads and stores not aligned to their width.
	StrictAlignment bool
}

// Memory is the sparse guest address space of one machine.
type Memory struct {
	pageSize        uint32
	pageShift       uint32
	pageMask        uint32
	pages           map[uint32]*Page
	zeroPage        *Page
	maxPages        int
	strictAlignment bool

	pageFault PageFaultHandler
	readTrap  TrapFunc
	writeTrap TrapFunc
	listeners []func(pageno uint32)

	exec         execSegment
	startAddress uint32
	stackInitial uint32
}

//
// Memory Creation & Configuration
//

// New creates an empty address space.
func New(opts Options) (*Memory, error) {
	size := opts.PageSize
	if size == 0 {
		size = DefaultPageSize
	}
	if size < MinPageSize || size&(size-1) != 0 || size > 1<<30 {
		return nil, fmt.Errorf("invalid page size %d: must be a power of two >= %d", size, MinPageSize)
	}
	return &Memory{
		pageSize:        uint32(size),
		pageShift:       uint32(bits.TrailingZeros32(uint32(size))),
		pageMask:        uint32(size - 1),
		pages:           make(map[uint32]*Page),
		zeroPage:        newZeroPage(size),
		maxPages:        opts.MaxPages,
		strictAlignment: opts.StrictAlignment,
	}, nil
}

func (m *Memory) PageSize() int {
	return int(m.pageSize)
}

// PageNumber returns the page number that owns address.
func (m *Memory) PageNumber(address uint32) uint32 {
	return address >> m.pageShift
}

// PageOffset returns the byte offset of address within its page.
func (m *Memory) PageOffset(address uint32) uint32 {
	return address & m.pageMask
}

// PageCount returns the number of allocated pages.
func (m *Memory) PageCount() int {
	return len(m.pages)
}

// SetPageFaultHandler installs the policy used when a page must be created.
// A nil handler restores DefaultPageFault.
func (m *Memory) SetPageFaultHandler(h PageFaultHandler) {
	m.pageFault = h
}

// DefaultPageFault allocates a zero-filled readable and writable page.
func DefaultPageFault(m *Memory, pageno uint32) (*Page, error) {
	return NewPage(int(m.pageSize), AttrReadWrite), nil
}

func (m *Memory) SetReadTrap(fn TrapFunc) {
	m.readTrap = fn
}

func (m *Memory) SetWriteTrap(fn TrapFunc) {
	m.writeTrap = fn
}

// OnPageChange registers fn to be told when a page is unmapped, changes
// attributes, or has the contents of an executable page modified.
func (m *Memory) OnPageChange(fn func(pageno uint32)) {
	m.listeners = append(m.listeners, fn)
}

func (m *Memory) notify(pageno uint32) {
	for _, fn := range m.listeners {
		fn(pageno)
	}
}

func (m *Memory) StartAddress() uint32 {
	return m.startAddress
}

func (m *Memory) SetStartAddress(addr uint32) {
	m.startAddress = addr
}

func (m *Memory) StackInitial() uint32 {
	return m.stackInitial
}

func (m *Memory) SetStackInitial(addr uint32) {
	m.stackInitial = addr
}

//
// Page map
//

// GetPage returns the page for pageno, or the shared zero page when none exists.
// It never allocates.
func (m *Memory) GetPage(pageno uint32) *Page {
	if page, ok := m.pages[pageno]; ok {
		return page
	}
	return m.zeroPage
}

// HasPage reports whether pageno has an allocated page.
func (m *Memory) HasPage(pageno uint32) bool {
	_, ok := m.pages[pageno]
	return ok
}

// CreatePage returns the page for pageno, consulting the page-fault handler
// when it does not exist yet.
func (m *Memory) CreatePage(pageno uint32) (*Page, error) {
	if page, ok := m.pages[pageno]; ok {
		return page, nil
	}
	if m.maxPages > 0 && len(m.pages) >= m.maxPages {
		return nil, errors.Exceptionf(errors.ProtectionFault, uint64(pageno)<<m.pageShift,
			"Out of memory: page limit %d reached", m.maxPages)
	}
	handler := m.pageFault
	if handler == nil {
		handler = DefaultPageFault
	}
	page, err := handler(m, pageno)
	if err != nil {
		if errors.IsMachineException(err) {
			return nil, err
		}
		return nil, errors.Wrap(errors.ProtectionFault, err, uint64(pageno)<<m.pageShift)
	}
	if page == nil || len(page.data) != int(m.pageSize) || page.shared {
		return nil, errors.Exceptionf(errors.ProtectionFault, uint64(pageno)<<m.pageShift,
			"Page fault handler returned an invalid page for page %d", pageno)
	}
	m.pages[pageno] = page
	return page, nil
}

// InsertPage places page at pageno, replacing any existing page.
func (m *Memory) InsertPage(pageno uint32, page *Page) error {
	if len(page.data) != int(m.pageSize) {
		return fmt.Errorf("page size mismatch: got %d, want %d", len(page.data), m.pageSize)
	}
	if page.shared {
		return fmt.Errorf("the shared zero page cannot be inserted")
	}
	// Listeners must hear about new pages too: an eager decoder cache may
	// hold slots generated while the page was absent.
	m.pages[pageno] = page
	m.pageChanged(pageno)
	return nil
}

// FreePages unmaps every page touched by [address, address+length).
func (m *Memory) FreePages(address, length uint32) {
	m.pageRangeIterator(address, length, func(pageno uint32) {
		if _, ok := m.pages[pageno]; ok {
			delete(m.pages, pageno)
			m.pageChanged(pageno)
		}
	})
}

// SetPageAttr marks every page touched by [address, address+length) with attr,
// creating pages as needed.
func (m *Memory) SetPageAttr(address, length uint32, attr Attributes) error {
	var err error
	m.pageRangeIterator(address, length, func(pageno uint32) {
		if err != nil {
			return
		}
		var page *Page
		if page, err = m.CreatePage(pageno); err != nil {
			return
		}
		if page.attr != attr {
			page.attr = attr
			m.pageChanged(pageno)
		}
	})
	return err
}

// ForEachPage calls fn for every allocated page in ascending page order.
func (m *Memory) ForEachPage(fn func(pageno uint32, page *Page)) {
	keys := make([]uint32, 0, len(m.pages))
	for k := range m.pages {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		fn(k, m.pages[k])
	}
}

// Reset drops every page and the exec segment.
func (m *Memory) Reset() {
	m.pages = make(map[uint32]*Page)
	m.exec.release()
	m.exec = execSegment{}
	m.notify(AllPages)
}

// Close releases the exec segment mapping.
func (m *Memory) Close() error {
	return m.exec.release()
}

// pageChanged resyncs the exec view of pageno and tells listeners.
func (m *Memory) pageChanged(pageno uint32) {
	m.syncExecPage(pageno)
	m.notify(pageno)
}

// pageRangeIterator applies fn to each page touched by [address, address+length).
func (m *Memory) pageRangeIterator(address, length uint32, fn func(pageno uint32)) {
	if length == 0 {
		return
	}
	first := uint64(address) >> m.pageShift
	last := (uint64(address) + uint64(length) - 1) >> m.pageShift
	for p := first; p <= last; p++ {
		fn(uint32(p))
	}
}

//
// Guest loads and stores
//

// Read loads a little-endian T from address, honoring the read trap and page
// attributes. Unmapped pages read as zero and are not allocated.
func Read[T Word](m *Memory, address uint32) (T, error) {
	var zero T
	v, err := m.load(address, uint32(unsafe.Sizeof(zero)))
	return T(v), err
}

// Write stores a little-endian T at address, honoring the write trap and page
// attributes. The destination page is always allocated.
func Write[T Word](m *Memory, address uint32, value T) error {
	return m.store(address, uint32(unsafe.Sizeof(value)), uint64(value))
}

func (m *Memory) Read8(address uint32) (uint8, error)   { return Read[uint8](m, address) }
func (m *Memory) Read16(address uint32) (uint16, error) { return Read[uint16](m, address) }
func (m *Memory) Read32(address uint32) (uint32, error) { return Read[uint32](m, address) }
func (m *Memory) Read64(address uint32) (uint64, error) { return Read[uint64](m, address) }

func (m *Memory) Write8(address uint32, v uint8) error   { return Write(m, address, v) }
func (m *Memory) Write16(address uint32, v uint16) error { return Write(m, address, v) }
func (m *Memory) Write32(address uint32, v uint32) error { return Write(m, address, v) }
func (m *Memory) Write64(address uint32, v uint64) error { return Write(m, address, v) }

func widthMask(width uint32) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * width)) - 1
}

func (m *Memory) load(address, width uint32) (uint64, error) {
	if m.strictAlignment && address&(width-1) != 0 {
		return 0, errors.Exceptionf(errors.ProtectionFault, uint64(address), "Misaligned %d-byte read", width)
	}
	if m.readTrap != nil {
		decision, value := m.readTrap(address, int(width), 0)
		switch decision {
		case TrapRewrite:
			return value & widthMask(width), nil
		case TrapFault:
			return 0, errors.Trigger(errors.ProtectionFault, uint64(address))
		}
	}

	offset := address & m.pageMask
	if offset+width <= m.pageSize {
		page := m.GetPage(address >> m.pageShift)
		if !page.attr.Read {
			return 0, errors.Trigger(errors.ProtectionFault, uint64(address))
		}
		return decodeLE(page.data[offset : offset+width]), nil
	}

	// Straddles two pages; both must be readable.
	var buf [8]byte
	first := m.pageSize - offset
	lo := m.GetPage(address >> m.pageShift)
	hiAddr := address + first
	hi := m.GetPage(hiAddr >> m.pageShift)
	if !lo.attr.Read {
		return 0, errors.Trigger(errors.ProtectionFault, uint64(address))
	}
	if !hi.attr.Read {
		return 0, errors.Trigger(errors.ProtectionFault, uint64(hiAddr))
	}
	copy(buf[:first], lo.data[offset:])
	copy(buf[first:width], hi.data[:width-first])
	return decodeLE(buf[:width]), nil
}

func (m *Memory) store(address, width uint32, value uint64) error {
	if m.strictAlignment && address&(width-1) != 0 {
		return errors.Exceptionf(errors.ProtectionFault, uint64(address), "Misaligned %d-byte write", width)
	}
	if m.writeTrap != nil {
		decision, rewritten := m.writeTrap(address, int(width), value)
		switch decision {
		case TrapRewrite:
			value = rewritten
		case TrapFault:
			return errors.Trigger(errors.ProtectionFault, uint64(address))
		}
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)

	offset := address & m.pageMask
	if offset+width <= m.pageSize {
		pageno := address >> m.pageShift
		page, err := m.CreatePage(pageno)
		if err != nil {
			return err
		}
		if !page.attr.Write {
			return errors.Trigger(errors.ProtectionFault, uint64(address))
		}
		copy(page.data[offset:], buf[:width])
		if page.attr.Exec {
			m.pageChanged(pageno)
		}
		return nil
	}

	first := m.pageSize - offset
	hiAddr := address + first
	loNo, hiNo := address>>m.pageShift, hiAddr>>m.pageShift
	// A failed straddling store must not leave either page behind.
	_, loExisted := m.pages[loNo]
	_, hiExisted := m.pages[hiNo]
	undo := func() {
		if !loExisted {
			delete(m.pages, loNo)
		}
		if !hiExisted {
			delete(m.pages, hiNo)
		}
	}
	lo, err := m.CreatePage(loNo)
	if err != nil {
		return err
	}
	hi, err := m.CreatePage(hiNo)
	if err != nil {
		undo()
		return err
	}
	if !lo.attr.Write {
		undo()
		return errors.Trigger(errors.ProtectionFault, uint64(address))
	}
	if !hi.attr.Write {
		undo()
		return errors.Trigger(errors.ProtectionFault, uint64(hiAddr))
	}
	copy(lo.data[offset:], buf[:first])
	copy(hi.data, buf[first:width])
	if lo.attr.Exec {
		m.pageChanged(loNo)
	}
	if hi.attr.Exec {
		m.pageChanged(hiNo)
	}
	return nil
}

func decodeLE(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}
