package memory

import (
	"fmt"

	"rvemu/pkg/errors"
)

// execPadding trails the flat exec view so a 4-byte fetch at the last
// 2-byte slot never reads past the mapping.
const execPadding = 4

// execSegment is the guest text segment [begin, end) and a flat copy of it
// used for fetches that skip the page map.
type execSegment struct {
	begin   uint32
	end     uint32
	mapping []byte
	data    []byte
	intact  bool
}

func (s *execSegment) release() error {
	if s.mapping == nil {
		return nil
	}
	err := freeExecBuffer(s.mapping)
	s.mapping = nil
	s.data = nil
	s.intact = false
	return err
}

// SetExecSegment copies code to begin, marks the touched pages read+exec and
// builds the flat fetch view. Any previous exec segment is replaced.
func (m *Memory) SetExecSegment(begin uint32, code []byte) error {
	if len(code) == 0 {
		return fmt.Errorf("empty exec segment")
	}
	if uint64(begin)+uint64(len(code)) >= 1<<32 {
		return fmt.Errorf("exec segment 0x%X+%d overflows the address space", begin, len(code))
	}
	if err := m.Memcpy(begin, code); err != nil {
		return err
	}

	mapping, err := allocExecBuffer(len(code) + execPadding)
	if err != nil {
		return fmt.Errorf("failed to map exec segment: %w", err)
	}
	data := mapping[:len(code)+execPadding]
	copy(data, code)
	if err := protectExecBuffer(mapping, false); err != nil {
		freeExecBuffer(mapping)
		return fmt.Errorf("failed to protect exec segment: %w", err)
	}

	old := m.exec
	m.exec = execSegment{
		begin:   begin,
		end:     begin + uint32(len(code)),
		mapping: mapping,
		data:    data,
	}
	old.release()

	if err := m.SetPageAttr(begin, uint32(len(code)), AttrReadExec); err != nil {
		return err
	}
	m.exec.intact = m.execIntact()
	// Listeners must see the new segment even when attributes did not change.
	m.pageRangeIterator(begin, uint32(len(code)), m.notify)
	return nil
}

// ExecSegment returns the bounds of the exec segment; both are zero when none is set.
func (m *Memory) ExecSegment() (begin, end uint32) {
	return m.exec.begin, m.exec.end
}

// ExecView returns the flat view of the exec segment, indexed by address-begin.
// data is nil when there is no segment or when some page inside it has lost
// its exec attribute, in which case fetches must go through ExecutablePage.
func (m *Memory) ExecView() (begin, end uint32, data []byte) {
	if !m.exec.intact {
		return m.exec.begin, m.exec.end, nil
	}
	return m.exec.begin, m.exec.end, m.exec.data
}

// ExecutablePage returns the page holding address if it may be fetched from.
func (m *Memory) ExecutablePage(address uint32) (*Page, error) {
	page, ok := m.pages[address>>m.pageShift]
	if !ok || !page.attr.Exec {
		return nil, errors.Trigger(errors.ExecutionSpaceProtectionFault, uint64(address))
	}
	return page, nil
}

// RestoreExecSegment rebuilds the flat view of [begin, end) from the pages
// already in memory, as after loading a snapshot.
func (m *Memory) RestoreExecSegment(begin, end uint32) error {
	if end <= begin {
		old := m.exec
		m.exec = execSegment{}
		old.release()
		m.notify(AllPages)
		return nil
	}
	length := int(end - begin)
	mapping, err := allocExecBuffer(length + execPadding)
	if err != nil {
		return fmt.Errorf("failed to map exec segment: %w", err)
	}
	data := mapping[:length+execPadding]
	if err := m.MemcpyOut(data[:length], begin); err != nil {
		freeExecBuffer(mapping)
		return err
	}
	if err := protectExecBuffer(mapping, false); err != nil {
		freeExecBuffer(mapping)
		return fmt.Errorf("failed to protect exec segment: %w", err)
	}
	old := m.exec
	m.exec = execSegment{begin: begin, end: end, mapping: mapping, data: data}
	old.release()
	m.exec.intact = m.execIntact()
	m.notify(AllPages)
	return nil
}

func (m *Memory) execIntact() bool {
	if m.exec.data == nil {
		return false
	}
	intact := true
	m.pageRangeIterator(m.exec.begin, m.exec.end-m.exec.begin, func(pageno uint32) {
		if page, ok := m.pages[pageno]; !ok || !page.attr.Exec {
			intact = false
		}
	})
	return intact
}

// syncExecPage copies the part of pageno overlapping the exec segment back
// into the flat view.
func (m *Memory) syncExecPage(pageno uint32) {
	seg := &m.exec
	if seg.data == nil {
		return
	}
	pageBegin := uint64(pageno) << m.pageShift
	pageEnd := pageBegin + uint64(m.pageSize)
	if pageEnd <= uint64(seg.begin) || pageBegin >= uint64(seg.end) {
		return
	}
	lo := max(pageBegin, uint64(seg.begin))
	hi := min(pageEnd, uint64(seg.end))
	dst := seg.data[lo-uint64(seg.begin) : hi-uint64(seg.begin)]

	if err := protectExecBuffer(seg.mapping, true); err != nil {
		// Without a writable view the flat copy would go stale; fall back to page fetches.
		seg.intact = false
		return
	}
	if page, ok := m.pages[pageno]; ok {
		copy(dst, page.data[lo-pageBegin:])
	} else {
		clear(dst)
	}
	if err := protectExecBuffer(seg.mapping, false); err != nil {
		seg.intact = false
		return
	}
	seg.intact = m.execIntact()
}
