package memory

import (
	"rvemu/pkg/errors"
)

// Bulk operations act on behalf of the host. They split at page boundaries
// and ignore page attributes and traps.

// chunkIterator walks [address, address+length) in page-bounded pieces.
func (m *Memory) chunkIterator(address uint32, length int, fn func(pageno, offset uint32, size int, done int) error) error {
	done := 0
	for length > 0 {
		offset := address & m.pageMask
		size := int(m.pageSize - offset)
		if size > length {
			size = length
		}
		if err := fn(address>>m.pageShift, offset, size, done); err != nil {
			return err
		}
		address += uint32(size)
		length -= size
		done += size
	}
	return nil
}

// Memset fills length bytes at dst with value, allocating pages.
func (m *Memory) Memset(dst uint32, value byte, length int) error {
	return m.chunkIterator(dst, length, func(pageno, offset uint32, size int, _ int) error {
		page, err := m.CreatePage(pageno)
		if err != nil {
			return err
		}
		chunk := page.data[offset : int(offset)+size]
		for i := range chunk {
			chunk[i] = value
		}
		if page.attr.Exec {
			m.pageChanged(pageno)
		}
		return nil
	})
}

// Memcpy copies src into guest memory at dst, allocating pages.
func (m *Memory) Memcpy(dst uint32, src []byte) error {
	return m.chunkIterator(dst, len(src), func(pageno, offset uint32, size int, done int) error {
		page, err := m.CreatePage(pageno)
		if err != nil {
			return err
		}
		copy(page.data[offset:], src[done : done+size])
		if page.attr.Exec {
			m.pageChanged(pageno)
		}
		return nil
	})
}

// MemcpyOut copies len(dst) bytes starting at guest address src into dst.
// Unmapped pages read as zero.
func (m *Memory) MemcpyOut(dst []byte, src uint32) error {
	return m.chunkIterator(src, len(dst), func(pageno, offset uint32, size int, done int) error {
		page := m.GetPage(pageno)
		copy(dst[done : done+size], page.data[offset:])
		return nil
	})
}

// MemString reads a NUL-terminated string of at most maxLen bytes.
func (m *Memory) MemString(address uint32, maxLen int) (string, error) {
	var out []byte
	for len(out) < maxLen {
		page := m.GetPage(address >> m.pageShift)
		if !page.attr.Read {
			return "", errors.Trigger(errors.ProtectionFault, uint64(address))
		}
		offset := address & m.pageMask
		for _, c := range page.data[offset:] {
			if c == 0 {
				return string(out), nil
			}
			out = append(out, c)
			address++
			if len(out) == maxLen {
				break
			}
		}
	}
	return string(out), nil
}

// Gather returns a read-only view of [address, address+length) as page
// fragments. Every page must be readable, and the range may span at most
// MaxFragments pages.
func (m *Memory) Gather(address uint32, length int) (Buffer, error) {
	var buf Buffer
	err := m.chunkIterator(address, length, func(pageno, offset uint32, size int, done int) error {
		page := m.GetPage(pageno)
		if !page.attr.Read {
			return errors.Trigger(errors.ProtectionFault, uint64(address)+uint64(done))
		}
		if !buf.appendFragment(page.data[offset : int(offset)+size]) {
			return errors.Exceptionf(errors.ProtectionFault, uint64(address),
				"Gather of %d bytes needs more than %d fragments", length, MaxFragments)
		}
		return nil
	})
	if err != nil {
		return Buffer{}, err
	}
	return buf, nil
}
