package memory

import "strings"

// MaxFragments is the most page fragments a Buffer can hold.
const MaxFragments = 4

// Buffer is a scatter/gather view over guest pages. Fragments alias page
// memory and must not be written through.
type Buffer struct {
	frags  [MaxFragments][]byte
	count  int
	length int
}

func (b *Buffer) appendFragment(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if b.count == MaxFragments {
		return false
	}
	b.frags[b.count] = data
	b.count++
	b.length += len(data)
	return true
}

// IsSequential reports whether the whole view is a single contiguous slice.
func (b *Buffer) IsSequential() bool {
	return b.count <= 1
}

func (b *Buffer) Len() int {
	return b.length
}

func (b *Buffer) Fragments() [][]byte {
	return b.frags[:b.count]
}

// CopyTo copies up to len(dst) bytes and returns the number copied.
func (b *Buffer) CopyTo(dst []byte) int {
	n := 0
	for _, f := range b.frags[:b.count] {
		if n == len(dst) {
			break
		}
		n += copy(dst[n:], f)
	}
	return n
}

func (b *Buffer) ForEach(fn func(fragment []byte)) {
	for _, f := range b.frags[:b.count] {
		fn(f)
	}
}

// Bytes returns the contents, aliasing page memory when sequential.
func (b *Buffer) Bytes() []byte {
	if b.count == 0 {
		return nil
	}
	if b.count == 1 {
		return b.frags[0]
	}
	out := make([]byte, b.length)
	b.CopyTo(out)
	return out
}

func (b *Buffer) String() string {
	var sb strings.Builder
	sb.Grow(b.length)
	for _, f := range b.frags[:b.count] {
		sb.Write(f)
	}
	return sb.String()
}
