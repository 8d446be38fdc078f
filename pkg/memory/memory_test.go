package memory

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"rvemu/pkg/errors"
)

func newTestMemory(t *testing.T, pageSize int) *Memory {
	t.Helper()
	m, err := New(Options{PageSize: pageSize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func wantKind(t *testing.T, err error, kind errors.ExceptionKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", kind)
	}
	if got := errors.KindOf(err); got != kind {
		t.Fatalf("exception kind = %v, want %v (err: %v)", got, kind, err)
	}
}

func TestNewRejectsBadPageSize(t *testing.T) {
	for _, size := range []int{3, 32, 1000, 4097} {
		if _, err := New(Options{PageSize: size}); err == nil {
			t.Errorf("New(PageSize=%d) succeeded, want error", size)
		}
	}
}

func TestUnwrittenReadsAreZeroWithoutAllocating(t *testing.T) {
	m := newTestMemory(t, 4096)
	for _, addr := range []uint32{0, 1, 0x1000, 0x7fff_fffe, 0xffff_fff0} {
		v8, err := m.Read8(addr)
		if err != nil || v8 != 0 {
			t.Errorf("Read8(0x%X) = %d, %v", addr, v8, err)
		}
		v32, err := m.Read32(addr)
		if err != nil || v32 != 0 {
			t.Errorf("Read32(0x%X) = %d, %v", addr, v32, err)
		}
		v64, err := m.Read64(addr)
		if err != nil || v64 != 0 {
			t.Errorf("Read64(0x%X) = %d, %v", addr, v64, err)
		}
	}
	if n := m.PageCount(); n != 0 {
		t.Errorf("PageCount = %d after reads, want 0", n)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := newTestMemory(t, 256)
	tests := []struct {
		name string
		addr uint32
	}{
		{"aligned", 0x1000},
		{"unaligned", 0x1003},
		{"straddle", 0x10fe},
		{"last bytes of page", 0x11fc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.Write8(tt.addr, 0xAB); err != nil {
				t.Fatal(err)
			}
			if v, _ := m.Read8(tt.addr); v != 0xAB {
				t.Errorf("Read8 = 0x%X, want 0xAB", v)
			}
			if err := m.Write16(tt.addr, 0xBEEF); err != nil {
				t.Fatal(err)
			}
			if v, _ := m.Read16(tt.addr); v != 0xBEEF {
				t.Errorf("Read16 = 0x%X, want 0xBEEF", v)
			}
			if err := m.Write32(tt.addr, 0xDEADBEEF); err != nil {
				t.Fatal(err)
			}
			if v, _ := m.Read32(tt.addr); v != 0xDEADBEEF {
				t.Errorf("Read32 = 0x%X, want 0xDEADBEEF", v)
			}
			if err := m.Write64(tt.addr, 0x0123456789ABCDEF); err != nil {
				t.Fatal(err)
			}
			if v, _ := m.Read64(tt.addr); v != 0x0123456789ABCDEF {
				t.Errorf("Read64 = 0x%X, want 0x0123456789ABCDEF", v)
			}
		})
	}
}

func TestStraddlingWriteTouchesBothPages(t *testing.T) {
	m := newTestMemory(t, 256)
	if err := m.Write32(0x2FE, 0x44332211); err != nil {
		t.Fatal(err)
	}
	if n := m.PageCount(); n != 2 {
		t.Fatalf("PageCount = %d, want 2", n)
	}
	lo, _ := m.Read16(0x2FE)
	hi, _ := m.Read16(0x300)
	if lo != 0x2211 || hi != 0x4433 {
		t.Errorf("halves = 0x%X 0x%X, want 0x2211 0x4433", lo, hi)
	}
}

func TestMemcpyRoundTrip(t *testing.T) {
	const pageSize = 128
	sizes := []int{1, 7, pageSize - 1, pageSize, pageSize + 1, 3*pageSize + 17}
	offsets := []uint32{0, 1, 63, pageSize - 1}
	for _, size := range sizes {
		for _, off := range offsets {
			t.Run(fmt.Sprintf("size=%d/offset=%d", size, off), func(t *testing.T) {
				m := newTestMemory(t, pageSize)
				src := make([]byte, size)
				for i := range src {
					src[i] = byte(i*7 + 1)
				}
				dst := uint32(0x4000) + off
				// Guard bytes around the range must stay untouched.
				if err := m.Memset(dst-pageSize, 0xEE, size+2*pageSize); err != nil {
					t.Fatal(err)
				}
				if err := m.Memcpy(dst, src); err != nil {
					t.Fatal(err)
				}
				out := make([]byte, size)
				if err := m.MemcpyOut(out, dst); err != nil {
					t.Fatal(err)
				}
				if diff := cmp.Diff(src, out); diff != "" {
					t.Errorf("memcpy_out mismatch (-want +got):\n%s", diff)
				}
				before, _ := m.Read8(dst - 1)
				after, _ := m.Read8(dst + uint32(size))
				if before != 0xEE || after != 0xEE {
					t.Errorf("guard bytes = 0x%X 0x%X, want 0xEE 0xEE", before, after)
				}
			})
		}
	}
}

func TestMemsetAndMemcpyOutOfUnmapped(t *testing.T) {
	m := newTestMemory(t, 4096)
	out := bytes.Repeat([]byte{0xFF}, 100)
	if err := m.MemcpyOut(out, 0x9000_0000); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, make([]byte, 100)) {
		t.Error("MemcpyOut of unmapped memory should be zero")
	}
	if m.PageCount() != 0 {
		t.Error("MemcpyOut allocated pages")
	}
}

func TestPageAttributesEnforced(t *testing.T) {
	m := newTestMemory(t, 4096)
	if err := m.Write32(0x1000, 5); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPageAttr(0x1000, 4096, AttrRead); err != nil {
		t.Fatal(err)
	}
	wantKind(t, m.Write32(0x1000, 6), errors.ProtectionFault)
	if v, err := m.Read32(0x1000); err != nil || v != 5 {
		t.Errorf("Read32 = %d, %v, want 5", v, err)
	}

	if err := m.SetPageAttr(0x3000, 1, AttrNone); err != nil {
		t.Fatal(err)
	}
	_, err := m.Read8(0x3FFF)
	wantKind(t, err, errors.ProtectionFault)

	// A straddling read faults when the second page is a guard page.
	_, err = m.Read32(0x2FFE)
	wantKind(t, err, errors.ProtectionFault)
}

func TestSetPageAttrCoversPartialPages(t *testing.T) {
	m := newTestMemory(t, 256)
	if err := m.SetPageAttr(0x1F0, 0x20, AttrRead); err != nil {
		t.Fatal(err)
	}
	if n := m.PageCount(); n != 2 {
		t.Fatalf("PageCount = %d, want 2", n)
	}
	wantKind(t, m.Write8(0x100, 1), errors.ProtectionFault)
	wantKind(t, m.Write8(0x2FF, 1), errors.ProtectionFault)
	if err := m.Write8(0x300, 1); err != nil {
		t.Errorf("Write8 on untouched page: %v", err)
	}
}

func TestPageAttrFollowsSetPageAttr(t *testing.T) {
	m := newTestMemory(t, 256)
	if err := m.Write8(0x100, 1); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(AttrReadWrite, m.GetPage(1).Attr()); diff != "" {
		t.Errorf("default attr (-want +got):\n%s", diff)
	}
	if err := m.SetPageAttr(0x100, 0x100, AttrReadExec); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(AttrReadExec, m.GetPage(1).Attr()); diff != "" {
		t.Errorf("attr after SetPageAttr (-want +got):\n%s", diff)
	}
}

func TestReadTrapRewriteAndFault(t *testing.T) {
	m := newTestMemory(t, 4096)
	m.SetReadTrap(func(addr uint32, width int, _ uint64) (TrapDecision, uint64) {
		switch addr {
		case 0x100:
			return TrapRewrite, 0x1_2345_6789
		case 0x200:
			return TrapFault, 0
		}
		return TrapAllow, 0
	})
	if v, err := m.Read32(0x100); err != nil || v != 0x23456789 {
		t.Errorf("Read32(rewritten) = 0x%X, %v, want 0x23456789", v, err)
	}
	_, err := m.Read32(0x200)
	wantKind(t, err, errors.ProtectionFault)
	if v, err := m.Read32(0x300); err != nil || v != 0 {
		t.Errorf("Read32(allowed) = 0x%X, %v", v, err)
	}
}

func TestWriteTrapRewriteAndFault(t *testing.T) {
	m := newTestMemory(t, 4096)
	var seen []uint32
	m.SetWriteTrap(func(addr uint32, width int, value uint64) (TrapDecision, uint64) {
		seen = append(seen, addr)
		switch addr {
		case 0x100:
			return TrapRewrite, value + 1
		case 0x5200:
			return TrapFault, 0
		}
		return TrapAllow, 0
	})
	if err := m.Write32(0x100, 41); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.Read32(0x100); v != 42 {
		t.Errorf("Read32 = %d, want 42", v)
	}
	wantKind(t, m.Write32(0x5200, 1), errors.ProtectionFault)
	if m.HasPage(5) {
		t.Error("faulted write allocated a page")
	}
	if diff := cmp.Diff([]uint32{0x100, 0x5200}, seen); diff != "" {
		t.Errorf("trap addresses (-want +got):\n%s", diff)
	}
}

func TestCustomPageFaultHandler(t *testing.T) {
	m := newTestMemory(t, 4096)
	var faults []uint32
	m.SetPageFaultHandler(func(m *Memory, pageno uint32) (*Page, error) {
		faults = append(faults, pageno)
		if pageno >= 0x10 {
			return nil, fmt.Errorf("no mapping for page %d", pageno)
		}
		p := NewPage(m.PageSize(), AttrReadWrite)
		p.Data()[0] = 0x7F
		return p, nil
	})
	if err := m.Write8(0x5001, 1); err != nil {
		t.Fatal(err)
	}
	if v, _ := m.Read8(0x5000); v != 0x7F {
		t.Errorf("Read8 = 0x%X, want 0x7F from handler", v)
	}
	wantKind(t, m.Write8(0x20000, 1), errors.ProtectionFault)
	if diff := cmp.Diff([]uint32{5, 0x20}, faults); diff != "" {
		t.Errorf("faults (-want +got):\n%s", diff)
	}
}

func TestMaxPages(t *testing.T) {
	m, err := New(Options{PageSize: 4096, MaxPages: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Write8(0x0000, 1); err != nil {
		t.Fatal(err)
	}
	if err := m.Write8(0x1000, 1); err != nil {
		t.Fatal(err)
	}
	wantKind(t, m.Write8(0x2000, 1), errors.ProtectionFault)
}

func TestFailedStraddlingWriteLeavesNoPages(t *testing.T) {
	t.Run("page limit", func(t *testing.T) {
		m, err := New(Options{PageSize: 256, MaxPages: 1})
		if err != nil {
			t.Fatal(err)
		}
		defer m.Close()
		wantKind(t, m.Write32(0x2FE, 0x44332211), errors.ProtectionFault)
		if n := m.PageCount(); n != 0 {
			t.Errorf("PageCount = %d, want 0", n)
		}
		if err := m.Write8(0x400, 1); err != nil {
			t.Errorf("Write8 after failed store: %v", err)
		}
	})
	t.Run("read-only high page", func(t *testing.T) {
		m := newTestMemory(t, 256)
		if err := m.SetPageAttr(0x300, 0x100, AttrRead); err != nil {
			t.Fatal(err)
		}
		wantKind(t, m.Write32(0x2FE, 0x44332211), errors.ProtectionFault)
		if n := m.PageCount(); n != 1 {
			t.Errorf("PageCount = %d, want 1", n)
		}
		if m.HasPage(2) {
			t.Error("low page was left behind")
		}
	})
}

func TestStrictAlignment(t *testing.T) {
	m, err := New(Options{PageSize: 4096, StrictAlignment: true})
	if err != nil {
		t.Fatal(err)
	}
	wantKind(t, m.Write32(0x1002, 1), errors.ProtectionFault)
	_, err = m.Read16(0x1001)
	wantKind(t, err, errors.ProtectionFault)
	if err := m.Write32(0x1004, 1); err != nil {
		t.Errorf("aligned write: %v", err)
	}
}

func TestFreePagesNotifiesListeners(t *testing.T) {
	m := newTestMemory(t, 4096)
	var changed []uint32
	m.OnPageChange(func(pageno uint32) { changed = append(changed, pageno) })
	m.Write8(0x1000, 1)
	m.Write8(0x2000, 1)
	m.FreePages(0x1000, 0x1001)
	if m.PageCount() != 0 {
		t.Errorf("PageCount = %d, want 0", m.PageCount())
	}
	if diff := cmp.Diff([]uint32{1, 2}, changed); diff != "" {
		t.Errorf("notifications (-want +got):\n%s", diff)
	}
	if v, _ := m.Read8(0x1000); v != 0 {
		t.Error("freed page still readable as non-zero")
	}
}

func TestGather(t *testing.T) {
	m := newTestMemory(t, 64)
	data := []byte("hello, scatter gather world")
	if err := m.Memcpy(0x3C, data); err != nil {
		t.Fatal(err)
	}
	buf, err := m.Gather(0x3C, len(data))
	if err != nil {
		t.Fatal(err)
	}
	if buf.IsSequential() {
		t.Error("range across a page boundary reported sequential")
	}
	if buf.Len() != len(data) || buf.String() != string(data) {
		t.Errorf("Gather = %q (len %d), want %q", buf.String(), buf.Len(), data)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Error("Bytes mismatch")
	}
	small, err := m.Gather(0x40, 4)
	if err != nil || !small.IsSequential() {
		t.Errorf("Gather in one page: sequential=%v err=%v", small.IsSequential(), err)
	}

	_, err = m.Gather(0, 64*5)
	wantKind(t, err, errors.ProtectionFault)

	m.SetPageAttr(0x80, 64, AttrNone)
	_, err = m.Gather(0x70, 0x20)
	wantKind(t, err, errors.ProtectionFault)
}

func TestMemString(t *testing.T) {
	m := newTestMemory(t, 64)
	m.Memcpy(0x3A, []byte("page spanning\x00tail"))
	s, err := m.MemString(0x3A, 100)
	if err != nil || s != "page spanning" {
		t.Errorf("MemString = %q, %v", s, err)
	}
	s, _ = m.MemString(0x3A, 4)
	if s != "page" {
		t.Errorf("MemString(max 4) = %q, want %q", s, "page")
	}
}

func TestExecSegment(t *testing.T) {
	m := newTestMemory(t, 4096)
	code := bytes.Repeat([]byte{0x13, 0x00, 0x00, 0x00}, 1500) // 6000 bytes of nop
	if err := m.SetExecSegment(0x10000, code); err != nil {
		t.Fatal(err)
	}
	begin, end, data := m.ExecView()
	if begin != 0x10000 || end != 0x10000+6000 {
		t.Fatalf("ExecView bounds = 0x%X-0x%X", begin, end)
	}
	if !bytes.Equal(data[:len(code)], code) {
		t.Fatal("flat exec view does not match code")
	}
	for _, addr := range []uint32{begin, end - 1, 0x11000} {
		if _, err := m.ExecutablePage(addr); err != nil {
			t.Errorf("ExecutablePage(0x%X): %v", addr, err)
		}
	}
	_, err := m.ExecutablePage(begin - 1)
	wantKind(t, err, errors.ExecutionSpaceProtectionFault)
	_, err = m.ExecutablePage(0x12000)
	wantKind(t, err, errors.ExecutionSpaceProtectionFault)

	// Exec pages are not writable by the guest.
	wantKind(t, m.Write32(begin, 0), errors.ProtectionFault)

	var changed []uint32
	m.OnPageChange(func(pageno uint32) { changed = append(changed, pageno) })
	if err := m.SetPageAttr(0x11000, 1, AttrReadWrite); err != nil {
		t.Fatal(err)
	}
	if _, _, data := m.ExecView(); data != nil {
		t.Error("ExecView still offered after a page lost exec")
	}
	if diff := cmp.Diff([]uint32{0x11}, changed); diff != "" {
		t.Errorf("notifications (-want +got):\n%s", diff)
	}
}

func TestExecViewFollowsHostWrites(t *testing.T) {
	m := newTestMemory(t, 4096)
	if err := m.SetExecSegment(0x1000, make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	if err := m.Memcpy(0x1010, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	_, _, data := m.ExecView()
	if !bytes.Equal(data[0x10:0x14], []byte{1, 2, 3, 4}) {
		t.Errorf("exec view = %x, want 01020304", data[0x10:0x14])
	}
}
