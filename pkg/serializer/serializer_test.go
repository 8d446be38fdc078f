package serializer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type pageRecord struct {
	Number uint32
	Flags  uint8
	Data   []byte
}

type machineRecord struct {
	Name    string
	Running bool
	Regs    [4]uint32
	Digest  [8]byte
	Counter uint64
	Offset  int32
	Delta   int8
	Pages   []pageRecord
	Parent  *pageRecord
	Missing *pageRecord
}

func TestStructRoundTrip(t *testing.T) {
	in := machineRecord{
		Name:    "guest",
		Running: true,
		Regs:    [4]uint32{0, 1, 0xffffffff, 42},
		Digest:  [8]byte{0xde, 0xad, 0xbe, 0xef},
		Counter: 1 << 40,
		Offset:  -12,
		Delta:   -128,
		Pages:   []pageRecord{{Number: 3, Flags: 5, Data: []byte{1, 2, 3}}, {Number: 9, Data: []byte{}}},
		Parent:  &pageRecord{Number: 1, Data: []byte{}},
	}

	var out machineRecord
	if err := Deserialize(Serialize(in), &out); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDeserializedBytesDoNotAliasInput(t *testing.T) {
	data := Serialize(pageRecord{Number: 1, Data: []byte{1, 2, 3, 4}})
	var v pageRecord
	if err := Deserialize(data, &v); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	for i := range data {
		data[i] = 0xEE
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4}, v.Data); diff != "" {
		t.Errorf("data changed with its source buffer (-want +got):\n%s", diff)
	}
	if got, want := len(v.Data), cap(v.Data); got != want {
		t.Errorf("len %d != cap %d", got, want)
	}
}

func TestSignedIntegersUseFixedWidth(t *testing.T) {
	if diff := cmp.Diff([]byte{0xFE}, Serialize(int8(-2))); diff != "" {
		t.Errorf("int8 encoding (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0xFF, 0xFF, 0xFF, 0xFF}, Serialize(int32(-1))); diff != "" {
		t.Errorf("int32 encoding (-want +got):\n%s", diff)
	}
	var v int16
	if err := Deserialize([]byte{0x00, 0x80}, &v); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if v != -32768 {
		t.Errorf("int16 = %d, want -32768", v)
	}
}

func TestDeserializeRejectsBadPointerTag(t *testing.T) {
	var v *uint8
	if err := Deserialize([]byte{2, 7}, &v); err == nil {
		t.Fatal("expected error for pointer tag 2")
	}
}

func TestDeserializeRejectsTrailingBytes(t *testing.T) {
	data := append(Serialize(uint32(7)), 0xAA)
	var v uint32
	if err := Deserialize(data, &v); err == nil {
		t.Fatal("expected error for trailing bytes")
	}
}

func TestDeserializeRejectsTruncatedInput(t *testing.T) {
	data := Serialize(pageRecord{Number: 1, Data: []byte{1, 2, 3, 4}})
	var v pageRecord
	if err := Deserialize(data[:len(data)-2], &v); err == nil {
		t.Fatal("expected error for truncated slice")
	}
	var u uint64
	if err := Deserialize([]byte{1, 2}, &u); err == nil {
		t.Fatal("expected error for truncated integer")
	}
}

func TestGeneralNatural(t *testing.T) {
	for _, x := range []uint64{0, 1, 127, 128, 16383, 16384, 1 << 32, 1<<56 - 1, 1 << 56, 1 << 63} {
		enc := EncodeGeneralNatural(x)
		got, n, ok := DecodeGeneralNatural(enc)
		if !ok || n != len(enc) || got != x {
			t.Errorf("DecodeGeneralNatural(Encode(%d)) = %d, %d, %v", x, got, n, ok)
		}
	}
}
