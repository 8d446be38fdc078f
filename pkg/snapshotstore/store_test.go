package snapshotstore

import (
	"bytes"
	"testing"

	"rvemu/pkg/machine"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/blake2b"
)

func openMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("snapshots", Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i>>8)
	}
	return data
}

var testLayout = machine.SerializedLayout{
	PageSize:     4096,
	Compressed:   true,
	ExecBegin:    0x10000,
	ExecEnd:      0x10040,
	StartAddress: 0x10000,
	StackInitial: machine.DefaultStackTop,
	PageCount:    3,
}

func TestPutGet(t *testing.T) {
	s := openMemStore(t)
	data := testPayload(10_001)

	hash, err := s.Put("boot", data, testLayout)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if hash != blake2b.Sum256(data) {
		t.Errorf("Put returned a hash that is not the content hash")
	}

	got, layout, err := s.Get("boot")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get returned different bytes")
	}
	if diff := cmp.Diff(testLayout, layout); diff != "" {
		t.Errorf("layout mismatch (-want +got):\n%s", diff)
	}

	got, _, err = s.GetByHash(hash)
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("GetByHash: %v", err)
	}
}

func TestDamagedShardsAreRebuilt(t *testing.T) {
	s := openMemStore(t)
	data := testPayload(4096)
	if _, err := s.Put("img", data, testLayout); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// One corrupted and one missing shard are within the parity budget.
	if err := s.db.Set(shardKey("img", 0), []byte("garbage"), nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.db.Delete(shardKey("img", 3), nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _, err := s.Get("img")
	if err != nil {
		t.Fatalf("Get with two damaged shards: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("rebuilt snapshot differs")
	}

	if err := s.db.Delete(shardKey("img", 1), nil); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Get("img"); err == nil {
		t.Errorf("Get succeeded with three damaged shards")
	}
}

func TestListReplaceDelete(t *testing.T) {
	s := openMemStore(t)
	for _, name := range []string{"b", "a", "c"} {
		if _, err := s.Put(name, []byte("snapshot "+name), testLayout); err != nil {
			t.Fatalf("Put(%s): %v", name, err)
		}
	}
	if _, err := s.Put("b", []byte("replaced"), testLayout); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, names); diff != "" {
		t.Errorf("names (-want +got):\n%s", diff)
	}
	if got, _, _ := s.Get("b"); string(got) != "replaced" {
		t.Errorf("Get(b) = %q", got)
	}
	if _, _, err := s.GetByHash(blake2b.Sum256([]byte("snapshot b"))); err == nil {
		t.Errorf("replaced content is still addressable by hash")
	}

	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Get("a"); err == nil {
		t.Errorf("Get after Delete succeeded")
	}
	if err := s.Delete("a"); err == nil {
		t.Errorf("second Delete succeeded")
	}
}

func TestRejectsEmpty(t *testing.T) {
	s := openMemStore(t)
	if _, err := s.Put("", []byte{1}, testLayout); err == nil {
		t.Errorf("empty name accepted")
	}
	if _, err := s.Put("x", nil, testLayout); err == nil {
		t.Errorf("empty data accepted")
	}
}

func TestMachineSnapshotThroughStore(t *testing.T) {
	m, err := machine.New(machine.DefaultOptions())
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	defer m.Close()
	// addi a0, zero, 5; ebreak
	code := []byte{0x13, 0x05, 0x50, 0x00, 0x73, 0x00, 0x10, 0x00}
	if err := m.LoadProgram(code, 0x10000, 0x10000); err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	data, layout, err := m.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	s := openMemStore(t)
	if _, err := s.Put("fresh", data, layout); err != nil {
		t.Fatalf("Put: %v", err)
	}
	stored, storedLayout, err := s.Get("fresh")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	restored, err := machine.New(machine.DefaultOptions())
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	defer restored.Close()
	if err := restored.Restore(stored, storedLayout); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.CPU.PC() != 0x10000 {
		t.Errorf("restored pc = 0x%x", restored.CPU.PC())
	}
}
