package machine

import (
	"encoding/binary"
	"fmt"

	"rvemu/pkg/errors"
	"rvemu/pkg/memory"
	"rvemu/pkg/serializer"
)

const (
	snapshotMagic   = "RVMS"
	snapshotVersion = 1
	headerSize      = len(snapshotMagic) + 2
)

// SerializedLayout describes the memory layout a snapshot was taken with.
// Restore refuses snapshots whose layout differs from the one supplied.
type SerializedLayout struct {
	PageSize     uint32
	Compressed   bool
	ExecBegin    uint32
	ExecEnd      uint32
	StartAddress uint32
	StackInitial uint32
	PageCount    uint32
}

type serializedPage struct {
	Number uint32
	Attr   uint8
	Data   []byte
}

type serializedMachine struct {
	Registers Registers
	Counter   uint64
	ExitCode  int32
	Layout    SerializedLayout
	Pages     []serializedPage
}

// Layout returns the current memory layout descriptor.
func (m *Machine) Layout() SerializedLayout {
	begin, end := m.Memory.ExecSegment()
	return SerializedLayout{
		PageSize:     uint32(m.Memory.PageSize()),
		Compressed:   m.opts.Compressed,
		ExecBegin:    begin,
		ExecEnd:      end,
		StartAddress: m.Memory.StartAddress(),
		StackInitial: m.Memory.StackInitial(),
		PageCount:    uint32(m.Memory.PageCount()),
	}
}

// Serialize captures registers, counters and every page.
func (m *Machine) Serialize() ([]byte, SerializedLayout, error) {
	state := serializedMachine{
		Registers: *m.CPU.Registers(),
		Counter:   m.CPU.InstructionCounter(),
		ExitCode:  m.exitCode,
		Layout:    m.Layout(),
		Pages:     make([]serializedPage, 0, m.Memory.PageCount()),
	}
	m.Memory.ForEachPage(func(pageno uint32, page *memory.Page) {
		state.Pages = append(state.Pages, serializedPage{
			Number: pageno,
			Attr:   page.Attr().Bits(),
			Data:   page.Data(),
		})
	})

	return encodeSnapshot(&state), state.Layout, nil
}

func encodeSnapshot(state *serializedMachine) []byte {
	payload := serializer.Serialize(state)
	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out, snapshotMagic)
	binary.LittleEndian.PutUint16(out[len(snapshotMagic):], snapshotVersion)
	return append(out, payload...)
}

// checkPages rejects page lists that could not be inserted, so that Restore
// fails before touching the current address space.
func (m *Machine) checkPages(pages []serializedPage) error {
	pageSize := m.Memory.PageSize()
	limit := uint64(1<<32) / uint64(pageSize)
	if maxPages := m.opts.MaxPages; maxPages > 0 && len(pages) > maxPages {
		return fmt.Errorf("snapshot holds %d pages, machine allows %d", len(pages), maxPages)
	}
	for i, p := range pages {
		if len(p.Data) != pageSize {
			return fmt.Errorf("page %d holds %d bytes, want %d", p.Number, len(p.Data), pageSize)
		}
		if p.Attr > 7 {
			return fmt.Errorf("page %d has invalid attribute bits 0x%x", p.Number, p.Attr)
		}
		if uint64(p.Number) >= limit {
			return fmt.Errorf("page number %d is outside the address space", p.Number)
		}
		if i > 0 && p.Number <= pages[i-1].Number {
			return fmt.Errorf("page %d is duplicated or out of order", p.Number)
		}
	}
	return nil
}

// Restore replaces the machine state with a snapshot produced by Serialize on
// a machine with the same page size and compressed setting.
func (m *Machine) Restore(data []byte, layout SerializedLayout) error {
	if len(data) < headerSize || string(data[:len(snapshotMagic)]) != snapshotMagic {
		return fmt.Errorf("not a machine snapshot")
	}
	if v := binary.LittleEndian.Uint16(data[len(snapshotMagic):]); v != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", v)
	}

	var state serializedMachine
	if err := serializer.Deserialize(data[headerSize:], &state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if state.Layout != layout {
		return errors.Exceptionf(errors.IllegalOperation, 0,
			"snapshot layout %+v does not match %+v", state.Layout, layout)
	}
	if int(layout.PageSize) != m.Memory.PageSize() || layout.Compressed != m.opts.Compressed {
		return errors.Exceptionf(errors.IllegalOperation, uint64(layout.PageSize),
			"snapshot taken with page size %d compressed=%v, machine has %d compressed=%v",
			layout.PageSize, layout.Compressed, m.Memory.PageSize(), m.opts.Compressed)
	}
	if len(state.Pages) != int(layout.PageCount) {
		return fmt.Errorf("snapshot holds %d pages, layout says %d", len(state.Pages), layout.PageCount)
	}

	if err := m.checkPages(state.Pages); err != nil {
		return fmt.Errorf("corrupt snapshot: %w", err)
	}

	m.Memory.Reset()
	for _, p := range state.Pages {
		page := memory.NewPageFromData(p.Data, memory.AttributesFromBits(p.Attr))
		if err := m.Memory.InsertPage(p.Number, page); err != nil {
			return fmt.Errorf("failed to restore page %d: %w", p.Number, err)
		}
	}
	if err := m.Memory.RestoreExecSegment(layout.ExecBegin, layout.ExecEnd); err != nil {
		return err
	}
	m.Memory.SetStartAddress(layout.StartAddress)
	m.Memory.SetStackInitial(layout.StackInitial)

	m.CPU.SetRegisters(state.Registers)
	m.CPU.counter = state.Counter
	m.CPU.invalidatePageCache()
	m.exitCode = state.ExitCode
	m.stopped = false
	return nil
}
