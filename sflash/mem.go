package sflash

import (
	"bytes"
	"errors"
	"sync"
)

var errMemRange = errors.New("sflash: access beyond end of device")

// MemDevice is an in-memory NOR flash. Erase sets bytes to 0xFF and writes
// can only clear bits, as on the real part. It records every mutating
// operation so callers can inspect erase and write patterns.
type MemDevice struct {
	mu   sync.Mutex
	id   uint32
	data []byte
	Ops  []MemOp
}

// MemOp records one mutating device call.
type MemOp struct {
	Kind string // "sector", "block" or "write"
	Addr uint32
	Len  uint32
}

// NewMemDevice returns an erased device of the given size reporting id.
func NewMemDevice(id, size uint32) *MemDevice {
	return &MemDevice{id: id, data: bytes.Repeat([]byte{0xFF}, int(size))}
}

func (m *MemDevice) ID() uint32   { return m.id }
func (m *MemDevice) Size() uint32 { return uint32(len(m.data)) }

func (m *MemDevice) Read(addr uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(addr)+uint64(len(buf)) > uint64(len(m.data)) {
		return errMemRange
	}
	copy(buf, m.data[addr:])
	return nil
}

func (m *MemDevice) Write(addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uint64(addr)+uint64(len(data)) > uint64(len(m.data)) {
		return errMemRange
	}
	dst := m.data[addr:]
	for i, b := range data {
		dst[i] &= b
	}
	m.Ops = append(m.Ops, MemOp{Kind: "write", Addr: addr, Len: uint32(len(data))})
	return nil
}

func (m *MemDevice) SectorErase(addr uint32) error {
	return m.erase("sector", addr, SectorSize)
}

func (m *MemDevice) BlockErase(addr uint32) error {
	return m.erase("block", addr, BlockSize)
}

func (m *MemDevice) erase(kind string, addr, size uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr &^= size - 1
	if uint64(addr)+uint64(size) > uint64(len(m.data)) {
		return errMemRange
	}
	region := m.data[addr : addr+size]
	for i := range region {
		region[i] = 0xFF
	}
	m.Ops = append(m.Ops, MemOp{Kind: kind, Addr: addr, Len: size})
	return nil
}

// Bytes returns a copy of [addr, addr+n).
func (m *MemDevice) Bytes(addr, n uint32) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, n)
	copy(out, m.data[addr:])
	return out
}

// ResetOps clears the operation log.
func (m *MemDevice) ResetOps() {
	m.mu.Lock()
	m.Ops = m.Ops[:0]
	m.mu.Unlock()
}

// OpsOf returns the recorded operations of one kind.
func (m *MemDevice) OpsOf(kind string) []MemOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MemOp
	for _, op := range m.Ops {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}
