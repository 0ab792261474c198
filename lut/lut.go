// Package lut holds the image partition table stored in the first erase block
// of serial flash, and the write-area guard that confines every OTA write and
// erase to the partitions the caller is allowed to touch.
package lut

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

// Slot identifies an image partition.
type Slot uint8

const (
	SlotFactoryReset Slot = iota
	SlotDCT
	SlotOTA // legacy OTA staging image
	SlotFilesystem
	SlotWiFi // radio firmware
	SlotApp0
	SlotApp1
	SlotApp2
	SlotFull // pseudo slot: the whole chip
	SlotLUT  // pseudo slot: this table
	NumSlots
)

var slotNames = [NumSlots]string{
	"factory-reset", "dct", "ota", "filesystem", "wifi",
	"app0", "app1", "app2", "full", "lut",
}

func (s Slot) String() string {
	if s < NumSlots {
		return slotNames[s]
	}
	return fmt.Sprintf("slot(%d)", uint8(s))
}

// ParseSlot accepts a slot name or its number.
func ParseSlot(s string) (Slot, error) {
	for i, name := range slotNames {
		if name == s {
			return Slot(i), nil
		}
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil && Slot(n) < NumSlots {
		return Slot(n), nil
	}
	return 0, fmt.Errorf("lut: unknown slot %q", s)
}

// MaxRanges is the number of sector ranges an entry can hold.
const MaxRanges = 8

// Range is a run of erase units.
type Range struct {
	Start uint16
	Count uint16
}

// Entry describes where one image lives.
type Entry struct {
	Count  uint8
	Secure bool
	Ranges [MaxRanges]Range
}

// Table is the partition map. Unit is the erase unit the sector numbers are
// expressed in.
type Table struct {
	Unit    uint32
	Entries [NumSlots]Entry
}

// Errors
var (
	ErrOverlap    = errors.New("lut: entries overlap")
	ErrFragmented = errors.New("lut: slot ranges are not contiguous")
	ErrEmptySlot  = errors.New("lut: slot has no sectors")
	ErrBadSlot    = errors.New("lut: slot out of range")
	ErrShort      = errors.New("lut: encoded table too short")
	ErrBadEntry   = errors.New("lut: entry count exceeds range capacity")
)

const (
	entrySize = 4 + MaxRanges*4
	// EncodedSize is the on-flash size of a table.
	EncodedSize = int(NumSlots) * entrySize
)

// Default flash layout in bytes. Every boundary is 64KB aligned so the same
// layout works for 4KB and 64KB erase units.
const (
	layoutLUT        = 0
	layoutDCT        = 64 << 10
	layoutFilesystem = 128 << 10
	layoutWiFi       = 1 << 20
	layoutOTA        = 1536 << 10
	layoutFactory    = 2 << 20
	layoutApp0       = 4 << 20
	layoutApp1       = 6 << 20
	layoutEnd        = 8 << 20

	// ConfigSize is the reserved configuration tail at the top of flash.
	ConfigSize = 64 << 10
)

// Default returns the compiled-in table for an erase unit of 4KB or 64KB.
func Default(unit uint32) Table {
	t := Table{Unit: unit}
	set := func(s Slot, start, end uint32) {
		t.Entries[s].Count = 1
		t.Entries[s].Ranges[0] = Range{Start: uint16(start / unit), Count: uint16((end - start) / unit)}
	}
	set(SlotLUT, layoutLUT, layoutDCT)
	set(SlotDCT, layoutDCT, layoutFilesystem)
	set(SlotFilesystem, layoutFilesystem, layoutWiFi)
	set(SlotWiFi, layoutWiFi, layoutOTA)
	set(SlotOTA, layoutOTA, layoutFactory)
	set(SlotFactoryReset, layoutFactory, layoutApp0)
	set(SlotApp0, layoutApp0, layoutApp1)
	set(SlotApp1, layoutApp1, layoutEnd-ConfigSize)
	t.Entries[SlotFactoryReset].Secure = true
	return t
}

// RequiredSize returns the smallest chip the table fits on, including the
// configuration tail.
func (t *Table) RequiredSize() uint32 {
	var end uint32
	for s := Slot(0); s < NumSlots; s++ {
		e := &t.Entries[s]
		for i := 0; i < int(e.Count) && i < MaxRanges; i++ {
			r := e.Ranges[i]
			if x := (uint32(r.Start) + uint32(r.Count)) * t.Unit; x > end {
				end = x
			}
		}
	}
	return end + ConfigSize
}

// Span returns the byte range of a slot. Slots made of several ranges must be
// laid out back to back.
func (t *Table) Span(s Slot) (start, length uint32, err error) {
	if s >= NumSlots {
		return 0, 0, ErrBadSlot
	}
	e := &t.Entries[s]
	if e.Count == 0 {
		return 0, 0, ErrEmptySlot
	}
	if e.Count > MaxRanges {
		return 0, 0, ErrBadEntry
	}
	next := uint32(e.Ranges[0].Start)
	for i := 0; i < int(e.Count); i++ {
		r := e.Ranges[i]
		if uint32(r.Start) != next {
			return 0, 0, ErrFragmented
		}
		next += uint32(r.Count)
	}
	start = uint32(e.Ranges[0].Start) * t.Unit
	return start, next*t.Unit - start, nil
}

// Validate checks entry counts and that no two real slots share a sector.
// The Full pseudo slot is exempt since it spans the chip by definition.
func (t *Table) Validate() error {
	type span struct {
		slot       Slot
		start, end uint32
	}
	var spans []span
	for s := Slot(0); s < NumSlots; s++ {
		if s == SlotFull {
			continue
		}
		e := &t.Entries[s]
		if e.Count > MaxRanges {
			return fmt.Errorf("%w: %s", ErrBadEntry, s)
		}
		for i := 0; i < int(e.Count); i++ {
			r := e.Ranges[i]
			if r.Count == 0 {
				continue
			}
			a := span{s, uint32(r.Start), uint32(r.Start) + uint32(r.Count)}
			for _, b := range spans {
				if a.start < b.end && b.start < a.end {
					return fmt.Errorf("%w: %s and %s", ErrOverlap, a.slot, b.slot)
				}
			}
			spans = append(spans, a)
		}
	}
	return nil
}

// MarshalBinary encodes the entries in flash order. The unit is not stored;
// it follows from the chip.
func (t *Table) MarshalBinary() ([]byte, error) {
	buf := make([]byte, EncodedSize)
	for s := Slot(0); s < NumSlots; s++ {
		b := buf[int(s)*entrySize:]
		e := &t.Entries[s]
		b[0] = e.Count
		if e.Secure {
			b[1] = 1
		}
		for i, r := range e.Ranges {
			binary.LittleEndian.PutUint16(b[4+i*4:], r.Start)
			binary.LittleEndian.PutUint16(b[6+i*4:], r.Count)
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes entries written by MarshalBinary. Unit is left
// unchanged.
func (t *Table) UnmarshalBinary(buf []byte) error {
	if len(buf) < EncodedSize {
		return ErrShort
	}
	for s := Slot(0); s < NumSlots; s++ {
		b := buf[int(s)*entrySize:]
		e := &t.Entries[s]
		e.Count = b[0]
		if e.Count > MaxRanges {
			return fmt.Errorf("%w: %s", ErrBadEntry, s)
		}
		e.Secure = b[1] != 0
		for i := range e.Ranges {
			e.Ranges[i].Start = binary.LittleEndian.Uint16(b[4+i*4:])
			e.Ranges[i].Count = binary.LittleEndian.Uint16(b[6+i*4:])
		}
	}
	return nil
}
