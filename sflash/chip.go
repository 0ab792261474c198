package sflash

import "fmt"

// Chip describes the erase capabilities of a detected flash part.
type Chip struct {
	ID   uint32
	Name string
	// Size in bytes, 0 when the part is not in the table.
	Size uint32
	// Sector4K is set when the part supports 4KB sector erase.
	Sector4K bool
	// SlowBlocks lists 64KB-aligned block addresses that must not be erased
	// with a block erase (parameter-sector regions).
	SlowBlocks []uint32
}

// Known parts. Sizes are the full array size.
var chips = []Chip{
	{ID: 0xC22015, Name: "MX25L1606E", Size: 2 << 20, Sector4K: true},
	{ID: 0xC22017, Name: "MX25L6433F", Size: 8 << 20, Sector4K: true},
	{ID: 0xC22019, Name: "MX25L25635F", Size: 32 << 20, Sector4K: true},
	{ID: 0xEF4017, Name: "W25Q64JV", Size: 8 << 20, Sector4K: true},
	{ID: 0xBF258E, Name: "SST25VF080B", Size: 1 << 20, Sector4K: true},
	{ID: 0x20BA17, Name: "N25Q064A", Size: 8 << 20, Sector4K: true},
	{ID: 0x012018, Name: "S25FL128P", Size: 16 << 20},
	// Bottom parameter sectors: the first block is erased by sector only.
	{ID: 0x010216, Name: "S25FL064P", Size: 8 << 20, Sector4K: true, SlowBlocks: []uint32{0}},
}

// LookupChip returns the capabilities for id. Unknown parts are assumed to
// support 4KB sector erase with unknown size.
func LookupChip(id uint32) Chip {
	for _, c := range chips {
		if c.ID == id {
			return c
		}
	}
	return Chip{ID: id, Name: "unknown", Sector4K: true}
}

// DetectChip queries the device id and resolves its capabilities, preferring
// the size reported by the driver when it knows one.
func DetectChip(dev Device) Chip {
	c := LookupChip(dev.ID())
	if sz := dev.Size(); sz != 0 {
		c.Size = sz
	}
	return c
}

// EraseUnit returns the smallest erasable region for the chip.
func (c Chip) EraseUnit() uint32 {
	if c.Sector4K {
		return SectorSize
	}
	return BlockSize
}

// fastEraseOK reports whether the 64KB block at addr may be block erased.
func (c Chip) fastEraseOK(addr uint32) bool {
	for _, b := range c.SlowBlocks {
		if b == addr&^(BlockSize-1) {
			return false
		}
	}
	return true
}

func (c Chip) String() string {
	return fmt.Sprintf("%s (id=%06x size=%d unit=%d)", c.Name, c.ID, c.Size, c.EraseUnit())
}
