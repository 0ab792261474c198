package lut

import "strings"

// Area is a set of flash regions a write touches or is allowed to touch.
type Area uint32

const (
	AreaLUT           Area = 1 << 0
	AreaConfig        Area = 1 << 30
	AreaUnpartitioned Area = 1 << 31
	// AreaAny permits every region, including the LUT.
	AreaAny Area = 0xFFFFFFFF
)

// SlotArea returns the area bit of a slot. The LUT pseudo slot maps to
// AreaLUT and the Full pseudo slot to AreaAny.
func SlotArea(s Slot) Area {
	switch {
	case s == SlotLUT:
		return AreaLUT
	case s == SlotFull:
		return AreaAny
	case s < NumSlots:
		return 1 << (1 + s)
	}
	return 0
}

// Subset reports whether every region in a is also in allowed.
func (a Area) Subset(allowed Area) bool {
	return a&^allowed == 0
}

func (a Area) String() string {
	switch a {
	case 0:
		return "none"
	case AreaAny:
		return "any"
	}
	var parts []string
	if a&AreaLUT != 0 {
		parts = append(parts, "lut")
	}
	for s := Slot(0); s < SlotFull; s++ {
		if a&SlotArea(s) != 0 {
			parts = append(parts, s.String())
		}
	}
	if a&AreaConfig != 0 {
		parts = append(parts, "config")
	}
	if a&AreaUnpartitioned != 0 {
		parts = append(parts, "unpartitioned")
	}
	return strings.Join(parts, "|")
}

// classify returns the areas [addr, addr+size) intersects on a chip of
// chipSize bytes. Space outside every slot, the LUT and the config tail is
// reported as unpartitioned only when nothing else was touched.
func (t *Table) classify(addr, size, chipSize uint32) Area {
	if size == 0 {
		return 0
	}
	end := uint64(addr) + uint64(size)
	overlaps := func(start, length uint64) bool {
		return uint64(addr) < start+length && start < end
	}

	var a Area
	lutStart, lutLen := uint64(0), uint64(t.Unit)
	if s, l, err := t.Span(SlotLUT); err == nil {
		lutStart, lutLen = uint64(s), uint64(l)
	}
	if overlaps(lutStart, lutLen) {
		a |= AreaLUT
	}
	for s := Slot(0); s < SlotFull; s++ {
		e := &t.Entries[s]
		for i := 0; i < int(e.Count) && i < MaxRanges; i++ {
			r := e.Ranges[i]
			if overlaps(uint64(r.Start)*uint64(t.Unit), uint64(r.Count)*uint64(t.Unit)) {
				a |= SlotArea(s)
			}
		}
	}
	if chipSize >= ConfigSize && overlaps(uint64(chipSize-ConfigSize), ConfigSize) {
		a |= AreaConfig
	}
	if a == 0 {
		a = AreaUnpartitioned
	}
	return a
}
