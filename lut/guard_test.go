package lut

import (
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/imatrix-iot/iMatrix-sub000/sflash"
)

func newTestGuard(t *testing.T, size uint32) (*Guard, *sflash.MemDevice) {
	t.Helper()
	dev := sflash.NewMemDevice(0xEF4017, size)
	chip := sflash.DetectChip(dev)
	tbl, err := Load(dev, chip, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	dev.ResetOps()
	return NewGuard(dev, chip, tbl, nil), dev
}

func TestClassify(t *testing.T) {
	g, _ := newTestGuard(t, 8<<20)
	tests := []struct {
		name       string
		addr, size uint32
		want       Area
	}{
		{"lut", 0, 16, AreaLUT},
		{"lut-dct", 0xFF00, 0x200, AreaLUT | SlotArea(SlotDCT)},
		{"app0", 4 << 20, 1000, SlotArea(SlotApp0)},
		{"app0-app1", 6<<20 - 8, 16, SlotArea(SlotApp0) | SlotArea(SlotApp1)},
		{"config", 8<<20 - 4096, 4096, AreaConfig},
		{"app1-config", 8<<20 - 64<<10 - 1, 2, SlotArea(SlotApp1) | AreaConfig},
		{"empty", 4 << 20, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Classify(tt.addr, tt.size); got != tt.want {
				t.Errorf("Classify(%#x, %d) = %v, want %v", tt.addr, tt.size, got, tt.want)
			}
		})
	}
}

func TestClassifyUnpartitioned(t *testing.T) {
	g, _ := newTestGuard(t, 16<<20)
	if got := g.Classify(10<<20, 4096); got != AreaUnpartitioned {
		t.Errorf("Classify = %v, want unpartitioned", got)
	}
	if got := g.Classify(8<<20-64<<10, 4096); got != AreaUnpartitioned {
		t.Errorf("Classify old config tail = %v, want unpartitioned", got)
	}
}

// owner is an oracle for Classify built unit by unit from the slot spans.
func owner(tbl *Table, chipSize, addr uint32) Area {
	if _, length, err := tbl.Span(SlotLUT); err == nil && addr < length {
		return AreaLUT
	}
	for s := Slot(0); s < SlotFull; s++ {
		start, length, err := tbl.Span(s)
		if err == nil && addr >= start && addr < start+length {
			return SlotArea(s)
		}
	}
	if addr >= chipSize-ConfigSize {
		return AreaConfig
	}
	return AreaUnpartitioned
}

func TestProtectedWriteAcceptance(t *testing.T) {
	g, dev := newTestGuard(t, 8<<20)
	tbl := g.Table()
	size := uint32(8 << 20)

	addrs := []uint32{0, 0x8000, 64 << 10, 1 << 20, 2<<20 - 0x100, 4 << 20, 6<<20 - 0x80, 8<<20 - 64<<10 - 0x10, 8<<20 - 0x100, 8 << 20}
	sizes := []uint32{0, 1, 0x100, 0x1000}
	alloweds := []Area{
		0,
		AreaLUT,
		SlotArea(SlotApp0),
		SlotArea(SlotApp0) | SlotArea(SlotApp1),
		SlotArea(SlotApp1) | AreaConfig,
		SlotArea(SlotFactoryReset) | SlotArea(SlotOTA),
		AreaAny,
	}
	for _, addr := range addrs {
		for _, n := range sizes {
			var touched Area
			inRange := uint64(addr)+uint64(n) <= uint64(size)
			if inRange && n > 0 {
				for a := addr &^ (tbl.Unit - 1); a < addr+n; a += tbl.Unit {
					touched |= owner(tbl, size, a)
				}
			}
			for _, allowed := range alloweds {
				want := inRange && touched != 0 && touched&^allowed == 0
				dev.ResetOps()
				err := g.ProtectedWrite(addr, make([]byte, n), allowed)
				if got := err == nil; got != want {
					t.Errorf("ProtectedWrite(%#x, %d, %v) err = %v, want accepted=%v", addr, n, allowed, err, want)
				}
				if err != nil && len(dev.Ops) != 0 {
					t.Errorf("rejected write at %#x mutated flash: %v", addr, dev.Ops)
				}
				if inRange && n > 0 && g.Classify(addr, n) != touched {
					t.Errorf("Classify(%#x, %d) = %v, oracle %v", addr, n, g.Classify(addr, n), touched)
				}
			}
		}
	}
}

func TestLUTWriteNeedsLUTArea(t *testing.T) {
	c := qt.New(t)
	g, _ := newTestGuard(t, 8<<20)

	all := AreaAny &^ AreaLUT
	err := g.ProtectedWrite(0x100, []byte{0}, all)
	var aerr *AreaError
	c.Assert(errors.As(err, &aerr), qt.IsTrue)
	c.Check(aerr.Touched, qt.Equals, AreaLUT)
	c.Check(aerr.Op, qt.Equals, "write")

	c.Check(g.ProtectedWrite(0x100, []byte{0}, AreaLUT), qt.IsNil)
	c.Check(g.ProtectedWrite(0x100, []byte{0}, AreaAny), qt.IsNil)
}

func TestProtectedErase(t *testing.T) {
	c := qt.New(t)
	g, dev := newTestGuard(t, 8<<20)
	app0 := SlotArea(SlotApp0)

	c.Check(g.ProtectedSectorErase(4<<20, app0), qt.IsNil)
	c.Check(g.ProtectedBlockErase(6<<20-64<<10, app0), qt.IsNil)
	c.Check(g.ProtectedSectorErase(0, AreaAny), qt.IsNil)
	c.Check(dev.Ops, qt.HasLen, 3)
	dev.ResetOps()

	refused := []struct {
		name string
		fn   func() error
	}{
		{"superset", func() error { return g.ProtectedSectorErase(4<<20, app0|SlotArea(SlotApp1)) }},
		{"other-slot", func() error { return g.ProtectedSectorErase(6<<20, app0) }},
		{"lut", func() error { return g.ProtectedSectorErase(0, app0) }},
		{"misaligned", func() error { return g.ProtectedSectorErase(4<<20+512, AreaAny) }},
		{"block-misaligned", func() error { return g.ProtectedBlockErase(4<<20+4096, AreaAny) }},
		{"beyond-end", func() error { return g.ProtectedSectorErase(8<<20, AreaAny) }},
		{"block-beyond-end", func() error { return g.ProtectedBlockErase(8<<20, AreaAny) }},
	}
	for _, tt := range refused {
		c.Run(tt.name, func(c *qt.C) {
			err := tt.fn()
			var aerr *AreaError
			c.Check(errors.As(err, &aerr), qt.IsTrue)
		})
	}
	c.Check(dev.Ops, qt.HasLen, 0)
}

func TestRestrictedEraseRange(t *testing.T) {
	c := qt.New(t)
	g, dev := newTestGuard(t, 8<<20)
	w := g.Restrict(SlotArea(SlotApp0))

	c.Assert(sflash.EraseRange(w, g.Chip(), 4<<20, 10000, 2<<20), qt.IsNil)
	c.Check(dev.OpsOf("block"), qt.HasLen, 1)

	// A window that spills into App1 is stopped at the boundary.
	dev.ResetOps()
	err := sflash.EraseRange(w, g.Chip(), 5<<20, 2<<20, 2<<20)
	var aerr *AreaError
	c.Assert(errors.As(err, &aerr), qt.IsTrue)
	c.Check(aerr.Addr, qt.Equals, uint32(6<<20))
	for _, op := range dev.Ops {
		c.Check(op.Addr < 6<<20, qt.IsTrue)
	}
}

func TestReload(t *testing.T) {
	c := qt.New(t)
	g, dev := newTestGuard(t, 8<<20)

	// Full image load wrote garbage over the table.
	c.Assert(g.ProtectedWrite(0, make([]byte, 64), AreaAny), qt.IsNil)
	c.Assert(g.Reload(), qt.IsNil)
	c.Check(*g.Table(), qt.DeepEquals, Default(sflash.SectorSize))
	c.Check(dev.OpsOf("block"), qt.HasLen, 1)
}
