package sflash

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
)

var (
	chip4K  = Chip{Name: "test-4k", Size: 8 << 20, Sector4K: true}
	chip64K = Chip{Name: "test-64k", Size: 8 << 20}
	chipPar = Chip{Name: "test-param", Size: 8 << 20, Sector4K: true, SlowBlocks: []uint32{0}}
)

func TestPlanPrefersBlocks(t *testing.T) {
	c := qt.New(t)

	// 4K aligned start, then two whole blocks, then a 4K tail.
	ops, err := Plan(chip4K, 0x0F000, 0x22000, 0x22000)
	c.Assert(err, qt.IsNil)
	want := []Op{
		{Addr: 0x0F000, Size: SectorSize},
		{Addr: 0x10000, Size: BlockSize},
		{Addr: 0x20000, Size: BlockSize},
		{Addr: 0x30000, Size: SectorSize},
	}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Errorf("Plan mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanSmallWindowUsesSectors(t *testing.T) {
	c := qt.New(t)

	ops, err := Plan(chip4K, 0x10000, 10000, 0x3000)
	c.Assert(err, qt.IsNil)
	c.Assert(ops, qt.HasLen, 3)
	for _, op := range ops {
		c.Check(op.Size, qt.Equals, uint32(SectorSize))
	}
}

func TestPlanSlowBlocks(t *testing.T) {
	c := qt.New(t)

	ops, err := Plan(chipPar, 0, 0x20000, 0x20000)
	c.Assert(err, qt.IsNil)
	// Block 0 goes sector by sector, block 1 in one op.
	c.Assert(ops, qt.HasLen, 17)
	c.Check(ops[15], qt.Equals, Op{Addr: 0xF000, Size: SectorSize})
	c.Check(ops[16], qt.Equals, Op{Addr: 0x10000, Size: BlockSize})
}

func TestPlan64KChip(t *testing.T) {
	c := qt.New(t)

	ops, err := Plan(chip64K, 0x40000, 1, 0x10000)
	c.Assert(err, qt.IsNil)
	c.Check(ops, qt.DeepEquals, []Op{{Addr: 0x40000, Size: BlockSize}})
}

func TestPlanZeroLength(t *testing.T) {
	c := qt.New(t)

	ops, err := Plan(chip4K, 0x1000, 0, 0x1000)
	c.Assert(err, qt.IsNil)
	c.Check(ops, qt.HasLen, 0)
}

func TestPlanPreconditions(t *testing.T) {
	tests := []struct {
		name                string
		chip                Chip
		addr, required, max uint32
		want                error
	}{
		{"misaligned address", chip4K, 0x1001, 0x1000, 0x1000, ErrMisaligned},
		{"misaligned max", chip4K, 0x1000, 0x100, 0x1800, ErrMisaligned},
		{"4K address on 64K chip", chip64K, 0x1000, 0x1000, 0x10000, ErrMisaligned},
		{"beyond chip", chip4K, 8<<20 - 0x1000, 0x1000, 0x2000, ErrOutOfRange},
		{"window too small", chip4K, 0, 0x1001, 0x1000, ErrEraseWindow},
		{"64K rounding exceeds window", chip64K, 0, 0x10001, 0x10000, ErrEraseWindow},
		{"address space overflow", Chip{Sector4K: true}, 0xFFFFF000, 0x1000, 0x2000, ErrOutOfRange},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev := NewMemDevice(0, 8<<20)
			err := EraseRange(dev, tc.chip, tc.addr, tc.required, tc.max)
			if err != tc.want {
				t.Errorf("EraseRange() err = %v, want %v", err, tc.want)
			}
			if len(dev.Ops) != 0 {
				t.Errorf("EraseRange() issued %d ops, want 0", len(dev.Ops))
			}
		})
	}
}

// Every accepted request must cover the required range and stay inside the
// window.
func TestPlanCoverage(t *testing.T) {
	for _, chip := range []Chip{chip4K, chip64K, chipPar} {
		unit := chip.EraseUnit()
		for _, addr := range []uint32{0, unit, 3 * unit, 0x10000, 0x70000} {
			for _, max := range []uint32{unit, 2 * unit, 0x10000, 0x21000, 0x40000} {
				if max%unit != 0 {
					continue
				}
				for _, required := range []uint32{0, 1, unit - 1, unit, max / 2, max - 1, max} {
					ops, err := Plan(chip, addr, required, max)
					if err != nil {
						t.Fatalf("%s Plan(%#x, %#x, %#x): %v", chip.Name, addr, required, max, err)
					}
					checkCoverage(t, chip, ops, addr, required, max)
				}
			}
		}
	}
}

func checkCoverage(t *testing.T, chip Chip, ops []Op, addr, required, max uint32) {
	t.Helper()
	cursor := addr
	for _, op := range ops {
		if op.Addr != cursor {
			t.Fatalf("%s: gap at %#x, next op %v", chip.Name, cursor, op)
		}
		if op.Addr%op.Size != 0 {
			t.Fatalf("%s: misaligned op %v", chip.Name, op)
		}
		if op.Size == SectorSize && !chip.Sector4K {
			t.Fatalf("%s: sector erase on block-only chip", chip.Name)
		}
		cursor += op.Size
	}
	if cursor < addr+required {
		t.Errorf("%s: covered up to %#x, want at least %#x", chip.Name, cursor, addr+required)
	}
	if cursor > addr+max {
		t.Errorf("%s: erased up to %#x, window ends at %#x", chip.Name, cursor, addr+max)
	}
}

func TestEraseRangeAppliesToDevice(t *testing.T) {
	c := qt.New(t)

	dev := NewMemDevice(0xEF4017, 8<<20)
	c.Assert(dev.Write(0x10000, []byte{0, 0, 0, 0}), qt.IsNil)
	dev.ResetOps()

	chip := DetectChip(dev)
	c.Assert(chip.Name, qt.Equals, "W25Q64JV")
	c.Assert(EraseRange(dev, chip, 0x10000, 0x10000, 0x10000), qt.IsNil)
	c.Check(dev.OpsOf("block"), qt.DeepEquals, []MemOp{{Kind: "block", Addr: 0x10000, Len: BlockSize}})
	c.Check(dev.Bytes(0x10000, 4), qt.DeepEquals, []byte{0xFF, 0xFF, 0xFF, 0xFF})
}
