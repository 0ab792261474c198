package lut

import (
	"bytes"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"

	"github.com/imatrix-iot/iMatrix-sub000/sflash"
)

func TestDefaultLayout(t *testing.T) {
	c := qt.New(t)

	for _, unit := range []uint32{sflash.SectorSize, sflash.BlockSize} {
		tbl := Default(unit)
		c.Assert(tbl.Validate(), qt.IsNil)
		c.Check(tbl.RequiredSize(), qt.Equals, uint32(8<<20))

		start, length, err := tbl.Span(SlotApp0)
		c.Assert(err, qt.IsNil)
		c.Check(start, qt.Equals, uint32(4<<20))
		c.Check(length, qt.Equals, uint32(2<<20))

		_, _, err = tbl.Span(SlotApp2)
		c.Check(err, qt.Equals, ErrEmptySlot)
	}
}

func TestSpanFragmented(t *testing.T) {
	tbl := Default(sflash.SectorSize)
	e := &tbl.Entries[SlotApp2]
	e.Count = 2
	e.Ranges[0] = Range{Start: 10, Count: 1}
	e.Ranges[1] = Range{Start: 12, Count: 1}
	if _, _, err := tbl.Span(SlotApp2); err != ErrFragmented {
		t.Errorf("Span err = %v, want %v", err, ErrFragmented)
	}
	e.Ranges[1].Start = 11
	start, length, err := tbl.Span(SlotApp2)
	if err != nil || start != 10*sflash.SectorSize || length != 2*sflash.SectorSize {
		t.Errorf("Span = %d,%d,%v", start, length, err)
	}
}

func TestValidateOverlap(t *testing.T) {
	c := qt.New(t)

	tbl := Default(sflash.SectorSize)
	tbl.Entries[SlotApp2].Count = 1
	tbl.Entries[SlotApp2].Ranges[0] = Range{Start: uint16((6 << 20) / sflash.SectorSize), Count: 1}
	c.Check(tbl.Validate(), qt.ErrorIs, ErrOverlap)

	// The full image pseudo slot covers everything and is never an overlap.
	tbl = Default(sflash.SectorSize)
	tbl.Entries[SlotFull].Count = 1
	tbl.Entries[SlotFull].Ranges[0] = Range{Start: 0, Count: 2048}
	c.Check(tbl.Validate(), qt.IsNil)
}

func TestBinaryRoundTrip(t *testing.T) {
	c := qt.New(t)

	in := Default(sflash.SectorSize)
	buf, err := in.MarshalBinary()
	c.Assert(err, qt.IsNil)
	c.Assert(buf, qt.HasLen, EncodedSize)
	// App0 entry: count 1, start 1024, count 512.
	app0 := buf[int(SlotApp0)*entrySize:]
	c.Check(app0[:8], qt.DeepEquals, []byte{1, 0, 0, 0, 0x00, 0x04, 0x00, 0x02})

	out := Table{Unit: sflash.SectorSize}
	c.Assert(out.UnmarshalBinary(buf), qt.IsNil)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalRejects(t *testing.T) {
	c := qt.New(t)

	var tbl Table
	c.Check(tbl.UnmarshalBinary(make([]byte, EncodedSize-1)), qt.Equals, ErrShort)
	c.Check(tbl.UnmarshalBinary(bytes.Repeat([]byte{0xFF}, EncodedSize)), qt.ErrorIs, ErrBadEntry)
}

func TestParseSlot(t *testing.T) {
	tests := []struct {
		in      string
		want    Slot
		wantErr bool
	}{
		{"app0", SlotApp0, false},
		{"factory-reset", SlotFactoryReset, false},
		{"9", SlotLUT, false},
		{"3", SlotFilesystem, false},
		{"10", 0, true},
		{"3x", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSlot(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSlot(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSlot(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoadRepairsCorruptTable(t *testing.T) {
	c := qt.New(t)

	dev := sflash.NewMemDevice(0xEF4017, 8<<20)
	chip := sflash.DetectChip(dev)

	tbl, err := Load(dev, chip, nil)
	c.Assert(err, qt.IsNil)
	c.Check(*tbl, qt.DeepEquals, Default(sflash.SectorSize))
	c.Check(dev.OpsOf("block"), qt.DeepEquals, []sflash.MemOp{{Kind: "block", Addr: 0, Len: sflash.BlockSize}})
	c.Check(dev.OpsOf("write"), qt.HasLen, 2)

	// A second boot finds the table intact and does not touch flash.
	dev.ResetOps()
	tbl, err = Load(dev, chip, nil)
	c.Assert(err, qt.IsNil)
	c.Check(tbl.Unit, qt.Equals, uint32(sflash.SectorSize))
	c.Check(dev.Ops, qt.HasLen, 0)
}

func TestLoadRepairsModifiedTable(t *testing.T) {
	c := qt.New(t)

	dev := sflash.NewMemDevice(0xEF4017, 8<<20)
	chip := sflash.DetectChip(dev)
	_, err := Load(dev, chip, nil)
	c.Assert(err, qt.IsNil)

	// Clear the App1 count byte; a valid but different table is still corrupt.
	c.Assert(dev.Write(uint32(int(SlotApp1)*entrySize), []byte{0}), qt.IsNil)
	dev.ResetOps()
	tbl, err := Load(dev, chip, nil)
	c.Assert(err, qt.IsNil)
	c.Check(tbl.Entries[SlotApp1].Count, qt.Equals, uint8(1))
	c.Check(dev.OpsOf("block"), qt.HasLen, 1)
}

func TestLoadChipTooSmall(t *testing.T) {
	dev := sflash.NewMemDevice(0xC22015, 2<<20)
	if _, err := Load(dev, sflash.DetectChip(dev), nil); err == nil {
		t.Error("Load on a 2MB chip succeeded, want error")
	}
}

func TestPrint(t *testing.T) {
	c := qt.New(t)

	tbl := Default(sflash.SectorSize)
	var buf bytes.Buffer
	tbl.Print(&buf, false)
	out := buf.String()
	c.Check(strings.Contains(out, "app0"), qt.IsTrue)
	c.Check(strings.Contains(out, "[0x00400000-0x00600000)"), qt.IsTrue)
	c.Check(strings.Contains(out, "secure"), qt.IsTrue)
	c.Check(strings.Contains(out, "app2"), qt.IsFalse)

	buf.Reset()
	tbl.Print(&buf, true)
	c.Check(strings.Contains(buf.String(), "app2"), qt.IsTrue)
}
