package lut

import (
	"fmt"
	"log/slog"

	"github.com/imatrix-iot/iMatrix-sub000/sflash"
)

// Load reads the table from the start of flash. A table that fails to decode
// or differs from the compiled-in default is treated as corrupt: the LUT
// region is erased and the default written back.
func Load(dev sflash.Device, chip sflash.Chip, logger *slog.Logger) (*Table, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	want := Default(chip.EraseUnit())
	if chip.Size != 0 && want.RequiredSize() > chip.Size {
		return nil, fmt.Errorf("lut: default layout needs %d bytes, chip has %d", want.RequiredSize(), chip.Size)
	}

	var buf [EncodedSize]byte
	if err := dev.Read(0, buf[:]); err != nil {
		return nil, fmt.Errorf("lut: read: %w", err)
	}
	got := Table{Unit: want.Unit}
	err := got.UnmarshalBinary(buf[:])
	if err == nil && got == want {
		logger.Debug("lut:loaded", slog.Int("unit", int(want.Unit)))
		return &got, nil
	}

	logger.Warn("lut:corrupt", slog.Bool("decoded", err == nil))
	if err := writeTable(dev, chip, &want); err != nil {
		logger.Error("lut:rewrite-failed", slog.String("err", err.Error()))
		return nil, err
	}
	logger.Info("lut:rewritten")
	return &want, nil
}

// writeTable erases the LUT slot and programs t at offset 0. This is the only
// write to the LUT outside a full image load.
func writeTable(dev sflash.Device, chip sflash.Chip, t *Table) error {
	_, length, err := t.Span(SlotLUT)
	if err != nil {
		return err
	}
	if err := sflash.EraseRange(dev, chip, 0, uint32(EncodedSize), length); err != nil {
		return fmt.Errorf("lut: erase: %w", err)
	}
	buf, _ := t.MarshalBinary()
	for off := 0; off < len(buf); off += sflash.PageSize {
		end := min(off+sflash.PageSize, len(buf))
		if err := dev.Write(uint32(off), buf[off:end]); err != nil {
			return fmt.Errorf("lut: write: %w", err)
		}
	}
	return nil
}
