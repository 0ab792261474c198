// Package rp2350 binds the OTA engine to a Pico 2 W: an external SPI NOR
// chip as the serial flash and the boot ROM for resets.
package rp2350

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/imatrix-iot/iMatrix-sub000/checksum"
	"github.com/imatrix-iot/iMatrix-sub000/lut"
	"github.com/imatrix-iot/iMatrix-sub000/ota"
	"github.com/imatrix-iot/iMatrix-sub000/sflash"
)

// Boot record layout, little endian, at the start of the DCT slot:
//
//	0  magic "IMXB"
//	4  index uint8
//	5  mode uint8
//	6  reserved (0xFFFF)
//	8  crc32 of bytes 0..7
const (
	recordMagic = "IMXB"
	recordSize  = 12
)

var (
	ErrNoRecord  = errors.New("rp2350: no boot record")
	ErrRecordCRC = errors.New("rp2350: boot record checksum mismatch")
	errBusy      = errors.New("rp2350: flash busy past timeout")
)

// BootRecord is the boot pointer the second-stage loader reads at reset.
type BootRecord struct {
	Index int
	Mode  ota.LoadMode
}

// MarshalBinary encodes r.
func (r BootRecord) MarshalBinary() ([]byte, error) {
	if r.Index < 0 || r.Index > 0xFF {
		return nil, fmt.Errorf("rp2350: boot index %d out of range", r.Index)
	}
	b := make([]byte, recordSize)
	copy(b, recordMagic)
	b[4] = byte(r.Index)
	b[5] = byte(r.Mode)
	b[6], b[7] = 0xFF, 0xFF
	binary.LittleEndian.PutUint32(b[8:], checksum.Checksum(b[:8]))
	return b, nil
}

// UnmarshalBinary decodes a record written by MarshalBinary.
func (r *BootRecord) UnmarshalBinary(b []byte) error {
	if len(b) < recordSize || string(b[:4]) != recordMagic {
		return ErrNoRecord
	}
	if binary.LittleEndian.Uint32(b[8:]) != checksum.Checksum(b[:8]) {
		return ErrRecordCRC
	}
	r.Index = int(b[4])
	r.Mode = ota.LoadMode(b[5])
	return nil
}

// Bootloader implements ota.Bootloader by rewriting the boot record through
// a writer restricted to the DCT slot.
type Bootloader struct {
	guard  *lut.Guard
	reset  func()
	logger *slog.Logger
}

// NewBootloader returns a bootloader that calls reset to restart the chip.
func NewBootloader(guard *lut.Guard, reset func(), logger *slog.Logger) *Bootloader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bootloader{guard: guard, reset: reset, logger: logger}
}

// SetBoot erases the first unit of the DCT slot and writes the record.
func (b *Bootloader) SetBoot(index int, mode ota.LoadMode) error {
	rec, err := BootRecord{Index: index, Mode: mode}.MarshalBinary()
	if err != nil {
		return err
	}
	start, _, err := b.guard.Table().Span(lut.SlotDCT)
	if err != nil {
		return err
	}
	w := b.guard.Restrict(lut.SlotArea(lut.SlotDCT))
	unit := b.guard.Chip().EraseUnit()
	if unit == sflash.SectorSize {
		err = w.SectorErase(start)
	} else {
		err = w.BlockErase(start)
	}
	if err != nil {
		return fmt.Errorf("rp2350: erase boot record: %w", err)
	}
	if err := w.Write(start, rec); err != nil {
		return fmt.Errorf("rp2350: write boot record: %w", err)
	}
	b.logger.Info("rp2350:boot-record", slog.Int("index", index), slog.Int("mode", int(mode)))
	return nil
}

// Current reads back the committed record.
func (b *Bootloader) Current() (BootRecord, error) {
	var rec BootRecord
	start, _, err := b.guard.Table().Span(lut.SlotDCT)
	if err != nil {
		return rec, err
	}
	buf := make([]byte, recordSize)
	if err := b.guard.Device().Read(start, buf); err != nil {
		return rec, err
	}
	err = rec.UnmarshalBinary(buf)
	return rec, err
}

// Reboot resets the chip. It does not return on hardware.
func (b *Bootloader) Reboot() {
	b.logger.Info("rp2350:reboot")
	if b.reset != nil {
		b.reset()
	}
}
