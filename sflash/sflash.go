// Package sflash describes the serial NOR flash chip the OTA engine writes to:
// the raw driver interface, per-chip erase capabilities and the erase planner.
package sflash

import "errors"

// Flash geometry
const (
	SectorSize = 4096      // 4KB sector erase
	BlockSize  = 64 * 1024 // 64KB block erase
	PageSize   = 256       // program page
)

// Errors
var (
	ErrMisaligned  = errors.New("sflash: address or length not aligned to erase unit")
	ErrOutOfRange  = errors.New("sflash: range exceeds chip size")
	ErrEraseWindow = errors.New("sflash: erase window smaller than required length")
	ErrPlanner     = errors.New("sflash: erase planner did not cover range")
	ErrNoSector    = errors.New("sflash: chip has no 4KB sector erase")
)

// Device is the raw SPI flash driver. Addresses are byte offsets from the
// start of the chip. Implementations do not enforce partitioning; callers go
// through the write-area guard for that.
type Device interface {
	Read(addr uint32, buf []byte) error
	Write(addr uint32, data []byte) error
	SectorErase(addr uint32) error
	BlockErase(addr uint32) error
	// Size returns the chip capacity in bytes, 0 if unknown.
	Size() uint32
	// ID returns the JEDEC manufacturer/device id.
	ID() uint32
}

// Eraser is the erase half of a Device. The write-area guard hands out
// restricted Erasers so the planner never touches flash directly.
type Eraser interface {
	SectorErase(addr uint32) error
	BlockErase(addr uint32) error
}
