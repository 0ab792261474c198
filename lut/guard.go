package lut

import (
	"fmt"
	"log/slog"

	"github.com/imatrix-iot/iMatrix-sub000/sflash"
)

// AreaError reports a write or erase refused by the guard.
type AreaError struct {
	Op      string
	Addr    uint32
	Size    uint32
	Touched Area
	Allowed Area
	Reason  string
}

func (e *AreaError) Error() string {
	return fmt.Sprintf("lut: %s %#08x+%d refused (%s): touches %s, allowed %s",
		e.Op, e.Addr, e.Size, e.Reason, e.Touched, e.Allowed)
}

// Guard is the single enforcement point for flash mutation during an update.
// Every write and erase is classified against the LUT and refused unless it
// stays inside the caller's permitted areas.
type Guard struct {
	dev    sflash.Device
	chip   sflash.Chip
	table  *Table
	logger *slog.Logger
}

// NewGuard binds a device, its detected chip and the loaded table.
func NewGuard(dev sflash.Device, chip sflash.Chip, table *Table, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Guard{dev: dev, chip: chip, table: table, logger: logger}
}

func (g *Guard) Table() *Table        { return g.table }
func (g *Guard) Chip() sflash.Chip    { return g.chip }
func (g *Guard) Device() sflash.Device { return g.dev }

// Reload re-reads the LUT from flash. Used after a full image re-flash.
func (g *Guard) Reload() error {
	t, err := Load(g.dev, g.chip, g.logger)
	if err != nil {
		return err
	}
	g.table = t
	return nil
}

// Size returns the flash size the guard enforces: the chip size, or the space
// the table needs when the chip did not report one.
func (g *Guard) Size() uint32 {
	return g.chipSize()
}

func (g *Guard) chipSize() uint32 {
	if g.chip.Size != 0 {
		return g.chip.Size
	}
	return g.table.RequiredSize()
}

// Classify returns the set of areas [addr, addr+size) touches.
func (g *Guard) Classify(addr, size uint32) Area {
	return g.table.classify(addr, size, g.chipSize())
}

// ProtectedWrite writes data at addr if the touched areas are a non-empty
// subset of allowed.
func (g *Guard) ProtectedWrite(addr uint32, data []byte, allowed Area) error {
	size := uint32(len(data))
	touched := g.Classify(addr, size)
	switch {
	case touched == 0:
		return g.refuse("write", addr, size, touched, allowed, "empty")
	case uint64(addr)+uint64(size) > uint64(g.chipSize()):
		return g.refuse("write", addr, size, touched, allowed, "beyond end of flash")
	case !touched.Subset(allowed):
		return g.refuse("write", addr, size, touched, allowed, "not permitted")
	}
	return g.dev.Write(addr, data)
}

// ProtectedSectorErase erases the erase unit at addr. allowed must be AreaAny
// or exactly the classification of that unit.
func (g *Guard) ProtectedSectorErase(addr uint32, allowed Area) error {
	unit := g.chip.EraseUnit()
	if err := g.checkErase("sector-erase", addr, unit, allowed); err != nil {
		return err
	}
	if !g.chip.Sector4K {
		return sflash.ErrNoSector
	}
	return g.dev.SectorErase(addr)
}

// ProtectedBlockErase applies the sector rule to a 64KB block.
func (g *Guard) ProtectedBlockErase(addr uint32, allowed Area) error {
	if err := g.checkErase("block-erase", addr, sflash.BlockSize, allowed); err != nil {
		return err
	}
	return g.dev.BlockErase(addr)
}

func (g *Guard) checkErase(op string, addr, unit uint32, allowed Area) error {
	if addr > g.chipSize()-1 {
		return g.refuse(op, addr, unit, 0, allowed, "beyond end of flash")
	}
	if addr%unit != 0 || addr%g.chip.EraseUnit() != 0 {
		return g.refuse(op, addr, unit, 0, allowed, "misaligned")
	}
	if allowed == AreaAny {
		return nil
	}
	if touched := g.Classify(addr, unit); touched != allowed {
		return g.refuse(op, addr, unit, touched, allowed, "not permitted")
	}
	return nil
}

func (g *Guard) refuse(op string, addr, size uint32, touched, allowed Area, reason string) error {
	err := &AreaError{Op: op, Addr: addr, Size: size, Touched: touched, Allowed: allowed, Reason: reason}
	g.logger.Error("lut:guard-refused",
		slog.String("op", op),
		slog.Uint64("addr", uint64(addr)),
		slog.Uint64("size", uint64(size)),
		slog.String("touched", touched.String()),
		slog.String("allowed", allowed.String()),
		slog.String("reason", reason),
	)
	return err
}

// Restrict returns a writer whose writes and erases are limited to allowed.
func (g *Guard) Restrict(allowed Area) *Writer {
	return &Writer{g: g, allowed: allowed}
}

// Writer is a Guard bound to one permission set. It satisfies sflash.Eraser
// so the erase planner can run through it.
type Writer struct {
	g       *Guard
	allowed Area
}

func (w *Writer) Allowed() Area { return w.allowed }

func (w *Writer) Write(addr uint32, data []byte) error {
	return w.g.ProtectedWrite(addr, data, w.allowed)
}

func (w *Writer) SectorErase(addr uint32) error {
	return w.g.ProtectedSectorErase(addr, w.allowed)
}

func (w *Writer) BlockErase(addr uint32) error {
	return w.g.ProtectedBlockErase(addr, w.allowed)
}

// Read is not restricted.
func (w *Writer) Read(addr uint32, buf []byte) error {
	return w.g.dev.Read(addr, buf)
}
