package ota

import (
	"debug/elf"
	"fmt"
	"log/slog"

	"github.com/imatrix-iot/iMatrix-sub000/lut"
)

// elfSignature is the first 8 bytes of a 32-bit little-endian ELF image.
var elfSignature = [8]byte{
	elf.ELFMAG[0], elf.ELFMAG[1], elf.ELFMAG[2], elf.ELFMAG[3],
	byte(elf.ELFCLASS32), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT), byte(elf.ELFOSABI_NONE),
}

// Bootable reports whether the bootloader can start an image from slot.
func Bootable(s lut.Slot) bool {
	switch s {
	case lut.SlotFactoryReset, lut.SlotOTA, lut.SlotApp0, lut.SlotApp1:
		return true
	}
	return false
}

// BootIndex returns the configuration-table boot index of slot. Indices
// follow slot order.
func BootIndex(s lut.Slot) int {
	return int(s)
}

// BootSelector gates the boot pointer on a structural check of the
// candidate image.
type BootSelector struct {
	guard  *lut.Guard
	bl     Bootloader
	logger *slog.Logger
}

func NewBootSelector(guard *lut.Guard, bl Bootloader, logger *slog.Logger) *BootSelector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BootSelector{guard: guard, bl: bl, logger: logger}
}

// RebootToImage selects slot and resets the device. On hardware it does not
// return when it succeeds.
func (b *BootSelector) RebootToImage(slot lut.Slot) error {
	if !Bootable(slot) {
		b.logger.Error("ota:boot-slot", slog.String("slot", slot.String()))
		return fmt.Errorf("%w: %s", ErrBootSlot, slot)
	}
	if err := b.ProtectedSetBoot(slot, LoadDefault); err != nil {
		return err
	}
	b.logger.Info("ota:rebooting", slog.String("slot", slot.String()))
	b.bl.Reboot()
	return nil
}

// ProtectedSetBoot commits slot as the boot image only if it starts with
// the ELF signature. The current boot pointer is left alone otherwise.
func (b *BootSelector) ProtectedSetBoot(slot lut.Slot, mode LoadMode) error {
	start, _, err := b.guard.Table().Span(slot)
	if err != nil {
		return fmt.Errorf("ota: boot slot %s: %w", slot, err)
	}
	var sig [len(elfSignature)]byte
	if err := b.guard.Device().Read(start, sig[:]); err != nil {
		return fmt.Errorf("ota: read signature: %w", err)
	}
	if sig != elfSignature {
		b.logger.Error("ota:bad-signature",
			slog.String("slot", slot.String()),
			slog.String("got", fmt.Sprintf("% x", sig[:])),
		)
		return fmt.Errorf("%w: %s starts with % x", ErrSignature, slot, sig[:])
	}
	if err := b.bl.SetBoot(BootIndex(slot), mode); err != nil {
		return fmt.Errorf("ota: set boot %s: %w", slot, err)
	}
	b.logger.Info("ota:boot-set", slog.String("slot", slot.String()), slog.Int("mode", int(mode)))
	return nil
}
