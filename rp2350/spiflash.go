//go:build tinygo

package rp2350

import (
	"machine"
	"time"

	"github.com/imatrix-iot/iMatrix-sub000/sflash"
)

// SPI NOR command set shared by the supported parts.
const (
	cmdReadID      = 0x9F
	cmdRead        = 0x03
	cmdWriteEnable = 0x06
	cmdPageProgram = 0x02
	cmdSectorErase = 0x20
	cmdBlockErase  = 0xD8
	cmdReadStatus  = 0x05

	statusBusy = 1 << 0

	sectorEraseTimeout = 500 * time.Millisecond
	blockEraseTimeout  = 3 * time.Second
	programTimeout     = 10 * time.Millisecond
)

// SPIFlash drives a serial NOR chip on an SPI bus with a GPIO chip select.
type SPIFlash struct {
	bus  *machine.SPI
	cs   machine.Pin
	id   uint32
	size uint32
	cmd  [4]byte
}

// SPIFlashConfig selects the bus and pins.
type SPIFlashConfig struct {
	Bus       *machine.SPI
	SCK       machine.Pin
	SDO       machine.Pin
	SDI       machine.Pin
	CS        machine.Pin
	Frequency uint32
}

// NewSPIFlash configures the bus and reads the chip id.
func NewSPIFlash(cfg SPIFlashConfig) (*SPIFlash, error) {
	if cfg.Frequency == 0 {
		cfg.Frequency = 20 * machine.MHz
	}
	err := cfg.Bus.Configure(machine.SPIConfig{
		Frequency: cfg.Frequency,
		SCK:       cfg.SCK,
		SDO:       cfg.SDO,
		SDI:       cfg.SDI,
		Mode:      0,
	})
	if err != nil {
		return nil, err
	}
	cfg.CS.Configure(machine.PinConfig{Mode: machine.PinOutput})
	cfg.CS.High()
	f := &SPIFlash{bus: cfg.Bus, cs: cfg.CS}

	var id [3]byte
	f.cs.Low()
	f.bus.Transfer(cmdReadID)
	err = f.bus.Tx(nil, id[:])
	f.cs.High()
	if err != nil {
		return nil, err
	}
	f.id = uint32(id[0])<<16 | uint32(id[1])<<8 | uint32(id[2])
	// Capacity byte is log2 of the size on JEDEC parts.
	if id[2] >= 0x10 && id[2] <= 0x19 {
		f.size = 1 << id[2]
	}
	return f, nil
}

func (f *SPIFlash) ID() uint32   { return f.id }
func (f *SPIFlash) Size() uint32 { return f.size }

func (f *SPIFlash) Read(addr uint32, buf []byte) error {
	f.cs.Low()
	defer f.cs.High()
	if err := f.bus.Tx(f.addrCmd(cmdRead, addr), nil); err != nil {
		return err
	}
	return f.bus.Tx(nil, buf)
}

// Write programs data, splitting at page boundaries.
func (f *SPIFlash) Write(addr uint32, data []byte) error {
	for len(data) > 0 {
		n := sflash.PageSize - int(addr%sflash.PageSize)
		n = min(n, len(data))
		if err := f.program(addr, data[:n]); err != nil {
			return err
		}
		addr += uint32(n)
		data = data[n:]
	}
	return nil
}

func (f *SPIFlash) SectorErase(addr uint32) error {
	return f.erase(cmdSectorErase, addr, sectorEraseTimeout)
}

func (f *SPIFlash) BlockErase(addr uint32) error {
	return f.erase(cmdBlockErase, addr, blockEraseTimeout)
}

func (f *SPIFlash) program(addr uint32, page []byte) error {
	f.writeEnable()
	f.cs.Low()
	err := f.bus.Tx(f.addrCmd(cmdPageProgram, addr), nil)
	if err == nil {
		err = f.bus.Tx(page, nil)
	}
	f.cs.High()
	if err != nil {
		return err
	}
	return f.waitReady(programTimeout)
}

func (f *SPIFlash) erase(cmd byte, addr uint32, timeout time.Duration) error {
	f.writeEnable()
	f.cs.Low()
	err := f.bus.Tx(f.addrCmd(cmd, addr), nil)
	f.cs.High()
	if err != nil {
		return err
	}
	return f.waitReady(timeout)
}

func (f *SPIFlash) writeEnable() {
	f.cs.Low()
	f.bus.Transfer(cmdWriteEnable)
	f.cs.High()
}

func (f *SPIFlash) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		f.cs.Low()
		f.bus.Transfer(cmdReadStatus)
		st, err := f.bus.Transfer(0)
		f.cs.High()
		if err != nil {
			return err
		}
		if st&statusBusy == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errBusy
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *SPIFlash) addrCmd(cmd byte, addr uint32) []byte {
	f.cmd = [4]byte{cmd, byte(addr >> 16), byte(addr >> 8), byte(addr)}
	return f.cmd[:]
}
