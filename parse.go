package main

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/imatrix-iot/iMatrix-sub000/lut"
	"github.com/imatrix-iot/iMatrix-sub000/ota"
)

// Console commands
const (
	cmdHelp      = "help"
	cmdOTA       = "ota"
	cmdOTAGet    = "ota-get"
	cmdOTALatest = "ota-latest"
	cmdOTAAbort  = "ota-abort"
	cmdLUT       = "lut"
	cmdBoot      = "boot"
	cmdLog       = "log"
	cmdConfig    = "config"
	cmdVersion   = "version"
	cmdReboot    = "reboot"
)

var errUsage = errors.New("usage")

// command is a parsed console line.
type command struct {
	name string
	// ota-get
	target ota.Target
	// ota-latest; hasType is false when the configured type applies
	imageType ota.ImageType
	hasType   bool
	// boot
	slot lut.Slot
	// lut
	all bool
}

// parseCommand parses one console line. Tokens are separated by spaces.
//
//	ota-get <site> <uri> [port] [slot] [load]
//	ota-latest [type]
//	boot <slot>
//	lut [all]
func parseCommand(line []byte) (command, error) {
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return command{}, errUsage
	}
	c := command{name: string(fields[0])}
	args := fields[1:]
	switch c.name {
	case cmdHelp, cmdOTA, cmdOTAAbort, cmdLog, cmdConfig, cmdVersion, cmdReboot:
		if len(args) != 0 {
			return c, fmt.Errorf("%s takes no arguments", c.name)
		}

	case cmdOTAGet:
		if len(args) < 2 {
			return c, fmt.Errorf("%w: ota-get <site> <uri> [port] [slot] [load]", errUsage)
		}
		c.target = ota.Target{Site: string(args[0]), URI: string(args[1]), Slot: lut.SlotOTA}
		if c.target.URI[0] != '/' {
			c.target.URI = "/" + c.target.URI
		}
		for _, a := range args[2:] {
			if err := c.targetOption(string(a)); err != nil {
				return c, err
			}
		}

	case cmdOTALatest:
		switch len(args) {
		case 0:
		case 1:
			t, err := ota.ParseImageType(string(args[0]))
			if err != nil {
				return c, err
			}
			c.imageType, c.hasType = t, true
		default:
			return c, fmt.Errorf("%w: ota-latest [type]", errUsage)
		}

	case cmdBoot:
		if len(args) != 1 {
			return c, fmt.Errorf("%w: boot <slot>", errUsage)
		}
		s, err := lut.ParseSlot(string(args[0]))
		if err != nil {
			return c, err
		}
		if !ota.Bootable(s) {
			return c, fmt.Errorf("slot %s is not bootable", s)
		}
		c.slot = s

	case cmdLUT:
		switch {
		case len(args) == 0:
		case len(args) == 1 && string(args[0]) == "all":
			c.all = true
		default:
			return c, fmt.Errorf("%w: lut [all]", errUsage)
		}

	default:
		return c, fmt.Errorf("unknown command %q", c.name)
	}
	return c, nil
}

// targetOption applies one optional ota-get token: a port number, a slot
// name or "load".
func (c *command) targetOption(a string) error {
	if a == "load" {
		c.target.LoadAfter = true
		return nil
	}
	// Numbers below NumSlots name a slot.
	if n, err := strconv.ParseUint(a, 10, 64); err == nil && n >= uint64(lut.NumSlots) {
		if n > 0xFFFF {
			return fmt.Errorf("bad port %q", a)
		}
		c.target.Port = uint16(n)
		return nil
	}
	s, err := lut.ParseSlot(a)
	if err != nil {
		return err
	}
	if s == lut.SlotLUT {
		return fmt.Errorf("slot %s cannot be loaded", s)
	}
	c.target.Slot = s
	return nil
}
