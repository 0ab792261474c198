// Package ota is the over-the-air update engine: the version discovery flow,
// the loader state machine that streams an image into serial flash through
// the write-area guard, and the boot selector that commits the new image.
//
// The engine is cooperative. Pump and PumpLatest each advance their flow by
// one state and return; the caller invokes them once per scheduler tick
// alongside its watchdog kick. No call blocks longer than the transport
// timeouts configured through Option.
package ota

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// Transport is a single TCP-like stream socket plus name resolution. The
// engine owns at most one connection at a time.
type Transport interface {
	// Resolve looks up the IPv4 address of host.
	Resolve(host string, timeout time.Duration) (netip.Addr, error)
	// Open allocates the socket.
	Open() error
	Connect(addr netip.Addr, port uint16, timeout time.Duration) error
	Send(p []byte) error
	// Recv waits at most timeout for data. It returns ErrTimeout when nothing
	// arrived, and ErrConnReset or io.EOF when the peer went away.
	Recv(buf []byte, timeout time.Duration) (int, error)
	Disconnect() error
	// Close releases the socket.
	Close() error
}

// Clock is a monotonic millisecond tick that wraps around every ~49 days.
type Clock interface {
	Millis() uint32
}

// Later reports whether tick a is after tick b, across rollover.
func Later(a, b uint32) bool {
	return int32(a-b) > 0
}

type wallClock struct{ start time.Time }

func (c wallClock) Millis() uint32 { return uint32(time.Since(c.start).Milliseconds()) }

// LoadMode selects how the bootloader treats a newly selected image.
type LoadMode uint8

const (
	LoadDefault LoadMode = iota // boot the image on every reset
	LoadOnce                    // boot the image on the next reset only
)

// Bootloader commits the boot pointer and resets the device.
type Bootloader interface {
	SetBoot(index int, mode LoadMode) error
	// Reboot does not return on hardware.
	Reboot()
}

// Errors
var (
	ErrActive         = errors.New("ota: update already active")
	ErrBadSlot        = errors.New("ota: image slot out of range")
	ErrTimeout        = errors.New("ota: receive timeout")
	ErrConnReset      = errors.New("ota: connection reset")
	ErrDNS            = errors.New("ota: dns lookup failed")
	ErrConnect        = errors.New("ota: connect retries exhausted")
	ErrHeader         = errors.New("ota: no recognizable response header")
	ErrTooLarge       = errors.New("ota: content length exceeds erase window")
	ErrOverflow       = errors.New("ota: received more than declared content length")
	ErrRange          = errors.New("ota: partial response does not match requested range")
	ErrDataTimeout    = errors.New("ota: data retries exhausted")
	ErrEraseVerify    = errors.New("ota: flash not blank after erase")
	ErrVerify         = errors.New("ota: read-back checksum differs from streamed checksum")
	ErrChecksum       = errors.New("ota: image checksum mismatch")
	ErrChecksumFormat = errors.New("ota: unrecognized checksum format")
	ErrMetadata       = errors.New("ota: metadata missing required field")
	ErrSignature      = errors.New("ota: image signature is not an ELF executable")
	ErrBootSlot       = errors.New("ota: slot is not bootable")
)

// StatusError is a response whose status line carried an unexpected code.
type StatusError struct {
	Got  int
	Want int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ota: http status %d, want %d", e.Got, e.Want)
}
