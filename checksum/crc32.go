// Package checksum provides the streaming CRC-32 fed by the OTA loader as
// image data arrives.
package checksum

import (
	"errors"
	"log/slog"
)

// CRC-32 parameters (IEEE 802.3, bit-reflected).
const (
	Polynomial = 0xEDB88320
	InitialXOR = 0xFFFFFFFF
	FinalXOR   = 0xFFFFFFFF
	Size       = 4
)

// Status is the accumulator lifecycle.
type Status uint8

const (
	Uninitialized Status = iota
	InProcess
	Finalized
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case InProcess:
		return "in-process"
	case Finalized:
		return "finalized"
	}
	return "unknown"
}

var (
	ErrNotStarted = errors.New("checksum: update before start")
	ErrFinalized  = errors.New("checksum: update after finalize")
)

// CRC32 is an incremental CRC-32. The zero value is uninitialized; call
// Start before the first Update.
type CRC32 struct {
	acc    uint32
	status Status
	logger *slog.Logger
}

// New returns an uninitialized accumulator that reports misuse to logger.
func New(logger *slog.Logger) *CRC32 {
	return &CRC32{logger: logger}
}

// Start resets the accumulator and begins a new computation.
func (c *CRC32) Start() {
	c.acc = InitialXOR
	c.status = InProcess
}

// Update folds buf into the accumulator. Calls outside Start..Finalize are
// logged and leave the accumulator untouched.
func (c *CRC32) Update(buf []byte) error {
	switch c.status {
	case Uninitialized:
		c.misuse(ErrNotStarted)
		return ErrNotStarted
	case Finalized:
		c.misuse(ErrFinalized)
		return ErrFinalized
	}
	c.acc = update(c.acc, buf)
	return nil
}

// Finalize applies the final XOR on the first call and returns the cached
// result on every later call.
func (c *CRC32) Finalize() uint32 {
	if c.status == InProcess {
		c.acc ^= FinalXOR
		c.status = Finalized
	}
	return c.acc
}

// Destroy returns the accumulator to the uninitialized state.
func (c *CRC32) Destroy() {
	c.acc = 0
	c.status = Uninitialized
}

func (c *CRC32) Status() Status { return c.status }

// Write implements io.Writer so the accumulator can sit behind io.Copy.
func (c *CRC32) Write(p []byte) (int, error) {
	if err := c.Update(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Sum32 returns the finalized value, or the running value with the final XOR
// applied if the computation is still in process.
func (c *CRC32) Sum32() uint32 {
	if c.status == InProcess {
		return c.acc ^ FinalXOR
	}
	return c.acc
}

func (c *CRC32) misuse(err error) {
	if c.logger != nil {
		c.logger.Error("checksum:misuse", slog.String("err", err.Error()), slog.String("status", c.status.String()))
	}
}

// Checksum computes the CRC-32 of data in one call.
func Checksum(data []byte) uint32 {
	return update(InitialXOR, data) ^ FinalXOR
}

func update(crc uint32, data []byte) uint32 {
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ Polynomial
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
