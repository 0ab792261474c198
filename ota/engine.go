package ota

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/imatrix-iot/iMatrix-sub000/checksum"
	"github.com/imatrix-iot/iMatrix-sub000/lut"
	"github.com/imatrix-iot/iMatrix-sub000/sflash"
)

// Target describes one image download.
type Target struct {
	Site      string
	URI       string
	Port      uint16
	Slot      lut.Slot
	LoadAfter bool
	// Checksum is the expected image digest in hex: 8 digits for CRC-32,
	// 64 for SHA-256, 128 for SHA-512. Empty skips the comparison.
	Checksum string
}

// Status is a snapshot of both flows. Results of the last attempt remain
// valid after the engine returns to idle.
type Status struct {
	State        State
	Latest       LatestState
	Target       Target
	Received     uint32
	Total        uint32
	AcceptRanges bool
	DataRetries  int

	GoodLoad bool
	Rebooted bool
	CRC      uint32
	Err      error

	GoodLatest bool
	UpToDate   bool
	ImageType  ImageType
	Metadata   Metadata
	LatestErr  error
}

// Active reports whether the loader was running when the snapshot was taken.
func (s Status) Active() bool {
	return s.State != StateIdle
}

// Engine owns the OTA state block. It is driven from a single goroutine.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	clock   Clock
	tr      Transport
	guard   *lut.Guard
	boot    *BootSelector
	scratch []byte

	open      bool
	connected bool

	state  State
	target Target
	w      *lut.Writer

	eraseStart uint32
	eraseLen   uint32
	planner    sflash.Planner

	addr         netip.Addr
	offset       uint32
	received     uint32
	total        uint32
	acceptRanges bool
	dataRetries  int
	connRetries  int
	lastPacket   uint32
	hdrLen       int

	crc       checksum.CRC32
	readback  checksum.CRC32
	streamCRC uint32
	verifyOff uint32
	digest    *digest

	res    loadResult
	latest latestCtx
}

type loadResult struct {
	received uint32
	total    uint32
	goodLoad bool
	rebooted bool
	crc      uint32
	err      error
}

// New returns an idle engine. guard confines every flash mutation and bl
// commits the boot pointer once an image with load-after is verified.
func New(tr Transport, guard *lut.Guard, bl Bootloader, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{start: time.Now()}
	}
	if cfg.EraseOpsPerTick < 1 {
		cfg.EraseOpsPerTick = 1
	}
	e := &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		tr:      tr,
		guard:   guard,
		scratch: make([]byte, cfg.ScratchSize),
	}
	e.boot = NewBootSelector(guard, bl, cfg.Logger)
	e.crc = *checksum.New(cfg.Logger)
	e.readback = *checksum.New(cfg.Logger)
	return e
}

// BootSelector returns the selector the loader reboots through.
func (e *Engine) BootSelector() *BootSelector { return e.boot }

// Init drops any transfer in progress and clears the results of previous
// attempts.
func (e *Engine) Init() {
	e.closeTransport()
	e.state = StateIdle
	e.quiesce()
	e.res = loadResult{}
	e.target = Target{}
	e.latest = latestCtx{}
	e.logger.Info("ota:init-loader")
}

// Active reports whether a loader transfer is in progress.
func (e *Engine) Active() bool {
	return e.state != StateIdle
}

// Setup starts a transfer. It is rejected while the loader or the discovery
// flow is active, or when t.Slot is not a loadable slot.
func (e *Engine) Setup(t Target) error {
	if e.Active() || e.latest.state != LatestIdle {
		e.logger.Warn("ota:already-active", slog.String("state", e.state.String()))
		return ErrActive
	}
	if t.Slot >= lut.NumSlots || t.Slot == lut.SlotLUT {
		e.logger.Error("ota:bad-slot", slog.Int("slot", int(t.Slot)))
		return ErrBadSlot
	}
	if t.Port == 0 {
		t.Port = 80
	}
	e.target = t
	e.res = loadResult{}
	e.dataRetries = 0
	e.logger.Info("ota:setup",
		slog.String("site", t.Site),
		slog.String("uri", t.URI),
		slog.Int("port", int(t.Port)),
		slog.String("slot", t.Slot.String()),
		slog.Bool("load_after", t.LoadAfter),
	)
	e.setState(StateInit)
	return nil
}

// Pump advances the loader by one state.
func (e *Engine) Pump() {
	if e.state == StateIdle {
		return
	}
	e.setState(e.step())
}

// Status returns a snapshot of both flows.
func (e *Engine) Status() Status {
	s := Status{
		State:      e.state,
		Latest:     e.latest.state,
		Target:     e.target,
		Received:   e.res.received,
		Total:      e.res.total,
		GoodLoad:   e.res.goodLoad,
		Rebooted:   e.res.rebooted,
		CRC:        e.res.crc,
		Err:        e.res.err,
		GoodLatest: e.latest.good,
		UpToDate:   e.latest.upToDate,
		ImageType:  e.latest.imageType,
		Metadata:   e.latest.meta,
		LatestErr:  e.latest.err,
	}
	if e.Active() {
		s.Received = e.received
		s.Total = e.total
		s.AcceptRanges = e.acceptRanges
		s.DataRetries = e.dataRetries
	}
	return s
}

func (e *Engine) setState(next State) {
	if next == e.state {
		return
	}
	e.logger.Info("ota:state", slog.String("from", e.state.String()), slog.String("to", next.String()))
	if next == StateIdle {
		e.res.received = e.received
		e.res.total = e.total
		e.quiesce()
	}
	e.state = next
	e.notify()
}

// quiesce resets the working part of the state block.
func (e *Engine) quiesce() {
	e.w = nil
	e.eraseStart, e.eraseLen = 0, 0
	e.planner = sflash.Planner{}
	e.addr = netip.Addr{}
	e.offset, e.received, e.total = 0, 0, 0
	e.acceptRanges = false
	e.dataRetries, e.connRetries = 0, 0
	e.lastPacket = 0
	e.hdrLen = 0
	e.crc.Destroy()
	e.readback.Destroy()
	e.streamCRC, e.verifyOff = 0, 0
	e.digest = nil
}

func (e *Engine) notify() {
	if e.cfg.Observer != nil {
		e.cfg.Observer(e.Status())
	}
}

func (e *Engine) now() uint32 { return e.clock.Millis() }

// expired reports whether the data timeout elapsed since last.
func (e *Engine) expired(last uint32) bool {
	return Later(e.now(), last+uint32(e.cfg.DataTimeout.Milliseconds()))
}

func (e *Engine) resolve(host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	return e.tr.Resolve(host, e.cfg.ConnectTimeout)
}

func (e *Engine) disconnect() {
	if !e.connected {
		return
	}
	e.connected = false
	if err := e.tr.Disconnect(); err != nil {
		e.logger.Debug("ota:disconnect", slog.String("err", err.Error()))
	}
}

func (e *Engine) closeTransport() {
	e.disconnect()
	if !e.open {
		return
	}
	e.open = false
	if err := e.tr.Close(); err != nil {
		e.logger.Debug("ota:close", slog.String("err", err.Error()))
	}
}
