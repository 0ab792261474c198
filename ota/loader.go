package ota

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/imatrix-iot/iMatrix-sub000/lut"
	"github.com/imatrix-iot/iMatrix-sub000/sflash"
)

// progressStep is how often receive progress is logged.
const progressStep = 64 << 10

// step runs the current loader state once and returns the next state.
func (e *Engine) step() State {
	switch e.state {
	case StateInit:
		return e.stepInit()

	case StateEraseFlash:
		return e.stepErase()

	case StateVerifyErase:
		return e.stepVerifyErase()

	case StateDNSLookup:
		addr, err := e.resolve(e.target.Site)
		if err != nil {
			e.fail(fmt.Errorf("%w: %s: %v", ErrDNS, e.target.Site, err))
			return StatePreIdle
		}
		e.addr = addr
		e.connRetries = 0
		return StateOpenSocket

	case StateOpenSocket:
		if err := e.tr.Open(); err != nil {
			return e.connectFailed(err)
		}
		e.open = true
		return StateEstablishConnection

	case StateEstablishConnection:
		if err := e.tr.Connect(e.addr, e.target.Port, e.cfg.ConnectTimeout); err != nil {
			return e.connectFailed(err)
		}
		e.connected = true
		e.connRetries = 0
		e.logger.Info("ota:connected", slog.String("addr", e.addr.String()), slog.Int("port", int(e.target.Port)))
		if e.received == 0 {
			return StateSendRequest
		}
		return StateSendPartialRequest

	case StateSendRequest, StateSendPartialRequest:
		partial := e.state == StateSendPartialRequest
		req := appendRequest(e.scratch[:0], e.target.Site, e.target.Port, e.target.URI, partial, e.received, e.total)
		if err := e.tr.Send(req); err != nil {
			e.fail(fmt.Errorf("ota: send request: %w", err))
			return StateCloseConnection
		}
		e.lastPacket = e.now()
		e.hdrLen = 0
		if partial {
			e.logger.Info("ota:resume", slog.Uint64("from", uint64(e.received)), slog.Uint64("total", uint64(e.total)))
			return StateParsePartialHeader
		}
		return StateParseHeader

	case StateParseHeader, StateParsePartialHeader:
		return e.stepParseHeader(e.state == StateParsePartialHeader)

	case StateReceiveStream:
		return e.stepReceive()

	case StateDataTimeout:
		return e.stepDataTimeout()

	case StateAllReceived:
		e.streamCRC = e.crc.Finalize()
		e.offset = e.eraseStart
		e.verifyOff = 0
		e.readback.Start()
		e.digest = nil
		if e.target.Checksum != "" {
			d, err := newDigest(e.target.Checksum)
			if err != nil {
				e.fail(err)
				return StateCloseConnection
			}
			e.digest = d
		}
		e.logger.Info("ota:all-received",
			slog.Uint64("bytes", uint64(e.received)),
			slog.String("crc", fmt.Sprintf("%08x", e.streamCRC)),
		)
		return StateVerifyOTA

	case StateVerifyOTA:
		return e.stepVerify()

	case StateCloseConnection:
		e.disconnect()
		return StateCloseSocket

	case StateCloseSocket:
		e.closeTransport()
		if e.res.goodLoad {
			return StateDone
		}
		return StatePreIdle

	case StateDone:
		return e.stepDone()

	case StatePreIdle:
		e.closeTransport()
		e.logger.Info("ota:finished",
			slog.Bool("good_load", e.res.goodLoad),
			slog.Uint64("bytes", uint64(e.received)),
		)
		return StateIdle
	}
	return StateIdle
}

func (e *Engine) stepInit() State {
	var allowed lut.Area
	if e.target.Slot == lut.SlotFull {
		e.eraseStart, e.eraseLen = 0, e.guard.Size()
		allowed = lut.AreaAny
	} else {
		start, length, err := e.guard.Table().Span(e.target.Slot)
		if err != nil {
			e.fail(fmt.Errorf("ota: slot %s: %w", e.target.Slot, err))
			return StatePreIdle
		}
		e.eraseStart, e.eraseLen = start, length
		allowed = lut.SlotArea(e.target.Slot)
	}
	p, err := sflash.NewPlanner(e.guard.Chip(), e.eraseStart, e.eraseLen, e.eraseLen)
	if err != nil {
		e.fail(fmt.Errorf("ota: erase plan: %w", err))
		return StatePreIdle
	}
	e.planner = p
	e.w = e.guard.Restrict(allowed)
	e.offset = e.eraseStart
	e.received, e.total = 0, 0
	e.acceptRanges = false
	e.crc.Start()
	e.logger.Info("ota:erase-window",
		slog.String("slot", e.target.Slot.String()),
		slog.Uint64("start", uint64(e.eraseStart)),
		slog.Uint64("length", uint64(e.eraseLen)),
	)
	return StateEraseFlash
}

// stepErase applies a bounded number of planned erase operations.
func (e *Engine) stepErase() State {
	for i := 0; i < e.cfg.EraseOpsPerTick; i++ {
		op, ok := e.planner.Next()
		if !ok {
			if err := e.planner.Err(); err != nil {
				e.fail(err)
				return StatePreIdle
			}
			e.verifyOff = 0
			return StateVerifyErase
		}
		if err := sflash.Apply(e.w, op); err != nil {
			e.fail(fmt.Errorf("ota: %v: %w", op, err))
			return StatePreIdle
		}
	}
	return StateEraseFlash
}

func (e *Engine) stepVerifyErase() State {
	if !e.cfg.VerifyErase {
		return StateDNSLookup
	}
	end := e.planner.Cursor()
	for i := 0; i < e.cfg.EraseOpsPerTick; i++ {
		addr := e.eraseStart + e.verifyOff
		if addr >= end {
			e.verifyOff = 0
			return StateDNSLookup
		}
		buf := e.scratch[:min(uint32(len(e.scratch)), end-addr)]
		if err := e.w.Read(addr, buf); err != nil {
			e.fail(fmt.Errorf("ota: erase verify read: %w", err))
			return StatePreIdle
		}
		for j, b := range buf {
			if b != 0xFF {
				e.fail(fmt.Errorf("%w: %#08x", ErrEraseVerify, addr+uint32(j)))
				return StatePreIdle
			}
		}
		e.verifyOff += uint32(len(buf))
	}
	return StateVerifyErase
}

// stepParseHeader accumulates the response header in scratch until the blank
// line is seen, then writes whatever body bytes followed it.
func (e *Engine) stepParseHeader(partial bool) State {
	n, err := e.tr.Recv(e.scratch[e.hdrLen:], e.cfg.PollTimeout)
	if n > 0 {
		e.hdrLen += n
		e.lastPacket = e.now()
	}
	end := headerEnd(e.scratch[:e.hdrLen])
	if end < 0 {
		switch {
		case e.hdrLen == len(e.scratch):
			e.fail(fmt.Errorf("%w: %d bytes without header end", ErrHeader, e.hdrLen))
			return StateCloseConnection
		case err != nil && !errors.Is(err, ErrTimeout):
			e.logger.Warn("ota:connection-lost", slog.String("err", err.Error()))
			return StateDataTimeout
		case e.expired(e.lastPacket):
			return StateDataTimeout
		}
		return e.state
	}

	resp, err := parseResponse(e.scratch[:end])
	if err != nil {
		e.fail(err)
		return StateCloseConnection
	}
	want := 200
	if partial {
		want = 206
	}
	if resp.status != want {
		e.fail(&StatusError{Got: resp.status, Want: want})
		return StateCloseConnection
	}
	if partial {
		remain := int64(e.total - e.received)
		if (resp.contentLength >= 0 && resp.contentLength != remain) ||
			(resp.rangeStart >= 0 && resp.rangeStart != int64(e.received)) {
			e.fail(fmt.Errorf("%w: start %d length %d, want start %d length %d",
				ErrRange, resp.rangeStart, resp.contentLength, e.received, remain))
			return StateCloseConnection
		}
	} else {
		if resp.contentLength < 0 {
			e.fail(fmt.Errorf("%w: no Content-Length", ErrHeader))
			return StateCloseConnection
		}
		if resp.contentLength > int64(e.eraseLen) {
			e.fail(fmt.Errorf("%w: %d > %d", ErrTooLarge, resp.contentLength, e.eraseLen))
			return StateCloseConnection
		}
		e.total = uint32(resp.contentLength)
		e.acceptRanges = resp.acceptRanges
	}
	e.logger.Info("ota:header",
		slog.Int("status", resp.status),
		slog.Uint64("total", uint64(e.total)),
		slog.Bool("accept_ranges", e.acceptRanges),
	)

	body := e.scratch[end:e.hdrLen]
	e.hdrLen = 0
	if len(body) > 0 {
		if err := e.writeBody(body); err != nil {
			e.fail(err)
			return StateCloseConnection
		}
	}
	if e.received == e.total {
		return StateAllReceived
	}
	return StateReceiveStream
}

func (e *Engine) stepReceive() State {
	n, err := e.tr.Recv(e.scratch, e.cfg.PollTimeout)
	if n > 0 {
		e.lastPacket = e.now()
		if werr := e.writeBody(e.scratch[:n]); werr != nil {
			e.fail(werr)
			return StateCloseConnection
		}
		if e.received == e.total {
			return StateAllReceived
		}
	}
	switch {
	case err == nil || errors.Is(err, ErrTimeout):
		if n == 0 && e.expired(e.lastPacket) {
			return StateDataTimeout
		}
		return StateReceiveStream
	default:
		e.logger.Warn("ota:connection-lost", slog.String("err", err.Error()))
		return StateDataTimeout
	}
}

// writeBody programs one body segment at the current offset. A segment that
// would take the transfer past its declared length is refused before any
// flash is touched.
func (e *Engine) writeBody(p []byte) error {
	if uint64(e.received)+uint64(len(p)) > uint64(e.total) {
		return fmt.Errorf("%w: %d + %d > %d", ErrOverflow, e.received, len(p), e.total)
	}
	if err := e.w.Write(e.offset, p); err != nil {
		return err
	}
	e.crc.Update(p)
	before := e.received
	e.offset += uint32(len(p))
	e.received += uint32(len(p))
	if before/progressStep != e.received/progressStep {
		e.logger.Debug("ota:progress",
			slog.Uint64("received", uint64(e.received)),
			slog.Uint64("total", uint64(e.total)),
		)
	}
	return nil
}

func (e *Engine) stepDataTimeout() State {
	e.dataRetries++
	e.logger.Warn("ota:data-timeout",
		slog.Int("retry", e.dataRetries),
		slog.Uint64("received", uint64(e.received)),
		slog.Uint64("total", uint64(e.total)),
	)
	if e.dataRetries > e.cfg.MaxDataRetries {
		e.fail(fmt.Errorf("%w after %d bytes", ErrDataTimeout, e.received))
		return StateCloseConnection
	}
	e.closeTransport()
	if e.acceptRanges {
		return StateDNSLookup
	}
	return StateInit
}

// stepVerify reads the written image back a few chunks per tick.
func (e *Engine) stepVerify() State {
	for i := 0; i < e.cfg.EraseOpsPerTick && e.verifyOff < e.total; i++ {
		buf := e.scratch[:min(uint32(len(e.scratch)), e.total-e.verifyOff)]
		if err := e.w.Read(e.offset+e.verifyOff, buf); err != nil {
			e.fail(fmt.Errorf("ota: verify read: %w", err))
			return StateCloseConnection
		}
		e.readback.Update(buf)
		if e.digest != nil {
			e.digest.Write(buf)
		}
		e.verifyOff += uint32(len(buf))
	}
	if e.verifyOff < e.total {
		return StateVerifyOTA
	}

	got := e.readback.Finalize()
	if got != e.streamCRC {
		e.fail(fmt.Errorf("%w: %08x != %08x", ErrVerify, got, e.streamCRC))
		return StateCloseConnection
	}
	if e.digest != nil {
		if err := e.digest.check(got); err != nil {
			e.fail(err)
			return StateCloseConnection
		}
	}
	e.res.goodLoad = true
	e.res.crc = got
	e.logger.Info("ota:verified", slog.String("crc", fmt.Sprintf("%08x", got)), slog.Uint64("bytes", uint64(e.total)))
	return StateCloseConnection
}

func (e *Engine) stepDone() State {
	if e.target.Slot == lut.SlotFull {
		if err := e.guard.Reload(); err != nil {
			e.logger.Error("ota:lut-reload-failed", slog.String("err", err.Error()))
			e.res.err = err
		}
	}
	if !e.target.LoadAfter || !Bootable(e.target.Slot) {
		return StatePreIdle
	}
	if err := e.boot.RebootToImage(e.target.Slot); err != nil {
		e.logger.Error("ota:boot-failed", slog.String("err", err.Error()))
		e.res.err = err
		return StatePreIdle
	}
	e.res.rebooted = true
	return StatePreIdle
}

func (e *Engine) connectFailed(err error) State {
	e.connRetries++
	e.logger.Warn("ota:connect-failed",
		slog.String("state", e.state.String()),
		slog.Int("attempt", e.connRetries),
		slog.String("err", err.Error()),
	)
	if e.connRetries >= e.cfg.MaxConnectRetries {
		e.fail(fmt.Errorf("%w: %v", ErrConnect, err))
		return StateCloseSocket
	}
	return e.state
}

// fail records the first error of the attempt.
func (e *Engine) fail(err error) {
	if e.res.err == nil {
		e.res.err = err
	}
	e.res.goodLoad = false
	e.logger.Error("ota:failed", slog.String("state", e.state.String()), slog.String("err", err.Error()))
}
