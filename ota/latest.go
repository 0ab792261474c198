package ota

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/ugorji/go/codec"

	"github.com/imatrix-iot/iMatrix-sub000/lut"
)

// ImageType selects which metadata document discovery fetches.
type ImageType uint8

const (
	ImageMaster ImageType = iota
	ImageMasterBeta
	ImageSlave
	ImageSlaveBeta
	ImageSFlash
	ImageSFlashBeta
	numImageTypes
)

var imageTypes = [numImageTypes]struct {
	name string
	path string
}{
	ImageMaster:     {"master", "/firmware/master/latest.json"},
	ImageMasterBeta: {"master-beta", "/firmware/master/beta.json"},
	ImageSlave:      {"slave", "/firmware/slave/latest.json"},
	ImageSlaveBeta:  {"slave-beta", "/firmware/slave/beta.json"},
	ImageSFlash:     {"sflash", "/firmware/sflash/latest.json"},
	ImageSFlashBeta: {"sflash-beta", "/firmware/sflash/beta.json"},
}

func (t ImageType) String() string {
	if t < numImageTypes {
		return imageTypes[t].name
	}
	return fmt.Sprintf("ImageType(%d)", uint8(t))
}

// Path is the metadata document path on the discovery site.
func (t ImageType) Path() string {
	if t < numImageTypes {
		return imageTypes[t].path
	}
	return ""
}

// ParseImageType accepts the names printed by String.
func ParseImageType(s string) (ImageType, error) {
	for i, it := range imageTypes {
		if it.name == s {
			return ImageType(i), nil
		}
	}
	return 0, fmt.Errorf("ota: unknown image type %q", s)
}

// Master reports whether discovered versions are compared against the
// running firmware.
func (t ImageType) Master() bool {
	return t == ImageMaster || t == ImageMasterBeta
}

// Target returns where a discovered image of this type is loaded.
func (t ImageType) Target() (slot lut.Slot, loadAfter bool) {
	switch t {
	case ImageMaster, ImageMasterBeta:
		return lut.SlotOTA, true
	case ImageSlave, ImageSlaveBeta:
		return lut.SlotApp1, false
	}
	return lut.SlotFull, false
}

// Metadata is the discovery response body.
type Metadata struct {
	ImageURL string `codec:"image_url" json:"image_url"`
	Version  string `codec:"version" json:"version"`
	Checksum string `codec:"checksum" json:"checksum"`
}

var jsonHandle codec.JsonHandle

type latestCtx struct {
	state      LatestState
	imageType  ImageType
	site       string
	port       uint16
	addr       netip.Addr
	retries    int
	hdrLen     int
	lastPacket uint32
	handoff    bool

	good     bool
	upToDate bool
	meta     Metadata
	err      error
}

// LatestActive reports whether version discovery is in progress.
func (e *Engine) LatestActive() bool {
	return e.latest.state != LatestIdle
}

// SetupLatest starts version discovery against site, "host" or "host:port".
// It is a no-op returning ErrActive while either flow is running.
func (e *Engine) SetupLatest(t ImageType, site string) error {
	if e.Active() || e.LatestActive() {
		e.logger.Warn("ota:already-active", slog.String("state", e.state.String()))
		return ErrActive
	}
	if t >= numImageTypes {
		return fmt.Errorf("ota: image type %d out of range", uint8(t))
	}
	host, port, err := splitSite(site)
	if err != nil {
		return err
	}
	e.latest = latestCtx{imageType: t, site: host, port: port}
	e.logger.Info("ota:get-latest",
		slog.String("type", t.String()),
		slog.String("site", host),
		slog.Int("port", int(port)),
	)
	e.setLatestState(LatestDNS)
	return nil
}

// PumpLatest advances version discovery by one state. A newer image is
// handed to the loader once the discovery socket is closed.
func (e *Engine) PumpLatest() {
	l := &e.latest
	if l.state == LatestIdle {
		return
	}
	e.setLatestState(e.stepLatest())
	if l.state == LatestIdle && l.handoff {
		l.handoff = false
		e.handoff()
	}
}

func (e *Engine) setLatestState(next LatestState) {
	l := &e.latest
	if next == l.state {
		return
	}
	e.logger.Info("ota:latest-state", slog.String("from", l.state.String()), slog.String("to", next.String()))
	l.state = next
	e.notify()
}

func (e *Engine) stepLatest() LatestState {
	l := &e.latest
	switch l.state {
	case LatestDNS:
		addr, err := e.resolve(l.site)
		if err != nil {
			e.failLatest(fmt.Errorf("%w: %s: %v", ErrDNS, l.site, err))
			return LatestIdle
		}
		l.addr = addr
		return LatestOpenSocket

	case LatestOpenSocket:
		if err := e.tr.Open(); err != nil {
			return e.latestConnectFailed(err)
		}
		e.open = true
		return LatestConnect

	case LatestConnect:
		if err := e.tr.Connect(l.addr, l.port, e.cfg.ConnectTimeout); err != nil {
			return e.latestConnectFailed(err)
		}
		e.connected = true
		l.retries = 0
		return LatestSendRequest

	case LatestSendRequest:
		req := appendRequest(e.scratch[:0], l.site, l.port, l.imageType.Path(), false, 0, 0)
		if err := e.tr.Send(req); err != nil {
			e.failLatest(fmt.Errorf("ota: send request: %w", err))
			return LatestCloseConnection
		}
		l.hdrLen = 0
		l.lastPacket = e.now()
		return LatestParseHeader

	case LatestParseHeader:
		return e.stepLatestResponse()

	case LatestCloseConnection:
		e.disconnect()
		return LatestCloseSocket

	case LatestCloseSocket:
		e.closeTransport()
		e.logger.Info("ota:latest-finished", slog.Bool("good", l.good), slog.Bool("up_to_date", l.upToDate))
		return LatestIdle
	}
	return LatestIdle
}

// stepLatestResponse accumulates the response until the body holds the
// declared length, a complete JSON object, or the peer closes.
func (e *Engine) stepLatestResponse() LatestState {
	l := &e.latest
	n, err := e.tr.Recv(e.scratch[l.hdrLen:], e.cfg.PollTimeout)
	if n > 0 {
		l.hdrLen += n
		l.lastPacket = e.now()
	}
	closed := err != nil && !errors.Is(err, ErrTimeout)
	buf := e.scratch[:l.hdrLen]

	if end := headerEnd(buf); end >= 0 {
		resp, perr := parseResponse(buf[:end])
		if perr != nil {
			e.failLatest(perr)
			return LatestCloseConnection
		}
		if resp.status != 200 {
			e.failLatest(&StatusError{Got: resp.status, Want: 200})
			return LatestCloseConnection
		}
		body := buf[end:]
		complete := false
		if resp.contentLength >= 0 {
			if int64(len(body)) >= resp.contentLength {
				body = body[:resp.contentLength]
				complete = true
			}
		} else {
			_, complete = jsonObject(body)
		}
		if complete || closed {
			return e.finishLatest(body)
		}
	}

	switch {
	case l.hdrLen == len(e.scratch):
		e.failLatest(fmt.Errorf("%w: response exceeds %d bytes", ErrHeader, len(e.scratch)))
		return LatestCloseConnection
	case closed:
		e.failLatest(fmt.Errorf("%w: %v", ErrHeader, err))
		return LatestCloseConnection
	case e.expired(l.lastPacket):
		e.failLatest(ErrTimeout)
		return LatestCloseConnection
	}
	return LatestParseHeader
}

func (e *Engine) finishLatest(body []byte) LatestState {
	l := &e.latest
	obj, ok := jsonObject(body)
	if !ok {
		e.failLatest(fmt.Errorf("%w: no JSON object in body", ErrMetadata))
		return LatestCloseConnection
	}
	var m Metadata
	if err := codec.NewDecoderBytes(obj, &jsonHandle).Decode(&m); err != nil {
		e.failLatest(fmt.Errorf("ota: metadata: %w", err))
		return LatestCloseConnection
	}
	var missing []string
	if m.ImageURL == "" {
		missing = append(missing, "image_url")
	}
	if m.Version == "" {
		missing = append(missing, "version")
	}
	if m.Checksum == "" {
		missing = append(missing, "checksum")
	}
	if len(missing) > 0 {
		e.failLatest(fmt.Errorf("%w: %s", ErrMetadata, strings.Join(missing, ", ")))
		return LatestCloseConnection
	}

	l.meta = m
	l.good = true
	if l.imageType.Master() && !Newer(m.Version, e.cfg.RunningVersion) {
		l.upToDate = true
		e.logger.Info("ota:up-to-date", slog.String("version", m.Version), slog.String("running", e.cfg.RunningVersion))
	} else {
		l.handoff = true
		e.logger.Info("ota:new-version", slog.String("version", m.Version), slog.String("url", m.ImageURL))
	}
	return LatestCloseConnection
}

// handoff starts the loader on the discovered image.
func (e *Engine) handoff() {
	l := &e.latest
	u, err := url.Parse(l.meta.ImageURL)
	if err == nil && u.Scheme != "" && u.Scheme != "http" {
		err = fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err == nil && u.Hostname() == "" {
		err = errors.New("no host")
	}
	var port uint64 = 80
	if err == nil && u.Port() != "" {
		port, err = strconv.ParseUint(u.Port(), 10, 16)
	}
	if err != nil {
		e.failLatest(fmt.Errorf("ota: image url %q: %w", l.meta.ImageURL, err))
		return
	}
	slot, loadAfter := l.imageType.Target()
	err = e.Setup(Target{
		Site:      u.Hostname(),
		URI:       u.RequestURI(),
		Port:      uint16(port),
		Slot:      slot,
		LoadAfter: loadAfter,
		Checksum:  l.meta.Checksum,
	})
	if err != nil {
		e.failLatest(err)
	}
}

func (e *Engine) latestConnectFailed(err error) LatestState {
	l := &e.latest
	l.retries++
	e.logger.Warn("ota:latest-connect-failed", slog.Int("attempt", l.retries), slog.String("err", err.Error()))
	if l.retries >= e.cfg.MaxConnectRetries {
		e.failLatest(fmt.Errorf("%w: %v", ErrConnect, err))
		return LatestCloseSocket
	}
	return l.state
}

func (e *Engine) failLatest(err error) {
	l := &e.latest
	l.good = false
	l.handoff = false
	if l.err == nil {
		l.err = err
	}
	e.logger.Error("ota:latest-failed", slog.String("state", l.state.String()), slog.String("err", err.Error()))
}

// Newer reports whether found is a later version than running. Versions
// are compared as plain strings, so "1.10.0" sorts before "1.9.0".
func Newer(found, running string) bool {
	return found > running
}

func splitSite(site string) (string, uint16, error) {
	u, err := url.Parse("//" + site)
	if err != nil || u.Hostname() == "" {
		return "", 0, fmt.Errorf("ota: bad site %q", site)
	}
	if u.Port() == "" {
		return u.Hostname(), 80, nil
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("ota: bad site %q: %w", site, err)
	}
	return u.Hostname(), uint16(port), nil
}
