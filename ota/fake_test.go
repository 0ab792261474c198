package ota

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/imatrix-iot/iMatrix-sub000/lut"
	"github.com/imatrix-iot/iMatrix-sub000/sflash"
)

type manualClock struct{ ms uint32 }

func (c *manualClock) Millis() uint32 { return c.ms }

func (c *manualClock) Advance(d time.Duration) { c.ms += uint32(d.Milliseconds()) }

// fakeServer is a Transport backed by an in-process HTTP/1.1 responder.
// Each Connect starts a new connection; responses are handed out in
// segments of at most seg bytes.
type fakeServer struct {
	clock *manualClock

	files        map[string][]byte
	acceptRanges bool
	seg          int

	// dropAfter stalls the first connection after this many body bytes.
	dropAfter int
	// resetAfterDrop returns ErrConnReset instead of stalling.
	resetAfterDrop bool
	// lengthOverride replaces the declared Content-Length when non-zero.
	lengthOverride int
	// extra is appended to every body beyond its declared length.
	extra []byte
	// status overrides the response status line when non-zero.
	status int
	// stallAlways stalls every connection after its header.
	stallAlways bool

	dnsErr     error
	connectErr error

	conns     int
	opens     int
	closes    int
	resolves  int
	connects  int
	requests  []string
	pending   []byte
	stalled   bool
	connected bool
}

func newFakeServer(clock *manualClock) *fakeServer {
	return &fakeServer{clock: clock, files: map[string][]byte{}, seg: 1000}
}

func (s *fakeServer) Resolve(host string, timeout time.Duration) (netip.Addr, error) {
	s.resolves++
	if s.dnsErr != nil {
		s.clock.Advance(timeout)
		return netip.Addr{}, s.dnsErr
	}
	return netip.MustParseAddr("192.0.2.10"), nil
}

func (s *fakeServer) Open() error {
	s.opens++
	return nil
}

func (s *fakeServer) Connect(addr netip.Addr, port uint16, timeout time.Duration) error {
	s.connects++
	if s.connectErr != nil {
		s.clock.Advance(timeout)
		return s.connectErr
	}
	s.conns++
	s.connected = true
	s.pending = nil
	s.stalled = false
	return nil
}

func (s *fakeServer) Send(p []byte) error {
	if !s.connected {
		return errors.New("fake: not connected")
	}
	req := string(p)
	s.requests = append(s.requests, req)
	s.pending = s.respond(req)
	return nil
}

func (s *fakeServer) Recv(buf []byte, timeout time.Duration) (int, error) {
	if !s.connected {
		return 0, io.EOF
	}
	if len(s.pending) == 0 {
		if s.stalled && s.resetAfterDrop {
			return 0, ErrConnReset
		}
		s.clock.Advance(timeout)
		return 0, ErrTimeout
	}
	n := copy(buf, s.pending[:min(len(s.pending), s.seg)])
	s.pending = s.pending[n:]
	return n, nil
}

func (s *fakeServer) Disconnect() error {
	s.connected = false
	return nil
}

func (s *fakeServer) Close() error {
	s.closes++
	s.connected = false
	return nil
}

func (s *fakeServer) respond(req string) []byte {
	lines := strings.Split(req, "\r\n")
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return []byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n")
	}
	body, ok := s.files[fields[1]]
	if !ok {
		return []byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
	}
	start, end, ranged := -1, -1, false
	for _, l := range lines[1:] {
		if v, ok := strings.CutPrefix(l, "Range: bytes="); ok {
			a, b, _ := strings.Cut(v, "-")
			start, _ = strconv.Atoi(a)
			end, _ = strconv.Atoi(b)
			ranged = true
		}
	}

	var hdr strings.Builder
	status := 200
	if ranged && s.acceptRanges {
		status = 206
		end = min(end, len(body)-1)
		fmt.Fprintf(&hdr, "Content-Range: bytes %d-%d/%d\r\n", start, end, len(body))
		body = body[start : end+1]
	}
	if s.status != 0 {
		status = s.status
	}
	length := len(body)
	if s.lengthOverride != 0 {
		length = s.lengthOverride
	}
	fmt.Fprintf(&hdr, "Content-Length: %d\r\n", length)
	if s.acceptRanges {
		hdr.WriteString("Accept-Ranges: bytes\r\n")
	}
	body = append(append([]byte{}, body...), s.extra...)

	switch {
	case s.stallAlways:
		body = nil
		s.stalled = true
	case s.conns == 1 && s.dropAfter > 0 && s.dropAfter < len(body):
		body = body[:s.dropAfter]
		s.stalled = true
	}
	resp := fmt.Sprintf("HTTP/1.1 %d X\r\nServer: fake\r\n%s\r\n", status, hdr.String())
	return append([]byte(resp), body...)
}

type fakeBootloader struct {
	index   int
	mode    LoadMode
	sets    int
	reboots int
}

func (b *fakeBootloader) SetBoot(index int, mode LoadMode) error {
	b.index, b.mode = index, mode
	b.sets++
	return nil
}

func (b *fakeBootloader) Reboot() { b.reboots++ }

type testRig struct {
	clock  *manualClock
	srv    *fakeServer
	dev    *sflash.MemDevice
	guard  *lut.Guard
	boot   *fakeBootloader
	eng    *Engine
	states []State
}

func newRig(t *testing.T, opts ...Option) *testRig {
	t.Helper()
	r := &testRig{clock: &manualClock{ms: 1}, boot: &fakeBootloader{}}
	r.srv = newFakeServer(r.clock)
	r.dev = sflash.NewMemDevice(0xEF4017, 8<<20)
	chip := sflash.DetectChip(r.dev)
	tbl, err := lut.Load(r.dev, chip, nil)
	if err != nil {
		t.Fatalf("lut.Load: %v", err)
	}
	r.dev.ResetOps()
	r.guard = lut.NewGuard(r.dev, chip, tbl, nil)
	opts = append([]Option{
		WithClock(r.clock),
		WithPollTimeout(10 * time.Millisecond),
		WithDataTimeout(200 * time.Millisecond),
		WithConnectTimeout(50 * time.Millisecond),
		WithMaxConnectRetries(3),
		WithMaxDataRetries(3),
		WithEraseOpsPerTick(8),
		WithRunningVersion("1.2.0"),
		WithObserver(func(s Status) {
			if n := len(r.states); n == 0 || r.states[n-1] != s.State {
				r.states = append(r.states, s.State)
			}
		}),
	}, opts...)
	r.eng = New(r.srv, r.guard, r.boot, opts...)
	return r
}

// run pumps both flows until the engine is idle.
func (r *testRig) run(t *testing.T) {
	t.Helper()
	for i := 0; i < 100000; i++ {
		if !r.eng.Active() && !r.eng.LatestActive() {
			return
		}
		r.eng.PumpLatest()
		r.eng.Pump()
		r.clock.Advance(time.Millisecond)
	}
	t.Fatalf("engine still active in state %v/%v", r.eng.state, r.eng.latest.state)
}

func (r *testRig) visited(s State) bool {
	for _, v := range r.states {
		if v == s {
			return true
		}
	}
	return false
}

// writtenBytes sums the lengths of recorded writes.
func writtenBytes(dev *sflash.MemDevice) int {
	n := 0
	for _, op := range dev.OpsOf("write") {
		n += int(op.Len)
	}
	return n
}

func testImage(n int) []byte {
	img := make([]byte, n)
	copy(img, elfSignature[:])
	for i := len(elfSignature); i < n; i++ {
		img[i] = byte(i*7 + i>>8)
	}
	return img
}
