package main

import "time"

// Telnet bytes
const (
	iac  = 0xFF
	will = 0xFB
	dont = 0xFE
)

// Echo negotiation around the password prompt: the server takes over echo
// (and echoes nothing), then hands it back.
var (
	telnetWillEcho = []byte{iac, will, 0x01}
	telnetWontEcho = []byte{iac, 0xFC, 0x01}
)

// lineAssembler turns a telnet byte stream into command lines. IAC
// sequences and non-printable bytes are dropped and CR LF pairs count as
// one line end.
type lineAssembler struct {
	buf      []byte
	n        int
	skip     int
	lastEOL  bool
	discard  bool
	overflow bool
}

func newLineAssembler(buf []byte) lineAssembler {
	return lineAssembler{buf: buf}
}

// feed consumes p, calling line for every completed non-empty line and eol
// for every line end including empty ones. The slice passed to line is
// reused by the next call.
func (a *lineAssembler) feed(p []byte, line func([]byte), eol func()) {
	for _, b := range p {
		switch {
		case a.skip > 0:
			a.skip--
			// Only WILL/WONT/DO/DONT carry an option byte.
			if a.skip == 1 && (b < will || b > dont) {
				a.skip = 0
			}
		case b == iac:
			a.skip = 2
		case b == '\r' || b == '\n':
			if a.lastEOL {
				continue
			}
			a.lastEOL = true
			if a.n > 0 && !a.discard && line != nil {
				line(a.buf[:a.n])
			}
			a.n, a.discard = 0, false
			if eol != nil {
				eol()
			}
		case b >= ' ' && b < 0x7F:
			a.lastEOL = false
			if a.discard {
				continue
			}
			if a.n == len(a.buf) {
				a.overflow, a.discard = true, true
				continue
			}
			a.buf[a.n] = b
			a.n++
		}
	}
}

// takeOverflow reports and clears whether a line outgrew the buffer since
// the last call. Such lines are dropped whole.
func (a *lineAssembler) takeOverflow() bool {
	o := a.overflow
	a.overflow = false
	return o
}

// lockout backs off console logins after repeated password failures.
type lockout struct {
	failures int
	last     time.Time
}

func (l *lockout) duration() time.Duration {
	switch {
	case l.failures >= 10:
		return 5 * time.Minute
	case l.failures >= 5:
		return 30 * time.Second
	case l.failures >= 3:
		return 5 * time.Second
	}
	return 0
}

// locked reports whether a login at now must be refused.
func (l *lockout) locked(now time.Time) bool {
	d := l.duration()
	return d > 0 && now.Sub(l.last) < d
}

func (l *lockout) fail(now time.Time) {
	l.failures++
	l.last = now
}

func (l *lockout) reset() { l.failures = 0 }
