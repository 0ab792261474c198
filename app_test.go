package main

import (
	"bytes"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/imatrix-iot/iMatrix-sub000/lut"
	"github.com/imatrix-iot/iMatrix-sub000/ota"
	"github.com/imatrix-iot/iMatrix-sub000/report"
	"github.com/imatrix-iot/iMatrix-sub000/sflash"
	"github.com/imatrix-iot/iMatrix-sub000/telemetry"
)

var errNoNet = errors.New("no network")

// offlineTransport fails every lookup.
type offlineTransport struct{ resolves int }

func (o *offlineTransport) Resolve(string, time.Duration) (netip.Addr, error) {
	o.resolves++
	return netip.Addr{}, errNoNet
}
func (o *offlineTransport) Open() error { return nil }
func (o *offlineTransport) Connect(netip.Addr, uint16, time.Duration) error { return errNoNet }
func (o *offlineTransport) Send([]byte) error { return errNoNet }
func (o *offlineTransport) Recv([]byte, time.Duration) (int, error) { return 0, errNoNet }
func (o *offlineTransport) Disconnect() error { return nil }
func (o *offlineTransport) Close() error { return nil }

type nopBootloader struct{ reboots int }

func (*nopBootloader) SetBoot(int, ota.LoadMode) error { return nil }
func (b *nopBootloader) Reboot() { b.reboots++ }

type fakeReporter struct {
	cmds      []report.Command
	published []report.Payload
}

func (f *fakeReporter) Connected() bool { return true }
func (f *fakeReporter) Poll() error { return nil }
func (f *fakeReporter) Next() (report.Command, bool) {
	if len(f.cmds) == 0 {
		return report.Command{}, false
	}
	c := f.cmds[0]
	f.cmds = f.cmds[1:]
	return c, true
}
func (f *fakeReporter) Publish(p report.Payload) error {
	f.published = append(f.published, p)
	return nil
}

type testApp struct {
	*app
	tr      *offlineTransport
	dev     *sflash.MemDevice
	rep     *fakeReporter
	reboots int
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	dev := sflash.NewMemDevice(0xEF4017, 8<<20)
	chip := sflash.DetectChip(dev)
	tbl, err := lut.Load(dev, chip, nil)
	if err != nil {
		t.Fatalf("lut.Load: %v", err)
	}
	dev.ResetOps()
	ta := &testApp{tr: &offlineTransport{}, dev: dev, rep: &fakeReporter{}}
	ring := &telemetry.Ring{}
	logger := newLogger(&bytes.Buffer{}, ring)
	guard := lut.NewGuard(dev, chip, tbl, logger)
	a := &app{
		guard:        guard,
		ring:         ring,
		logger:       logger,
		rep:          ta.rep,
		reboot:       func() { ta.reboots++ },
		metadataSite: "meta.example.com",
		imageType:    ota.ImageMaster,
		checkEvery:   time.Hour,
	}
	a.eng = ota.New(ta.tr, guard, &nopBootloader{},
		ota.WithLogger(logger),
		ota.WithObserver(a.observe),
		ota.WithMaxConnectRetries(1),
	)
	ta.app = a
	return ta
}

func (ta *testApp) runIdle(t *testing.T, now time.Time) {
	t.Helper()
	for i := 0; i < 100; i++ {
		ta.tick(now)
		if !ta.eng.Active() && !ta.eng.LatestActive() {
			return
		}
	}
	t.Fatal("engine did not settle")
}

func (ta *testApp) run(line string) string {
	c, err := parseCommand([]byte(line))
	if err != nil {
		return "parse: " + err.Error()
	}
	var out bytes.Buffer
	ta.exec(c, &out)
	return out.String()
}

func TestPeriodicCheck(t *testing.T) {
	c := qt.New(t)
	ta := newTestApp(t)
	start := time.Unix(1_800_000_000, 0)

	ta.runIdle(t, start)
	c.Check(ta.tr.resolves, qt.Equals, 1)
	st := ta.eng.Status()
	c.Check(st.LatestErr, qt.ErrorIs, ota.ErrDNS)
	c.Check(ta.led, qt.Equals, ledError)

	// Not due yet.
	ta.runIdle(t, start.Add(30*time.Minute))
	c.Check(ta.tr.resolves, qt.Equals, 1)

	ta.runIdle(t, start.Add(time.Hour))
	c.Check(ta.tr.resolves, qt.Equals, 2)

	c.Assert(ta.rep.published, qt.Not(qt.HasLen), 0)
	last := ta.rep.published[len(ta.rep.published)-1]
	c.Check(last.State, qt.Equals, "IDLE")
	c.Check(last.Error, qt.Contains, "no network")
}

func TestRemoteCommands(t *testing.T) {
	c := qt.New(t)
	ta := newTestApp(t)
	ta.checkEvery = 0
	now := time.Unix(1_800_000_000, 0)

	ta.rep.cmds = []report.Command{{Kind: report.CmdCheck, Arg: "slave"}}
	ta.tick(now)
	c.Check(ta.eng.LatestActive(), qt.IsTrue)
	c.Check(ta.eng.Status().ImageType, qt.Equals, ota.ImageSlave)
	ta.runIdle(t, now)

	n := len(ta.rep.published)
	ta.rep.cmds = []report.Command{{Kind: report.CmdStatus}}
	ta.tick(now)
	c.Check(ta.rep.published, qt.HasLen, n+1)

	ta.rep.cmds = []report.Command{{Kind: report.CmdCheck, Arg: "bootloader"}}
	ta.tick(now)
	c.Check(ta.eng.LatestActive(), qt.IsFalse)

	c.Assert(ta.eng.Setup(ota.Target{Site: "h", URI: "/a", Slot: lut.SlotApp0}), qt.IsNil)
	ta.rep.cmds = []report.Command{{Kind: report.CmdAbort}}
	ta.tick(now)
	c.Check(ta.eng.Active(), qt.IsFalse)
	c.Check(ta.dev.OpsOf("write"), qt.HasLen, 0)
}

func TestConsoleCommands(t *testing.T) {
	c := qt.New(t)
	ta := newTestApp(t)

	c.Check(ta.run("help"), qt.Contains, "ota-get <site> <uri>")
	c.Check(ta.run("lut"), qt.Contains, "app0")
	c.Check(ta.run("config"), qt.Contains, "meta.example.com")
	c.Check(ta.run("version"), qt.Contains, "Version:")

	out := ta.run("ota-get fw.example.com /app.bin 8080 app1")
	c.Check(out, qt.Equals, "Loading http://fw.example.com:8080/app.bin into app1\r\n")
	c.Check(ta.run("ota"), qt.Contains, "Target:    http://fw.example.com:8080/app.bin -> app1")
	c.Check(ta.run("ota-get h /b"), qt.Contains, "Rejected:")
	c.Check(ta.run("ota-latest"), qt.Contains, "Rejected:")
	c.Check(ta.run("ota-abort"), qt.Equals, "OTA reset\r\n")
	c.Check(ta.run("ota-latest sflash"), qt.Equals, "Checking meta.example.com/firmware/sflash/latest.json\r\n")

	// Erased slot: no ELF signature.
	c.Check(ta.run("boot app0"), qt.Equals, "Slot app0 holds no bootable image\r\n")

	log := ta.run("log")
	c.Check(log, qt.Contains, "ota:setup")
	c.Check(strings.Count(log, "\r\n") <= telemetry.RingSize+1, qt.IsTrue)

	ta.run("reboot")
	c.Check(ta.reboots, qt.Equals, 1)
}

func TestPatternFor(t *testing.T) {
	tests := []struct {
		name string
		st   ota.Status
		want ledPattern
	}{
		{"idle", ota.Status{}, ledOff},
		{"erasing", ota.Status{State: ota.StateEraseFlash}, ledFastBlink},
		{"receiving", ota.Status{State: ota.StateReceiveStream}, ledBlink},
		{"discovery", ota.Status{Latest: ota.LatestParseHeader}, ledBlink},
		{"good", ota.Status{GoodLoad: true}, ledOn},
		{"failed", ota.Status{Err: errNoNet}, ledError},
		{"discovery-failed", ota.Status{LatestErr: errNoNet}, ledError},
	}
	for _, tt := range tests {
		if got := patternFor(tt.st); got != tt.want {
			t.Errorf("%s: patternFor = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestPatternLevels(t *testing.T) {
	tests := []struct {
		p               ledPattern
		ms              uint32
		activity, fault bool
	}{
		{ledOff, 0, false, false},
		{ledBlink, 0, true, false},
		{ledBlink, 499, true, false},
		{ledBlink, 500, false, false},
		{ledFastBlink, 100, false, false},
		{ledFastBlink, 200, true, false},
		{ledOn, 12345, true, false},
		{ledError, 0, false, true},
	}
	for _, tt := range tests {
		a, f := tt.p.levels(tt.ms)
		if a != tt.activity || f != tt.fault {
			t.Errorf("pattern %d at %dms = (%v, %v), want (%v, %v)", tt.p, tt.ms, a, f, tt.activity, tt.fault)
		}
	}
}
