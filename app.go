package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/imatrix-iot/iMatrix-sub000/lut"
	"github.com/imatrix-iot/iMatrix-sub000/ota"
	"github.com/imatrix-iot/iMatrix-sub000/report"
	"github.com/imatrix-iot/iMatrix-sub000/telemetry"
	"github.com/imatrix-iot/iMatrix-sub000/version"
)

// reporter is the MQTT side of the app. *report.Reporter implements it.
type reporter interface {
	Connected() bool
	Poll() error
	Next() (report.Command, bool)
	Publish(report.Payload) error
}

// app owns the OTA engine. Every method runs on the tick loop goroutine.
type app struct {
	eng    *ota.Engine
	guard  *lut.Guard
	ring   *telemetry.Ring
	logger *slog.Logger
	rep    reporter
	reboot func()

	metadataSite string
	imageType    ota.ImageType
	checkEvery   time.Duration
	nextCheck    time.Time

	dirty bool
	led   ledPattern
}

func newLogger(w io.Writer, ring *telemetry.Ring) *slog.Logger {
	return slog.New(telemetry.NewHandler(w, ring, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// observe is passed to ota.WithObserver.
func (a *app) observe(ota.Status) { a.dirty = true }

// tick advances both OTA flows by one state and services the reporter.
func (a *app) tick(now time.Time) {
	a.eng.PumpLatest()
	a.eng.Pump()

	if a.checkEvery > 0 && !now.Before(a.nextCheck) {
		a.nextCheck = now.Add(a.checkEvery)
		if !a.eng.Active() && !a.eng.LatestActive() {
			a.startLatest(a.imageType)
		}
	}

	if a.rep != nil && a.rep.Connected() {
		if err := a.rep.Poll(); err != nil {
			a.logger.Debug("app:poll", slog.String("err", err.Error()))
		}
		for cmd, ok := a.rep.Next(); ok; cmd, ok = a.rep.Next() {
			a.remote(cmd)
		}
		if a.dirty {
			a.publish()
		}
	}
	a.led = patternFor(a.eng.Status())
}

func (a *app) startLatest(t ota.ImageType) error {
	err := a.eng.SetupLatest(t, a.metadataSite)
	if err != nil {
		a.logger.Warn("app:check-rejected", slog.String("err", err.Error()))
	}
	return err
}

// remote runs a command received over MQTT.
func (a *app) remote(cmd report.Command) {
	switch cmd.Kind {
	case report.CmdCheck:
		t := a.imageType
		if cmd.Arg != "" {
			var err error
			if t, err = ota.ParseImageType(cmd.Arg); err != nil {
				a.logger.Warn("app:bad-image-type", slog.String("arg", cmd.Arg))
				return
			}
		}
		a.startLatest(t)
	case report.CmdStatus:
		a.dirty = true
	case report.CmdAbort:
		a.eng.Init()
		a.dirty = true
	}
}

func (a *app) publish() {
	if err := a.rep.Publish(report.NewPayload(a.eng.Status(), version.Running())); err != nil {
		return
	}
	a.dirty = false
}

// exec runs a console command, writing its reply to w.
func (a *app) exec(c command, w io.Writer) {
	switch c.name {
	case cmdHelp:
		io.WriteString(w, "Commands: help version config ota ota-abort log reboot\r\n")
		io.WriteString(w, "  ota-get <site> <uri> [port] [slot] [load]\r\n")
		io.WriteString(w, "  ota-latest [type], boot <slot>, lut [all]\r\n")

	case cmdOTA:
		writeStatus(w, a.eng.Status())

	case cmdOTAGet:
		if err := a.eng.Setup(c.target); err != nil {
			fmt.Fprintf(w, "Rejected: %v\r\n", err)
			return
		}
		fmt.Fprintf(w, "Loading http://%s:%d%s into %s\r\n",
			c.target.Site, portOrDefault(c.target.Port), c.target.URI, c.target.Slot)

	case cmdOTALatest:
		t := a.imageType
		if c.hasType {
			t = c.imageType
		}
		if err := a.startLatest(t); err != nil {
			fmt.Fprintf(w, "Rejected: %v\r\n", err)
			return
		}
		fmt.Fprintf(w, "Checking %s%s\r\n", a.metadataSite, t.Path())

	case cmdOTAAbort:
		a.eng.Init()
		io.WriteString(w, "OTA reset\r\n")

	case cmdLUT:
		fmt.Fprintf(w, "Chip: %s\r\n", a.guard.Chip())
		a.guard.Table().Print(w, c.all)

	case cmdBoot:
		err := a.eng.BootSelector().RebootToImage(c.slot)
		var area *lut.AreaError
		switch {
		case errors.Is(err, ota.ErrSignature):
			fmt.Fprintf(w, "Slot %s holds no bootable image\r\n", c.slot)
		case errors.As(err, &area):
			fmt.Fprintf(w, "Refused: %v\r\n", area)
		case err != nil:
			fmt.Fprintf(w, "Boot failed: %v\r\n", err)
		}

	case cmdLog:
		entries := a.ring.Snapshot(make([]telemetry.Entry, 0, telemetry.RingSize))
		if len(entries) == 0 {
			io.WriteString(w, "No events\r\n")
		}
		for i := range entries {
			e := &entries[i]
			fmt.Fprintf(w, "%s %-5s %s\r\n", e.Time.Format("15:04:05"), e.Level, e.Message())
		}
		if d := a.ring.Dropped(); d > 0 {
			fmt.Fprintf(w, "(%d older events dropped)\r\n", d)
		}

	case cmdConfig:
		fmt.Fprintf(w, "Metadata: %s\r\nImage type: %s\r\nCheck every: %s\r\n",
			a.metadataSite, a.imageType, a.checkEvery)

	case cmdVersion:
		fmt.Fprintf(w, "iMatrix OTA\r\n  Version: %s\r\n", version.String())

	case cmdReboot:
		io.WriteString(w, "Rebooting device...\r\n")
		a.reboot()
	}
}

func writeStatus(w io.Writer, st ota.Status) {
	fmt.Fprintf(w, "Loader:    %s\r\n", st.State)
	fmt.Fprintf(w, "Discovery: %s\r\n", st.Latest)
	if st.Target.Site != "" {
		fmt.Fprintf(w, "Target:    http://%s:%d%s -> %s", st.Target.Site, st.Target.Port, st.Target.URI, st.Target.Slot)
		if st.Target.LoadAfter {
			io.WriteString(w, " (load)")
		}
		io.WriteString(w, "\r\n")
	}
	fmt.Fprintf(w, "Progress:  %d/%d bytes", st.Received, st.Total)
	if st.Active() {
		fmt.Fprintf(w, " ranges=%t retries=%d", st.AcceptRanges, st.DataRetries)
	}
	io.WriteString(w, "\r\n")
	switch {
	case st.GoodLoad:
		fmt.Fprintf(w, "Result:    good crc=%08x\r\n", st.CRC)
	case st.Err != nil:
		fmt.Fprintf(w, "Result:    %v\r\n", st.Err)
	}
	switch {
	case st.UpToDate:
		fmt.Fprintf(w, "Latest:    %s up to date (%s)\r\n", st.ImageType, st.Metadata.Version)
	case st.GoodLatest:
		fmt.Fprintf(w, "Latest:    %s %s at %s\r\n", st.ImageType, st.Metadata.Version, st.Metadata.ImageURL)
	case st.LatestErr != nil:
		fmt.Fprintf(w, "Latest:    %v\r\n", st.LatestErr)
	}
}

func portOrDefault(p uint16) uint16 {
	if p == 0 {
		return 80
	}
	return p
}

// ledPattern is what the status LED shows.
type ledPattern uint8

const (
	ledOff ledPattern = iota
	// discovery or transfer in progress
	ledBlink
	// erasing or verifying
	ledFastBlink
	// last load succeeded
	ledOn
	// last attempt failed
	ledError
)

func patternFor(st ota.Status) ledPattern {
	switch st.State {
	case ota.StateEraseFlash, ota.StateVerifyErase, ota.StateVerifyOTA:
		return ledFastBlink
	case ota.StateIdle:
	default:
		return ledBlink
	}
	switch {
	case st.Latest != ota.LatestIdle:
		return ledBlink
	case st.Err != nil || st.LatestErr != nil:
		return ledError
	case st.GoodLoad:
		return ledOn
	}
	return ledOff
}

// levels returns the activity and fault LED states at uptime ms.
func (p ledPattern) levels(ms uint32) (activity, fault bool) {
	switch p {
	case ledBlink:
		return ms/500%2 == 0, false
	case ledFastBlink:
		return ms/100%2 == 0, false
	case ledOn:
		return true, false
	case ledError:
		return false, true
	}
	return false, false
}
