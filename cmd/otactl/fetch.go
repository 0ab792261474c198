package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/imatrix-iot/iMatrix-sub000/lut"
	"github.com/imatrix-iot/iMatrix-sub000/ota"
	"github.com/imatrix-iot/iMatrix-sub000/sflash"
)

// benchChipID is a W25Q64JV, the 8MB part the default layout is sized for.
const benchChipID = 0xEF4017

var (
	fetchSlotFlag     string
	fetchLoadFlag     bool
	fetchChecksumFlag string
	fetchOutFlag      string
	fetchTimeoutFlag  time.Duration

	latestTypeFlag    string
	latestRunningFlag string
)

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <http://host[:port]/path>",
		Short: "Run the OTA loader on the host against an in-memory flash",
		Long: `Download an image with the same engine the device runs, writing into a
simulated 8MB serial flash through the write-area guard. The read-back
verify and any checksum comparison run as they would on hardware.`,
		Args: cobra.ExactArgs(1),
		RunE: runFetch,
	}
	cmd.Flags().StringVarP(&fetchSlotFlag, "slot", "s", "ota", "Destination slot")
	cmd.Flags().BoolVar(&fetchLoadFlag, "load", false, "Select the slot for boot after verify")
	cmd.Flags().StringVar(&fetchChecksumFlag, "checksum", "", "Expected image digest in hex")
	cmd.Flags().StringVarP(&fetchOutFlag, "out", "o", "", "Write the image read back from flash to this file")
	cmd.Flags().DurationVar(&fetchTimeoutFlag, "timeout", 5*time.Minute, "Give up after this long")
	return cmd
}

func newLatestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "latest <host[:port]>",
		Short: "Run version discovery on the host",
		Long: `Fetch the metadata document for an image type, compare its version with
--running and download the image into the in-memory flash when newer.`,
		Args: cobra.ExactArgs(1),
		RunE: runLatest,
	}
	cmd.Flags().StringVarP(&latestTypeFlag, "type", "t", "master", "Image type")
	cmd.Flags().StringVar(&latestRunningFlag, "running", "0.0.0", "Version the simulated device runs")
	cmd.Flags().DurationVar(&fetchTimeoutFlag, "timeout", 5*time.Minute, "Give up after this long")
	return cmd
}

// bench is a host-side device: in-memory flash, default LUT and a boot
// pointer that only records what it was asked to do.
type bench struct {
	dev   *sflash.MemDevice
	guard *lut.Guard
	boot  benchBootloader
	eng   *ota.Engine
}

type benchBootloader struct {
	index    int
	mode     ota.LoadMode
	set      bool
	rebooted bool
}

func (b *benchBootloader) SetBoot(index int, mode ota.LoadMode) error {
	b.index, b.mode, b.set = index, mode, true
	return nil
}

func (b *benchBootloader) Reboot() { b.rebooted = true }

func newBench(logger *slog.Logger, tr ota.Transport, opts ...ota.Option) (*bench, error) {
	dev := sflash.NewMemDevice(benchChipID, 8<<20)
	chip := sflash.DetectChip(dev)
	tbl, err := lut.Load(dev, chip, logger)
	if err != nil {
		return nil, err
	}
	b := &bench{dev: dev, guard: lut.NewGuard(dev, chip, tbl, logger)}
	opts = append([]ota.Option{ota.WithLogger(logger)}, opts...)
	b.eng = ota.New(tr, b.guard, &b.boot, opts...)
	return b, nil
}

// run pumps both flows until the engine is idle, reporting progress to
// onStatus after every step.
func (b *bench) run(timeout time.Duration, onStatus func(ota.Status)) error {
	deadline := time.Now().Add(timeout)
	for b.eng.Active() || b.eng.LatestActive() {
		if time.Now().After(deadline) {
			b.eng.Init()
			return errors.New("timed out")
		}
		b.eng.PumpLatest()
		b.eng.Pump()
		if onStatus != nil {
			onStatus(b.eng.Status())
		}
	}
	return nil
}

// image returns the bytes of the last load as read back from flash.
func (b *bench) image(st ota.Status) ([]byte, error) {
	start, _, err := b.guard.Table().Span(st.Target.Slot)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, st.Received)
	if err := b.dev.Read(start, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// parseTarget turns an http URL into a loader target.
func parseTarget(raw string, slot lut.Slot, load bool, sum string) (ota.Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ota.Target{}, err
	}
	if u.Scheme != "http" || u.Hostname() == "" {
		return ota.Target{}, fmt.Errorf("%q: need an http:// URL", raw)
	}
	t := ota.Target{
		Site:      u.Hostname(),
		URI:       u.RequestURI(),
		Port:      80,
		Slot:      slot,
		LoadAfter: load,
		Checksum:  sum,
	}
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return ota.Target{}, fmt.Errorf("%q: bad port", raw)
		}
		t.Port = uint16(n)
	}
	return t, nil
}

func newTransferBar() (*progressbar.ProgressBar, func(ota.Status)) {
	bar := progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription("Loading"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	var max int64 = -1
	return bar, func(st ota.Status) {
		if !st.Active() || st.Total == 0 {
			return
		}
		if int64(st.Total) != max {
			max = int64(st.Total)
			bar.ChangeMax64(max)
		}
		bar.Set64(int64(st.Received))
	}
}

func runFetch(cmd *cobra.Command, args []string) error {
	slot, err := lut.ParseSlot(fetchSlotFlag)
	if err != nil {
		return err
	}
	target, err := parseTarget(args[0], slot, fetchLoadFlag, fetchChecksumFlag)
	if err != nil {
		return err
	}
	b, err := newBench(newLogger(), &netTransport{})
	if err != nil {
		return err
	}
	if err := b.eng.Setup(target); err != nil {
		return err
	}

	bar, progress := newTransferBar()
	err = b.run(fetchTimeoutFlag, progress)
	bar.Finish()
	if err != nil {
		return err
	}
	st := b.eng.Status()
	if err := printLoadResult(st, &b.boot); err != nil {
		return err
	}
	if fetchOutFlag != "" {
		img, err := b.image(st)
		if err != nil {
			return err
		}
		if err := os.WriteFile(fetchOutFlag, img, 0o644); err != nil {
			return err
		}
		fmt.Printf("Wrote %d bytes to %s\n", len(img), fetchOutFlag)
	}
	return nil
}

func runLatest(cmd *cobra.Command, args []string) error {
	t, err := ota.ParseImageType(latestTypeFlag)
	if err != nil {
		return err
	}
	b, err := newBench(newLogger(), &netTransport{}, ota.WithRunningVersion(latestRunningFlag))
	if err != nil {
		return err
	}
	if err := b.eng.SetupLatest(t, args[0]); err != nil {
		return err
	}

	bar, progress := newTransferBar()
	err = b.run(fetchTimeoutFlag, progress)
	bar.Finish()
	if err != nil {
		return err
	}
	st := b.eng.Status()
	switch {
	case st.LatestErr != nil:
		return fmt.Errorf("discovery failed: %w", st.LatestErr)
	case st.UpToDate:
		fmt.Printf("Up to date: %s %s (running %s)\n", t, st.Metadata.Version, latestRunningFlag)
		return nil
	}
	fmt.Printf("Found %s %s at %s\n", t, st.Metadata.Version, st.Metadata.ImageURL)
	return printLoadResult(st, &b.boot)
}

func printLoadResult(st ota.Status, boot *benchBootloader) error {
	if st.Err != nil {
		return fmt.Errorf("load failed after %d/%d bytes: %w", st.Received, st.Total, st.Err)
	}
	if !st.GoodLoad {
		return errors.New("load did not complete")
	}
	fmt.Printf("Loaded %d bytes into %s, crc %08x\n", st.Received, st.Target.Slot, st.CRC)
	if boot.set {
		fmt.Printf("Boot pointer set to index %d (mode %d)\n", boot.index, boot.mode)
	}
	return nil
}
