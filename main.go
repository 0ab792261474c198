//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"log/slog"
	"machine"
	"net/netip"
	"time"

	"github.com/imatrix-iot/iMatrix-sub000/config"
	"github.com/imatrix-iot/iMatrix-sub000/credentials"
	"github.com/imatrix-iot/iMatrix-sub000/lut"
	"github.com/imatrix-iot/iMatrix-sub000/ota"
	"github.com/imatrix-iot/iMatrix-sub000/rp2350"
	"github.com/imatrix-iot/iMatrix-sub000/sflash"
	"github.com/imatrix-iot/iMatrix-sub000/telemetry"
	"github.com/imatrix-iot/iMatrix-sub000/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
)

const (
	pollTime       = 5 * time.Millisecond
	activeTickTime = time.Millisecond
	brokerRetry    = 5 * time.Minute
)

var requestedIP = [4]byte{192, 168, 1, 99}

// systemHealthy stops the watchdog from being fed when false.
var systemHealthy = true

var eventRing telemetry.Ring

// fatalError handles unrecoverable errors by waiting for watchdog reset
// with a software reset fallback. This ensures the device always recovers.
func fatalError(msg string) {
	println(msg)
	systemHealthy = false
	// Wait for watchdog timeout (8s timeout + margin)
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("Watchdog timeout - forcing software reset...")
	rp2350.Reset()
}

func main() {
	// CRITICAL: accept the running image before the ROM's 16.7s
	// try-before-you-buy window closes. Do this before ANY delays!
	confirmErr := rp2350.ConfirmImage()

	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  iMatrix OTA")
	println("  Version:", version.String())
	println("========================================")

	// Application logger tees to the serial console and the event ring.
	logger := newLogger(machine.Serial, &eventRing)
	// The cywnet library logs "packet dropped" at ERROR level which is normal for WiFi
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))
	if confirmErr != nil {
		logger.Warn("init:confirm-failed", slog.String("err", confirmErr.Error()))
	}
	logger.Info("init:boot", slog.Int("partition", rp2350.BootPartition()))

	initLEDs()

	machine.Watchdog.Configure(machine.WatchdogConfig{
		TimeoutMillis: 8000,
	})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	dev, err := rp2350.NewSPIFlash(rp2350.SPIFlashConfig{
		Bus: machine.SPI1,
		SCK: machine.GP10,
		SDO: machine.GP11,
		SDI: machine.GP12,
		CS:  machine.GP13,
	})
	if err != nil {
		logger.Error("sflash:init-failed", slog.String("err", err.Error()))
		fatalError("Serial flash init failed - waiting for reset...")
	}
	chip := sflash.DetectChip(dev)
	logger.Info("sflash:chip", slog.String("chip", chip.String()))
	tbl, err := lut.Load(dev, chip, logger)
	if err != nil {
		logger.Error("lut:load-failed", slog.String("err", err.Error()))
		fatalError("LUT unusable - waiting for reset...")
	}
	guard := lut.NewGuard(dev, chip, tbl, logger)
	bl := rp2350.NewBootloader(guard, rp2350.Reset, logger)
	if rec, err := bl.Current(); err == nil {
		logger.Info("init:boot-record", slog.Int("index", rec.Index), slog.Int("mode", int(rec.Mode)))
	}

	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "imatrix-ota",
			MaxTCPPorts: 3, // OTA transfer + MQTT + debug console
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("WiFi setup failed - waiting for reset...")
	}
	rp2350.SetShutdown(func() {
		logger.Info("init:wifi-shutdown")
		time.Sleep(100 * time.Millisecond) // Allow pending packets to drain
	})

	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError("DHCP failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))
	stack := cystack.LnetoStack()

	imageType, err := ota.ParseImageType(config.ImageType())
	if err != nil {
		logger.Warn("config:image-type", slog.String("err", err.Error()))
		imageType = ota.ImageMaster
	}
	a := &app{
		guard:        guard,
		ring:         &eventRing,
		logger:       logger,
		reboot:       rp2350.Reset,
		metadataSite: config.MetadataSite(),
		imageType:    imageType,
		checkEvery:   config.CheckInterval(),
		nextCheck:    time.Now().Add(time.Minute),
	}
	a.eng = ota.New(newLnetoTransport(stack), guard, bl,
		ota.WithLogger(logger),
		ota.WithRunningVersion(version.Running()),
		ota.WithObserver(a.observe),
	)
	logger.Info("init:config", slog.String("config", config.Summary()))

	jobs := make(chan consoleJob)
	go consoleServer(stack, logger, jobs)

	brokerAddr, brokerErr := config.BrokerAddr()
	if brokerErr != nil {
		logger.Warn("config:broker-invalid", slog.String("err", brokerErr.Error()))
	}
	var (
		session  *brokerSession
		lastDial time.Time
	)

	start := time.Now()
	for {
		feedWatchdogIfHealthy()
		now := time.Now()

		if brokerErr == nil && session == nil && !a.eng.Active() && (lastDial.IsZero() || now.Sub(lastDial) >= brokerRetry) {
			lastDial = now
			if s, err := dialBroker(stack, brokerAddr, logger); err == nil {
				session = s
				a.rep = s
				a.dirty = true
			}
		}

		select {
		case job := <-jobs:
			a.exec(job.cmd, job.out)
			close(job.done)
		default:
		}

		a.tick(now)
		if session != nil && !session.Connected() {
			logger.Warn("mqtt:lost")
			session.close()
			session, a.rep = nil, nil
		}
		showLEDs(a.led, uint32(now.Sub(start).Milliseconds()))

		if a.eng.Active() || a.eng.LatestActive() {
			time.Sleep(activeTickTime)
		} else {
			time.Sleep(pollTime)
		}
	}
}

// feedWatchdogIfHealthy only feeds the watchdog if the system is healthy.
// When unhealthy, the watchdog will timeout and reset the device.
func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

// loopForeverStack processes network packets in the background
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		// Update watchdog every ~100 iterations (~500ms)
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}
