//go:build tinygo

package main

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/imatrix-iot/iMatrix-sub000/credentials"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	consolePort     = uint16(23)
	consoleBufSize  = 1024
	acceptPolls     = 6000 // 10ms each
	passwordTimeout = 10 * time.Second
)

var (
	consoleRxBuf [consoleBufSize]byte
	consoleTxBuf [consoleBufSize]byte
	consoleLine  [consoleBufSize]byte
	consoleOut   bytes.Buffer
)

// consoleJob hands a parsed command to the tick loop, which owns the
// engine, and waits for its output.
type consoleJob struct {
	cmd  command
	out  *bytes.Buffer
	done chan struct{}
}

// console is the single-session telnet server.
type console struct {
	conn   tcp.Conn
	stack  *xnet.StackAsync
	logger *slog.Logger
	jobs   chan<- consoleJob
	guard  lockout
}

// consoleServer serves the debug console on port 23 until the device
// resets. It returns at once when no console password is configured.
func consoleServer(stack *xnet.StackAsync, logger *slog.Logger, jobs chan<- consoleJob) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("console:panic-recovered")
		}
	}()
	if credentials.ConsolePassword() == "" {
		logger.Warn("console:disabled", slog.String("reason", "no password"))
		return
	}

	c := &console{stack: stack, logger: logger, jobs: jobs}
	err := c.conn.Configure(tcp.ConnConfig{
		RxBuf:             consoleRxBuf[:],
		TxBuf:             consoleTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		logger.Error("console:configure-failed", slog.String("err", err.Error()))
		return
	}
	logger.Info("console:listening", slog.String("addr", netip.AddrPortFrom(stack.Addr(), consolePort).String()))
	for {
		c.accept()
	}
}

// accept waits for one client and serves it.
func (c *console) accept() {
	c.conn.Abort()
	time.Sleep(100 * time.Millisecond)
	if c.guard.locked(time.Now()) {
		time.Sleep(time.Second)
		return
	}
	if err := c.stack.ListenTCP(&c.conn, consolePort); err != nil {
		c.logger.Error("console:listen-failed", slog.String("err", err.Error()))
		time.Sleep(3 * time.Second)
		return
	}
	for i := 0; i < acceptPolls && c.conn.State().IsPreestablished(); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if !c.conn.State().IsSynchronized() {
		return
	}

	c.logger.Info("console:connected", slog.String("ip", remoteIP(c.conn.RemoteAddr())))
	if !c.login() {
		c.logger.Info("console:auth-failed", slog.Int("failures", c.guard.failures))
		c.close(10)
		return
	}
	c.logger.Info("console:authenticated")
	c.write("iMatrix OTA Debug Console\r\nType 'help' for commands\r\n> ")

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("console:session-panic")
			}
		}()
		c.session()
	}()
	c.close(30)
	c.logger.Info("console:disconnected")
}

func (c *console) close(polls int) {
	c.conn.Close()
	for i := 0; i < polls && !c.conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	c.conn.Abort()
}

// alive reports whether the client can still send. RxDataOpen turns false
// in CLOSE_WAIT.
func (c *console) alive() bool {
	st := c.conn.State()
	return !st.IsClosed() && !st.IsClosing() && st.RxDataOpen()
}

// read returns the next chunk from the client, sleeping while idle.
func (c *console) read(buf []byte) (int, bool) {
	if !c.alive() {
		return 0, false
	}
	n, err := c.conn.Read(buf)
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return 0, false
	}
	if n == 0 {
		time.Sleep(50 * time.Millisecond)
	}
	return n, true
}

// login reads one password line with client echo suppressed.
func (c *console) login() bool {
	c.conn.Write(telnetWillEcho)
	c.write("Password: ")
	defer func() {
		c.conn.Write(telnetWontEcho)
		c.write("\r\n")
	}()

	var pass [64]byte
	var chunk [64]byte
	la := newLineAssembler(pass[:])
	var got []byte
	var done bool
	for deadline := time.Now().Add(passwordTimeout); !done && time.Now().Before(deadline); {
		n, ok := c.read(chunk[:])
		if !ok {
			return false
		}
		la.feed(chunk[:n], func(line []byte) { got = line }, func() { done = true })
		if la.takeOverflow() {
			break
		}
	}
	if done && subtle.ConstantTimeCompare(got, []byte(credentials.ConsolePassword())) == 1 {
		c.guard.reset()
		return true
	}
	c.guard.fail(time.Now())
	return false
}

// session reads command lines until the client goes away.
func (c *console) session() {
	var chunk [64]byte
	la := newLineAssembler(consoleLine[:])
	for {
		n, ok := c.read(chunk[:])
		if !ok {
			return
		}
		la.feed(chunk[:n], c.run, func() { c.write("> ") })
		if la.takeOverflow() {
			c.write("\r\nLine too long\r\n> ")
		}
	}
}

// run parses line and executes it on the tick loop.
func (c *console) run(line []byte) {
	cmd, err := parseCommand(line)
	if err != nil {
		c.write(err.Error())
		c.write("\r\nType 'help' for commands\r\n")
		return
	}
	// Commands that reset the device never return output, so say so first.
	switch cmd.name {
	case cmdReboot:
		c.write("Rebooting device...\r\n")
		time.Sleep(100 * time.Millisecond)
	case cmdBoot:
		c.write("Switching to " + cmd.slot.String() + "...\r\n")
		time.Sleep(100 * time.Millisecond)
	}

	consoleOut.Reset()
	job := consoleJob{cmd: cmd, out: &consoleOut, done: make(chan struct{})}
	c.jobs <- job
	<-job.done
	for data := consoleOut.Bytes(); len(data) > 0; {
		n, err := c.conn.Write(data)
		if err != nil {
			return
		}
		data = data[n:]
		c.conn.Flush()
		time.Sleep(10 * time.Millisecond)
	}
}

// write sends s and flushes.
func (c *console) write(s string) {
	c.conn.Write([]byte(s))
	c.conn.Flush()
}

func remoteIP(addr []byte) string {
	if len(addr) == 4 {
		return netip.AddrFrom4([4]byte(addr)).String()
	}
	return "unknown"
}
