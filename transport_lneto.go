//go:build tinygo

package main

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/imatrix-iot/iMatrix-sub000/ota"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	otaBufSize  = 2030 // MTU - ethhdr - iphdr - tcphdr
	dnsRetries  = 2
	dialRetries = 1
)

// Pre-allocated transfer buffers
var (
	otaRxBuf [4 * otaBufSize]byte
	otaTxBuf [otaBufSize]byte
)

// lnetoTransport is the ota.Transport for the lneto stack. It holds at
// most one TCP connection.
type lnetoTransport struct {
	stack *xnet.StackAsync
	conn  tcp.Conn
	raddr netip.AddrPort
}

func newLnetoTransport(stack *xnet.StackAsync) *lnetoTransport {
	return &lnetoTransport{stack: stack}
}

func (t *lnetoTransport) Resolve(host string, timeout time.Duration) (netip.Addr, error) {
	rstack := t.stack.StackRetrying(5 * time.Millisecond)
	addrs, err := rstack.DoLookupIP(host, timeout, dnsRetries)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, errors.New("no addresses")
	}
	return addrs[0], nil
}

func (t *lnetoTransport) Open() error {
	return t.conn.Configure(tcp.ConnConfig{
		RxBuf:             otaRxBuf[:],
		TxBuf:             otaTxBuf[:],
		TxPacketQueueSize: 3,
	})
}

func (t *lnetoTransport) Connect(addr netip.Addr, port uint16, timeout time.Duration) error {
	t.conn.Abort()
	t.raddr = netip.AddrPortFrom(addr, port)
	rstack := t.stack.StackRetrying(5 * time.Millisecond)
	lport := uint16(t.stack.Prand32()>>17) + 1024
	return rstack.DoDialTCP(&t.conn, lport, t.raddr, timeout, dialRetries)
}

func (t *lnetoTransport) Send(p []byte) error {
	for len(p) > 0 {
		n, err := t.conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
		t.conn.Flush()
	}
	return nil
}

// Recv returns as soon as any data arrives. A peer close after the last
// byte is io.EOF; a reset is ota.ErrConnReset.
func (t *lnetoTransport) Recv(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			return n, nil
		}
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		state := t.conn.State()
		if state.IsClosed() {
			return 0, ota.ErrConnReset
		}
		if state.IsClosing() || !state.RxDataOpen() {
			return 0, io.EOF
		}
		if !time.Now().Before(deadline) {
			return 0, ota.ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (t *lnetoTransport) Disconnect() error {
	err := t.conn.Close()
	for i := 0; i < 20 && !t.conn.State().IsClosed(); i++ {
		time.Sleep(50 * time.Millisecond)
	}
	return err
}

func (t *lnetoTransport) Close() error {
	t.conn.Abort()
	if t.raddr.IsValid() {
		// Discard ARP query to free slot for next connection
		t.stack.DiscardResolveHardwareAddress6(t.raddr.Addr())
	}
	return nil
}
