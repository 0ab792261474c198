package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"github.com/imatrix-iot/iMatrix-sub000/ota"
)

const sendTimeout = 5 * time.Second

// netTransport runs the engine over the host's TCP stack.
type netTransport struct {
	conn net.Conn
	open bool
}

func (t *netTransport) Resolve(host string, timeout time.Duration) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no IPv4 address for %s", host)
	}
	return addrs[0].Unmap(), nil
}

func (t *netTransport) Open() error {
	if t.open {
		return errors.New("socket already open")
	}
	t.open = true
	return nil
}

func (t *netTransport) Connect(addr netip.Addr, port uint16, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", netip.AddrPortFrom(addr, port).String())
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *netTransport) Send(p []byte) error {
	if t.conn == nil {
		return ota.ErrConnReset
	}
	t.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	_, err := t.conn.Write(p)
	return mapNetErr(err)
}

func (t *netTransport) Recv(buf []byte, timeout time.Duration) (int, error) {
	if t.conn == nil {
		return 0, ota.ErrConnReset
	}
	t.conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := t.conn.Read(buf)
	if n > 0 {
		return n, nil
	}
	return 0, mapNetErr(err)
}

func (t *netTransport) Disconnect() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *netTransport) Close() error {
	err := t.Disconnect()
	t.open = false
	return err
}

// mapNetErr translates socket errors into the engine's vocabulary.
func mapNetErr(err error) error {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return err
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ota.ErrTimeout
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, net.ErrClosed), errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %v", ota.ErrConnReset, err)
	}
	return err
}
