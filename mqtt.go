//go:build tinygo

package main

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/imatrix-iot/iMatrix-sub000/config"
	"github.com/imatrix-iot/iMatrix-sub000/report"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	mqttTimeout = 10 * time.Second
	mqttRetries = 3
	tcpBufSize  = 2030 // MTU - ethhdr - iphdr - tcphdr
	// mqttPollDeadline bounds each Poll so the tick loop keeps moving.
	mqttPollDeadline = 5 * time.Millisecond
)

// Pre-allocated buffers for memory efficiency
var (
	mqttRxBuf [tcpBufSize]byte
	mqttTxBuf [tcpBufSize]byte
)

// brokerSession is the reporter's TCP connection to the broker.
type brokerSession struct {
	*report.Reporter
	conn  tcp.Conn
	stack *xnet.StackAsync
	addr  netip.AddrPort
}

// dialBroker connects a reporter to brokerAddr. The client id gets a random
// suffix so parallel units with the same config do not kick each other.
func dialBroker(stack *xnet.StackAsync, brokerAddr netip.AddrPort, logger *slog.Logger) (*brokerSession, error) {
	s := &brokerSession{stack: stack, addr: brokerAddr}
	err := s.conn.Configure(tcp.ConnConfig{
		RxBuf:             mqttRxBuf[:],
		TxBuf:             mqttTxBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return nil, err
	}

	clientID := make([]byte, 0, 32)
	clientID = append(clientID, config.ClientID()...)
	clientID = append(clientID, '-')
	clientID = appendHex(clientID, uint16(stack.Prand32()))
	s.Reporter = report.New(report.Config{
		ClientID:  config.ClientID(),
		SessionID: string(clientID),
		Logger:    logger,
		PacketID:  func() uint16 { return uint16(stack.Prand32()) },
	})

	rstack := stack.StackRetrying(5 * time.Millisecond)
	lport := uint16(stack.Prand32()>>17) + 1024
	logger.Info("mqtt:dialing",
		slog.String("broker", brokerAddr.String()),
		slog.String("clientid", string(clientID)),
		slog.Uint64("localport", uint64(lport)),
	)
	err = rstack.DoDialTCP(&s.conn, lport, brokerAddr, mqttTimeout, mqttRetries)
	if err != nil {
		logger.Error("mqtt:dial-failed", slog.String("err", err.Error()))
		s.close()
		return nil, err
	}

	s.conn.SetDeadline(time.Now().Add(mqttTimeout))
	if err := s.Connect(&s.conn); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// Poll bounds the read so an idle broker does not stall the tick loop.
func (s *brokerSession) Poll() error {
	s.conn.SetDeadline(time.Now().Add(mqttPollDeadline))
	return s.Reporter.Poll()
}

func (s *brokerSession) Publish(p report.Payload) error {
	s.conn.SetDeadline(time.Now().Add(mqttTimeout))
	return s.Reporter.Publish(p)
}

// close closes the TCP connection and waits for it to close
func (s *brokerSession) close() {
	s.conn.Close()
	for i := 0; i < 50 && !s.conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	s.conn.Abort()

	// Discard ARP query to free slot for next connection
	s.stack.DiscardResolveHardwareAddress6(s.addr.Addr())
}

// appendHex appends a uint16 as 4 hex characters to the byte slice
func appendHex(b []byte, v uint16) []byte {
	const hexDigits = "0123456789abcdef"
	return append(b,
		hexDigits[(v>>12)&0xf],
		hexDigits[(v>>8)&0xf],
		hexDigits[(v>>4)&0xf],
		hexDigits[v&0xf],
	)
}
