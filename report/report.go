// Package report publishes OTA progress over MQTT and accepts remote
// commands on a per-device topic.
package report

import (
	"errors"
	"io"
	"log/slog"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	bufSize      = 512
	maxPending   = 4
	connectPolls = 50
	subackPolls  = 10
)

var (
	ErrNotConnected = errors.New("report: not connected")
	ErrConnTimeout  = errors.New("report: mqtt connect timeout")
)

// QoS0, not retained, not dup.
var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// Config configures a Reporter.
type Config struct {
	Logger *slog.Logger

	// ClientID prefixes both topics.
	ClientID string

	// SessionID is sent in CONNECT. Empty means ClientID.
	SessionID string

	// PacketID returns identifiers for subscribe and publish packets.
	PacketID func() uint16

	// PollInterval is slept between reads while waiting for CONNACK.
	PollInterval time.Duration
}

// Reporter owns one MQTT session. It is not safe for concurrent use.
type Reporter struct {
	client   *mqtt.Client
	logger   *slog.Logger
	packetID func() uint16
	interval time.Duration

	clientID    []byte
	statusTopic []byte
	cmdTopic    []byte

	userBuf [bufSize]byte
	cmdBuf  [bufSize]byte
	pending []Command
	seq     uint16
}

// New returns a disconnected reporter.
func New(cfg Config) *Reporter {
	r := &Reporter{
		logger:      cfg.Logger,
		packetID:    cfg.PacketID,
		interval:    cfg.PollInterval,
		clientID:    []byte(cfg.SessionID),
		statusTopic: StatusTopic(cfg.ClientID),
		cmdTopic:    CommandTopic(cfg.ClientID),
		pending:     make([]Command, 0, maxPending),
	}
	if len(r.clientID) == 0 {
		r.clientID = []byte(cfg.ClientID)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	if r.packetID == nil {
		r.packetID = r.nextID
	}
	if r.interval <= 0 {
		r.interval = 100 * time.Millisecond
	}
	r.client = mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: r.userBuf[:]},
		OnPub:   r.onPub,
	})
	return r
}

// StatusTopic is where status payloads for clientID are published.
func StatusTopic(clientID string) []byte { return []byte(clientID + "/ota/status") }

// CommandTopic is where clientID listens for commands.
func CommandTopic(clientID string) []byte { return []byte(clientID + "/ota/cmd") }

// Connect runs the MQTT handshake over rwc and subscribes to the command
// topic. rwc is closed by Disconnect.
func (r *Reporter) Connect(rwc io.ReadWriteCloser) error {
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT(r.clientID)
	r.logger.Info("report:connecting", slog.String("clientid", string(r.clientID)))
	if err := r.client.StartConnect(rwc, &varconn); err != nil {
		r.logger.Error("report:start-connect-failed", slog.String("err", err.Error()))
		return err
	}
	for i := 0; i < connectPolls && !r.client.IsConnected(); i++ {
		time.Sleep(r.interval)
		if err := r.client.HandleNext(); err != nil {
			r.logger.Warn("report:handle-next", slog.String("err", err.Error()))
		}
	}
	if !r.client.IsConnected() {
		r.logger.Error("report:connect-timeout")
		return ErrConnTimeout
	}

	sub := mqtt.VariablesSubscribe{
		TopicFilters: []mqtt.SubscribeRequest{
			{TopicFilter: r.cmdTopic, QoS: mqtt.QoS0},
		},
		PacketIdentifier: r.packetID(),
	}
	if err := r.client.StartSubscribe(sub); err != nil {
		r.logger.Error("report:subscribe-failed", slog.String("err", err.Error()))
		return err
	}
	for i := 0; i < subackPolls; i++ {
		r.client.HandleNext()
	}
	r.logger.Info("report:connected", slog.String("cmd_topic", string(r.cmdTopic)))
	return nil
}

// Connected reports whether the session is up.
func (r *Reporter) Connected() bool { return r.client.IsConnected() }

// Poll reads at most one packet. Commands received are queued for Next.
func (r *Reporter) Poll() error {
	if !r.client.IsConnected() {
		return ErrNotConnected
	}
	return r.client.HandleNext()
}

// Next pops the oldest queued command.
func (r *Reporter) Next() (Command, bool) {
	if len(r.pending) == 0 {
		return Command{}, false
	}
	c := r.pending[0]
	copy(r.pending, r.pending[1:])
	r.pending = r.pending[:len(r.pending)-1]
	return c, true
}

// Publish sends p on the status topic.
func (r *Reporter) Publish(p Payload) error {
	if !r.client.IsConnected() {
		return ErrNotConnected
	}
	b, err := p.Marshal()
	if err != nil {
		return err
	}
	pub := mqtt.VariablesPublish{
		TopicName:        r.statusTopic,
		PacketIdentifier: r.packetID(),
	}
	if err := r.client.PublishPayload(pubFlags, pub, b); err != nil {
		r.logger.Error("report:publish-failed", slog.String("err", err.Error()))
		return err
	}
	r.logger.Debug("report:published", slog.String("state", p.State), slog.Int("bytes", len(b)))
	return nil
}

// Disconnect ends the session with reason.
func (r *Reporter) Disconnect(reason error) {
	if r.client.IsConnected() {
		r.client.Disconnect(reason)
	}
	r.pending = r.pending[:0]
}

func (r *Reporter) onPub(_ mqtt.Header, varPub mqtt.VariablesPublish, rd io.Reader) error {
	if string(varPub.TopicName) != string(r.cmdTopic) {
		return nil
	}
	n, err := io.ReadFull(rd, r.cmdBuf[:])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}
	cmd, err := ParseCommand(r.cmdBuf[:n])
	if err != nil {
		r.logger.Warn("report:bad-command", slog.String("err", err.Error()))
		return nil
	}
	if len(r.pending) == maxPending {
		r.logger.Warn("report:command-dropped", slog.String("cmd", cmd.Kind.String()))
		return nil
	}
	r.pending = append(r.pending, cmd)
	r.logger.Info("report:command", slog.String("cmd", cmd.Kind.String()), slog.String("arg", cmd.Arg))
	return nil
}

func (r *Reporter) nextID() uint16 {
	r.seq++
	if r.seq == 0 {
		r.seq = 1
	}
	return r.seq
}
