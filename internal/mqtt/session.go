package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/bt-mqtt-tracker/internal/config"
)

// ErrNotConnected is returned by [Session.Publish] before Connect has
// succeeded or after Close.
var ErrNotConnected = errors.New("mqtt session not connected")

// Session owns the single long-lived broker connection. It registers a
// will message so the broker publishes "offline" to the availability
// topic if the tracker disappears without a clean shutdown.
type Session struct {
	cfg    config.MQTTConfig
	topics Topics
	logger *slog.Logger

	mu          sync.Mutex
	cm          *autopaho.ConnectionManager
	cancel      context.CancelFunc
	connections int
	onReconnect func()
}

// NewSession creates a Session but does not connect.
func NewSession(cfg config.MQTTConfig, topics Topics, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{cfg: cfg, topics: topics, logger: logger}
}

// OnReconnect registers fn to run, on its own goroutine, every time the
// connection comes back up after the first successful connect. Must be
// called before Connect.
func (s *Session) OnReconnect(fn func()) {
	s.mu.Lock()
	s.onReconnect = fn
	s.mu.Unlock()
}

func (s *Session) clientConfig() (autopaho.ClientConfig, error) {
	brokerURL, err := url.Parse(s.cfg.BrokerURL())
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(s.cfg.KeepAliveSec),
		CleanStartOnInitialConnection: true,
		ConnectTimeout:                s.cfg.ConnectTimeout(),
		ConnectUsername:               s.cfg.Username,
		ConnectPassword:               []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   s.topics.Availability(),
			Payload: []byte(Offline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			s.connectionUp()
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "broker", brokerURL.String(), "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: s.cfg.ClientID,
			OnClientError: func(err error) {
				s.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				s.logger.Warn("mqtt server disconnected", "reason_code", d.ReasonCode)
			},
		},
	}

	if brokerURL.Scheme == "mqtts" {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg, nil
}

func (s *Session) connectionUp() {
	s.mu.Lock()
	s.connections++
	n := s.connections
	fn := s.onReconnect
	s.mu.Unlock()

	s.logger.Info("mqtt connected to broker", "broker", s.cfg.BrokerURL(), "connections", n)
	if n > 1 && fn != nil {
		go fn()
	}
}

// Connect establishes the broker session and waits for the first
// CONNACK, bounded by the configured connect timeout. A failure here is
// fatal to the caller: the tracker must not run without a live session.
//
// The connection outlives ctx cancellation so that the shutdown path
// can still publish "offline"; it is torn down by [Session.Close].
func (s *Session) Connect(ctx context.Context) error {
	pahoCfg, err := s.clientConfig()
	if err != nil {
		return err
	}

	connLife, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cm, err := autopaho.NewConnection(connLife, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}

	awaitCtx, awaitCancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout())
	defer awaitCancel()
	if err := cm.AwaitConnection(awaitCtx); err != nil {
		cancel()
		return fmt.Errorf("mqtt connect %s: %w", s.cfg.BrokerURL(), err)
	}

	s.mu.Lock()
	s.cm = cm
	s.cancel = cancel
	s.mu.Unlock()
	return nil
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used by the connection watcher as its health probe.
func (s *Session) AwaitConnection(ctx context.Context) error {
	cm := s.manager()
	if cm == nil {
		return ErrNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// Publish sends one message, bounded by the configured publish timeout.
// Retained messages (discovery, availability) use QoS 1 so the broker
// acknowledges them; live presence uses QoS 0.
func (s *Session) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	cm := s.manager()
	if cm == nil {
		return ErrNotConnected
	}

	var qos byte
	if retain {
		qos = 1
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout())
	defer cancel()
	if _, err := cm.Publish(pubCtx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		return err
	}
	return nil
}

// Close disconnects cleanly (so the broker discards the will) and
// stops the background reconnect loop.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	cm, cancel := s.cm, s.cancel
	s.cm, s.cancel = nil, nil
	s.mu.Unlock()

	if cm == nil {
		return nil
	}
	defer cancel()
	return cm.Disconnect(ctx)
}

func (s *Session) manager() *autopaho.ConnectionManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cm
}

// KeepAlive returns the configured keepalive as a duration.
func (s *Session) KeepAlive() time.Duration {
	return time.Duration(s.cfg.KeepAliveSec) * time.Second
}
