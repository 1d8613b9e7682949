// Package mqttin feeds gate sensor messages from an MQTT topic into the
// ingestion service.
package mqttin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gatelog/gatelog/pkg/event"
)

// Submitter is the ingestion entry point.
type Submitter interface {
	Submit(ctx context.Context, sub event.Submission) (event.Record, error)
}

// Config holds broker settings.
type Config struct {
	BrokerURL string
	ClientID  string
	Topic     string
	QoS       byte
	Username  string
	Password  string
	// HandleTimeout bounds one message, including awaited anchoring.
	HandleTimeout time.Duration
}

// Subscriber owns the MQTT client.
type Subscriber struct {
	cfg    Config
	svc    Submitter
	client mqtt.Client
	base   context.Context
	logger *slog.Logger
}

// NewSubscriber builds the client; call Start to connect.
func NewSubscriber(cfg Config, svc Submitter) *Subscriber {
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 45 * time.Second
	}
	s := &Subscriber{
		cfg:    cfg,
		svc:    svc,
		base:   context.Background(),
		logger: slog.Default().With("component", "mqtt", "topic", cfg.Topic),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(c mqtt.Client) {
		s.logger.Info("connected to broker", "broker", cfg.BrokerURL)
		if token := c.Subscribe(cfg.Topic, cfg.QoS, s.onMessage); token.Wait() && token.Error() != nil {
			s.logger.Error("subscribe failed", "error", token.Error())
		} else {
			s.logger.Info("subscribed", "qos", cfg.QoS)
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn("connection lost", "error", err)
	}

	s.client = mqtt.NewClient(opts)
	return s
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(s.base, s.cfg.HandleTimeout)
	defer cancel()
	_ = s.Handle(ctx, msg)
}

// Start connects, retrying with doubling backoff from start up to maxBackoff until
// connected or ctx ends.
func (s *Subscriber) Start(ctx context.Context, start, maxBackoff time.Duration) error {
	s.base = context.WithoutCancel(ctx)
	backoff := start
	for {
		token := s.client.Connect()
		if token.Wait() && token.Error() == nil {
			return nil
		}
		s.logger.Warn("connect failed", "error", token.Error(), "retry_in", backoff)
		select {
		case <-time.After(backoff):
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
		case <-ctx.Done():
			return fmt.Errorf("mqtt connect: %w", ctx.Err())
		}
	}
}

// Stop disconnects, waiting up to quiesce for in-flight work.
func (s *Subscriber) Stop(quiesce time.Duration) {
	if s.client.IsConnected() {
		s.client.Disconnect(uint(quiesce.Milliseconds()))
	}
}

// ErrBadPayload marks a message that is not a JSON submission.
var ErrBadPayload = errors.New("payload is not a JSON submission")

// Handle decodes one message and submits it. Failures are logged and
// returned; the message is never redelivered by us.
func (s *Subscriber) Handle(ctx context.Context, msg mqtt.Message) error {
	payload := msg.Payload()

	var sub event.Submission
	if err := json.Unmarshal(payload, &sub); err != nil {
		s.logger.WarnContext(ctx, "dropping message", "error", err, "bytes", len(payload), "payload", truncate(payload, 256))
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	rec, err := s.svc.Submit(ctx, sub)
	if err != nil {
		var verr *event.ValidationError
		if errors.As(err, &verr) {
			s.logger.WarnContext(ctx, "rejected message", "field", verr.Field, "reason", verr.Reason, "message_id", msg.MessageID())
		} else {
			s.logger.ErrorContext(ctx, "submit failed", "error", err, "message_id", msg.MessageID())
		}
		return err
	}
	s.logger.DebugContext(ctx, "message recorded", "event_id", rec.ID, "message_id", msg.MessageID())
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
