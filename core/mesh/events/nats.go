package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures the NATS bridge.
type NATSConfig struct {
	URL           string
	Name          string
	SubjectPrefix string
	Topics        []string
}

// SubjectPublisher is the part of a NATS connection the bridge needs.
type SubjectPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Close()
}

// NATSPublisher publishes raw payloads to NATS subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	url    string
	logger *zap.Logger
}

// NewNATSPublisher connects to url with reconnects enabled.
func NewNATSPublisher(url, name string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc, url: url, logger: logger}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return p.nc.Publish(subject, payload)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// Bridge forwards bus events to NATS as JSON on <prefix>.<topic>.
type Bridge struct {
	bus    *Bus
	pub    SubjectPublisher
	prefix string
	topics []string
	logger *zap.Logger
	done   chan struct{}
}

// NewBridge creates a bridge; call Run to start forwarding.
func NewBridge(bus *Bus, pub SubjectPublisher, prefix string, topics []string, logger *zap.Logger) *Bridge {
	if prefix == "" {
		prefix = "hive"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		bus:    bus,
		pub:    pub,
		prefix: prefix,
		topics: topics,
		logger: logger.Named("nats_bridge"),
		done:   make(chan struct{}),
	}
}

// Subject returns the NATS subject an event topic maps to.
func (b *Bridge) Subject(topic string) string {
	return b.prefix + "." + topic
}

// Run forwards events until ctx is cancelled or the bus closes.
func (b *Bridge) Run(ctx context.Context) {
	defer close(b.done)
	sub := b.bus.Subscribe(1024, b.topics...)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				b.logger.Warn("failed to encode event", zap.String("topic", ev.Topic), zap.Error(err))
				continue
			}
			if err := b.pub.Publish(ctx, b.Subject(ev.Topic), payload); err != nil {
				b.logger.Debug("failed to forward event", zap.String("topic", ev.Topic), zap.Error(err))
			}
		}
	}
}

// Done is closed when Run returns.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}
