package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/FateUnix29/Hollowfire-1/internal/config"
	"github.com/FateUnix29/Hollowfire-1/internal/events"
)

// StateInterval is how often retained state values are refreshed.
const StateInterval = 60 * time.Second

// publishTimeout bounds a single publish so a broker outage never backs
// up the event subscription.
const publishTimeout = 5 * time.Second

// StatsSource provides the values published under <prefix>/state. The
// adapter lives in main so this package stays unaware of the session
// layer.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	Conversations() int
	DefaultProvider() string
}

// publisher is the subset of the autopaho connection the forwarder uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Forwarder relays bus events to the broker.
type Forwarder struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	stats      StatsSource
	daily      *Daily
	logger     *slog.Logger

	cm  *autopaho.ConnectionManager
	pub publisher
}

// New creates a Forwarder. It does not connect until Start.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, stats StatsSource, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		stats:      stats,
		daily:      NewDaily(nil),
		logger:     logger.With("component", "mqtt"),
	}
}

func (f *Forwarder) prefix() string {
	return strings.TrimSuffix(f.cfg.TopicPrefix, "/")
}

func (f *Forwarder) availabilityTopic() string { return f.prefix() + "/availability" }
func (f *Forwarder) eventTopic(kind string) string {
	return f.prefix() + "/events/" + kind
}
func (f *Forwarder) stateTopic(name string) string {
	return f.prefix() + "/state/" + name
}

// clientID derives a short stable client id from the instance id.
func (f *Forwarder) clientID() string {
	id := strings.ReplaceAll(f.instanceID, "-", "")
	if len(id) > 12 {
		id = id[len(id)-12:]
	}
	return "hollowfire-" + id
}

// Start connects to the broker and forwards events until ctx is
// cancelled. A broker that is down at startup is retried in the
// background; events published meanwhile are dropped.
func (f *Forwarder) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: f.cfg.Username,
		ConnectPassword: []byte(f.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   f.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			f.logger.Info("mqtt connected", "broker", f.cfg.Broker)
			f.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			f.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: f.clientID(),
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	f.cm = cm
	f.pub = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		f.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	f.run(ctx, StateInterval)
	return nil
}

// Stop publishes "offline" and disconnects.
func (f *Forwarder) Stop(ctx context.Context) error {
	if f.cm == nil {
		return nil
	}
	f.publishAvailability(ctx, f.cm, "offline")
	return f.cm.Disconnect(ctx)
}

// run forwards bus events and refreshes state until ctx is done.
func (f *Forwarder) run(ctx context.Context, interval time.Duration) {
	ch := f.bus.Subscribe(256)
	defer f.bus.Unsubscribe(ch)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	f.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			f.observe(e)
			f.forward(ctx, e)
		case <-ticker.C:
			f.publishStates(ctx)
		}
	}
}

// observe feeds completion totals into the daily counters.
func (f *Forwarder) observe(e events.Event) {
	if e.Source != events.SourceCompletion || e.Kind != events.KindRequestComplete {
		return
	}
	in, _ := e.Data["tokens_in"].(int)
	out, _ := e.Data["tokens_out"].(int)
	ok, _ := e.Data["ok"].(bool)
	f.daily.OnRequest(in, out, ok)
}

func (f *Forwarder) forward(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		f.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := f.pub.Publish(pubCtx, &paho.Publish{
		Topic:   f.eventTopic(e.Kind),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		f.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}

func (f *Forwarder) states() map[string]string {
	d := f.daily.Snapshot()
	s := map[string]string{
		"requests_today": strconv.FormatInt(d.Requests, 10),
		"failed_today":   strconv.FormatInt(d.Failed, 10),
		"tokens_today":   strconv.FormatInt(d.InputTokens+d.OutputTokens, 10),
	}
	if f.stats != nil {
		s["uptime"] = f.stats.Uptime().Truncate(time.Second).String()
		s["version"] = f.stats.Version()
		s["conversations"] = strconv.Itoa(f.stats.Conversations())
		s["default_provider"] = f.stats.DefaultProvider()
	}
	return s
}

func (f *Forwarder) publishStates(ctx context.Context) {
	states := f.states()
	for name, value := range states {
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		_, err := f.pub.Publish(pubCtx, &paho.Publish{
			Topic:   f.stateTopic(name),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		})
		cancel()
		if err != nil {
			f.logger.Debug("mqtt state publish failed", "name", name, "error", err)
		}
	}
	f.logger.Debug("mqtt state published", "values", len(states))
}

func (f *Forwarder) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   f.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	f.logger.Info("mqtt availability published", "status", status)
}
