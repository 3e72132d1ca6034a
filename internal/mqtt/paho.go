package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/otanode/internal/config"
)

// PahoDialer opens broker connections with autopaho. The access token
// is sent as the MQTT username, which is how ThingsBoard authenticates
// devices.
type PahoDialer struct {
	identity   config.DeviceIdentity
	keepAlive  time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewPahoDialer creates a dialer for the given identity and broker settings.
func NewPahoDialer(id config.DeviceIdentity, cfg config.BrokerConfig, logger *slog.Logger) *PahoDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PahoDialer{
		identity:   id,
		keepAlive:  cfg.KeepAlive,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
}

// clientConfig builds the autopaho configuration that reports
// connection events to ev.
func (d *PahoDialer) clientConfig(ev Events) (autopaho.ClientConfig, error) {
	brokerURL, err := url.Parse(d.identity.BrokerURL)
	if err != nil {
		return autopaho.ClientConfig{}, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	retry := d.retryDelay
	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(d.keepAlive / time.Second),
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              func(int) time.Duration { return retry },
		ConnectUsername:               d.identity.AccessToken,
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			ev.OnConnected()
		},
		OnConnectError: func(err error) {
			d.logger.Warn("mqtt connection error", "broker", brokerURL.Host, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: d.identity.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					ev.OnMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				ev.OnDisconnected(err)
			},
			OnServerDisconnect: func(dc *paho.Disconnect) {
				ev.OnDisconnected(fmt.Errorf("server disconnect, reason code %d", dc.ReasonCode))
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	switch brokerURL.Scheme {
	case "mqtts", "ssl", "tls":
		cfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return cfg, nil
}

// Dial implements [Dialer]. The returned handle keeps reconnecting in
// the background until ctx is cancelled or it is disconnected.
func (d *PahoDialer) Dial(ctx context.Context, ev Events) (Handle, error) {
	cfg, err := d.clientConfig(ev)
	if err != nil {
		return nil, err
	}
	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	d.logger.Info("mqtt connecting", "broker", d.identity.BrokerURL, "client_id", d.identity.ClientID)
	return &pahoHandle{cm: cm}, nil
}

type pahoHandle struct {
	cm *autopaho.ConnectionManager
}

func (h *pahoHandle) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	_, err := h.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	return err
}

func (h *pahoHandle) Subscribe(ctx context.Context, filter string, qos byte) error {
	_, err := h.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: filter, QoS: qos},
		},
	})
	return err
}

func (h *pahoHandle) Disconnect(ctx context.Context) error {
	return h.cm.Disconnect(ctx)
}
