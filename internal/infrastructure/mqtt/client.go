package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/config"
)

// Client wraps a paho client for one broker. It keeps a retained
// online/offline document on Topics.Status(client id) and replays
// subscriptions after paho reconnects.
type Client struct {
	client   pahomqtt.Client
	clientID string
	qos      byte

	subMu         sync.RWMutex
	subscriptions map[string]subscription

	// stateMu guards connected and the hooks.
	stateMu      sync.RWMutex
	connected    bool
	onConnect    func()
	onDisconnect func(err error)

	// set once by WithLogger
	logger Logger
}

// Logger is satisfied by *logging.Logger and *slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// MessageHandler handles one received message. A returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker in cfg and waits for the first CONNACK. Unless
// WithWill says otherwise, the broker publishes a retained offline status
// for this client if the link dies uncleanly.
func Connect(cfg config.MQTTConfig, options ...Option) (*Client, error) {
	o := connectOptions{newClient: pahomqtt.NewClient}
	for _, opt := range options {
		opt(&o)
	}

	c := &Client{
		clientID:      cfg.Broker.ClientID,
		qos:           byte(cfg.QoS),
		subscriptions: make(map[string]subscription),
		logger:        o.logger,
	}

	opts := buildClientOptions(cfg)
	willTopic, willPayload := o.willTopic, o.willPayload
	if willTopic == "" {
		willTopic = Topics{}.Status(c.clientID)
		willPayload = buildStatusPayload("offline", c.clientID, "unexpected_disconnect")
	}
	opts.SetBinaryWill(willTopic, willPayload, 1, true)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.log().Info("mqtt reconnecting", "broker", cfg.Broker.Host)
	})

	c.client = o.newClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: no CONNACK within %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// OnConnect fires on paho's goroutine, possibly after we return.
	c.setConnected(true)
	return c, nil
}

func (c *Client) setConnected(v bool) {
	c.stateMu.Lock()
	c.connected = v
	c.stateMu.Unlock()
}

func (c *Client) handleConnect() {
	c.setConnected(true)
	c.replaySubscriptions()
	c.publishStatus("online", "")

	c.stateMu.RLock()
	hook := c.onConnect
	c.stateMu.RUnlock()
	if hook != nil {
		hook()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.setConnected(false)
	c.log().Warn("mqtt connection lost", "error", err)

	c.stateMu.RLock()
	hook := c.onDisconnect
	c.stateMu.RUnlock()
	if hook != nil {
		hook(err)
	}
}

func (c *Client) replaySubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for topic, sub := range c.subscriptions {
		c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

// publishStatus writes the retained client status document.
func (c *Client) publishStatus(status, reason string) pahomqtt.Token {
	return c.client.Publish(Topics{}.Status(c.clientID), c.qos, true,
		buildStatusPayload(status, c.clientID, reason))
}

// Close marks the client offline and disconnects. It is safe on a nil
// client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	if c.IsConnected() {
		c.publishStatus("offline", "graceful_shutdown").WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected requires both our view and paho's to agree.
func (c *Client) IsConnected() bool {
	c.stateMu.RLock()
	connected := c.connected
	c.stateMu.RUnlock()
	return connected && c.client.IsConnected()
}

// SetOnConnect sets a callback run on every (re)connect.
func (c *Client) SetOnConnect(callback func()) {
	c.stateMu.Lock()
	c.onConnect = callback
	c.stateMu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection drops.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.stateMu.Lock()
	c.onDisconnect = callback
	c.stateMu.Unlock()
}

// log never returns nil.
func (c *Client) log() Logger {
	if c.logger == nil {
		return nopLogger{}
	}
	return c.logger
}

type nopLogger struct{}

func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Info(string, ...any)  {}

// wrapHandler turns a MessageHandler into a paho callback that logs
// handler errors and survives handler panics.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		topic := msg.Topic()
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("mqtt handler panic recovered", "topic", topic, "panic", r)
			}
		}()

		if err := handler(topic, msg.Payload()); err != nil {
			c.log().Warn("mqtt handler returned error", "topic", topic, "error", err)
		}
	}
}
