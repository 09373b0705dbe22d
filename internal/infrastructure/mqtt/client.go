package mqtt

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/config"
)

// Client is the broker connection of one vDC host.
//
// The client owns the host's status topic. Every broker session starts
// with a retained online status, Close leaves a retained graceful
// offline, and the Last Will covers a host that vanishes without Close.
// Routes registered with Subscribe survive reconnects.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Handlers run on paho's goroutines and must not block for long.
type Client struct {
	paho   pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	mu           sync.RWMutex
	up           bool
	routes       map[string]route
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
	lastLoss     error
	lostAt       time.Time

	sessions  atomic.Uint64
	delivered atomic.Uint64
}

// Logger is the subset of logging.Logger the client reports through.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler handles one message from a subscribed topic. A returned
// error is logged together with the topic; a panic is recovered.
type MessageHandler func(topic string, payload []byte) error

type route struct {
	qos     byte
	handler MessageHandler
}

// Health is a snapshot of the broker connection.
type Health struct {
	// Connected reports whether a broker session is currently up.
	Connected bool

	// Sessions counts broker sessions since Connect; anything above one
	// means paho reconnected.
	Sessions uint64

	// Delivered counts messages handed to subscription handlers.
	Delivered uint64

	// Subscriptions lists the subscribed topic filters, sorted.
	Subscriptions []string

	// LastLoss is the error of the most recent connection loss and
	// LostAt when it happened. Both are zero if the session never dropped.
	LastLoss error
	LostAt   time.Time
}

// Connect opens a broker session for the host whose topic tree is topics.
//
// The Last Will is registered on topics.Status() before dialling, so the
// broker can announce an unexpected disconnect from the first session on.
// paho keeps reconnecting in the background after a later connection loss.
//
// Parameters:
//   - cfg: broker address, credentials, QoS and reconnect backoff
//   - topics: the host's topic tree, used for status and the Last Will
//
// Returns:
//   - *Client: a connected client
//   - error: ErrConnectionFailed (wrapped) if the first session fails or
//     does not come up within the connect timeout
func Connect(cfg config.MQTTConfig, topics Topics) (*Client, error) {
	opts := buildClientOptions(cfg)
	configureLWT(opts, topics, cfg.Broker.ClientID)

	c := newClient(cfg, topics)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.sessionUp() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.sessionLost(err) })

	c.paho = pahomqtt.NewClient(opts)
	token := c.paho.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		// Stop the background ConnectRetry loop.
		c.paho.Disconnect(0)
		return nil, fmt.Errorf("%w: no session after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// sessionUp runs on a paho goroutine and may lag behind the token.
	c.mu.Lock()
	c.up = true
	c.mu.Unlock()
	return c, nil
}

func newClient(cfg config.MQTTConfig, topics Topics) *Client {
	return &Client{
		cfg:    cfg,
		topics: topics,
		routes: make(map[string]route),
	}
}

// Topics returns the topic tree this client was connected with.
func (c *Client) Topics() Topics {
	return c.topics
}

// sessionUp runs for the first session and after every reconnect.
func (c *Client) sessionUp() {
	c.sessions.Add(1)

	c.mu.Lock()
	c.up = true
	routes := make(map[string]route, len(c.routes))
	for topic, r := range c.routes {
		routes[topic] = r
	}
	callback := c.onConnect
	c.mu.Unlock()

	// A clean session forgets subscriptions; failures show up as the next
	// connection loss.
	for topic, r := range routes {
		c.paho.Subscribe(topic, r.qos, c.deliverTo(r.handler))
	}
	c.paho.Publish(c.topics.Status(), byte(c.cfg.QoS), true,
		buildOnlinePayload(c.cfg.Broker.ClientID, c.topics.Host))

	if callback != nil {
		callback()
	}
}

func (c *Client) sessionLost(err error) {
	c.mu.Lock()
	c.up = false
	c.lastLoss = err
	c.lostAt = time.Now()
	callback := c.onDisconnect
	logger := c.logger
	c.mu.Unlock()

	if logger != nil {
		logger.Warn("MQTT connection lost", "error", err)
	}
	if callback != nil {
		callback(err)
	}
}

// Close replaces the retained status with a graceful offline and ends the
// session. Closing a client that never connected is a no-op.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}

	if c.IsConnected() {
		token := c.paho.Publish(c.topics.Status(), byte(c.cfg.QoS), true,
			buildOfflinePayload(c.cfg.Broker.ClientID, c.topics.Host))
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)

	c.mu.Lock()
	c.up = false
	c.mu.Unlock()
	return nil
}

// IsConnected reports whether a broker session is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.up && c.paho != nil && c.paho.IsConnected()
}

// Health returns a snapshot of the connection for status reporting.
//
// Returns:
//   - Health: connection state, session and delivery counters, the
//     subscribed filters and the most recent connection loss
func (c *Client) Health() Health {
	h := Health{
		Connected: c.IsConnected(),
		Sessions:  c.sessions.Load(),
		Delivered: c.delivered.Load(),
	}

	c.mu.RLock()
	h.Subscriptions = make([]string, 0, len(c.routes))
	for topic := range c.routes {
		h.Subscriptions = append(h.Subscriptions, topic)
	}
	h.LastLoss = c.lastLoss
	h.LostAt = c.lostAt
	c.mu.RUnlock()

	sort.Strings(h.Subscriptions)
	return h
}

// SetOnConnect sets a callback run after every broker session comes up,
// once the online status and the subscriptions are restored.
func (c *Client) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.onConnect = callback
	c.mu.Unlock()
}

// SetOnDisconnect sets a callback run when a session is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.onDisconnect = callback
	c.mu.Unlock()
}

// SetLogger sets the logger for connection loss and handler failures.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) deliverTo(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.deliver(handler, msg.Topic(), msg.Payload())
	}
}

func (c *Client) deliver(handler MessageHandler, topic string, payload []byte) {
	c.delivered.Add(1)

	c.mu.RLock()
	logger := c.logger
	c.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("MQTT handler panic recovered", "topic", topic, "panic", r)
		}
	}()

	if err := handler(topic, payload); err != nil && logger != nil {
		logger.Warn("MQTT handler returned error", "topic", topic, "error", err)
	}
}

// await waits for the broker to acknowledge token.
func await(op, topic string, token pahomqtt.Token) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return &OpError{Op: op, Topic: topic, Err: ErrTimeout}
	}
	if err := token.Error(); err != nil {
		return &OpError{Op: op, Topic: topic, Err: err}
	}
	return nil
}

func checkTopic(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}
