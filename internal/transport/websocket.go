package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/markus-barta/wipboard/internal/protocol"
)

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	maxBackoff       = 60 * time.Second
	initialBackoff   = 1 * time.Second
	closeGracePeriod = 5 * time.Second
)

// WebSocketClient connects to the dashboard hub. It subscribes to events,
// publishes events and forwards widget output. Subscriptions, the widget
// registration and the latest render and style are replayed on reconnect.
type WebSocketClient struct {
	url   string
	token string
	log   zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	backoff   time.Duration

	subs     map[string]subscription
	replay   map[string]*protocol.Message // key → last message of that kind
	onChange func(connected bool)
}

// NewWebSocketClient creates a client for the hub at url (ws:// or wss://).
func NewWebSocketClient(url, token string, log zerolog.Logger) *WebSocketClient {
	return &WebSocketClient{
		url:     url,
		token:   token,
		log:     log.With().Str("component", "websocket").Logger(),
		backoff: initialBackoff,
		subs:    make(map[string]subscription),
		replay:  make(map[string]*protocol.Message),
	}
}

// OnConnectionChange registers a callback for connect/disconnect.
func (c *WebSocketClient) OnConnectionChange(fn func(connected bool)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Run connects to the dashboard and maintains the connection.
// It blocks until the context is cancelled.
func (c *WebSocketClient) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("context cancelled, stopping")
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.log.Error().Err(err).Dur("backoff", c.backoff).Msg("connection failed, retrying")
			c.waitBackoff(ctx)
			continue
		}

		c.backoff = initialBackoff
		c.readLoop(ctx)
		c.waitBackoff(ctx)
	}
}

func (c *WebSocketClient) connect(ctx context.Context) error {
	c.log.Debug().Str("url", c.url).Msg("connecting")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.log.Error().Msg("authentication failed: 401 Unauthorized")
		}
		return errors.Wrap(err, "dial dashboard")
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	onChange := c.onChange
	pending := c.pendingLocked()
	c.mu.Unlock()

	for _, msg := range pending {
		if err := c.write(msg); err != nil {
			c.log.Warn().Err(err).Str("type", msg.Type).Msg("replay failed")
		}
	}

	go c.pingLoop(ctx, conn)

	c.log.Info().Int("replayed", len(pending)).Msg("connected to dashboard")
	if onChange != nil {
		onChange(true)
	}
	return nil
}

// pendingLocked builds the messages to send after (re)connecting:
// subscriptions first, then registration, style and last render.
func (c *WebSocketClient) pendingLocked() []*protocol.Message {
	var out []*protocol.Message
	for id, s := range c.subs {
		msg, err := protocol.NewMessage(protocol.TypeSubscribe, protocol.SubscribePayload{ID: id, Topic: s.topic})
		if err == nil {
			out = append(out, msg)
		}
	}
	for _, kind := range []string{protocol.TypeRegisterWidget, protocol.TypeWidgetStyle, protocol.TypeWidgetRender} {
		for _, msg := range c.replay {
			if msg.Type == kind {
				out = append(out, msg)
			}
		}
	}
	return out
}

func (c *WebSocketClient) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		onChange := c.onChange
		c.mu.Unlock()
		if onChange != nil {
			onChange(false)
		}
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse message")
			continue
		}
		c.dispatch(&msg)
	}
}

// dispatch runs on the read goroutine, so events of one subscription are
// handed over in arrival order.
func (c *WebSocketClient) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeEvent:
		var payload protocol.EventPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.log.Warn().Err(err).Msg("failed to parse event")
			return
		}
		c.mu.Lock()
		sub, ok := c.subs[payload.SubscriptionID]
		c.mu.Unlock()
		if !ok {
			c.log.Debug().Str("subscription", payload.SubscriptionID).Msg("event for unknown subscription")
			return
		}
		sub.handler(payload.Event)
	case protocol.TypeSubscribed:
		c.log.Debug().RawJSON("payload", msg.Payload).Msg("subscription confirmed")
	default:
		c.log.Debug().Str("type", msg.Type).Msg("ignoring message")
	}
}

func (c *WebSocketClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (c *WebSocketClient) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(c.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	c.backoff *= 2
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
}

// Subscribe registers handler for topic. The subscription is sent now if
// connected and on every reconnect; it ends when ctx is cancelled.
func (c *WebSocketClient) Subscribe(ctx context.Context, topic protocol.Topic, handler func(protocol.Event)) error {
	id := uuid.NewString()
	c.mu.Lock()
	c.subs[id] = subscription{id: id, topic: topic, handler: handler}
	connected := c.connected
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		_ = c.send(protocol.TypeUnsubscribe, protocol.UnsubscribePayload{ID: id})
	}()

	if !connected {
		return nil
	}
	return c.send(protocol.TypeSubscribe, protocol.SubscribePayload{ID: id, Topic: topic})
}

// Publish sends an event to the dashboard.
func (c *WebSocketClient) Publish(_ context.Context, e protocol.Event) error {
	return c.send(protocol.TypePublish, e)
}

// RegisterWidget announces a widget. It is replayed after reconnects.
func (c *WebSocketClient) RegisterWidget(_ context.Context, w protocol.RegisterWidgetPayload) error {
	return c.sendReplayed(protocol.TypeRegisterWidget+":"+w.WidgetID, protocol.TypeRegisterWidget, w)
}

// RenderWidget sends a full widget body. The latest body is replayed.
func (c *WebSocketClient) RenderWidget(_ context.Context, widgetID, html string) error {
	return c.sendReplayed(protocol.TypeWidgetRender+":"+widgetID, protocol.TypeWidgetRender,
		protocol.WidgetRenderPayload{WidgetID: widgetID, HTML: html})
}

// PatchWidget replaces one element of a widget body.
func (c *WebSocketClient) PatchWidget(_ context.Context, widgetID, selector, html string) error {
	return c.send(protocol.TypeWidgetPatch, protocol.WidgetPatchPayload{WidgetID: widgetID, Selector: selector, HTML: html})
}

// StyleWidget sends the widget stylesheet. It is replayed after reconnects.
func (c *WebSocketClient) StyleWidget(_ context.Context, widgetID, css string) error {
	return c.sendReplayed(protocol.TypeWidgetStyle+":"+widgetID, protocol.TypeWidgetStyle,
		protocol.WidgetStylePayload{WidgetID: widgetID, CSS: css})
}

// sendReplayed remembers the message for replay and sends it if connected.
func (c *WebSocketClient) sendReplayed(key, msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s", msgType)
	}
	c.mu.Lock()
	c.replay[key] = msg
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.write(msg)
}

func (c *WebSocketClient) send(msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s", msgType)
	}
	return c.write(msg)
}

func (c *WebSocketClient) write(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the connection gracefully.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	deadline := time.Now().Add(closeGracePeriod)
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		deadline,
	)
	if err != nil {
		_ = c.conn.Close()
		return err
	}
	return c.conn.Close()
}

// IsConnected returns whether the client is connected.
func (c *WebSocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// WaitConnected blocks until the client is connected or ctx ends.
func (c *WebSocketClient) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !c.IsConnected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
