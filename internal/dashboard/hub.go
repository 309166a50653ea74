package dashboard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/markus-barta/wipboard/internal/protocol"
	"github.com/markus-barta/wipboard/internal/store"
	"github.com/markus-barta/wipboard/internal/transport"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 1024 // widget bodies can be large

	sendBufferSize   = 256
	bridgeBufferSize = 256
	bridgeTimeout    = 5 * time.Second
)

var errHubStopped = errors.New("hub stopped")

// Client types
const (
	clientBrowser = "browser"
	clientPeer    = "peer" // widget runtimes and producers
)

// Client represents a WebSocket connection (browser or peer).
type Client struct {
	conn       *websocket.Conn
	clientType string
	clientID   string // session ID for browsers, connection ID for peers
	send       chan []byte
	hub        *Hub

	// subscription ID → bus subscription ID. Only touched by Hub.Run.
	subs map[string]string
}

// Bridge mirrors events onto a broker and delivers the broker's events.
type Bridge interface {
	transport.Publisher
	Subscribe(ctx context.Context, topic protocol.Topic, handler func(protocol.Event)) error
}

// Hub maintains active connections, relays events between peers and pushes
// widget output to browsers. All message handling happens on the Run
// goroutine, so events are delivered in the order they were published.
type Hub struct {
	log   zerolog.Logger
	store *store.StateStore
	bus   *transport.Bus

	// Optional broker link (Redis or MQTT). Events published here are
	// mirrored to it, and events producers publish on the broker are
	// ingested like local ones.
	id          string // Origin stamped on mirrored events
	bridge      Bridge
	bridgeQueue chan protocol.Event

	clients  map[*Client]bool
	browsers map[*Client]bool

	register   chan *Client
	unregister chan *Client
	inbound    chan *inboundMessage
	done       chan struct{} // closed when Run returns

	mu sync.RWMutex
}

type inboundMessage struct {
	client     *Client // nil for events published over HTTP or the bridge
	message    *protocol.Message
	fromBridge bool
}

// NewHub creates a new Hub. bridge may be nil.
func NewHub(log zerolog.Logger, st *store.StateStore, bridge Bridge) *Hub {
	h := &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		id:         uuid.NewString(),
		store:      st,
		bus:        transport.NewBus(log),
		bridge:     bridge,
		clients:    make(map[*Client]bool),
		browsers:   make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan *inboundMessage, 256),
		done:       make(chan struct{}),
	}
	if bridge != nil {
		h.bridgeQueue = make(chan protocol.Event, bridgeBufferSize)
	}
	return h
}

// Run starts the hub's main loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	if h.bridge != nil {
		go h.runBridge(ctx)
		go h.ingestBridge(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.clientType == clientBrowser {
				h.browsers[client] = true
			}
			h.mu.Unlock()
			h.log.Debug().
				Str("type", client.clientType).
				Str("id", client.clientID).
				Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				delete(h.browsers, client)
				for _, busID := range client.subs {
					h.bus.Remove(busID)
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Debug().
				Str("type", client.clientType).
				Str("id", client.clientID).
				Int("subscriptions", len(client.subs)).
				Msg("client unregistered")

		case msg := <-h.inbound:
			h.handleMessage(ctx, msg)
		}
	}
}

// Publish queues an event as if a peer had published it.
func (h *Hub) Publish(ctx context.Context, e protocol.Event) error {
	msg, err := protocol.NewMessage(protocol.TypePublish, e)
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return errHubStopped
	default:
	}
	select {
	case h.inbound <- &inboundMessage{message: msg}:
		return nil
	case <-h.done:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of connected browsers and peers.
func (h *Hub) ClientCount() (browsers, peers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.browsers), len(h.clients) - len(h.browsers)
}

// handleMessage processes messages from peers.
func (h *Hub) handleMessage(ctx context.Context, in *inboundMessage) {
	msg := in.message
	switch msg.Type {
	case protocol.TypePublish:
		var e protocol.Event
		if err := msg.ParsePayload(&e); err != nil {
			h.log.Error().Err(err).Msg("failed to parse publish payload")
			return
		}
		h.publish(ctx, e, in.fromBridge)

	case protocol.TypeSubscribe:
		var payload protocol.SubscribePayload
		if err := msg.ParsePayload(&payload); err != nil || payload.ID == "" {
			h.log.Error().Err(err).Msg("invalid subscribe payload")
			return
		}
		h.subscribe(in.client, payload)

	case protocol.TypeUnsubscribe:
		var payload protocol.UnsubscribePayload
		if err := msg.ParsePayload(&payload); err != nil || in.client == nil {
			return
		}
		if busID, ok := in.client.subs[payload.ID]; ok {
			h.bus.Remove(busID)
			delete(in.client.subs, payload.ID)
		}

	case protocol.TypeRegisterWidget:
		var payload protocol.RegisterWidgetPayload
		if err := msg.ParsePayload(&payload); err != nil || payload.WidgetID == "" {
			h.log.Error().Err(err).Msg("invalid register_widget payload")
			return
		}
		if err := h.store.RegisterWidget(ctx, payload); err != nil {
			h.log.Error().Err(err).Str("widget", payload.WidgetID).Msg("failed to register widget")
			return
		}
		h.log.Info().
			Str("widget", payload.WidgetID).
			Str("project", payload.Project).
			Str("plugin", payload.Plugin).
			Msg("widget registered")
		h.broadcastMessage(msg)

	case protocol.TypeWidgetRender:
		var payload protocol.WidgetRenderPayload
		if err := msg.ParsePayload(&payload); err != nil || payload.WidgetID == "" {
			h.log.Error().Err(err).Msg("invalid widget_render payload")
			return
		}
		if err := h.store.SetWidgetHTML(ctx, payload.WidgetID, payload.HTML); err != nil {
			h.log.Error().Err(err).Str("widget", payload.WidgetID).Msg("failed to store widget body")
		}
		h.broadcastMessage(msg)

	case protocol.TypeWidgetPatch:
		var payload protocol.WidgetPatchPayload
		if err := msg.ParsePayload(&payload); err != nil || payload.WidgetID == "" {
			h.log.Error().Err(err).Msg("invalid widget_patch payload")
			return
		}
		h.patchStoredBody(ctx, payload)
		h.broadcastMessage(msg)

	case protocol.TypeWidgetStyle:
		var payload protocol.WidgetStylePayload
		if err := msg.ParsePayload(&payload); err != nil || payload.WidgetID == "" {
			h.log.Error().Err(err).Msg("invalid widget_style payload")
			return
		}
		if err := h.store.SetWidgetCSS(ctx, payload.WidgetID, payload.CSS); err != nil {
			h.log.Error().Err(err).Str("widget", payload.WidgetID).Msg("failed to store widget style")
		}
		h.broadcastMessage(msg)

	default:
		h.log.Debug().Str("type", msg.Type).Msg("ignoring message")
	}
}

// publish stores state events, then fans the event out to subscribers and,
// unless it came from there, the bridge.
func (h *Hub) publish(ctx context.Context, e protocol.Event, fromBridge bool) {
	if e.Project == "" || e.Plugin == "" || e.Key == "" {
		h.log.Warn().
			Str("project", e.Project).
			Str("plugin", e.Plugin).
			Str("key", e.Key).
			Msg("dropping event without project, plugin or key")
		return
	}
	if e.Type == "" {
		e.Type = protocol.KindState
	}

	if e.Type == protocol.KindState {
		if err := h.store.SaveState(ctx, e); err != nil {
			h.log.Error().Err(err).Str("key", e.Key).Msg("failed to store state")
		}
	}

	_ = h.bus.Publish(ctx, e)

	if h.bridgeQueue != nil && !fromBridge {
		e.Origin = h.id
		select {
		case h.bridgeQueue <- e:
		default:
			h.log.Warn().Str("key", e.Key).Msg("bridge queue full, dropping event")
		}
	}
}

// subscribe adds a subscription for a peer. Reusing an ID replaces the
// previous subscription.
func (h *Hub) subscribe(c *Client, payload protocol.SubscribePayload) {
	if c == nil {
		return
	}
	if old, ok := c.subs[payload.ID]; ok {
		h.bus.Remove(old)
	}

	subID := payload.ID
	c.subs[subID] = h.bus.Add(payload.Topic, func(e protocol.Event) {
		c.sendMessage(protocol.TypeEvent, protocol.EventPayload{SubscriptionID: subID, Event: e})
	})
	c.sendMessage(protocol.TypeSubscribed, protocol.SubscribedPayload{ID: subID})

	h.log.Debug().
		Str("client", c.clientID).
		Str("subscription", subID).
		Str("project", payload.Topic.Project).
		Str("plugin", payload.Topic.Plugin).
		Str("key", payload.Topic.Key).
		Msg("subscribed")
}

// patchStoredBody applies a patch to the stored widget body so a page load
// shows the same state as a live browser.
func (h *Hub) patchStoredBody(ctx context.Context, p protocol.WidgetPatchPayload) {
	body, err := h.store.WidgetHTML(ctx, p.WidgetID)
	if err != nil || body == "" {
		return
	}
	patched, ok, err := applyPatch(body, p.Selector, p.HTML)
	if err != nil {
		h.log.Warn().Err(err).Str("widget", p.WidgetID).Msg("failed to patch stored body")
		return
	}
	if !ok {
		return
	}
	if err := h.store.SetWidgetHTML(ctx, p.WidgetID, patched); err != nil {
		h.log.Error().Err(err).Str("widget", p.WidgetID).Msg("failed to store patched body")
	}
}

func (h *Hub) runBridge(ctx context.Context) {
	log := h.log.With().Str("component", "bridge").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-h.bridgeQueue:
			pctx, cancel := context.WithTimeout(ctx, bridgeTimeout)
			if err := h.bridge.Publish(pctx, e); err != nil {
				log.Warn().Err(err).Str("key", e.Key).Msg("bridge publish failed")
			}
			cancel()
		}
	}
}

// ingestBridge subscribes to every event on the bridge. Events this hub
// mirrored itself are skipped; the rest are queued like peer publishes.
func (h *Hub) ingestBridge(ctx context.Context) {
	err := h.bridge.Subscribe(ctx, protocol.Topic{}, func(e protocol.Event) {
		if e.Origin == h.id {
			return
		}
		msg, err := protocol.NewMessage(protocol.TypePublish, e)
		if err != nil {
			return
		}
		select {
		case h.inbound <- &inboundMessage{message: msg, fromBridge: true}:
		case <-h.done:
		case <-ctx.Done():
		}
	})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to subscribe to bridge, broker events will not be stored")
	}
}

// broadcastMessage sends a message to all connected browsers.
func (h *Hub) broadcastMessage(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.BroadcastToBrowsers(data)
}

// BroadcastToBrowsers sends raw message data to all connected browsers.
func (h *Hub) BroadcastToBrowsers(data []byte) {
	h.mu.RLock()
	browsers := make([]*Client, 0, len(h.browsers))
	for client := range h.browsers {
		browsers = append(browsers, client)
	}
	h.mu.RUnlock()

	for _, client := range browsers {
		select {
		case client.send <- data:
		default:
			// Client send buffer full, skip
		}
	}
}

// sendMessage queues a message for the client without blocking. It must be
// called from the hub goroutine, which is the only one that closes send.
func (c *Client) sendMessage(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.log.Warn().Str("client", c.clientID).Str("type", msgType).Msg("send buffer full, dropping message")
	}
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Error().Err(err).Msg("read error")
			}
			return
		}

		// Reset read deadline on any received message
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if c.clientType == clientBrowser {
			// Browsers only receive
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.log.Warn().Err(err).Msg("failed to parse message")
			continue
		}
		select {
		case c.hub.inbound <- &inboundMessage{client: c, message: &msg}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
