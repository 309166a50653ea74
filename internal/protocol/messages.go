// Package protocol defines the WebSocket message types shared between the
// dashboard, widget runtimes and producers.
package protocol

import "encoding/json"

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types (client → dashboard)
const (
	TypePublish        = "publish"
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypeRegisterWidget = "register_widget"
	TypeWidgetRender   = "widget_render"
	TypeWidgetPatch    = "widget_patch"
	TypeWidgetStyle    = "widget_style"
)

// Message types (dashboard → client)
const (
	TypeEvent      = "event"
	TypeSubscribed = "subscribed"
)

// Event kinds. States are persisted by the dashboard and served as snapshots;
// custom events are relayed only.
const (
	KindState  = "state"
	KindCustom = "custom"
)

// Event is a single pub/sub event scoped by project, plugin and key.
type Event struct {
	Project string          `json:"project"`
	Plugin  string          `json:"plugin"`
	Type    string          `json:"type"`
	Key     string          `json:"key"`
	Task    string          `json:"task,omitempty"`
	Value   json.RawMessage `json:"value"`

	// Origin names the dashboard that mirrored the event onto a broker.
	// Empty for events published by producers.
	Origin string `json:"origin,omitempty"`
}

// Topic selects events. Empty fields match anything.
type Topic struct {
	Project string `json:"project,omitempty"`
	Plugin  string `json:"plugin,omitempty"`
	Type    string `json:"type,omitempty"`
	Key     string `json:"key,omitempty"`
}

// Matches reports whether the event falls under the topic.
func (t Topic) Matches(e Event) bool {
	return match(t.Project, e.Project) &&
		match(t.Plugin, e.Plugin) &&
		match(t.Type, e.Type) &&
		match(t.Key, e.Key)
}

// Of returns the most specific topic the event belongs to.
func Of(e Event) Topic {
	return Topic{Project: e.Project, Plugin: e.Plugin, Type: e.Type, Key: e.Key}
}

func match(want, got string) bool {
	return want == "" || want == got
}

// SubscribePayload is sent by a client to start receiving events.
type SubscribePayload struct {
	ID    string `json:"id"` // client-chosen subscription ID
	Topic Topic  `json:"topic"`
}

// UnsubscribePayload cancels a subscription.
type UnsubscribePayload struct {
	ID string `json:"id"`
}

// SubscribedPayload confirms a subscription.
type SubscribedPayload struct {
	ID string `json:"id"`
}

// EventPayload delivers an event for a subscription.
type EventPayload struct {
	SubscriptionID string `json:"subscription_id"`
	Event          Event  `json:"event"`
}

// RegisterWidgetPayload tells the dashboard a widget is ready to be displayed.
type RegisterWidgetPayload struct {
	WidgetID string `json:"widget_id"`
	Project  string `json:"project"`
	Plugin   string `json:"plugin"`
	Title    string `json:"title"`
}

// WidgetRenderPayload carries a full widget body.
type WidgetRenderPayload struct {
	WidgetID string `json:"widget_id"`
	HTML     string `json:"html"`
}

// WidgetPatchPayload replaces one element inside a widget body.
type WidgetPatchPayload struct {
	WidgetID string `json:"widget_id"`
	Selector string `json:"selector"`
	HTML     string `json:"html"` // outer HTML of the patched element
}

// WidgetStylePayload carries the widget stylesheet.
type WidgetStylePayload struct {
	WidgetID string `json:"widget_id"`
	CSS      string `json:"css"`
}
