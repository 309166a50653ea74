package transport

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/markus-barta/wipboard/internal/config"
	"github.com/markus-barta/wipboard/internal/protocol"
)

// PubSub publishes and subscribes to events.
type PubSub interface {
	Publisher
	Subscribe(ctx context.Context, topic protocol.Topic, handler func(protocol.Event)) error
	Close() error
}

// Open returns the event transport selected by cfg. The WebSocket
// transport reuses ws, which the caller runs and closes.
func Open(cfg config.Connection, ws *WebSocketClient, log zerolog.Logger) (PubSub, error) {
	switch cfg.Transport {
	case config.TransportWebSocket, "":
		return nopCloser{ws}, nil
	case config.TransportRedis:
		return NewRedisTransport(cfg.RedisURL, log)
	case config.TransportMQTT:
		return NewMQTTTransport(cfg.MQTTBroker, log)
	default:
		return nil, errors.Newf("unknown transport %q", cfg.Transport)
	}
}

// nopCloser leaves closing the shared WebSocket client to its owner.
type nopCloser struct {
	*WebSocketClient
}

func (nopCloser) Close() error { return nil }
