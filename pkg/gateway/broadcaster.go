package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventBroadcaster pushes session events to the websocket clients that
// follow the session. Events never cross tenant or session boundaries.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Publish sends an event to the followers of one tenant session and
// returns how many clients received it.
func (b *EventBroadcaster) Publish(tenantID, sessionID, event string, data interface{}) int {
	msg := EventMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       b.nextSeq(),
		TenantID:  tenantID,
		SessionID: sessionID,
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Int64("seq", msg.Seq).Msg("Failed to marshal event")
		return 0
	}

	clients := b.clients.Subscribers(tenantID, sessionID)
	if len(clients) == 0 {
		return 0
	}

	delivered := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", event).
				Int64("seq", msg.Seq).
				Msg("Failed to deliver event to client")
			continue
		}
		delivered++
	}

	b.logger.Debug().
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("delivered", delivered).
		Int("failed", len(clients)-delivered).
		Msg("Event published")
	return delivered
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
