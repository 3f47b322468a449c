package realtime

import (
	"log/slog"

	"chat-gateway/internal/metrics"
	"chat-gateway/internal/models"
)

// fanout encodes an event once and queues it on every target connection.
type fanout struct {
	rooms    *RoomTracker
	presence *PresenceRegistry
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// toRoom delivers to every connection subscribed to chatID except
// excludeConnID and returns the number of connections reached.
func (f *fanout) toRoom(chatID, event string, data any, excludeConnID string) int {
	return f.deliver(f.rooms.Members(chatID), event, data, excludeConnID)
}

// toAll delivers to every authenticated connection.
func (f *fanout) toAll(event string, data any) int {
	return f.deliver(f.presence.Connections(), event, data, "")
}

func (f *fanout) deliver(targets []*Connection, event string, data any, excludeConnID string) int {
	if len(targets) == 0 {
		return 0
	}
	frame, err := encodeEvent(models.OutboundEvent{Event: event, Data: data})
	if err != nil {
		f.log.Error("encode broadcast", "event", event, "error", err)
		return 0
	}

	sent := 0
	for _, conn := range targets {
		if conn.ID == excludeConnID {
			continue
		}
		if conn.enqueue(frame) {
			sent++
		} else {
			f.log.Warn("dropped frame for closed or slow connection", "event", event, "conn_id", conn.ID)
		}
	}
	f.metrics.Broadcasts.WithLabelValues(event).Add(float64(sent))
	return sent
}
