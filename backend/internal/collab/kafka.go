package collab

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventStorageCommitted = "STORAGE_COMMITTED"
	EventSessionJoined    = "SESSION_JOINED"
	EventSessionLeft      = "SESSION_LEFT"
)

// RoomEvent 发往 Kafka 的房间事件，下游做审计和统计，不要求强一致
type RoomEvent struct {
	EventID       string    `json:"eventId"`
	EventType     string    `json:"eventType"`
	RoomID        string    `json:"roomId"`
	SessionID     string    `json:"sessionId,omitempty"`
	UserID        string    `json:"userId,omitempty"`
	Version       uint64    `json:"version"`
	ContentLength int       `json:"contentLength"`
	Instance      string    `json:"instance"`
	OccurredAt    time.Time `json:"occurredAt"`
}

func (g *Registry) newEvent(eventType, roomID string, s *Session, snap Snapshot) RoomEvent {
	evt := RoomEvent{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		RoomID:        roomID,
		Version:       snap.Version,
		ContentLength: len(snap.Storage.Content),
		Instance:      g.opts.InstanceID,
		OccurredAt:    g.clock.Now().UTC(),
	}
	if s != nil {
		evt.SessionID = s.ID()
		evt.UserID = s.info.UserKey
	}
	return evt
}
