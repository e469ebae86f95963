// Package bridge fans realtime events out to every server instance. Each
// instance hands a received message to its own Directory, which forwards it
// only to the connections that instance holds.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/observability"
)

// Publisher is how the core emits events. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, msg events.Message) error
}

// Directory is the narrow view of the connection layer the bridge needs.
type Directory interface {
	SendTo(connID string, frame []byte) bool
	SendRoom(room string, frame []byte) int
	SendAll(frame []byte) int
	Join(connID, room string) bool
}

// Deliver forwards msg to the local connections it addresses and returns
// how many were reached. Zero is normal: the connection lives elsewhere.
func Deliver(dir Directory, msg events.Message) (int, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	if msg.Type == events.TypeRoomJoin {
		var p events.RoomJoinPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Room == "" {
			return 0, fmt.Errorf("room_join for %s: bad payload", msg.Target.ID)
		}
		if dir.Join(msg.Target.ID, p.Room) {
			return 1, nil
		}
		return 0, nil
	}
	frame, err := msg.Frame()
	if err != nil {
		return 0, err
	}
	switch msg.Target.Audience {
	case events.AudienceConn:
		if dir.SendTo(msg.Target.ID, frame) {
			return 1, nil
		}
		return 0, nil
	case events.AudienceRoom:
		return dir.SendRoom(msg.Target.ID, frame), nil
	default:
		return dir.SendAll(frame), nil
	}
}

// Local delivers straight to an in-process Directory. It is the bridge for
// single-instance deployments.
type Local struct {
	dir    Directory
	logger *slog.Logger
}

func NewLocal(dir Directory, logger *slog.Logger) *Local {
	return &Local{dir: dir, logger: logger}
}

func (l *Local) Publish(ctx context.Context, msg events.Message) error {
	n, err := Deliver(l.dir, msg)
	if err != nil {
		observability.FanoutMessages.WithLabelValues(string(msg.Target.Audience), "invalid").Inc()
		return err
	}
	observability.FanoutMessages.WithLabelValues(string(msg.Target.Audience), "published").Inc()
	l.logger.Debug("event delivered", "type", msg.Type, "target", msg.Target.ID, "reached", n)
	return nil
}
