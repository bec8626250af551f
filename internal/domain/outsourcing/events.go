package outsourcing

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/labnet/labnet/internal/platform/websocket"
)

// Publisher receives tracker changes once they have committed.
type Publisher interface {
	Publish(ctx context.Context, event websocket.Event) error
}

// Event types published on a collaboration's topic.
const (
	EventMarked        = "tracker.marked"
	EventPatientLinked = "tracker.patient_linked"
	EventMirrored      = "tracker.mirrored"
)

func transitionEvent(kind TransitionKind) string {
	return "tracker." + string(kind)
}

type eventPayload struct {
	TestIDs []uuid.UUID `json:"test_ids"`
}

// notify publishes to tenant's view of collabID. Delivery is best effort
// and never affects the committed write.
func (e *Engine) notify(ctx context.Context, tenant string, collabID uuid.UUID, typ string, records []*TrackerRecord, withTrackerIDs bool) {
	if e.events == nil || len(records) == 0 {
		return
	}
	payload := eventPayload{TestIDs: make([]uuid.UUID, 0, len(records))}
	var trackerIDs []string
	for _, r := range records {
		payload.TestIDs = append(payload.TestIDs, r.TestID)
		if withTrackerIDs {
			trackerIDs = append(trackerIDs, r.ID.String())
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	err = e.events.Publish(ctx, websocket.Event{
		Type:            typ,
		Tenant:          tenant,
		Topic:           websocket.CollaborationTopic(collabID.String()),
		CollaborationID: collabID.String(),
		TrackerIDs:      trackerIDs,
		Timestamp:       e.now().UTC(),
		Data:            data,
	})
	if err != nil {
		e.log.Debug().Err(err).Str("tenant", tenant).Str("type", typ).Msg("event not published")
	}
}
