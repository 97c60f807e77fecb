package chathub

import (
	"chatrelay/backend/internal/metrics"
	"chatrelay/backend/internal/models"
)

// presenceNotice is a membership change waiting to be announced. Recipients
// are captured under the manager lock; delivery happens after it is
// released.
type presenceNotice struct {
	event      string
	payload    models.PresenceEvent
	recipients []Client
}

func newPresenceNotice(event string, conn *connection, room string, recipients []Client) presenceNotice {
	return presenceNotice{
		event: event,
		payload: models.PresenceEvent{
			UserID:       conn.client.GetUserID(),
			ConnectionID: string(conn.id),
			Room:         room,
		},
		recipients: recipients,
	}
}

// emitPresence delivers each notice to its recipients. The connection the
// notice is about never hears of its own change.
func (m *ManagerService) emitPresence(notices []presenceNotice) {
	for _, n := range notices {
		if len(n.recipients) == 0 {
			continue
		}
		env, err := models.NewEnvelope(n.event, n.payload)
		if err != nil {
			m.log.Error().Err(err).Str("event", n.event).Msg("failed to build presence event")
			continue
		}
		frame, err := env.Encode()
		if err != nil {
			m.log.Error().Err(err).Str("event", n.event).Msg("failed to encode presence event")
			continue
		}
		metrics.Broadcasts.WithLabelValues(n.event).Inc()
		m.deliver(frame, n.recipients)
	}
}
