package chathub

import (
	"chatrelay/backend/internal/metrics"
	"chatrelay/backend/internal/models"
	"sort"

	"github.com/samber/lo"
)

// Join adds the connection to room, creating the room on first use, and
// tells the existing members. It returns false when the connection is
// unknown or already a member; a duplicate join notifies nobody.
func (m *ManagerService) Join(id ConnectionID, room string) bool {
	if room == "" {
		return false
	}

	m.mu.Lock()
	conn, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if _, member := conn.rooms[room]; member {
		m.mu.Unlock()
		return false
	}

	members, exists := m.rooms[room]
	if !exists {
		members = make(map[ConnectionID]struct{})
		m.rooms[room] = members
	}
	recipients := m.clientsLocked(members, id)
	members[id] = struct{}{}
	conn.rooms[room] = struct{}{}
	size := len(members)
	m.updateGauges()
	m.mu.Unlock()

	// The joiner is recorded before anyone hears about it.
	m.emitPresence([]presenceNotice{
		newPresenceNotice(models.EventUserJoined, conn, room, recipients),
	})

	m.log.Debug().
		Str("conn_id", string(id)).
		Str("room", room).
		Int("members", size).
		Bool("created", !exists).
		Msg("joined room")
	return true
}

// Leave removes the connection from room and tells the remaining members.
// An emptied room is dropped and recreated by the next Join. It returns
// false when there was nothing to leave.
func (m *ManagerService) Leave(id ConnectionID, room string) bool {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	notice, left := m.leaveLocked(conn, room)
	m.updateGauges()
	m.mu.Unlock()

	if !left {
		return false
	}
	m.emitPresence([]presenceNotice{notice})

	m.log.Debug().Str("conn_id", string(id)).Str("room", room).Msg("left room")
	return true
}

// LeaveAll removes the connection from every room it is in, one user-left
// notification per room, and returns the rooms it left.
func (m *ManagerService) LeaveAll(id ConnectionID) []string {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	notices := m.leaveAllLocked(conn)
	m.updateGauges()
	m.mu.Unlock()

	m.emitPresence(notices)

	rooms := lo.Map(notices, func(n presenceNotice, _ int) string { return n.payload.Room })
	sort.Strings(rooms)
	return rooms
}

// Broadcast delivers env to every member of room except exclude (which
// may be empty). Membership is copied under the read lock and the fan-out
// runs without it. A recipient that is closed or backed up is skipped.
// It returns the number of recipients the frame was queued for.
func (m *ManagerService) Broadcast(room string, env models.Envelope, exclude ConnectionID) int {
	frame, err := env.Encode()
	if err != nil {
		m.log.Error().Err(err).Str("event", env.Event).Msg("failed to encode broadcast")
		return 0
	}

	m.mu.RLock()
	recipients := m.clientsLocked(m.rooms[room], exclude)
	m.mu.RUnlock()

	metrics.Broadcasts.WithLabelValues(env.Event).Inc()
	sent := m.deliver(frame, recipients)

	m.log.Debug().
		Str("room", room).
		Str("event", env.Event).
		Int("targets", len(recipients)).
		Int("sent", sent).
		Msg("broadcast")
	return sent
}

// Members returns the sorted connection ids of room.
func (m *ManagerService) Members(room string) []ConnectionID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := lo.Keys(m.rooms[room])
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RoomSize returns the number of members of room.
func (m *ManagerService) RoomSize(room string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[room])
}

// RoomNames returns the sorted names of all non-empty rooms.
func (m *ManagerService) RoomNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := lo.Keys(m.rooms)
	sort.Strings(names)
	return names
}

// RoomSizes returns the member count of every non-empty room, taken in
// one snapshot.
func (m *ManagerService) RoomSizes() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return lo.MapValues(m.rooms, func(members map[ConnectionID]struct{}, _ string) int {
		return len(members)
	})
}

// leaveLocked must be called with m.mu held for writing.
func (m *ManagerService) leaveLocked(conn *connection, room string) (presenceNotice, bool) {
	if _, member := conn.rooms[room]; !member {
		return presenceNotice{}, false
	}
	delete(conn.rooms, room)

	members := m.rooms[room]
	delete(members, conn.id)
	if len(members) == 0 {
		delete(m.rooms, room)
	}

	return newPresenceNotice(models.EventUserLeft, conn, room, m.clientsLocked(members, conn.id)), true
}

// leaveAllLocked must be called with m.mu held for writing.
func (m *ManagerService) leaveAllLocked(conn *connection) []presenceNotice {
	notices := make([]presenceNotice, 0, len(conn.rooms))
	for _, room := range lo.Keys(conn.rooms) {
		if notice, ok := m.leaveLocked(conn, room); ok {
			notices = append(notices, notice)
		}
	}
	return notices
}

// clientsLocked snapshots the clients behind members, skipping exclude.
// m.mu must be held.
func (m *ManagerService) clientsLocked(members map[ConnectionID]struct{}, exclude ConnectionID) []Client {
	clients := make([]Client, 0, len(members))
	for id := range members {
		if id == exclude {
			continue
		}
		if conn, ok := m.conns[id]; ok {
			clients = append(clients, conn.client)
		}
	}
	return clients
}

func (m *ManagerService) deliver(frame []byte, recipients []Client) int {
	sent := 0
	for _, client := range recipients {
		if m.safeDeliver(client, frame) {
			sent++
			metrics.Deliveries.WithLabelValues("sent").Inc()
		} else {
			metrics.Deliveries.WithLabelValues("dropped").Inc()
		}
	}
	return sent
}

// safeDeliver isolates one recipient's failure from the rest of the fan-out.
func (m *ManagerService) safeDeliver(client Client, frame []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("user_id", client.GetUserID()).Msg("recovered from panic in deliver")
			ok = false
		}
	}()
	return client.Deliver(frame)
}
