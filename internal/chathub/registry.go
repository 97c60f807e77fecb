package chathub

import (
	"sort"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// ConnectionID identifies one accepted connection for its whole lifetime.
type ConnectionID string

// Register tracks a freshly accepted client with an empty room set and
// returns its new identifier.
func (m *ManagerService) Register(client Client) (ConnectionID, error) {
	id := ConnectionID(uuid.NewString())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		client.Close()
		return "", ErrManagerClosed
	}
	m.conns[id] = &connection{
		id:     id,
		client: client,
		rooms:  make(map[string]struct{}),
	}
	total := len(m.conns)
	m.updateGauges()
	m.mu.Unlock()

	m.log.Info().
		Str("conn_id", string(id)).
		Str("user_id", client.GetUserID()).
		Int("connections", total).
		Msg("client registered")
	return id, nil
}

// Unregister removes the connection from every room it belongs to,
// notifying the remaining members, then discards its record and closes the
// client so pending sends are abandoned. Unknown ids are ignored.
func (m *ManagerService) Unregister(id ConnectionID) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	notices := m.leaveAllLocked(conn)
	delete(m.conns, id)
	total := len(m.conns)
	m.updateGauges()
	m.mu.Unlock()

	conn.client.Close()
	m.emitPresence(notices)

	m.log.Info().
		Str("conn_id", string(id)).
		Int("rooms_left", len(notices)).
		Int("connections", total).
		Msg("client unregistered")
}

// Lookup returns the client registered under id.
func (m *ManagerService) Lookup(id ConnectionID) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[id]
	if !ok {
		return nil, false
	}
	return conn.client, true
}

// Rooms returns the sorted names of the rooms id currently belongs to.
func (m *ManagerService) Rooms(id ConnectionID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[id]
	if !ok {
		return nil
	}
	names := lo.Keys(conn.rooms)
	sort.Strings(names)
	return names
}

// ConnectionCount returns the number of registered connections.
func (m *ManagerService) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
