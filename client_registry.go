package cerver

import (
	"sync"
)

// ClientRegistry keeps the registered clients of one server,
// indexed by client id, session token and connection id.
type ClientRegistry struct {
	mu          sync.RWMutex
	clients     map[string]*Client     // key is client's ID
	sessions    map[string]*Client     // key is the session token
	connections map[string]*Connection // key is connection's ID

	metrics *metrics
}

func newClientRegistry(m *metrics) *ClientRegistry {
	if m == nil {
		m = newMetrics(nil, "")
	}
	return &ClientRegistry{
		clients:     make(map[string]*Client),
		sessions:    make(map[string]*Client),
		connections: make(map[string]*Connection),
		metrics:     m,
	}
}

// Register attaches conn to client and registers both.
// Returns false if conn was already tracked elsewhere or client was dropped.
func (r *ClientRegistry) Register(client *Client, conn *Connection) bool {
	return conn.setStage(stageNone, stageRegistered, func() bool {
		return r.attach(client, conn)
	})
}

// PromoteOnHold moves an on hold conn into client.
// Returns false if conn is no longer on hold or client was dropped meanwhile.
func (r *ClientRegistry) PromoteOnHold(client *Client, conn *Connection) bool {
	return conn.setStage(stageOnHold, stageRegistered, func() bool {
		return r.attach(client, conn)
	})
}

// attach runs under conn's stage lock. A closed conn is refused.
func (r *ClientRegistry) attach(client *Client, conn *Connection) bool {
	if conn.IsClosed() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !client.addConnection(conn) {
		return false
	}
	if _, ok := r.clients[client.id]; !ok {
		r.clients[client.id] = client
		if client.sessionID != "" {
			r.sessions[client.sessionID] = client
		}
		r.metrics.registeredClients.Inc()
	}
	r.connections[conn.id] = conn
	r.metrics.activeConnections.Inc()
	conn.client.Store(client)
	return true
}

// RemoveConnection unregisters conn.
// When it was the last connection of its client, the client is removed too
// and returned with last set.
func (r *ClientRegistry) RemoveConnection(conn *Connection) (client *Client, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connections[conn.id]; !ok {
		return nil, false
	}
	delete(r.connections, conn.id)
	r.metrics.activeConnections.Dec()

	client = conn.Client()
	if client == nil {
		return nil, false
	}
	if _, left := client.removeConnection(conn); left > 0 {
		return client, false
	}
	client.markRemoved()
	r.removeClient(client)
	return client, true
}

// DropClient unregisters client and all its connections, which are returned
// for the caller to close. Returns nil if client was not registered.
func (r *ClientRegistry) DropClient(client *Client) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[client.id]; !ok {
		return nil
	}
	conns := client.markRemoved()
	for _, conn := range conns {
		if _, ok := r.connections[conn.id]; ok {
			delete(r.connections, conn.id)
			r.metrics.activeConnections.Dec()
		}
	}
	r.removeClient(client)
	return conns
}

func (r *ClientRegistry) removeClient(client *Client) {
	delete(r.clients, client.id)
	if client.sessionID != "" {
		delete(r.sessions, client.sessionID)
	}
	r.metrics.registeredClients.Dec()
}

// Client returns the client with id, nil if not found.
func (r *ClientRegistry) Client(id string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// ClientBySession returns the client owning the session token, nil if not found.
func (r *ClientRegistry) ClientBySession(token string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[token]
}

// ConnectionByID returns the registered connection with id, nil if not found.
func (r *ClientRegistry) ConnectionByID(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connections[id]
}

// Len returns the number of registered clients.
func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// ConnectionCount returns the number of registered connections.
func (r *ClientRegistry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Range calls fn sequentially for each registered client.
// If fn returns false, range stops the iteration.
// fn runs on a snapshot, it may use the registry.
func (r *ClientRegistry) Range(fn func(client *Client) (next bool)) {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()
	for _, c := range clients {
		if !fn(c) {
			return
		}
	}
}

// RangeConnections calls fn sequentially for each registered connection.
// If fn returns false, range stops the iteration.
func (r *ClientRegistry) RangeConnections(fn func(conn *Connection) (next bool)) {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		if !fn(c) {
			return
		}
	}
}
