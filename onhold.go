package cerver

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// onHoldEntry tracks one connection waiting for authentication.
// Its counters are only touched by the job path of that connection.
type onHoldEntry struct {
	conn               *Connection
	authTriesRemaining int
	badPackets         int
	since              time.Time
	timer              *time.Timer
}

// OnHoldSet keeps the connections of a server that did not authenticate yet.
type OnHoldSet struct {
	mu      sync.Mutex
	entries map[string]*onHoldEntry // key is connection's ID
	metrics *metrics
}

func newOnHoldSet(m *metrics) *OnHoldSet {
	if m == nil {
		m = newMetrics(nil, "")
	}
	return &OnHoldSet{entries: make(map[string]*onHoldEntry), metrics: m}
}

// Len returns the number of connections on hold.
func (h *OnHoldSet) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Contains reports whether c is on hold.
func (h *OnHoldSet) Contains(c *Connection) bool {
	return h.get(c) != nil
}

// Since returns when c was put on hold.
func (h *OnHoldSet) Since(c *Connection) (time.Time, bool) {
	e := h.get(c)
	if e == nil {
		return time.Time{}, false
	}
	return e.since, true
}

func (h *OnHoldSet) add(e *onHoldEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[e.conn.id] = e
	h.metrics.onHoldConnections.Inc()
}

func (h *OnHoldSet) get(c *Connection) *onHoldEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries[c.id]
}

// remove forgets c, returning false if it was not on hold.
func (h *OnHoldSet) remove(c *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[c.id]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(h.entries, c.id)
	h.metrics.onHoldConnections.Dec()
	return true
}

// putOnHold quarantines a fresh connection and asks the peer to authenticate.
func (s *Server) putOnHold(c *Connection) {
	e := &onHoldEntry{conn: c, authTriesRemaining: s.maxAuthTries, since: time.Now()}
	if s.onHoldTimeout > 0 {
		e.timer = time.AfterFunc(s.onHoldTimeout, func() {
			s.dropOnHold(c, dropReasonTimeout)
		})
	}
	if !c.setStage(stageNone, stageOnHold, func() bool {
		s.onHold.add(e)
		return true
	}) {
		if e.timer != nil {
			e.timer.Stop()
		}
		return
	}
	c.log.Debug("connection on hold")
	if _, err := c.Send(NewPacket(PacketTypeAuth, AuthRequestAuth, nil), false); err != nil {
		c.log.Debugf("send auth request err: %s", err)
	}
}

// handleOnHold runs the restricted handler set of on hold connections.
// Only AUTH/CLIENT_AUTH and AUTH/ADMIN_AUTH mean something, everything else is discarded.
func (s *Server) handleOnHold(p *Packet) {
	c := p.conn
	if c.IsClosed() {
		return
	}
	e := s.onHold.get(c)
	if e == nil {
		return
	}
	if p.Type() == PacketTypeAuth && p.RequestType() == AuthRequestAdmin {
		s.authenticateAdmin(e, p.Data())
		return
	}
	if p.Type() != PacketTypeAuth || p.RequestType() != AuthRequestClient {
		s.metrics.onHoldDiscarded.Inc()
		e.badPackets++
		c.log.WithField("packet", p.Type()).Trace("on hold packet discarded")
		if s.onHoldMaxBadPackets > 0 && e.badPackets >= s.onHoldMaxBadPackets {
			s.dropOnHold(c, dropReasonBadPackets)
		}
		return
	}
	if s.authenticator == nil {
		c.log.Warnf("drop on hold connection: %s", ErrNoAuthenticator)
		s.dropOnHold(c, dropReasonNoAuth)
		return
	}
	s.authenticate(e, p.Data())
}

func (s *Server) authenticate(e *onHoldEntry, data []byte) {
	c := e.conn
	if s.useSessions && len(data) == SessionTokenSize {
		client := s.registry.ClientBySession(string(data))
		if client == nil {
			s.authFailed(e, "unknown session token")
			return
		}
		if !s.registry.PromoteOnHold(client, c) {
			if !c.IsClosed() {
				s.authFailed(e, "session expired")
			}
			return
		}
		s.authAccepted(c, client)
		return
	}

	if len(data) == 0 {
		s.authFailed(e, "empty credentials")
		return
	}
	identity, err := s.authenticator.Authenticate(s.ctx, data)
	if err != nil {
		s.authFailed(e, err.Error())
		return
	}
	client := newClient(identity)
	if s.useSessions {
		token, err := newSessionID(s.sessionIDGenerator)
		if err != nil {
			c.log.Errorf("generate session id err: %s", err)
			if _, err := c.Send(NewErrorPacket(ErrorTypeCerverError, "Internal cerver error!"), false); err != nil {
				c.log.Debugf("send error packet err: %s", err)
			}
			s.dropOnHold(c, dropReasonInternal)
			return
		}
		client.sessionID = token
	}
	if !s.registry.PromoteOnHold(client, c) {
		return
	}
	s.authAccepted(c, client)
}

// authenticateAdmin promotes c into a new admin. Admins never use sessions.
func (s *Server) authenticateAdmin(e *onHoldEntry, data []byte) {
	if s.adminAuthenticator == nil {
		s.authFailed(e, "admin access disabled")
		return
	}
	if len(data) == 0 {
		s.authFailed(e, "empty credentials")
		return
	}
	identity, err := s.adminAuthenticator.Authenticate(s.ctx, data)
	if err != nil {
		s.authFailed(e, err.Error())
		return
	}
	admin := newClient(identity)
	admin.admin = true
	if !s.admins.PromoteOnHold(admin, e.conn) {
		return
	}
	s.authAccepted(e.conn, admin)
}

func (s *Server) authAccepted(c *Connection, client *Client) {
	s.onHold.remove(c)
	s.metrics.authSuccess.Inc()
	c.log.WithFields(logrus.Fields{"client": client.id, "admin": client.admin}).Debug("connection authenticated")

	var token []byte
	if client.sessionID != "" {
		token = []byte(client.sessionID)
	}
	if _, err := c.Send(NewPacket(PacketTypeAuth, AuthRequestSuccess, token), false); err != nil {
		c.log.Debugf("send auth success err: %s", err)
	}
	if s.OnClientAuthenticated != nil {
		s.OnClientAuthenticated(client, c)
	}
}

func (s *Server) authFailed(e *onHoldEntry, reason string) {
	c := e.conn
	e.authTriesRemaining--
	s.metrics.authFailures.Inc()
	authErr := &AuthError{Reason: reason, TriesRemaining: e.authTriesRemaining}
	c.log.Debug(authErr)

	if _, err := c.Send(NewErrorPacket(ErrorTypeFailedAuth, "Failed to authenticate!"), false); err != nil {
		c.log.Debugf("send error packet err: %s", err)
	}
	if authErr.Fatal() {
		s.dropOnHold(c, dropReasonAuthTries)
	}
}

// dropOnHold closes an on hold connection and detaches it right away,
// packets still buffered or queued for it are never handled.
// The check and the close share the stage lock, a promoted connection is never dropped.
func (s *Server) dropOnHold(c *Connection, reason string) {
	dropped := c.setStage(stageOnHold, stageDetached, func() bool {
		if !s.onHold.remove(c) {
			return false
		}
		_ = c.Close()
		return true
	})
	if !dropped {
		return
	}
	s.metrics.onHoldDropped.WithLabelValues(reason).Inc()
	c.log.WithField("reason", reason).Debug("on hold connection dropped")
}
