package cerver

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	local, remote := net.Pipe()
	c := newConnection(local, connectionOption{})
	t.Cleanup(func() {
		_ = c.Close()
		_ = remote.Close()
	})
	return c
}

func TestClientRegistry_Register(t *testing.T) {
	r := newClientRegistry(nil)
	client := newClient("alice")
	conn := newTestConnection(t)

	require.True(t, r.Register(client, conn))
	assert.Same(t, client, conn.Client())
	assert.Same(t, client, r.Client(client.ID()))
	assert.Same(t, conn, r.ConnectionByID(conn.ID()))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, r.ConnectionCount())
	assert.EqualValues(t, 1, testutil.ToFloat64(r.metrics.registeredClients))
	assert.EqualValues(t, 1, testutil.ToFloat64(r.metrics.activeConnections))

	assert.False(t, r.Register(client, conn), "a registered connection can not be registered again")
	assert.Nil(t, r.Client("nope"))
	assert.Nil(t, r.ConnectionByID("nope"))
}

func TestClientRegistry_PromoteOnHold(t *testing.T) {
	r := newClientRegistry(nil)
	client := newClient(nil)
	client.sessionID = "token"
	conn := newTestConnection(t)

	assert.False(t, r.PromoteOnHold(client, conn), "connection is not on hold")

	require.True(t, conn.setStage(stageNone, stageOnHold, nil))
	assert.True(t, conn.OnHold())
	require.True(t, r.PromoteOnHold(client, conn))
	assert.False(t, conn.OnHold())
	assert.Same(t, client, r.ClientBySession("token"))

	detached := newTestConnection(t)
	require.True(t, detached.setStage(stageNone, stageOnHold, nil))
	detached.detach()
	assert.False(t, r.PromoteOnHold(client, detached), "torn down connection is never registered")

	closed := newTestConnection(t)
	require.True(t, closed.setStage(stageNone, stageOnHold, nil))
	require.NoError(t, closed.Close())
	assert.False(t, r.PromoteOnHold(client, closed), "closed connection is never registered")
	assert.True(t, closed.OnHold())
	assert.Equal(t, 1, client.ConnectionCount())
}

func TestClientRegistry_RemoveConnection(t *testing.T) {
	r := newClientRegistry(nil)
	client := newClient(nil)
	client.sessionID = "token"
	first, second := newTestConnection(t), newTestConnection(t)
	require.True(t, r.Register(client, first))
	require.True(t, r.Register(client, second))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []*Connection{first, second}, client.Connections())

	got, last := r.RemoveConnection(first)
	assert.Same(t, client, got)
	assert.False(t, last)
	assert.Equal(t, 1, r.Len())

	got, last = r.RemoveConnection(second)
	assert.Same(t, client, got)
	assert.True(t, last)
	assert.Zero(t, r.Len())
	assert.Nil(t, r.ClientBySession("token"))
	assert.EqualValues(t, 0, testutil.ToFloat64(r.metrics.registeredClients))
	assert.EqualValues(t, 0, testutil.ToFloat64(r.metrics.activeConnections))

	got, last = r.RemoveConnection(second)
	assert.Nil(t, got)
	assert.False(t, last)

	// a removed client takes no more connections
	assert.False(t, r.Register(client, newTestConnection(t)))
}

func TestClientRegistry_DropClient(t *testing.T) {
	r := newClientRegistry(nil)
	client := newClient(nil)
	first, second := newTestConnection(t), newTestConnection(t)
	require.True(t, r.Register(client, first))
	require.True(t, r.Register(client, second))

	conns := r.DropClient(client)
	assert.ElementsMatch(t, []*Connection{first, second}, conns)
	assert.Zero(t, r.Len())
	assert.Zero(t, r.ConnectionCount())
	assert.Nil(t, r.DropClient(client), "already dropped")

	got, last := r.RemoveConnection(first)
	assert.Nil(t, got)
	assert.False(t, last)
}

func TestClientRegistry_Range(t *testing.T) {
	r := newClientRegistry(nil)
	for i := 0; i < 3; i++ {
		require.True(t, r.Register(newClient(i), newTestConnection(t)))
	}
	count := 0
	r.Range(func(client *Client) bool {
		count++
		return true
	})
	assert.Equal(t, 3, count)

	count = 0
	r.Range(func(client *Client) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)

	count = 0
	r.RangeConnections(func(conn *Connection) bool {
		count++
		return true
	})
	assert.Equal(t, 3, count)
}

func TestClient(t *testing.T) {
	client := newClient("bob")
	assert.NotEmpty(t, client.ID())
	assert.Equal(t, "bob", client.Identity())
	assert.Empty(t, client.SessionID())
	assert.False(t, client.CreatedAt().IsZero())

	client.Set("score", 10)
	v, ok := client.Get("score")
	assert.True(t, ok)
	assert.Equal(t, 10, v)

	_, err := client.Send(NewPacket(PacketTypeApp, 1, nil))
	assert.ErrorIs(t, err, ErrConnectionClosed, "no connection")
}
