package cerver

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// NewContext creates a routeContext pointer for p.
func NewContext(p *Packet, codec Codec) *routeContext {
	return &routeContext{
		rawCtx: context.Background(),
		packet: p,
		conn:   p.Connection(),
		codec:  codec,
	}
}

// Context is a generic context in a packet routing.
// It allows us to pass variables between handler and middlewares.
type Context interface {
	context.Context

	// WithContext sets the underline context.
	WithContext(ctx context.Context) Context

	// Packet returns the request packet.
	Packet() *Packet

	// Connection returns the connection the packet came from.
	Connection() *Connection

	// Client returns the client owning the connection, nil on the dial side.
	Client() *Client

	// Bind decodes the request payload to v with the codec.
	Bind(v interface{}) error

	// Response returns the response packet.
	Response() *Packet

	// SetResponse encodes data with the codec and sets the response packet.
	// A []byte data is used as it is when no codec is set.
	SetResponse(t PacketType, requestType uint32, data interface{}) error

	// MustSetResponse is like SetResponse but panics on error.
	MustSetResponse(t PacketType, requestType uint32, data interface{}) Context

	// SetResponsePacket sets the response packet directly.
	SetResponsePacket(p *Packet) Context

	// Send sends the response to the current connection and clears it.
	Send() bool

	// SendTo sends the response to conn and clears it.
	SendTo(conn *Connection) bool

	// Reply sends a packet to the current connection right away,
	// independent of the response.
	Reply(t PacketType, requestType uint32, data []byte) error

	// Get returns key value from storage.
	Get(key string) (value interface{}, exists bool)

	// Set store key value into storage.
	Set(key string, value interface{})

	// Remove deletes the key from storage.
	Remove(key string)

	// Copy returns a copy of Context.
	Copy() Context
}

// routeContext implements the Context interface.
type routeContext struct {
	rawCtx   context.Context
	mu       sync.RWMutex
	storage  map[string]interface{}
	conn     *Connection
	codec    Codec
	packet   *Packet
	respPack *Packet
}

// Deadline implements the context.Context Deadline method.
func (c *routeContext) Deadline() (time.Time, bool) {
	return c.rawCtx.Deadline()
}

// Done implements the context.Context Done method.
func (c *routeContext) Done() <-chan struct{} {
	return c.rawCtx.Done()
}

// Err implements the context.Context Err method.
func (c *routeContext) Err() error {
	return c.rawCtx.Err()
}

// Value implements the context.Context Value method.
func (c *routeContext) Value(key interface{}) interface{} {
	if keyAsString, ok := key.(string); ok {
		if val, has := c.Get(keyAsString); has {
			return val
		}
	}
	return c.rawCtx.Value(key)
}

// WithContext sets the underline context.
func (c *routeContext) WithContext(ctx context.Context) Context {
	c.rawCtx = ctx
	return c
}

// Packet implements Context.Packet method.
func (c *routeContext) Packet() *Packet {
	return c.packet
}

// Connection implements Context.Connection method.
func (c *routeContext) Connection() *Connection {
	return c.conn
}

// Client implements Context.Client method.
func (c *routeContext) Client() *Client {
	if c.packet != nil && c.packet.client != nil {
		return c.packet.client
	}
	if c.conn != nil {
		return c.conn.Client()
	}
	return nil
}

// Bind implements Context.Bind method.
func (c *routeContext) Bind(v interface{}) error {
	if c.codec == nil {
		return fmt.Errorf("packet codec is nil")
	}
	return c.codec.Decode(c.packet.Data(), v)
}

// Response implements Context.Response method.
func (c *routeContext) Response() *Packet {
	return c.respPack
}

// SetResponse implements Context.SetResponse method.
func (c *routeContext) SetResponse(t PacketType, requestType uint32, data interface{}) error {
	if c.codec == nil {
		raw, ok := data.([]byte)
		if !ok {
			return fmt.Errorf("codec is nil")
		}
		c.respPack = NewPacket(t, requestType, raw)
		return nil
	}
	dataBytes, err := c.codec.Encode(data)
	if err != nil {
		return err
	}
	c.respPack = NewPacket(t, requestType, dataBytes)
	return nil
}

// MustSetResponse implements Context.MustSetResponse method.
func (c *routeContext) MustSetResponse(t PacketType, requestType uint32, data interface{}) Context {
	if err := c.SetResponse(t, requestType, data); err != nil {
		panic(err)
	}
	return c
}

// SetResponsePacket implements Context.SetResponsePacket method.
func (c *routeContext) SetResponsePacket(p *Packet) Context {
	c.respPack = p
	return c
}

// Send implements Context.Send method.
func (c *routeContext) Send() bool {
	return c.SendTo(c.conn)
}

// SendTo implements Context.SendTo method.
func (c *routeContext) SendTo(conn *Connection) bool {
	p := c.respPack
	c.respPack = nil
	if p == nil || conn == nil {
		return false
	}
	_, err := conn.Send(p, false)
	return err == nil
}

// Reply implements Context.Reply method.
func (c *routeContext) Reply(t PacketType, requestType uint32, data []byte) error {
	if c.conn == nil {
		return ErrConnectionClosed
	}
	_, err := c.conn.Send(NewPacket(t, requestType, data), false)
	return err
}

// Get implements Context.Get method.
func (c *routeContext) Get(key string) (value interface{}, exists bool) {
	c.mu.RLock()
	value, exists = c.storage[key]
	c.mu.RUnlock()
	return
}

// Set implements Context.Set method.
func (c *routeContext) Set(key string, value interface{}) {
	c.mu.Lock()
	if c.storage == nil {
		c.storage = make(map[string]interface{})
	}
	c.storage[key] = value
	c.mu.Unlock()
}

// Remove implements Context.Remove method.
func (c *routeContext) Remove(key string) {
	c.mu.Lock()
	delete(c.storage, key)
	c.mu.Unlock()
}

// Copy implements Context.Copy method.
func (c *routeContext) Copy() Context {
	c.mu.RLock()
	storage := make(map[string]interface{}, len(c.storage))
	for k, v := range c.storage {
		storage[k] = v
	}
	c.mu.RUnlock()
	return &routeContext{
		rawCtx:   c.rawCtx,
		storage:  storage,
		conn:     c.conn,
		codec:    c.codec,
		packet:   c.packet,
		respPack: c.respPack,
	}
}
