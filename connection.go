package cerver

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gocerver/cerver/logger"
	"github.com/gocerver/cerver/util"
)

// connStage tells which registry a server side connection belongs to.
type connStage int

const (
	stageNone       connStage = iota // not tracked yet, or a dial side connection
	stageOnHold                      // waiting for authentication
	stageRegistered                  // attached to a Client
	stageDetached                    // torn down
)

// Connection is one live stream socket.
// Sending is safe for concurrent use, each send reaches the wire uninterleaved.
type Connection struct {
	id        string // uuid
	seq       uint64 // shard key of the worker pool, never 0
	conn      net.Conn
	createdAt time.Time

	protocol     ProtocolConfig
	writeTimeout time.Duration
	receive      *ReceiveHandle

	writeMu sync.Mutex // held for the whole of one send

	stageMu sync.Mutex
	stage   connStage
	client  atomic.Pointer[Client]

	closeOnce sync.Once
	closed    chan struct{}

	metrics *metrics
	log     *logrus.Entry
}

type connectionOption struct {
	seq           uint64
	protocol      ProtocolConfig
	writeTimeout  time.Duration
	maxPacketSize uint64
	metrics       *metrics
	log           *logrus.Entry
}

var connSeq uint64

func newConnection(conn net.Conn, opt connectionOption) *Connection {
	if opt.seq == 0 {
		opt.seq = atomic.AddUint64(&connSeq, 1)
	}
	if opt.metrics == nil {
		opt.metrics = newMetrics(nil, "")
	}
	id := uuid.NewString()
	c := &Connection{
		id:           id,
		seq:          opt.seq,
		conn:         conn,
		createdAt:    time.Now(),
		protocol:     opt.protocol,
		writeTimeout: opt.writeTimeout,
		receive:      NewReceiveHandle(opt.maxPacketSize),
		closed:       make(chan struct{}),
		metrics:      opt.metrics,
	}
	if opt.log == nil {
		opt.log = logger.Scope("cerver.Connection")
	}
	c.log = opt.log.WithField("conn", id)
	return c
}

// ID returns the connection's ID. It's a UUID.
func (c *Connection) ID() string { return c.id }

// Client returns the client owning the connection, nil while on hold.
func (c *Connection) Client() *Client { return c.client.Load() }

// NetConn returns the underlying socket.
func (c *Connection) NetConn() net.Conn { return c.conn }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// CreatedAt returns when the connection was accepted or dialed.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// OnHold reports whether the connection still waits for authentication.
func (c *Connection) OnHold() bool {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	return c.stage == stageOnHold
}

// Closed returns a channel closed once the connection is closed.
func (c *Connection) Closed() <-chan struct{} { return c.closed }

// IsClosed reports whether Close was called.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close closes the socket. Only the first call has an effect.
// The read goroutine notices and tears the connection down.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Send writes p to the connection.
// Unless raw, the packet is generated first when needed and sent framed.
// With raw only the payload goes out, for peers that do not speak the framing.
// Returns the number of bytes written.
func (c *Connection) Send(p *Packet, raw bool) (int, error) {
	if raw {
		return c.write(p.Data())
	}
	b, err := c.wireBytes(p)
	if err != nil {
		return 0, err
	}
	n, err := c.write(b)
	if err == nil {
		c.metrics.packetsSent.Inc()
	}
	return n, err
}

// SendSplit writes the header and the payload of p as separate writes,
// without joining them into one buffer. p does not need to be generated.
func (c *Connection) SendSplit(p *Packet) (int, error) {
	var pieces [][]byte
	if v := c.versionFor(p); v != nil {
		tag, err := (&Packet{version: v}).payloadBytes()
		if err != nil {
			return 0, err
		}
		pieces = append(pieces, tag)
	}
	pieces = append(pieces, p.Data())
	return c.SendPieces(p.Header(), pieces...)
}

// SendPieces writes header followed by pieces, in order, as one packet.
// The size field of header is overwritten with the real total.
func (c *Connection) SendPieces(header PacketHeader, pieces ...[]byte) (int, error) {
	size := HeaderSize
	for _, piece := range pieces {
		size += len(piece)
	}
	if header.PacketType == PacketTypeNone && header.RequestType == 0 && size == HeaderSize {
		return 0, ErrPacketHeaderUnset
	}
	header.PacketSize = uint64(size)
	b, err := header.Encode()
	if err != nil {
		return 0, err
	}
	n, err := c.write(append([][]byte{b}, pieces...)...)
	if err == nil {
		c.metrics.packetsSent.Inc()
	}
	return n, err
}

// SendBytes writes b as it is.
func (c *Connection) SendBytes(b []byte) (int, error) {
	return c.write(b)
}

// versionFor returns the protocol tag to put in front of p's payload, if any.
func (c *Connection) versionFor(p *Packet) *PacketVersion {
	if p.version != nil {
		return p.version
	}
	if c.protocol.CheckPackets {
		return c.protocol.PacketVersion()
	}
	return nil
}

// wireBytes returns the framed bytes of p.
// A packet lacking the protocol tag this connection requires is generated
// as a tagged copy, so p itself can be shared between connections.
func (c *Connection) wireBytes(p *Packet) ([]byte, error) {
	if c.protocol.CheckPackets && p.version == nil {
		tagged := &Packet{header: p.header, data: p.data, version: c.protocol.PacketVersion()}
		if err := tagged.Generate(); err != nil {
			return nil, err
		}
		return tagged.packet, nil
	}
	if !p.Generated() {
		if err := p.Generate(); err != nil {
			return nil, err
		}
	}
	return p.packet, nil
}

func (c *Connection) write(bufs ...[]byte) (int, error) {
	if c.IsClosed() {
		return 0, ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, &TransportError{Op: "set write deadline", Err: err}
		}
	}
	total := 0
	for _, b := range bufs {
		n, err := writeFull(c.conn, b)
		total += n
		c.metrics.bytesSent.Add(float64(n))
		if err != nil {
			_ = c.Close()
			return total, &TransportError{Op: "write", Err: err}
		}
	}
	return total, nil
}

func writeFull(w io.Writer, b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := w.Write(b[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// readLoop reads the socket into the receive handle until the connection fails
// or is closed, calling deliver for each reassembled packet.
// A read deadline expiring only restarts the wait.
// Returns the reason the loop ended.
func (c *Connection) readLoop(readTimeout time.Duration, bufferSize int, deliver func(*Packet)) error {
	if bufferSize <= 0 {
		bufferSize = DefaultReceiveBufferSize
	}
	buf := make([]byte, bufferSize)
	for {
		if c.IsClosed() {
			return ErrConnectionClosed
		}
		if readTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
				return &TransportError{Op: "set read deadline", Err: err}
			}
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.metrics.bytesReceived.Add(float64(n))
			if ferr := c.receive.Feed(buf[:n], func(p *Packet) {
				p.conn = c
				deliver(p)
			}); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if util.IsTimeout(err) {
				continue
			}
			if c.IsClosed() || util.IsClosed(err) {
				return ErrConnectionClosed
			}
			return &TransportError{Op: "read", Err: err}
		}
	}
}

// setStage moves the connection to stage, unless it was already detached.
// fn runs under the stage lock before the move and may veto it.
func (c *Connection) setStage(from, to connStage, fn func() bool) bool {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	if c.stage != from {
		return false
	}
	if fn != nil && !fn() {
		return false
	}
	c.stage = to
	return true
}

// detach marks the connection torn down and returns the stage it had.
func (c *Connection) detach() connStage {
	c.stageMu.Lock()
	defer c.stageMu.Unlock()
	prev := c.stage
	c.stage = stageDetached
	return prev
}
