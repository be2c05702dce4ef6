package cerver

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/zhuangsirui/binpacker"
)

// HeaderSize is the serialized size of PacketHeader:
//
//	packet_type:u32 | packet_size:u64 | handler_id:u8 | request_type:u32 | sock_fd_hint:u16
const HeaderSize = 4 + 8 + 1 + 4 + 2

// DefaultMaxPacketSize is used when no maximum packet size is configured.
const DefaultMaxPacketSize = 64 * 1024

var byteOrder binary.ByteOrder = binary.BigEndian

// PacketHeader is the fixed size header in front of every packet.
type PacketHeader struct {
	PacketType  PacketType
	PacketSize  uint64 // total bytes, header included
	HandlerID   uint8
	RequestType uint32
	SockFdHint  uint16 // only meaningful when forwarding between servers
}

// BodySize returns the number of bytes following the header.
// It must only be called on a validated header.
func (h PacketHeader) BodySize() uint64 {
	return h.PacketSize - HeaderSize
}

// Validate checks the size field against the header size and maxSize.
func (h PacketHeader) Validate(maxSize uint64) error {
	if h.PacketSize < HeaderSize {
		return &FramingError{Size: h.PacketSize, Reason: "packet size below header size"}
	}
	if h.PacketSize > maxSize {
		return &FramingError{Size: h.PacketSize, Reason: fmt.Sprintf("packet size above maximum %d", maxSize)}
	}
	return nil
}

// Encode serializes the header.
func (h PacketHeader) Encode() ([]byte, error) {
	buff := bytes.NewBuffer(make([]byte, 0, HeaderSize))
	if err := h.encode(buff); err != nil {
		return nil, err
	}
	return buff.Bytes(), nil
}

func (h PacketHeader) encode(buff *bytes.Buffer) error {
	p := binpacker.NewPacker(byteOrder, buff)
	p.PushUint32(uint32(h.PacketType)).
		PushUint64(h.PacketSize).
		PushByte(h.HandlerID).
		PushUint32(h.RequestType).
		PushUint16(h.SockFdHint)
	if err := p.Error(); err != nil {
		return fmt.Errorf("write packet header err: %w", err)
	}
	return nil
}

// DecodeHeader reads a PacketHeader from the first HeaderSize bytes of b.
// The size field is not validated.
func DecodeHeader(b []byte) (PacketHeader, error) {
	var h PacketHeader
	if len(b) < HeaderSize {
		return h, fmt.Errorf("packet header needs %d bytes but got %d", HeaderSize, len(b))
	}
	u := binpacker.NewUnpacker(byteOrder, bytes.NewReader(b[:HeaderSize]))
	packetType, err := u.ShiftUint32()
	if err != nil {
		return h, fmt.Errorf("read packet type err: %w", err)
	}
	if h.PacketSize, err = u.ShiftUint64(); err != nil {
		return h, fmt.Errorf("read packet size err: %w", err)
	}
	if h.HandlerID, err = u.ShiftByte(); err != nil {
		return h, fmt.Errorf("read handler id err: %w", err)
	}
	if h.RequestType, err = u.ShiftUint32(); err != nil {
		return h, fmt.Errorf("read request type err: %w", err)
	}
	if h.SockFdHint, err = u.ShiftUint16(); err != nil {
		return h, fmt.Errorf("read sock fd hint err: %w", err)
	}
	h.PacketType = PacketType(packetType)
	return h, nil
}

// Packet is one typed message, either built to be sent or reassembled from a connection.
type Packet struct {
	conn   *Connection
	client *Client

	header  PacketHeader
	version *PacketVersion

	data    []byte
	dataRef bool // data is owned by the caller, see SetDataRef

	packet []byte // generated wire bytes
}

// NewPacket creates a packet of type t and request type requestType.
// data is copied, the caller may reuse it right away.
func NewPacket(t PacketType, requestType uint32, data []byte) *Packet {
	p := &Packet{header: PacketHeader{PacketType: t, RequestType: requestType}}
	p.SetData(data)
	return p
}

// NewRequestPacket creates a REQUEST packet. data is copied.
func NewRequestPacket(requestType uint32, data []byte) *Packet {
	return NewPacket(PacketTypeRequest, requestType, data)
}

// NewErrorPacket creates an ERROR packet. The payload is the error type
// followed by msg, truncated or zero padded to ErrorMessageSize bytes.
func NewErrorPacket(errType ErrorType, msg string) *Packet {
	buff := bytes.NewBuffer(make([]byte, 0, 4+ErrorMessageSize))
	text := make([]byte, ErrorMessageSize)
	copy(text, msg)
	// writes to a bytes.Buffer can not fail
	_ = binpacker.NewPacker(byteOrder, buff).PushUint32(uint32(errType)).PushBytes(text).Error()
	p := &Packet{header: PacketHeader{PacketType: PacketTypeError, RequestType: uint32(errType)}}
	p.data = buff.Bytes()
	return p
}

// Header returns a copy of the packet header.
func (p *Packet) Header() PacketHeader { return p.header }

// Type returns the packet type.
func (p *Packet) Type() PacketType { return p.header.PacketType }

// RequestType returns the request type.
func (p *Packet) RequestType() uint32 { return p.header.RequestType }

// HandlerID returns the handler id.
func (p *Packet) HandlerID() uint8 { return p.header.HandlerID }

// Version returns the protocol tag, nil when the packet carries none.
func (p *Packet) Version() *PacketVersion { return p.version }

// Data returns the payload.
func (p *Packet) Data() []byte { return p.data }

// DataSize returns the payload size.
func (p *Packet) DataSize() int { return len(p.data) }

// Connection returns the connection the packet came from or is sent to.
func (p *Packet) Connection() *Connection { return p.conn }

// Client returns the client the packet belongs to, nil for on hold connections.
func (p *Packet) Client() *Client { return p.client }

// SetHandlerID selects the application handler set on the receiving side.
func (p *Packet) SetHandlerID(id uint8) *Packet {
	p.header.HandlerID = id
	p.packet = nil
	return p
}

// SetSockFdHint sets the forwarding hint.
func (p *Packet) SetSockFdHint(hint uint16) *Packet {
	p.header.SockFdHint = hint
	p.packet = nil
	return p
}

// SetVersion attaches a protocol tag, nil removes it.
func (p *Packet) SetVersion(v *PacketVersion) *Packet {
	p.version = v
	p.packet = nil
	return p
}

// SetData replaces the payload with a copy of data.
func (p *Packet) SetData(data []byte) *Packet {
	p.data = nil
	if len(data) > 0 {
		p.data = make([]byte, len(data))
		copy(p.data, data)
	}
	p.dataRef = false
	p.packet = nil
	return p
}

// SetDataRef makes data the payload without copying it.
// The caller must keep data unchanged until the last send of p returned.
func (p *Packet) SetDataRef(data []byte) *Packet {
	p.data = data
	p.dataRef = true
	p.packet = nil
	return p
}

// AppendData appends a copy of data to the payload.
// A referenced payload is copied first so the caller's buffer is never written.
func (p *Packet) AppendData(data []byte) *Packet {
	if p.dataRef {
		owned := make([]byte, len(p.data), len(p.data)+len(data))
		copy(owned, p.data)
		p.data = owned
		p.dataRef = false
	}
	p.data = append(p.data, data...)
	p.packet = nil
	return p
}

// Generate serializes header, version and payload into one buffer.
// A packet with neither type, request type nor payload is refused.
// Calling it again discards the previous buffer.
func (p *Packet) Generate() error {
	if p.header.PacketType == PacketTypeNone && p.header.RequestType == 0 && len(p.data) == 0 {
		return ErrPacketHeaderUnset
	}
	size := HeaderSize + len(p.data)
	if p.version != nil {
		size += VersionSize
	}
	p.header.PacketSize = uint64(size)

	buff := bytes.NewBuffer(make([]byte, 0, size))
	if err := p.header.encode(buff); err != nil {
		return err
	}
	if p.version != nil {
		if err := p.version.encode(buff); err != nil {
			return err
		}
	}
	buff.Write(p.data)
	p.packet = buff.Bytes()
	return nil
}

// Generated reports whether Bytes holds the serialized packet.
func (p *Packet) Generated() bool { return p.packet != nil }

// Bytes returns the generated wire bytes, nil before Generate.
func (p *Packet) Bytes() []byte { return p.packet }

// Check reports whether the packet's protocol tag is accepted under cfg.
// A false result only means the packet should be discarded.
func (p *Packet) Check(cfg ProtocolConfig) bool {
	return cfg.Compatible(p.version)
}

// Release drops the buffers owned by p. A referenced payload is left untouched.
func (p *Packet) Release() {
	p.data = nil
	p.dataRef = false
	p.packet = nil
	p.version = nil
}

// stripVersion moves the leading PacketVersion of a received payload into p.version.
func (p *Packet) stripVersion() error {
	v, err := decodePacketVersion(p.data)
	if err != nil {
		return err
	}
	p.version = v
	p.data = p.data[VersionSize:]
	return nil
}

// payloadBytes returns what follows the header on the wire.
func (p *Packet) payloadBytes() ([]byte, error) {
	if p.version == nil {
		return p.data, nil
	}
	buff := bytes.NewBuffer(make([]byte, 0, VersionSize+len(p.data)))
	if err := p.version.encode(buff); err != nil {
		return nil, err
	}
	buff.Write(p.data)
	return buff.Bytes(), nil
}

func (p *Packet) String() string {
	return fmt.Sprintf("packet type:(%s) request:(%d) handler:(%d) size:(%d) data:(%d)",
		p.header.PacketType, p.header.RequestType, p.header.HandlerID, p.header.PacketSize, len(p.data))
}

// ErrorMessageSize is the fixed message size inside an ERROR packet payload.
const ErrorMessageSize = 64

// WireError is the decoded payload of an ERROR packet.
type WireError struct {
	Type    ErrorType
	Message string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("cerver error %s: %s", e.Type, e.Message)
}

// DecodeWireError decodes the payload of an ERROR packet.
func DecodeWireError(data []byte) (*WireError, error) {
	if len(data) < 4+ErrorMessageSize {
		return nil, fmt.Errorf("error payload needs %d bytes but got %d", 4+ErrorMessageSize, len(data))
	}
	u := binpacker.NewUnpacker(byteOrder, bytes.NewReader(data))
	errType, err := u.ShiftUint32()
	if err != nil {
		return nil, fmt.Errorf("read error type err: %w", err)
	}
	msg, err := u.ShiftBytes(ErrorMessageSize)
	if err != nil {
		return nil, fmt.Errorf("read error message err: %w", err)
	}
	return &WireError{Type: ErrorType(errType), Message: string(bytes.TrimRight(msg, "\x00"))}, nil
}
