package cerver

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketHeader_EncodeDecode(t *testing.T) {
	h := PacketHeader{
		PacketType:  PacketTypeApp,
		PacketSize:  HeaderSize + 5,
		HandlerID:   7,
		RequestType: 0x01020304,
		SockFdHint:  0x0a0b,
	}
	b, err := h.Encode()
	require.NoError(t, err)
	assert.Len(t, b, HeaderSize)
	assert.Equal(t, []byte{
		0, 0, 0, 6, // packet type
		0, 0, 0, 0, 0, 0, 0, 24, // packet size
		7,          // handler id
		1, 2, 3, 4, // request type
		0x0a, 0x0b, // sock fd hint
	}, b)

	got, err := DecodeHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.EqualValues(t, 5, got.BodySize())

	_, err = DecodeHeader(b[:HeaderSize-1])
	assert.Error(t, err)
}

func TestPacketHeader_Validate(t *testing.T) {
	assert.NoError(t, PacketHeader{PacketSize: HeaderSize}.Validate(1024))
	assert.NoError(t, PacketHeader{PacketSize: 1024}.Validate(1024))

	err := PacketHeader{PacketSize: HeaderSize - 1}.Validate(1024)
	assert.ErrorIs(t, err, ErrPacketLost)

	err = PacketHeader{PacketSize: 1025}.Validate(1024)
	assert.ErrorIs(t, err, ErrPacketLost)
	var fe *FramingError
	assert.ErrorAs(t, err, &fe)
	assert.EqualValues(t, 1025, fe.Size)
}

func TestNewPacket(t *testing.T) {
	data := []byte("hello")
	p := NewPacket(PacketTypeApp, 3, data)
	data[0] = 'j'
	assert.Equal(t, []byte("hello"), p.Data())
	assert.Equal(t, PacketTypeApp, p.Type())
	assert.EqualValues(t, 3, p.RequestType())
	assert.Equal(t, 5, p.DataSize())
	assert.False(t, p.Generated())
	assert.Nil(t, p.Connection())
	assert.Nil(t, p.Client())

	req := NewRequestPacket(9, nil)
	assert.Equal(t, PacketTypeRequest, req.Type())
	assert.Nil(t, req.Data())
}

func TestPacket_Generate(t *testing.T) {
	t.Run("when header is unset", func(t *testing.T) {
		p := &Packet{}
		assert.ErrorIs(t, p.Generate(), ErrPacketHeaderUnset)
	})
	t.Run("when only payload is set", func(t *testing.T) {
		p := NewPacket(PacketTypeNone, 0, []byte{1})
		assert.NoError(t, p.Generate())
	})
	t.Run("without version", func(t *testing.T) {
		p := NewPacket(PacketTypeTest, 1, []byte("abc"))
		require.NoError(t, p.Generate())
		assert.True(t, p.Generated())
		assert.Len(t, p.Bytes(), HeaderSize+3)
		assert.EqualValues(t, HeaderSize+3, p.Header().PacketSize)
		assert.Equal(t, []byte("abc"), p.Bytes()[HeaderSize:])

		// idempotent
		first := p.Bytes()
		require.NoError(t, p.Generate())
		assert.Equal(t, first, p.Bytes())
	})
	t.Run("with version", func(t *testing.T) {
		cfg := ProtocolConfig{ID: 0x4cef, Version: ProtocolVersion{Major: 1, Minor: 2}}
		p := NewPacket(PacketTypeApp, 1, []byte("abc")).SetVersion(cfg.PacketVersion())
		require.NoError(t, p.Generate())
		assert.Len(t, p.Bytes(), HeaderSize+VersionSize+3)
		assert.Equal(t, []byte{0, 0, 0x4c, 0xef, 0, 1, 0, 2}, p.Bytes()[HeaderSize:HeaderSize+VersionSize])

		h, err := DecodeHeader(p.Bytes())
		require.NoError(t, err)
		received := &Packet{header: h, data: p.Bytes()[HeaderSize:]}
		require.NoError(t, received.stripVersion())
		assert.True(t, received.Check(cfg))
		assert.Equal(t, []byte("abc"), received.Data())
	})
	t.Run("setters drop the generated buffer", func(t *testing.T) {
		p := NewPacket(PacketTypeApp, 1, nil)
		require.NoError(t, p.Generate())
		p.SetHandlerID(2)
		assert.False(t, p.Generated())
		require.NoError(t, p.Generate())
		p.SetSockFdHint(1)
		assert.False(t, p.Generated())
	})
}

func TestPacket_SetDataRef(t *testing.T) {
	buf := []byte("shared")
	p := NewPacket(PacketTypeApp, 1, []byte("owned")).SetDataRef(buf)
	assert.Equal(t, []byte("shared"), p.Data())

	p.AppendData([]byte("!"))
	assert.Equal(t, []byte("shared!"), p.Data())
	assert.Equal(t, []byte("shared"), buf, "referenced buffer must not be written")

	p.Release()
	assert.Nil(t, p.Data())
	assert.Equal(t, []byte("shared"), buf)
}

func TestPacket_AppendData(t *testing.T) {
	p := NewPacket(PacketTypeApp, 1, []byte("ab"))
	p.AppendData([]byte("cd")).AppendData(nil)
	assert.Equal(t, []byte("abcd"), p.Data())
}

func TestPacket_Check(t *testing.T) {
	cfg := ProtocolConfig{ID: 7, Version: ProtocolVersion{Major: 2, Minor: 0}}
	p := NewPacket(PacketTypeApp, 1, nil)
	assert.False(t, p.Check(cfg), "packet without version")

	p.SetVersion(&PacketVersion{ProtocolID: 7, Version: ProtocolVersion{Major: 2, Minor: 9}})
	assert.True(t, p.Check(cfg))
	p.SetVersion(&PacketVersion{ProtocolID: 7, Version: ProtocolVersion{Major: 1}})
	assert.True(t, p.Check(cfg))
	p.SetVersion(&PacketVersion{ProtocolID: 7, Version: ProtocolVersion{Major: 3}})
	assert.False(t, p.Check(cfg))
	p.SetVersion(&PacketVersion{ProtocolID: 8, Version: ProtocolVersion{Major: 2}})
	assert.False(t, p.Check(cfg))
}

func TestPacket_stripVersion(t *testing.T) {
	p := &Packet{data: []byte{1, 2, 3}}
	assert.Error(t, p.stripVersion())
}

func TestNewErrorPacket(t *testing.T) {
	p := NewErrorPacket(ErrorTypeFailedAuth, "Failed to authenticate!")
	assert.Equal(t, PacketTypeError, p.Type())
	assert.EqualValues(t, ErrorTypeFailedAuth, p.RequestType())
	assert.Len(t, p.Data(), 4+ErrorMessageSize)

	werr, err := DecodeWireError(p.Data())
	require.NoError(t, err)
	assert.Equal(t, ErrorTypeFailedAuth, werr.Type)
	assert.Equal(t, "Failed to authenticate!", werr.Message)
	assert.Equal(t, "cerver error FAILED_AUTH: Failed to authenticate!", werr.Error())

	long := NewErrorPacket(ErrorTypeCerverError, string(bytes.Repeat([]byte("x"), 100)))
	assert.Len(t, long.Data(), 4+ErrorMessageSize)

	_, err = DecodeWireError([]byte{0, 0, 0, 1})
	assert.Error(t, err)
}

func TestPacketType_String(t *testing.T) {
	assert.Equal(t, "TEST", PacketTypeTest.String())
	assert.Equal(t, "UNKNOWN(42)", PacketType(42).String())
	assert.True(t, PacketTypeCustom.Known())
	assert.False(t, PacketType(42).Known())
	assert.Equal(t, "FAILED_AUTH", ErrorTypeFailedAuth.String())
}
