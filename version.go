package cerver

import (
	"bytes"
	"fmt"

	"github.com/zhuangsirui/binpacker"
)

// VersionSize is the serialized size of PacketVersion.
const VersionSize = 4 + 2 + 2

// ProtocolVersion is a major.minor protocol version.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// PacketVersion is the protocol tag carried at the start of the payload
// when protocol checking is enabled.
type PacketVersion struct {
	ProtocolID uint32
	Version    ProtocolVersion
}

// ProtocolConfig holds the protocol identity of one server or client.
// Each instance owns its own value, there is no package level protocol state.
type ProtocolConfig struct {
	// ID is the application chosen magic constant.
	ID uint32

	// Version is the local protocol version.
	// Peers with a greater major version are rejected.
	Version ProtocolVersion

	// CheckPackets makes every generated packet carry a PacketVersion
	// and every received packet be checked against it.
	CheckPackets bool
}

// PacketVersion returns the tag generated packets carry under cfg.
func (cfg ProtocolConfig) PacketVersion() *PacketVersion {
	return &PacketVersion{ProtocolID: cfg.ID, Version: cfg.Version}
}

// Compatible reports whether v is accepted under cfg.
func (cfg ProtocolConfig) Compatible(v *PacketVersion) bool {
	if v == nil {
		return false
	}
	return v.ProtocolID == cfg.ID && v.Version.Major <= cfg.Version.Major
}

func (v *PacketVersion) encode(buff *bytes.Buffer) error {
	p := binpacker.NewPacker(byteOrder, buff)
	p.PushUint32(v.ProtocolID).PushUint16(v.Version.Major).PushUint16(v.Version.Minor)
	if err := p.Error(); err != nil {
		return fmt.Errorf("write packet version err: %w", err)
	}
	return nil
}

// decodePacketVersion reads a PacketVersion from the start of data.
func decodePacketVersion(data []byte) (*PacketVersion, error) {
	if len(data) < VersionSize {
		return nil, fmt.Errorf("packet version needs %d bytes but got %d", VersionSize, len(data))
	}
	u := binpacker.NewUnpacker(byteOrder, bytes.NewReader(data[:VersionSize]))
	id, err := u.ShiftUint32()
	if err != nil {
		return nil, fmt.Errorf("read protocol id err: %w", err)
	}
	major, err := u.ShiftUint16()
	if err != nil {
		return nil, fmt.Errorf("read major version err: %w", err)
	}
	minor, err := u.ShiftUint16()
	if err != nil {
		return nil, fmt.Errorf("read minor version err: %w", err)
	}
	return &PacketVersion{ProtocolID: id, Version: ProtocolVersion{Major: major, Minor: minor}}, nil
}
