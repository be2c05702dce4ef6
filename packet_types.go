package cerver

import "fmt"

// PacketType is the top level tag of a packet.
type PacketType uint32

// Packet types. Values are part of the wire format.
const (
	PacketTypeNone     PacketType = 0
	PacketTypeCerver   PacketType = 1
	PacketTypeClient   PacketType = 2
	PacketTypeError    PacketType = 3
	PacketTypeRequest  PacketType = 4
	PacketTypeAuth     PacketType = 5
	PacketTypeApp      PacketType = 6
	PacketTypeAppError PacketType = 7
	PacketTypeCustom   PacketType = 70
	PacketTypeTest     PacketType = 100
)

var packetTypeNames = map[PacketType]string{
	PacketTypeNone:     "NONE",
	PacketTypeCerver:   "CERVER",
	PacketTypeClient:   "CLIENT",
	PacketTypeError:    "ERROR",
	PacketTypeRequest:  "REQUEST",
	PacketTypeAuth:     "AUTH",
	PacketTypeApp:      "APP",
	PacketTypeAppError: "APP_ERROR",
	PacketTypeCustom:   "CUSTOM",
	PacketTypeTest:     "TEST",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
}

// Known reports whether t is one of the defined packet types.
func (t PacketType) Known() bool {
	_, ok := packetTypeNames[t]
	return ok
}

// Request types of PacketTypeCerver.
const (
	CerverRequestInfo     uint32 = 0
	CerverRequestTeardown uint32 = 1
)

// Request types of PacketTypeClient.
const (
	ClientRequestCloseConnection uint32 = 0
	ClientRequestDisconnect      uint32 = 1
)

// Request types of PacketTypeAuth.
const (
	AuthRequestAuth    uint32 = 0 // server asks the peer to authenticate
	AuthRequestClient  uint32 = 1 // peer sends credentials or a session token
	AuthRequestAdmin   uint32 = 2 // peer sends admin credentials
	AuthRequestSuccess uint32 = 3 // server accepted the peer, payload carries the token if any
)

// ErrorType is carried in the payload of PacketTypeError packets.
type ErrorType uint32

const (
	ErrorTypeNone        ErrorType = 0
	ErrorTypeCerverError ErrorType = 1
	ErrorTypePacketError ErrorType = 2
	ErrorTypeFailedAuth  ErrorType = 3
)

func (e ErrorType) String() string {
	switch e {
	case ErrorTypeNone:
		return "NONE"
	case ErrorTypeCerverError:
		return "CERVER_ERROR"
	case ErrorTypePacketError:
		return "PACKET_ERROR"
	case ErrorTypeFailedAuth:
		return "FAILED_AUTH"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(e))
	}
}
