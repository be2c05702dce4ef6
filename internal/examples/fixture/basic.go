package fixture

const ServerAddr = "127.0.0.1:8888"

// request types of APP packets
const (
	_ uint32 = iota
	ReqPing
	ReqPong
)

// broadcast request types
const (
	_ uint32 = iota + 100
	ReqBroadcast
	ReqBroadcastAck
	ReqBroadcastMsg
)
