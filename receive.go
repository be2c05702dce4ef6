package cerver

// ReceiveState is the reassembly state of a connection.
type ReceiveState int

const (
	ReceiveStateNormal         ReceiveState = iota // no partial packet
	ReceiveStateSplitHeader                        // part of the next header is held
	ReceiveStateCompleteHeader                     // header known, body not consumed yet
	ReceiveStateSplitPacket                        // header known, body partially received
	ReceiveStateLost                               // stream alignment lost, connection must go
)

func (s ReceiveState) String() string {
	switch s {
	case ReceiveStateNormal:
		return "Normal"
	case ReceiveStateSplitHeader:
		return "Split-Header"
	case ReceiveStateCompleteHeader:
		return "Complete-Header"
	case ReceiveStateSplitPacket:
		return "Split-Packet"
	case ReceiveStateLost:
		return "Lost"
	default:
		return "None"
	}
}

// ReceiveHandle reassembles packets from the byte chunks read off one connection.
// It belongs to the goroutine reading that connection and is not safe for concurrent use.
type ReceiveHandle struct {
	state   ReceiveState
	maxSize uint64
	err     error

	// spare holds the leading bytes of a header cut by the end of a read.
	spare           [HeaderSize]byte
	spareLen        int
	remainingHeader int

	header    PacketHeader
	body      []byte
	remaining uint64
}

// NewReceiveHandle creates a ReceiveHandle rejecting packets larger than maxPacketSize.
// A maxPacketSize below HeaderSize falls back to DefaultMaxPacketSize.
func NewReceiveHandle(maxPacketSize uint64) *ReceiveHandle {
	if maxPacketSize < HeaderSize {
		maxPacketSize = DefaultMaxPacketSize
	}
	return &ReceiveHandle{state: ReceiveStateNormal, maxSize: maxPacketSize}
}

// State returns the current reassembly state.
func (h *ReceiveHandle) State() ReceiveState { return h.state }

// MaxPacketSize returns the largest accepted packet size.
func (h *ReceiveHandle) MaxPacketSize() uint64 { return h.maxSize }

// Buffered returns how many bytes of an incomplete packet are held.
func (h *ReceiveHandle) Buffered() int {
	switch h.state {
	case ReceiveStateSplitHeader:
		return h.spareLen
	case ReceiveStateCompleteHeader:
		return HeaderSize
	case ReceiveStateSplitPacket:
		return HeaderSize + len(h.body)
	default:
		return 0
	}
}

// Reset drops any partial packet and leaves the Lost state.
func (h *ReceiveHandle) Reset() {
	h.state = ReceiveStateNormal
	h.err = nil
	h.spareLen = 0
	h.remainingHeader = 0
	h.header = PacketHeader{}
	h.body = nil
	h.remaining = 0
}

// Feed consumes one chunk read from the connection.
// Every packet completed by the chunk is passed to deliver right away, in arrival order.
// chunk is not retained, the caller may reuse it once Feed returns.
// A header with an impossible size moves the handle to Lost and a *FramingError is
// returned; from then on Feed delivers nothing and returns the same error.
func (h *ReceiveHandle) Feed(chunk []byte, deliver func(*Packet)) error {
	buf := chunk
	for {
		switch h.state {
		case ReceiveStateNormal:
			if len(buf) == 0 {
				return nil
			}
			if len(buf) < HeaderSize {
				h.spareLen = copy(h.spare[:], buf)
				h.remainingHeader = HeaderSize - h.spareLen
				h.state = ReceiveStateSplitHeader
				return nil
			}
			if err := h.beginPacket(buf[:HeaderSize]); err != nil {
				return err
			}
			buf = buf[HeaderSize:]

		case ReceiveStateSplitHeader:
			if len(buf) == 0 {
				return nil
			}
			n := copy(h.spare[h.spareLen:], buf)
			h.spareLen += n
			h.remainingHeader -= n
			buf = buf[n:]
			if h.remainingHeader > 0 {
				return nil
			}
			h.spareLen = 0
			if err := h.beginPacket(h.spare[:]); err != nil {
				return err
			}

		case ReceiveStateCompleteHeader:
			need := h.header.BodySize()
			if uint64(len(buf)) >= need {
				body := buf[:need]
				buf = buf[need:]
				h.complete(body, false, deliver)
				continue
			}
			h.body = make([]byte, len(buf), need)
			copy(h.body, buf)
			h.remaining = need - uint64(len(buf))
			h.state = ReceiveStateSplitPacket
			return nil

		case ReceiveStateSplitPacket:
			if len(buf) == 0 {
				return nil
			}
			n := uint64(len(buf))
			if n > h.remaining {
				n = h.remaining
			}
			h.body = append(h.body, buf[:n]...)
			h.remaining -= n
			buf = buf[n:]
			if h.remaining > 0 {
				return nil
			}
			h.complete(h.body, true, deliver)

		default:
			if h.err == nil {
				h.err = &FramingError{Reason: "receive handle in invalid state"}
			}
			return h.err
		}
	}
}

func (h *ReceiveHandle) beginPacket(b []byte) error {
	header, err := DecodeHeader(b)
	if err != nil {
		return h.lose(&FramingError{Reason: err.Error()})
	}
	if err := header.Validate(h.maxSize); err != nil {
		return h.lose(err)
	}
	h.header = header
	h.state = ReceiveStateCompleteHeader
	return nil
}

func (h *ReceiveHandle) lose(err error) error {
	h.state = ReceiveStateLost
	h.err = err
	h.spareLen = 0
	h.body = nil
	h.remaining = 0
	return err
}

// complete builds the packet, returns the handle to Normal and only then delivers,
// so deliver observes a consistent handle.
func (h *ReceiveHandle) complete(body []byte, owned bool, deliver func(*Packet)) {
	p := &Packet{header: h.header}
	if len(body) > 0 {
		if owned {
			p.data = body
		} else {
			p.data = make([]byte, len(body))
			copy(p.data, body)
		}
	}
	h.header = PacketHeader{}
	h.body = nil
	h.remaining = 0
	h.state = ReceiveStateNormal
	if deliver != nil {
		deliver(p)
	}
}
