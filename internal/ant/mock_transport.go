package ant

import (
	"sync"
	"time"
)

// MockTransport is a scripted stand-in for the USB transport, used by tests
// in this package and its dependents.  Inbound traffic is queued with
// QueueFrame/QueueBytes; everything the code under test writes is recorded
// in Writes.  With AutoAck enabled the mock answers configuration commands
// with a matching CHANNEL_RESPONSE(status=0), which is what a healthy stick
// does, so channel construction just works in tests.
type MockTransport struct {
	mu      sync.Mutex
	pending [][]byte

	// Writes records every frame written, in order.
	Writes []Frame

	// AutoAck answers configuration commands with a success response.
	AutoAck bool

	// StartupReply answers RESET_SYSTEM with a STARTUP_MESSAGE.
	StartupReply bool

	// Requests maps a requested message id to the full reply frame the
	// mock should queue when it sees REQUEST_MESSAGE for that id.
	Requests map[MessageID]Frame
}

var _ Transport = (*MockTransport)(nil)

func NewMockTransport() *MockTransport {
	return &MockTransport{Requests: make(map[MessageID]Frame)}
}

// QueueFrame queues a frame for delivery on a future Read.
func (m *MockTransport) QueueFrame(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, f)
}

// QueueBytes queues a raw chunk, which need not align with frame
// boundaries.
func (m *MockTransport) QueueBytes(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, b)
}

func (m *MockTransport) Read(p []byte, _ time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return 0, nil
	}
	chunk := m.pending[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		m.pending[0] = chunk[n:]
	} else {
		m.pending = m.pending[1:]
	}
	return n, nil
}

// configCommands are the commands a real stick confirms with a
// CHANNEL_RESPONSE carrying status 0.
var configCommands = map[MessageID]bool{
	UnassignChannel:         true,
	AssignChannel:           true,
	SetChannelID:            true,
	SetChannelPeriod:        true,
	SetChannelSearchTimeout: true,
	SetChannelRFFreq:        true,
	SetNetworkKey:           true,
	OpenChannel:             true,
	CloseChannel:            true,
}

func (m *MockTransport) Write(p []byte, _ time.Duration) (int, error) {
	frame := make(Frame, len(p))
	copy(frame, p)

	m.mu.Lock()
	m.Writes = append(m.Writes, frame)
	m.mu.Unlock()

	switch frame.ID() {
	case ResetSystem:
		if m.StartupReply {
			m.QueueFrame(EncodeMessage(StartupMessage, 0x20))
		}
	case RequestMessage:
		if reply, ok := m.Requests[MessageID(frame.Payload()[1])]; ok {
			m.QueueFrame(reply)
		}
	default:
		if m.AutoAck && configCommands[frame.ID()] {
			m.QueueFrame(EncodeMessage(ChannelResponse, frame.Payload()[0], byte(frame.ID()), 0))
		}
	}
	return len(p), nil
}

func (m *MockTransport) Close() error { return nil }

// WrittenIDs lists the message ids written so far, a convenient shape for
// asserting command sequences.
func (m *MockTransport) WrittenIDs() []MessageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]MessageID, len(m.Writes))
	for i, f := range m.Writes {
		ids[i] = f.ID()
	}
	return ids
}

// LastWrite returns the most recently written frame, or nil.
func (m *MockTransport) LastWrite() Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Writes) == 0 {
		return nil
	}
	return m.Writes[len(m.Writes)-1]
}
