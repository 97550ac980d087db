package ant

// The ANT serial message protocol implemented here is documented in
// "ANT Message Protocol And Usage" (D00000652, Rev 5.1), available from
// https://www.thisisant.com

// SyncByte starts every ANT frame on the wire.
const SyncByte = 0xA4

// MessageID identifies an ANT message within a frame.
type MessageID byte

const (
	// Configuration messages
	UnassignChannel         MessageID = 0x41
	AssignChannel           MessageID = 0x42
	SetChannelPeriod        MessageID = 0x43
	SetChannelSearchTimeout MessageID = 0x44
	SetChannelRFFreq        MessageID = 0x45
	SetNetworkKey           MessageID = 0x46
	SetChannelID            MessageID = 0x51

	// Control messages
	ResetSystem    MessageID = 0x4A
	OpenChannel    MessageID = 0x4B
	CloseChannel   MessageID = 0x4C
	RequestMessage MessageID = 0x4D

	// Data messages
	BroadcastData     MessageID = 0x4E
	AcknowledgeData   MessageID = 0x4F
	BurstTransferData MessageID = 0x50

	// Notifications and responses
	StartupMessage       MessageID = 0x6F
	ChannelResponse      MessageID = 0x40
	ResponseChannelID    MessageID = 0x51
	ResponseVersion      MessageID = 0x3E
	ResponseCapabilities MessageID = 0x54
	ResponseSerialNumber MessageID = 0x61
)

// EventCode is a channel event delivered inside a CHANNEL_RESPONSE message
// (section 9.5.6 "Channel Response / Event Messages" of the protocol doc).
type EventCode byte

const (
	ResponseNoError          EventCode = 0
	EventRxSearchTimeout     EventCode = 1
	EventRxFail              EventCode = 2
	EventTx                  EventCode = 3
	EventTransferRxFailed    EventCode = 4
	EventTransferTxCompleted EventCode = 5
	EventTransferTxFailed    EventCode = 6
	EventChannelClosed       EventCode = 7
	EventRxFailGoToSearch    EventCode = 8
	EventChannelCollision    EventCode = 9
	EventTransferTxStart     EventCode = 10
	ChannelInWrongState      EventCode = 21
	ChannelNotOpened         EventCode = 22
	ChannelIDNotSet          EventCode = 24
	TransferInProgress       EventCode = 31
	InvalidMessage           EventCode = 40
	InvalidNetworkNumber     EventCode = 41
)

var eventCodeNames = map[EventCode]string{
	ResponseNoError:          "no error",
	EventRxSearchTimeout:     "channel search timeout",
	EventRxFail:              "rx fail",
	EventTx:                  "broadcast tx complete",
	EventTransferRxFailed:    "rx transfer fail",
	EventTransferTxCompleted: "tx complete",
	EventTransferTxFailed:    "tx fail",
	EventChannelClosed:       "channel closed",
	EventRxFailGoToSearch:    "dropped to search mode",
	EventChannelCollision:    "channel collision",
	EventTransferTxStart:     "burst transfer start",
	ChannelInWrongState:      "channel in wrong state",
	ChannelNotOpened:         "channel not opened",
	ChannelIDNotSet:          "channel id not set",
	TransferInProgress:       "transfer in progress",
	InvalidMessage:           "invalid message",
	InvalidNetworkNumber:     "invalid network number",
}

func (e EventCode) String() string {
	if name, ok := eventCodeNames[e]; ok {
		return name
	}
	return "unknown channel event"
}

// PlusNetworkKey is the ANT+ network key, installed into network slot 0
// during dongle bring-up.
var PlusNetworkKey = [8]byte{0xB9, 0xA5, 0x21, 0xFB, 0xBD, 0x72, 0xC3, 0x45}

// Frame is a complete ANT wire frame: SYNC, LEN, MSG_ID, PAYLOAD[LEN], XOR.
// Frames produced by the MessageReader are validated; the accessors assume
// a well-formed frame.
type Frame []byte

// ID returns the message id of the frame.
func (f Frame) ID() MessageID { return MessageID(f[2]) }

// Payload returns the frame payload (excluding sync, length, id, checksum).
// For channel messages the first payload byte is the channel number.
func (f Frame) Payload() []byte { return f[3 : 3+int(f[1])] }

// Channel returns the dongle channel slot the frame belongs to.  Burst
// frames carry a sequence number in the top 3 bits of the channel byte.
func (f Frame) Channel() byte {
	ch := f.Payload()[0]
	if f.ID() == BurstTransferData {
		ch &= 0x1F
	}
	return ch
}

// EncodeMessage builds a wire frame for the given message id and payload.
// The payload must be at most 255 bytes.
func EncodeMessage(id MessageID, payload ...byte) Frame {
	if len(payload) > 255 {
		panic("ant: message payload exceeds 255 bytes")
	}
	frame := make(Frame, 0, len(payload)+4)
	frame = append(frame, SyncByte, byte(len(payload)), byte(id))
	frame = append(frame, payload...)
	frame = append(frame, checksum(frame))
	return frame
}

// checksum is the XOR of all bytes; a valid frame XORs to zero overall.
func checksum(b []byte) byte {
	var c byte
	for _, e := range b {
		c ^= e
	}
	return c
}
