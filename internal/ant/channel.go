package ant

import (
	"log"
	"runtime"
)

// ChannelState tracks where a channel is in its pairing lifecycle.
type ChannelState int

const (
	// ChannelSearching means the channel is open and looking for a master.
	ChannelSearching ChannelState = iota
	// ChannelOpen means a master was identified and broadcasts are flowing.
	ChannelOpen
	// ChannelClosed is terminal; a new channel must be constructed to
	// pair again.
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelSearching:
		return "searching"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	}
	return "invalid"
}

// DeviceID identifies the master device a channel pairs with.  A
// DeviceNumber of 0 searches for any device of the given type; the real
// number is learned once a master is found.  Device numbers are 20 bits:
// the top 4 bits travel in the high nibble of the transmission type byte.
type DeviceID struct {
	TransmissionType byte
	DeviceType       byte
	DeviceNumber     uint32
}

// Handler receives a channel's data frames and lifecycle events.  Device
// profiles implement this to turn raw broadcasts into telemetry.
type Handler interface {
	// OnFrame is called for data frames received on the channel.
	OnFrame(f Frame)

	// OnStateChange is called when the channel's pairing state changes.
	OnStateChange(oldState, newState ChannelState)

	// OnAckReply is called with the outcome of an acknowledged
	// transmission previously queued with SendAcknowledgedData.  Failed
	// transmissions are not retried; the handler re-enqueues if needed.
	OnAckReply(tag int, event EventCode)
}

const channelTypeBidirectionalReceive = 0x00

type ackItem struct {
	tag     int
	payload []byte
}

// Channel is one logical ANT channel on the dongle: the slave side of a
// master/slave pair.  The dongle owns registered channels and feeds them
// frames from Tick; the channel borrows the dongle to write.
type Channel struct {
	dongle  *Dongle
	logger  *log.Logger
	handler Handler

	number byte
	state  ChannelState
	id     DeviceID

	// ACKNOWLEDGE_DATA messages can only be sent in the window after a
	// broadcast reception, so they queue here and drain one at a time.
	ackQueue    []ackItem
	ackInFlight bool

	idRequestInFlight bool

	rxOK   int
	rxFail int
}

// NewChannel assigns a free slot, configures it, and opens it in searching
// state.  Each configuration step is confirmed synchronously before the
// next is issued.
func NewChannel(d *Dongle, h Handler, id DeviceID, period uint16, searchTimeout, rfFreq byte, logger *log.Logger) (*Channel, error) {
	number, err := d.nextChannelNumber()
	if err != nil {
		return nil, err
	}

	c := &Channel{
		dongle:  d,
		logger:  logger,
		handler: h,
		number:  number,
		id:      id,
	}

	// Only bidirectional receive channels are used; other channel types
	// would need different dispatch handling anyway.
	if err := d.configure(number, AssignChannel, channelTypeBidirectionalReceive, byte(d.network)); err != nil {
		return nil, err
	}
	if err := d.configure(number, SetChannelID,
		byte(id.DeviceNumber&0xFF),
		byte((id.DeviceNumber>>8)&0xFF),
		id.DeviceType,
		byte((id.DeviceNumber>>12)&0xF0)); err != nil {
		return nil, err
	}
	if err := d.configure(number, SetChannelPeriod, byte(period&0xFF), byte((period>>8)&0xFF)); err != nil {
		return nil, err
	}
	if err := d.configure(number, SetChannelSearchTimeout, searchTimeout); err != nil {
		return nil, err
	}
	if err := d.configure(number, SetChannelRFFreq, rfFreq); err != nil {
		return nil, err
	}
	if err := d.configure(number, OpenChannel); err != nil {
		return nil, err
	}

	c.state = ChannelSearching
	d.registerChannel(c)
	return c, nil
}

// State returns the channel's pairing state.
func (c *Channel) State() ChannelState { return c.state }

// ID returns the channel identity, including any learned device number.
func (c *Channel) ID() DeviceID { return c.id }

// Number returns the dongle-local slot index.
func (c *Channel) Number() byte { return c.number }

// MessagesReceived returns the count of broadcasts received.
func (c *Channel) MessagesReceived() int { return c.rxOK }

// MessagesFailed returns the count of missed receptions.
func (c *Channel) MessagesFailed() int { return c.rxFail }

// Close shuts the channel down and releases its slot.  This runs in
// cleanup paths, so failures are logged rather than returned.  The
// EVENT_CHANNEL_CLOSED notification may still arrive later through Tick
// for a registered sibling, hence the brief yield between close and
// unassign.
func (c *Channel) Close() {
	if c.state != ChannelClosed {
		if err := c.dongle.configure(c.number, CloseChannel); err != nil {
			c.logger.Printf("Channel %d: close failed: %v", c.number, err)
		}
		runtime.Gosched()
		if err := c.dongle.configure(c.number, UnassignChannel); err != nil {
			c.logger.Printf("Channel %d: unassign failed: %v", c.number, err)
		}
	}
	c.dongle.unregisterChannel(c)
}

// SendAcknowledgedData queues message for acknowledged transmission.  The
// write happens in the window following a broadcast reception; OnAckReply
// is later invoked with tag and the transmission outcome.
func (c *Channel) SendAcknowledgedData(tag int, message []byte) {
	c.ackQueue = append(c.ackQueue, ackItem{tag: tag, payload: message})
}

// RequestDataPage asks the master to transmit the given data page.  The
// page arrives later as a normal broadcast; a successful acknowledged
// transmission only means the request was heard.  The master repeats the
// page a few times in case of collisions.
func (c *Channel) RequestDataPage(pageID byte) {
	const transmitCount = 4
	msg := []byte{
		0x46, // data page request
		0xFF, // slave serial LSB
		0xFF, // slave serial MSB
		0xFF, // descriptor 1
		0xFF, // descriptor 2
		transmitCount,
		pageID,
		0x01, // command type: request data page
	}
	c.SendAcknowledgedData(int(pageID), msg)
}

// handleFrame is called by the dongle's Tick for every frame routed to
// this channel.
func (c *Channel) handleFrame(f Frame) error {
	if c.state == ChannelClosed {
		return nil
	}

	switch f.ID() {
	case ChannelResponse:
		return c.onChannelResponse(f)
	case BroadcastData:
		if c.id.DeviceNumber == 0 && !c.idRequestInFlight {
			// Broadcasts are arriving but we don't know who from;
			// ask the stick for the learned channel id.
			if err := c.dongle.writeMessage(EncodeMessage(RequestMessage, c.number, byte(SetChannelID))); err != nil {
				return err
			}
			c.idRequestInFlight = true
		}
		if err := c.maybeSendAckData(); err != nil {
			return err
		}
		c.handler.OnFrame(f)
		c.rxOK++
	case ResponseChannelID:
		return c.onChannelID(f)
	default:
		c.handler.OnFrame(f)
	}
	return nil
}

// maybeSendAckData writes the next queued ACKNOWLEDGE_DATA message if none
// is outstanding.
func (c *Channel) maybeSendAckData() error {
	if c.ackInFlight || len(c.ackQueue) == 0 {
		return nil
	}
	item := c.ackQueue[0]
	msg := EncodeMessage(AcknowledgeData, append([]byte{c.number}, item.payload...)...)
	if err := c.dongle.writeMessage(msg); err != nil {
		return err
	}
	c.ackInFlight = true
	return nil
}

// onChannelResponse interprets a CHANNEL_RESPONSE.  An inner message id of
// 1 marks a channel event; anything else would be a reply to a channel
// command, which the synchronous configuration path already consumed.
func (c *Channel) onChannelResponse(f Frame) error {
	p := f.Payload()
	if len(p) < 3 {
		return &ProtocolError{Channel: c.number, Command: ChannelResponse, Detail: "short channel response"}
	}
	innerID := p[1]
	event := EventCode(p[2])

	if innerID != 1 {
		c.logger.Printf("Channel %d: unexpected reply for command 0x%02X: %s", c.number, innerID, event)
		return nil
	}

	switch {
	case event == EventRxFail:
		c.rxFail++
	case event == EventRxSearchTimeout:
		// A search timeout closes the channel; wait for the closed event.
	case event == EventChannelClosed:
		if c.state != ChannelClosed {
			c.changeState(ChannelClosed)
			return c.dongle.configure(c.number, UnassignChannel)
		}
	case event == EventRxFailGoToSearch:
		c.id.DeviceNumber = 0 // lost our device
		c.changeState(ChannelSearching)
	case event == ResponseNoError:
		// These show up from time to time; ignore them.
	case c.ackInFlight:
		// The first event after an acknowledged transmission, none of the
		// above: this is its outcome.
		tag := c.ackQueue[0].tag
		c.ackQueue = c.ackQueue[1:]
		c.ackInFlight = false
		c.handler.OnAckReply(tag, event)
	default:
		c.logger.Printf("Channel %d: unexpected channel event %d: %s", c.number, byte(event), event)
	}
	return nil
}

// onChannelID processes the RESPONSE_CHANNEL_ID we requested after the
// first broadcast, learning (or verifying) the master's identity.
func (c *Channel) onChannelID(f Frame) error {
	p := f.Payload()
	if len(p) < 5 {
		return &ProtocolError{Channel: c.number, Command: ResponseChannelID, Detail: "short channel id response"}
	}
	if p[0] != c.number {
		return &ProtocolError{Channel: c.number, Command: ResponseChannelID,
			Detail: "channel id response for a different channel"}
	}

	// The high nibble of the transmission type byte extends the device
	// number to 20 bits.
	deviceNumber := uint32(p[1]) | uint32(p[2])<<8 | uint32((p[4]>>4)&0x0F)<<16
	deviceType := p[3]
	c.id.TransmissionType = p[4] & 0x03

	if c.id.DeviceType == 0 {
		c.id.DeviceType = deviceType
	} else if c.id.DeviceType != deviceType {
		return &PairingMismatchError{Field: "device type", Want: uint32(c.id.DeviceType), Got: uint32(deviceType)}
	}

	if c.id.DeviceNumber == 0 {
		c.id.DeviceNumber = deviceNumber
	} else if c.id.DeviceNumber != deviceNumber {
		return &PairingMismatchError{Field: "device number", Want: c.id.DeviceNumber, Got: deviceNumber}
	}

	// The first response can arrive before the stick has learned the
	// master; only a real device number completes pairing.
	if c.id.DeviceNumber != 0 {
		c.changeState(ChannelOpen)
	}

	c.idRequestInFlight = false
	return nil
}

func (c *Channel) changeState(newState ChannelState) {
	if c.state != newState {
		old := c.state
		c.state = newState
		c.handler.OnStateChange(old, newState)
	}
}

// fail marks the channel dead after an unrecoverable error.  The embedding
// server sees the closed state and rebuilds the profile.
func (c *Channel) fail() {
	c.changeState(ChannelClosed)
	c.dongle.unregisterChannel(c)
}
