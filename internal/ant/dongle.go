package ant

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"time"
)

const (
	writeTimeout = 2 * time.Second

	// Synchronous request paths scan at most this many inbound frames
	// before giving up.
	responseAttempts = 50

	// The delayed-frame FIFO is bounded; when full the oldest frame is
	// dropped and counted.
	maxDelayedFrames = 64
)

// Dongle represents the physical ANT USB stick.  It owns the transport and
// the set of channels multiplexed onto the stick, arbitrates all writes,
// and demultiplexes the inbound frame stream.  Tick must be called
// periodically to distribute received frames to the channels.
type Dongle struct {
	transport Transport
	reader    *MessageReader
	logger    *log.Logger

	serial      uint32
	version     string
	maxChannels int
	maxNetworks int
	network     int

	channels map[byte]*Channel

	// Data frames observed while a synchronous request was waiting for
	// its response; replayed in arrival order by Tick.
	delayed        []Frame
	delayedDropped int

	framingErrors int
}

// NewDongle resets the stick and queries its capabilities.  The network key
// still has to be installed with SetNetworkKey before channels are opened.
func NewDongle(t Transport, logger *log.Logger) (*Dongle, error) {
	d := &Dongle{
		transport: t,
		reader:    NewMessageReader(t),
		logger:    logger,
		network:   -1,
		channels:  make(map[byte]*Channel),
	}
	d.reset()
	if err := d.queryInfo(); err != nil {
		return nil, fmt.Errorf("ANT stick bring-up: %w", err)
	}
	return d, nil
}

// Serial returns the stick's serial number.
func (d *Dongle) Serial() uint32 { return d.serial }

// Version returns the stick's firmware version string.
func (d *Dongle) Version() string { return d.version }

// MaxChannels returns the number of channel slots the stick supports.
func (d *Dongle) MaxChannels() int { return d.maxChannels }

// MaxNetworks returns the number of network slots the stick supports.
func (d *Dongle) MaxNetworks() int { return d.maxNetworks }

// Network returns the active network slot, or -1 before SetNetworkKey.
func (d *Dongle) Network() int { return d.network }

// FramingErrors returns the number of malformed frames dropped so far.
func (d *Dongle) FramingErrors() int { return d.framingErrors }

// DelayedDropped returns the number of frames lost to delayed-FIFO overflow.
func (d *Dongle) DelayedDropped() int { return d.delayedDropped }

// reset sends RESET_SYSTEM and waits for the startup notification.  Some
// sticks occasionally omit the STARTUP_MESSAGE yet work fine afterwards, so
// its absence is logged and tolerated.  Frames queued up during the reset
// belong to the previous user of the stick and are discarded.
func (d *Dongle) reset() {
	defer func() {
		d.delayed = nil
	}()

	if err := d.writeMessage(EncodeMessage(ResetSystem, 0)); err != nil {
		d.logger.Printf("Dongle: reset write failed: %v", err)
		return
	}
	for i := 0; i < responseAttempts; i++ {
		frame, err := d.readInternalMessage()
		if err != nil {
			break
		}
		if frame.ID() == StartupMessage {
			return
		}
	}
	d.logger.Printf("Dongle: no STARTUP_MESSAGE after reset, continuing anyway")
}

// queryInfo reads the serial number, firmware version and capabilities.
func (d *Dongle) queryInfo() error {
	serial, err := d.request(ResponseSerialNumber)
	if err != nil {
		return err
	}
	p := serial.Payload()
	if len(p) < 4 {
		return &ProtocolError{Command: ResponseSerialNumber, Detail: "short serial number response"}
	}
	d.serial = uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24

	version, err := d.request(ResponseVersion)
	if err != nil {
		return err
	}
	raw := version.Payload()
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	d.version = string(raw)

	caps, err := d.request(ResponseCapabilities)
	if err != nil {
		return err
	}
	p = caps.Payload()
	if len(p) < 2 {
		return &ProtocolError{Command: ResponseCapabilities, Detail: "short capabilities response"}
	}
	d.maxChannels = int(p[0])
	d.maxNetworks = int(p[1])
	return nil
}

// request asks the stick for one of its info messages and returns the reply.
func (d *Dongle) request(id MessageID) (Frame, error) {
	if err := d.writeMessage(EncodeMessage(RequestMessage, 0, byte(id))); err != nil {
		return nil, err
	}
	frame, err := d.readInternalMessage()
	if err != nil {
		return nil, err
	}
	if frame.ID() != id {
		return nil, &ProtocolError{
			Command: id,
			Detail:  fmt.Sprintf("unexpected reply 0x%02X", byte(frame.ID())),
		}
	}
	return frame, nil
}

// SetNetworkKey installs the 8-byte network key into network slot 0 and
// records it as the active network.  Only one network is supported.
func (d *Dongle) SetNetworkKey(key [8]byte) error {
	const network = 0
	d.network = -1
	payload := append([]byte{network}, key[:]...)
	if err := d.writeMessage(EncodeMessage(SetNetworkKey, payload...)); err != nil {
		return err
	}
	resp, err := d.readInternalMessage()
	if err != nil {
		return err
	}
	if err := checkChannelResponse(resp, network, SetNetworkKey); err != nil {
		return err
	}
	d.network = network
	return nil
}

// writeMessage sends a frame on the OUT endpoint.
func (d *Dongle) writeMessage(frame Frame) error {
	_, err := d.transport.Write(frame, writeTimeout)
	return err
}

// isPassThrough reports whether a frame received while waiting for a
// configuration response belongs to the asynchronous data stream and must
// be set aside rather than interpreted as the response.
func isPassThrough(f Frame) bool {
	switch f.ID() {
	case BroadcastData, BurstTransferData:
		return true
	case ChannelResponse:
		p := f.Payload()
		if len(p) < 3 {
			return false
		}
		inner := p[1]
		return inner == 0x01 || inner == byte(AcknowledgeData) || inner == byte(BurstTransferData)
	}
	return false
}

// readInternalMessage reads frames until one arrives that is intended for
// stick or channel management.  Data frames observed along the way are
// pushed onto the delayed FIFO so Tick can dispatch them later, preserving
// arrival order.
func (d *Dongle) readInternalMessage() (Frame, error) {
	for i := 0; i < responseAttempts; i++ {
		frame, err := d.reader.Next()
		if err != nil {
			return nil, err
		}
		if isPassThrough(frame) {
			d.pushDelayed(frame)
			continue
		}
		return frame, nil
	}
	return nil, fmt.Errorf("reading config response: %w", ErrTimeout)
}

func (d *Dongle) pushDelayed(f Frame) {
	if len(d.delayed) >= maxDelayedFrames {
		d.delayed = d.delayed[1:]
		d.delayedDropped++
	}
	d.delayed = append(d.delayed, f)
}

// configure performs one synchronous configuration round-trip on behalf of
// a channel: write the command, then wait for the matching channel response
// with status 0.
func (d *Dongle) configure(channel byte, id MessageID, payload ...byte) error {
	msg := EncodeMessage(id, append([]byte{channel}, payload...)...)
	if err := d.writeMessage(msg); err != nil {
		return err
	}
	resp, err := d.readInternalMessage()
	if err != nil {
		return err
	}
	return checkChannelResponse(resp, channel, id)
}

// checkChannelResponse validates a CHANNEL_RESPONSE against the expected
// channel and command, requiring status 0.
func checkChannelResponse(resp Frame, channel byte, cmd MessageID) error {
	p := resp.Payload()
	if resp.ID() != ChannelResponse || len(p) < 3 {
		return &ProtocolError{
			Channel: channel,
			Command: cmd,
			Detail:  fmt.Sprintf("expected channel response, got 0x%02X", byte(resp.ID())),
		}
	}
	if p[0] != channel || p[1] != byte(cmd) || p[2] != 0 {
		return &ProtocolError{
			Channel: channel,
			Command: cmd,
			Detail: fmt.Sprintf("response mismatch: channel %d command 0x%02X status %d (%s)",
				p[0], p[1], p[2], EventCode(p[2])),
		}
	}
	return nil
}

// nextChannelNumber allocates the smallest unused channel slot.
func (d *Dongle) nextChannelNumber() (byte, error) {
	for i := 0; i < d.maxChannels; i++ {
		if _, used := d.channels[byte(i)]; !used {
			return byte(i), nil
		}
	}
	return 0, ErrResourceExhausted
}

func (d *Dongle) registerChannel(c *Channel) {
	d.channels[c.number] = c
}

func (d *Dongle) unregisterChannel(c *Channel) {
	if d.channels[c.number] == c {
		delete(d.channels, c.number)
	}
}

// Tick dispatches one inbound frame, if available: the oldest delayed frame
// first, otherwise whatever the reader can produce without blocking.  A
// channel that fails while handling its frame is logged and dropped; the
// embedding server notices the dead channel and rebuilds it.
func (d *Dongle) Tick() error {
	var frame Frame
	if len(d.delayed) > 0 {
		frame = d.delayed[0]
		d.delayed = d.delayed[1:]
	} else {
		f, err := d.reader.MaybeNext()
		if err != nil {
			var ferr *FramingError
			if errors.As(err, &ferr) {
				d.framingErrors++
				d.logger.Printf("Dongle: dropped frame: %v", err)
				return nil
			}
			return err
		}
		frame = f
	}
	if frame == nil || len(frame.Payload()) == 0 {
		return nil
	}

	ch, ok := d.channels[frame.Channel()]
	if !ok {
		return nil
	}
	if err := ch.handleFrame(frame); err != nil {
		d.logger.Printf("Dongle: channel %d failed: %v", ch.number, err)
		ch.fail()
	}
	return nil
}
