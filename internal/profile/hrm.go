package profile

import (
	"fmt"
	"log"

	"github.com/alex-hhh/TrainerControl/internal/ant"
)

// Implementation of the ANT+ Heart Rate Device profile is based on the
// "D00000693_-_ANT+_Device_Profile_-_Heart_Rate_Rev_2.1.pdf" document
// available from https://www.thisisant.com

// Values taken from the HRM ANT+ Device Profile document.
const (
	hrmDeviceType       = 0x78
	hrmChannelPeriod    = 8070
	hrmChannelFrequency = 57
	hrmSearchTimeout    = 30
)

// HeartRateMonitor reads instantaneous heart rate from an ANT+ HRM.  The
// profile is receive-only.
type HeartRateMonitor struct {
	channel *ant.Channel
	logger  *log.Logger
	nowMs   func() int64

	lastMeasurementTime uint16
	measurementTime     uint16
	heartBeats          byte
	instantHeartRate    float64
	heartRateTimestamp  int64
}

var _ ant.Handler = (*HeartRateMonitor)(nil)

// NewHeartRateMonitor opens an HRM channel on the dongle.  A deviceNumber
// of 0 pairs with any heart rate monitor in range.
func NewHeartRateMonitor(dongle *ant.Dongle, deviceNumber uint32, logger *log.Logger) (*HeartRateMonitor, error) {
	h := &HeartRateMonitor{logger: logger, nowMs: nowMilliseconds}
	id := ant.DeviceID{DeviceType: hrmDeviceType, DeviceNumber: deviceNumber}
	channel, err := ant.NewChannel(dongle, h, id, hrmChannelPeriod, hrmSearchTimeout, hrmChannelFrequency, logger)
	if err != nil {
		return nil, fmt.Errorf("heart rate channel: %w", err)
	}
	h.channel = channel
	return h, nil
}

// State returns the underlying channel's pairing state.
func (h *HeartRateMonitor) State() ant.ChannelState { return h.channel.State() }

// DeviceNumber returns the learned device number, or 0 while searching.
func (h *HeartRateMonitor) DeviceNumber() uint32 { return h.channel.ID().DeviceNumber }

// Close shuts down the underlying channel.
func (h *HeartRateMonitor) Close() { h.channel.Close() }

// InstantHeartRate returns the latest heart rate in BPM, or 0 when the
// reading is stale.
func (h *HeartRateMonitor) InstantHeartRate() float64 {
	if h.nowMs()-h.heartRateTimestamp > staleTimeout {
		return 0
	}
	return h.instantHeartRate
}

// OnFrame records heart rate data from broadcasts.  The last four data page
// bytes are the same regardless of the data page, so no page dispatch is
// needed.  Old HRMs don't have data pages at all; detecting them would
// require watching the page toggle bit, which we don't use.
func (h *HeartRateMonitor) OnFrame(f ant.Frame) {
	if f.ID() != ant.BroadcastData {
		return
	}
	p := f.Payload()
	if len(p) < 9 {
		return
	}
	page := p[1:] // p[0] is the channel number

	h.lastMeasurementTime = h.measurementTime
	h.measurementTime = uint16(page[4]) | uint16(page[5])<<8
	h.heartBeats = page[6]
	h.instantHeartRate = float64(page[7])
	h.heartRateTimestamp = h.nowMs()
}

func (h *HeartRateMonitor) OnStateChange(_, newState ant.ChannelState) {
	if newState == ant.ChannelOpen {
		h.logger.Printf("Connected to HRM with serial %d", h.channel.ID().DeviceNumber)
		return
	}
	h.lastMeasurementTime = 0
	h.measurementTime = 0
	h.heartBeats = 0
	h.instantHeartRate = 0
	h.heartRateTimestamp = 0
}

func (h *HeartRateMonitor) OnAckReply(_ int, _ ant.EventCode) {
	// The HRM profile never transmits.
}
