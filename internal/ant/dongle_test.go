package ant

import (
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// newTestTransport scripts a healthy ANT stick: startup notification,
// capability replies, and automatic success responses to configuration
// commands.
func newTestTransport() *MockTransport {
	mt := NewMockTransport()
	mt.AutoAck = true
	mt.StartupReply = true
	mt.Requests[ResponseSerialNumber] = EncodeMessage(ResponseSerialNumber, 0x78, 0x56, 0x34, 0x12)
	mt.Requests[ResponseVersion] = EncodeMessage(ResponseVersion, []byte("AP2USB1.23\x00")...)
	mt.Requests[ResponseCapabilities] = EncodeMessage(ResponseCapabilities, 8, 3, 0, 0, 0, 0)
	return mt
}

func newTestDongle(t *testing.T) (*Dongle, *MockTransport) {
	t.Helper()
	mt := newTestTransport()
	d, err := NewDongle(mt, testLogger())
	require.NoError(t, err)
	require.NoError(t, d.SetNetworkKey(PlusNetworkKey))
	return d, mt
}

func TestDongle_BringUp(t *testing.T) {
	mt := newTestTransport()
	d, err := NewDongle(mt, testLogger())
	require.NoError(t, err)

	assert.Equal(t, uint32(0x12345678), d.Serial())
	assert.Equal(t, "AP2USB1.23", d.Version())
	assert.Equal(t, 8, d.MaxChannels())
	assert.Equal(t, 3, d.MaxNetworks())
	assert.Equal(t, -1, d.Network(), "no network before SetNetworkKey")

	ids := mt.WrittenIDs()
	assert.Equal(t, []MessageID{ResetSystem, RequestMessage, RequestMessage, RequestMessage}, ids)

	require.NoError(t, d.SetNetworkKey(PlusNetworkKey))
	assert.Equal(t, 0, d.Network())

	key := mt.LastWrite()
	assert.Equal(t, SetNetworkKey, key.ID())
	assert.Equal(t, append([]byte{0}, PlusNetworkKey[:]...), key.Payload())
}

func TestDongle_BringUpWithoutStartupMessage(t *testing.T) {
	// Some sticks omit the startup notification; bring-up proceeds.
	mt := newTestTransport()
	mt.StartupReply = false

	d, err := NewDongle(mt, testLogger())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), d.Serial())
}

func TestDongle_DelayedFramesPreserveOrder(t *testing.T) {
	d, mt := newTestDongle(t)

	// Two broadcasts arrive while the channel configuration round-trips
	// are in flight; they must be set aside and delivered afterwards in
	// arrival order.
	first := EncodeMessage(BroadcastData, 0, 1, 0, 0, 0, 0, 0, 0, 0)
	second := EncodeMessage(BroadcastData, 0, 2, 0, 0, 0, 0, 0, 0, 0)
	mt.QueueFrame(first)
	mt.QueueFrame(second)

	h := &recordingHandler{}
	_, err := NewChannel(d, h, DeviceID{DeviceType: 0x78, DeviceNumber: 0x2211}, 8070, 30, 57, testLogger())
	require.NoError(t, err)
	assert.Empty(t, h.frames, "data frames must not leak into the config path")

	require.NoError(t, d.Tick())
	require.NoError(t, d.Tick())
	require.Len(t, h.frames, 2)
	assert.Equal(t, first, h.frames[0])
	assert.Equal(t, second, h.frames[1])
}

func TestDongle_SlotAllocation(t *testing.T) {
	mt := newTestTransport()
	mt.Requests[ResponseCapabilities] = EncodeMessage(ResponseCapabilities, 2, 3, 0, 0, 0, 0)
	d, err := NewDongle(mt, testLogger())
	require.NoError(t, err)
	require.NoError(t, d.SetNetworkKey(PlusNetworkKey))

	a, err := NewChannel(d, &recordingHandler{}, DeviceID{DeviceType: 0x78}, 8070, 30, 57, testLogger())
	require.NoError(t, err)
	assert.Equal(t, byte(0), a.Number())

	b, err := NewChannel(d, &recordingHandler{}, DeviceID{DeviceType: 0x11}, 8192, 30, 57, testLogger())
	require.NoError(t, err)
	assert.Equal(t, byte(1), b.Number())

	_, err = NewChannel(d, &recordingHandler{}, DeviceID{DeviceType: 0x78}, 8070, 30, 57, testLogger())
	assert.ErrorIs(t, err, ErrResourceExhausted)

	// Closing a channel frees the smallest slot for reuse.
	a.Close()
	c, err := NewChannel(d, &recordingHandler{}, DeviceID{DeviceType: 0x78}, 8070, 30, 57, testLogger())
	require.NoError(t, err)
	assert.Equal(t, byte(0), c.Number())
}

func TestDongle_TickDropsBadFrames(t *testing.T) {
	d, mt := newTestDongle(t)

	bad := EncodeMessage(BroadcastData, 0, 1, 2)
	bad[len(bad)-1] ^= 0x01
	mt.QueueBytes(bad)

	require.NoError(t, d.Tick())
	assert.Equal(t, 1, d.FramingErrors())
}

func TestDongle_TickIgnoresUnroutedFrames(t *testing.T) {
	d, mt := newTestDongle(t)

	// A broadcast for a channel nobody registered is dropped quietly.
	mt.QueueFrame(EncodeMessage(BroadcastData, 5, 1, 2, 3, 4, 5, 6, 7, 8))
	require.NoError(t, d.Tick())
}

func TestDongle_DelayedOverflowDropsOldest(t *testing.T) {
	d, _ := newTestDongle(t)

	for i := 0; i < maxDelayedFrames+5; i++ {
		d.pushDelayed(EncodeMessage(BroadcastData, 0, byte(i)))
	}
	assert.Equal(t, maxDelayedFrames, len(d.delayed))
	assert.Equal(t, 5, d.DelayedDropped())
	// The survivors are the newest frames.
	assert.Equal(t, byte(5), d.delayed[0].Payload()[1])
}
