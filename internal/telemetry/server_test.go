package telemetry

import (
	"bufio"
	"io"
	"log"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alex-hhh/TrainerControl/internal/ant"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestTelemetry_String(t *testing.T) {
	cases := []struct {
		name string
		in   Telemetry
		want string
	}{
		{"all fields", Telemetry{HR: 146, Cad: 78, Pwr: 214, Spd: 4.2}, "HR: 146;CAD: 78;PWR: 214;SPD: 4.2"},
		{"no readings", Telemetry{HR: -1, Cad: -1, Pwr: -1, Spd: -1}, ""},
		{"hr only", Telemetry{HR: 72, Cad: -1, Pwr: -1, Spd: -1}, "HR: 72"},
		{"trainer only", Telemetry{HR: -1, Cad: 90, Pwr: 250, Spd: -1}, ";CAD: 90;PWR: 250"},
		{"zero is a reading", Telemetry{HR: 0, Cad: -1, Pwr: -1, Spd: -1}, "HR: 0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.in.String())
		})
	}
}

func TestParseCommand(t *testing.T) {
	cmd, ok := parseCommand("SET-SLOPE 2.5")
	require.True(t, ok)
	assert.Equal(t, "SET-SLOPE", cmd.name)
	assert.Equal(t, 2.5, cmd.value)

	cmd, ok = parseCommand("SET-SLOPE -1.25")
	require.True(t, ok)
	assert.Equal(t, -1.25, cmd.value)

	for _, line := range []string{
		"",
		"SET-SLOPE",
		"SET-SLOPE abc",
		"SET-SLOPE 1 2",
		"SET-POWER 200",
		"garbage",
	} {
		_, ok := parseCommand(line)
		assert.False(t, ok, "line %q", line)
	}
}

func newTestServer(t *testing.T) (*Server, *ant.MockTransport) {
	t.Helper()
	mt := ant.NewMockTransport()
	mt.AutoAck = true
	mt.StartupReply = true
	mt.Requests[ant.ResponseSerialNumber] = ant.EncodeMessage(ant.ResponseSerialNumber, 0x78, 0x56, 0x34, 0x12)
	mt.Requests[ant.ResponseVersion] = ant.EncodeMessage(ant.ResponseVersion, []byte("AP2USB1.23\x00")...)
	mt.Requests[ant.ResponseCapabilities] = ant.EncodeMessage(ant.ResponseCapabilities, 8, 3, 0, 0, 0, 0)

	dongle, err := ant.NewDongle(mt, testLogger())
	require.NoError(t, err)
	require.NoError(t, dongle.SetNetworkKey(ant.PlusNetworkKey))

	server, err := NewServer(dongle, Config{Port: 0}, testLogger())
	require.NoError(t, err)
	t.Cleanup(server.Close)
	return server, mt
}

func TestServer_OpensSensorChannels(t *testing.T) {
	server, _ := newTestServer(t)

	// HRM on slot 0, FE-C on slot 1, both searching until a master shows
	// up.
	assert.Equal(t, ant.ChannelSearching, server.hrm.State())
	assert.Equal(t, ant.ChannelSearching, server.fec.State())
}

func TestServer_TelemetryFanout(t *testing.T) {
	server, _ := newTestServer(t)

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Tick until the accept loop has registered the client and a line
	// arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				if err := server.Tick(); err != nil {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)

	// No sensor is paired, so the line carries no readings.
	assert.Equal(t, "TELEMETRY \n", line)
}

func TestServer_ClientCommandReachesQueue(t *testing.T) {
	server, _ := newTestServer(t)

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("bogus command\nSET-SLOPE 2.5\n"))
	require.NoError(t, err)

	// The unknown command is dropped; the slope command is queued for
	// the tick goroutine.
	select {
	case cmd := <-server.commands:
		assert.Equal(t, command{name: "SET-SLOPE", value: 2.5}, cmd)
	case <-time.After(5 * time.Second):
		t.Fatal("command never reached the queue")
	}

	select {
	case cmd := <-server.commands:
		t.Fatalf("unexpected extra command: %+v", cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServer_RebuildsClosedChannel(t *testing.T) {
	server, mt := newTestServer(t)

	// Pair the HRM so it learns device 0x2211.
	mt.Requests[ant.ResponseChannelID] = ant.EncodeMessage(ant.ResponseChannelID, 0, 0x11, 0x22, 0x78, 0x01)
	mt.QueueFrame(ant.EncodeMessage(ant.BroadcastData, 0, 0, 0, 0, 0, 0x04, 0x00, 0x10, 72))
	require.NoError(t, server.Tick())
	require.NoError(t, server.Tick())
	require.Equal(t, ant.ChannelOpen, server.hrm.State())
	require.Equal(t, uint32(0x2211), server.hrm.DeviceNumber())

	// The channel closes (e.g. search timeout); the server rebuilds it
	// sticky to the learned device number.
	oldHrm := server.hrm
	mt.QueueFrame(ant.EncodeMessage(ant.ChannelResponse, 0, 1, byte(ant.EventChannelClosed)))
	require.NoError(t, server.Tick())

	assert.NotSame(t, oldHrm, server.hrm)
	assert.Equal(t, ant.ChannelSearching, server.hrm.State())
	assert.Equal(t, uint32(0x2211), server.hrm.DeviceNumber())

	// The replacement channel was configured with the learned device
	// number.
	var lastSetID ant.Frame
	for _, w := range mt.Writes {
		if w.ID() == ant.SetChannelID {
			lastSetID = w
		}
	}
	require.NotNil(t, lastSetID)
	assert.Equal(t, []byte{0, 0x11, 0x22, 0x78, 0x00}, lastSetID.Payload())
}
