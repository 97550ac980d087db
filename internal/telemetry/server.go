package telemetry

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/alex-hhh/TrainerControl/internal/ant"
	"github.com/alex-hhh/TrainerControl/internal/events"
	"github.com/alex-hhh/TrainerControl/internal/go_func_utils"
	"github.com/alex-hhh/TrainerControl/internal/profile"
)

// DefaultPort is the TCP port the telemetry server listens on.
const DefaultPort = 7500

// Telemetry is one sample of the sensors.  A value of -1 means "no
// reading" and is omitted from the wire format.
type Telemetry struct {
	HR  float64
	Cad float64
	Pwr float64
	Spd float64
}

// String renders the sample in the line format clients consume, omitting
// fields with no reading.
func (t Telemetry) String() string {
	var b strings.Builder
	if t.HR >= 0 {
		fmt.Fprintf(&b, "HR: %g", t.HR)
	}
	if t.Cad >= 0 {
		fmt.Fprintf(&b, ";CAD: %g", t.Cad)
	}
	if t.Pwr >= 0 {
		fmt.Fprintf(&b, ";PWR: %g", t.Pwr)
	}
	if t.Spd >= 0 {
		fmt.Fprintf(&b, ";SPD: %g", t.Spd)
	}
	return b.String()
}

// Config carries the server's tunables.
type Config struct {
	// Port to listen on; 0 picks an ephemeral port (used by tests).
	Port int

	// Preferred device numbers; 0 pairs with anything in range.
	HRMDeviceNumber uint32
	FECDeviceNumber uint32

	// Rider parameters pushed to the trainer.
	UserWeightKg       float64
	BikeWeightKg       float64
	WheelDiameterMeter float64
}

// command is a client request waiting to be applied on the tick goroutine.
type command struct {
	name  string
	value float64
}

// Server bridges the ANT sensors to TCP clients: every tick it samples the
// profiles and fans a telemetry line out to all connected clients, and it
// applies any commands clients sent since the last tick.  All sensor access
// happens on the goroutine calling Tick; the connection goroutines only
// touch the events fan-out and the command queue.
type Server struct {
	dongle *ant.Dongle
	logger *log.Logger
	cfg    Config

	hrm *profile.HeartRateMonitor
	fec *profile.FitnessEquipmentControl

	listener net.Listener
	lines    *events.ChannelEvent[string]
	commands chan command
	done     chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewServer starts listening and opens the HRM and FE-C channels.
func NewServer(dongle *ant.Dongle, cfg Config, logger *log.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("telemetry server: %w", err)
	}

	s := &Server{
		dongle:   dongle,
		logger:   logger,
		cfg:      cfg,
		listener: listener,
		lines:    events.NewChannelEvent[string](false),
		commands: make(chan command, 16),
		done:     make(chan struct{}),
	}

	hrm, err := profile.NewHeartRateMonitor(dongle, cfg.HRMDeviceNumber, logger)
	if err != nil {
		listener.Close()
		return nil, err
	}
	s.hrm = hrm

	fec, err := profile.NewFitnessEquipmentControl(dongle, cfg.FECDeviceNumber, logger)
	if err != nil {
		hrm.Close()
		listener.Close()
		return nil, err
	}
	if cfg.UserWeightKg > 0 {
		fec.SetUserParams(cfg.UserWeightKg, cfg.BikeWeightKg, cfg.WheelDiameterMeter)
	}
	s.fec = fec

	logger.Printf("Started telemetry server on %s", listener.Addr())

	s.wg.Add(1)
	go_func_utils.SafeGo(logger, s.acceptLoop)
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Tick runs one iteration of the bridge: dispatch ANT traffic, rebuild any
// dead sensor channel, apply pending client commands, then publish a
// telemetry sample.
func (s *Server) Tick() error {
	if err := s.dongle.Tick(); err != nil {
		return err
	}
	if err := s.checkSensorHealth(); err != nil {
		return err
	}
	s.drainCommands()
	s.lines.Notify("TELEMETRY " + s.collectTelemetry().String() + "\n")
	return nil
}

// checkSensorHealth rebuilds profiles whose channel closed, reusing the
// learned device number so the pairing sticks to the same physical sensor.
func (s *Server) checkSensorHealth() error {
	if s.hrm != nil && s.hrm.State() == ant.ChannelClosed {
		deviceNumber := s.hrm.DeviceNumber()
		s.logger.Printf("Creating new HRM channel (device %d)", deviceNumber)
		s.hrm.Close()
		s.hrm = nil
		hrm, err := profile.NewHeartRateMonitor(s.dongle, deviceNumber, s.logger)
		if err != nil {
			return err
		}
		s.hrm = hrm
	}

	if s.fec != nil && s.fec.State() == ant.ChannelClosed {
		deviceNumber := s.fec.DeviceNumber()
		s.logger.Printf("Creating new FE-C channel (device %d)", deviceNumber)
		s.fec.Close()
		s.fec = nil
		fec, err := profile.NewFitnessEquipmentControl(s.dongle, deviceNumber, s.logger)
		if err != nil {
			return err
		}
		if s.cfg.UserWeightKg > 0 {
			fec.SetUserParams(s.cfg.UserWeightKg, s.cfg.BikeWeightKg, s.cfg.WheelDiameterMeter)
		}
		s.fec = fec
	}
	return nil
}

func (s *Server) collectTelemetry() Telemetry {
	t := Telemetry{HR: -1, Cad: -1, Pwr: -1, Spd: -1}
	if s.hrm != nil && s.hrm.State() == ant.ChannelOpen {
		t.HR = s.hrm.InstantHeartRate()
	}
	if s.fec != nil && s.fec.State() == ant.ChannelOpen {
		t.Cad = s.fec.InstantCadence()
		t.Pwr = s.fec.InstantPower()
		t.Spd = s.fec.InstantSpeed()
	}
	return t
}

// drainCommands applies all commands queued since the last tick.
func (s *Server) drainCommands() {
	for {
		select {
		case cmd := <-s.commands:
			if cmd.name == "SET-SLOPE" && s.fec != nil {
				s.fec.SetSlope(cmd.value)
			}
		default:
			return
		}
	}
}

// parseCommand parses one client line.  Only SET-SLOPE is recognized;
// anything else is ignored.
func parseCommand(line string) (command, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "SET-SLOPE" {
		return command{}, false
	}
	value, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return command{}, false
	}
	return command{name: fields[0], value: value}, true
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Printf("Server: accept failed: %v", err)
			}
			return
		}
		s.logger.Printf("Accepted connection from %s", conn.RemoteAddr())
		s.wg.Add(2)
		go_func_utils.SafeGo(s.logger, func() { s.writeClient(conn) })
		go_func_utils.SafeGo(s.logger, func() { s.readClient(conn) })
	}
}

// writeClient forwards telemetry lines to one client until the connection
// dies.  Closing the connection also unblocks the read side.
func (s *Server) writeClient(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	ch := make(chan string, 8)
	unregister := s.lines.Listen(ch)
	defer unregister()

	for {
		select {
		case line := <-ch:
			if _, err := conn.Write([]byte(line)); err != nil {
				s.logger.Printf("Closing socket for %s: %v", conn.RemoteAddr(), err)
				return
			}
		case <-s.done:
			return
		}
	}
}

// readClient parses newline-terminated commands from one client.
func (s *Server) readClient(conn net.Conn) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd, ok := parseCommand(scanner.Text())
		if !ok {
			continue
		}
		select {
		case s.commands <- cmd:
		default:
			s.logger.Printf("Server: command queue full, dropping %s from %s", cmd.name, conn.RemoteAddr())
		}
	}
}

// Close shuts down the listener and the sensor channels.  Connection
// goroutines exit as their sockets close.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.listener.Close()
	if s.hrm != nil {
		s.hrm.Close()
	}
	if s.fec != nil {
		s.fec.Close()
	}
}
