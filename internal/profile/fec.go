package profile

import (
	"fmt"
	"log"

	"github.com/alex-hhh/TrainerControl/internal/ant"
)

// Implementation of the ANT+ Fitness Equipment Device profile is based on
// the "D000001231_-_ANT+_Device_Profile_-_Fitness_Equipment_-_Rev_4.2.pdf"
// document available from https://www.thisisant.com

// Values taken from the FE-C ANT+ Device Profile document.
const (
	fecDeviceType       = 0x11
	fecChannelPeriod    = 8192
	fecChannelFrequency = 57
	fecSearchTimeout    = 30
)

// FE-C data page numbers.
const (
	dpGeneral         = 0x10
	dpTrainerSpecific = 0x19
	dpBasicResistance = 0x30
	dpTargetPower     = 0x31
	dpWindResistance  = 0x32
	dpTrackResistance = 0x33
	dpCapabilities    = 0x36
	dpUserConfig      = 0x37
)

// EquipmentType is the kind of fitness equipment on the other end, from
// the general page.
type EquipmentType byte

const (
	EquipmentUnknown        EquipmentType = 0
	EquipmentGeneral        EquipmentType = 16
	EquipmentTreadmill      EquipmentType = 19
	EquipmentElliptical     EquipmentType = 20
	EquipmentStationaryBike EquipmentType = 21
	EquipmentRower          EquipmentType = 22
	EquipmentClimber        EquipmentType = 23
	EquipmentNordicSkier    EquipmentType = 24
	EquipmentTrainer        EquipmentType = 25
)

func (t EquipmentType) String() string {
	switch t {
	case EquipmentGeneral:
		return "general"
	case EquipmentTreadmill:
		return "treadmill"
	case EquipmentElliptical:
		return "elliptical"
	case EquipmentStationaryBike:
		return "stationary bike"
	case EquipmentRower:
		return "rower"
	case EquipmentClimber:
		return "climber"
	case EquipmentNordicSkier:
		return "nordic skier"
	case EquipmentTrainer:
		return "trainer"
	}
	return "unknown"
}

// TrainerState is the equipment state nibble reported on every page.
type TrainerState byte

const (
	StateReserved TrainerState = 0
	StateAsleep   TrainerState = 1
	StateReady    TrainerState = 2
	StateInUse    TrainerState = 3
	StateFinished TrainerState = 4 // paused
)

// SimulationState reports whether the trainer is holding its target.  Only
// meaningful in target power mode, otherwise 0.
type SimulationState byte

const (
	SimAtTargetPower     SimulationState = 0 // at target power, or no target set
	SimSpeedTooLow       SimulationState = 1
	SimSpeedTooHigh      SimulationState = 2
	SimPowerLimitReached SimulationState = 3
)

type capabilitiesStatus int

const (
	capabilitiesUnknown capabilitiesStatus = iota
	capabilitiesRequested
	capabilitiesReceived
)

// FitnessEquipmentControl reads telemetry from and controls the resistance
// of an ANT+ FE-C capable trainer.  Instant power, speed and cadence can be
// read, and the simulated slope can be set.
type FitnessEquipmentControl struct {
	channel *ant.Channel
	logger  *log.Logger
	nowMs   func() int64

	// User configuration, pushed to the trainer when it asks for it.
	updateUserConfig  bool
	userWeight        float64 // kg
	bikeWeight        float64 // kg
	bikeWheelDiameter float64 // meters

	// Simulation mode parameters.
	windResistanceCoefficient float64
	windSpeed                 float64
	draftingFactor            float64
	slope                     float64 // percent grade
	rollingResistance         float64

	// Trainer capabilities.
	capabilitiesStatus     capabilitiesStatus
	maxResistance          float64 // newtons
	basicResistanceControl bool
	targetPowerControl     bool
	simulationControl      bool
	equipmentType          EquipmentType

	// Calibration status reported by the trainer.
	zeroOffsetCalibrationRequired bool
	spinDownCalibrationRequired   bool
	userConfigurationRequired     bool

	// Trainer output parameters.  Note that power, speed and cadence
	// staleness are all governed by the power timestamp.
	instantPowerTimestamp int64
	instantPower          float64
	instantSpeedTimestamp int64
	instantSpeed          float64 // m/s
	instantSpeedIsVirtual bool
	instantCadence        float64 // rpm
	trainerState          TrainerState
	simulationState       SimulationState
}

var _ ant.Handler = (*FitnessEquipmentControl)(nil)

// NewFitnessEquipmentControl opens an FE-C channel on the dongle.  A
// deviceNumber of 0 pairs with any trainer in range.
func NewFitnessEquipmentControl(dongle *ant.Dongle, deviceNumber uint32, logger *log.Logger) (*FitnessEquipmentControl, error) {
	ts := nowMilliseconds()
	f := &FitnessEquipmentControl{
		logger: logger,
		nowMs:  nowMilliseconds,

		// Reasonable defaults until SetUserParams is called.
		updateUserConfig:  true,
		userWeight:        75.0,
		bikeWeight:        10.0,
		bikeWheelDiameter: 0.668,

		windResistanceCoefficient: 0.51, // default from the device profile
		windSpeed:                 0,
		// A drafting factor of 1 means no drafting effect (riding alone
		// or at the front); 0 removes all air resistance.
		draftingFactor: 1.0,
		slope:          0,
		// Value recommended by the device profile for asphalt road.
		rollingResistance: 0.004,

		instantPowerTimestamp: ts,
		instantSpeedTimestamp: ts,
	}
	id := ant.DeviceID{DeviceType: fecDeviceType, DeviceNumber: deviceNumber}
	channel, err := ant.NewChannel(dongle, f, id, fecChannelPeriod, fecSearchTimeout, fecChannelFrequency, logger)
	if err != nil {
		return nil, fmt.Errorf("fitness equipment channel: %w", err)
	}
	f.channel = channel
	return f, nil
}

// State returns the underlying channel's pairing state.
func (f *FitnessEquipmentControl) State() ant.ChannelState { return f.channel.State() }

// DeviceNumber returns the learned device number, or 0 while searching.
func (f *FitnessEquipmentControl) DeviceNumber() uint32 { return f.channel.ID().DeviceNumber }

// Close shuts down the underlying channel.
func (f *FitnessEquipmentControl) Close() { f.channel.Close() }

// InstantPower returns the latest power reading in watts, or 0 when stale.
func (f *FitnessEquipmentControl) InstantPower() float64 {
	if f.nowMs()-f.instantPowerTimestamp > staleTimeout {
		return 0
	}
	return f.instantPower
}

// InstantSpeed returns the latest speed reading in m/s, or 0 when stale.
func (f *FitnessEquipmentControl) InstantSpeed() float64 {
	if f.nowMs()-f.instantPowerTimestamp > staleTimeout {
		return 0
	}
	return f.instantSpeed
}

// InstantSpeedIsVirtual reports whether the speed value is simulated by
// the trainer rather than measured.
func (f *FitnessEquipmentControl) InstantSpeedIsVirtual() bool {
	return f.instantSpeedIsVirtual
}

// InstantCadence returns the latest cadence reading in RPM, or 0 when
// stale.
func (f *FitnessEquipmentControl) InstantCadence() float64 {
	if f.nowMs()-f.instantPowerTimestamp > staleTimeout {
		return 0
	}
	return f.instantCadence
}

// GetEquipmentType returns the equipment kind from the general page.
func (f *FitnessEquipmentControl) GetEquipmentType() EquipmentType { return f.equipmentType }

// GetTrainerState returns the trainer's reported state.
func (f *FitnessEquipmentControl) GetTrainerState() TrainerState { return f.trainerState }

// GetSimulationState returns the target-tracking state.
func (f *FitnessEquipmentControl) GetSimulationState() SimulationState { return f.simulationState }

// MaxResistance returns the trainer's maximum resistance in newtons, known
// after the capabilities page was received.
func (f *FitnessEquipmentControl) MaxResistance() float64 { return f.maxResistance }

// SupportsBasicResistance reports basic resistance control capability.
func (f *FitnessEquipmentControl) SupportsBasicResistance() bool { return f.basicResistanceControl }

// SupportsTargetPower reports target power (erg) control capability.
func (f *FitnessEquipmentControl) SupportsTargetPower() bool { return f.targetPowerControl }

// SupportsSimulation reports simulation control capability.
func (f *FitnessEquipmentControl) SupportsSimulation() bool { return f.simulationControl }

// SetUserParams updates rider weight (kg), bike weight (kg) and wheel
// diameter (meters); the new configuration is queued on the next broadcast
// that is not used for the capabilities request, and goes out to the
// trainer in the broadcast window after that.
func (f *FitnessEquipmentControl) SetUserParams(userWeight, bikeWeight, wheelDiameter float64) {
	f.userWeight = userWeight
	f.bikeWeight = bikeWeight
	f.bikeWheelDiameter = wheelDiameter
	f.updateUserConfig = true
}

// SetSlope sets the simulated track slope in percent grade.
func (f *FitnessEquipmentControl) SetSlope(slope float64) {
	f.logger.Printf("Set slope to %.1f%%", slope)
	f.slope = slope
	f.sendTrackResistancePage()
}

// OnFrame decodes trainer broadcasts and issues any control traffic that is
// due.  Only one acknowledged transmission fits per broadcast window, so
// requests go out in priority order: capabilities first, then user config.
func (f *FitnessEquipmentControl) OnFrame(frame ant.Frame) {
	if frame.ID() != ant.BroadcastData {
		return
	}
	p := frame.Payload()
	if len(p) < 9 {
		return
	}
	page := p[1:] // p[0] is the channel number

	switch page[0] {
	case dpGeneral:
		f.processGeneralPage(page)
	case dpTrainerSpecific:
		f.processTrainerSpecificPage(page)
	case dpCapabilities:
		f.processCapabilitiesPage(page)
	}

	if f.channel.ID().DeviceNumber == 0 {
		// Don't request anything until pairing completes.
	} else if f.capabilitiesStatus == capabilitiesUnknown {
		f.channel.RequestDataPage(dpCapabilities)
		f.capabilitiesStatus = capabilitiesRequested
	} else if f.updateUserConfig {
		f.sendUserConfigPage()
	}
}

// processGeneralPage decodes data page 0x10.
func (f *FitnessEquipmentControl) processGeneralPage(page []byte) {
	f.equipmentType = EquipmentType(page[1] & 0x1F)
	speedRaw := uint16(page[4]) | uint16(page[5])<<8
	f.instantSpeedTimestamp = f.nowMs()
	f.instantSpeed = float64(speedRaw) * 0.001
	capabilities := page[7] & 0x0F
	f.instantSpeedIsVirtual = capabilities&0x03 != 0
	// Bit 3 of the state nibble is the lap toggle, which we don't use.
	f.trainerState = TrainerState((page[7] >> 4) & 0x07)
}

// processTrainerSpecificPage decodes data page 0x19.
func (f *FitnessEquipmentControl) processTrainerSpecificPage(page []byte) {
	f.instantCadence = float64(page[2])
	f.instantPower = float64(uint16(page[6]&0x0F)<<8 | uint16(page[5]))
	f.instantPowerTimestamp = f.nowMs()
	f.simulationState = SimulationState(page[7] & 0x03)
	f.trainerState = TrainerState((page[7] >> 4) & 0x07)

	trainerStatus := (page[6] >> 4) & 0x0F
	f.zeroOffsetCalibrationRequired = trainerStatus&0x01 != 0
	f.spinDownCalibrationRequired = trainerStatus&0x02 != 0
	f.userConfigurationRequired = trainerStatus&0x04 != 0
	f.updateUserConfig = f.updateUserConfig || f.userConfigurationRequired
}

// processCapabilitiesPage decodes data page 0x36.  The page can arrive
// several times; the capability set is logged once unless it changes.
func (f *FitnessEquipmentControl) processCapabilitiesPage(page []byte) {
	f.maxResistance = float64(uint16(page[5]) | uint16(page[6])<<8)
	capabilities := page[7]
	basic := capabilities&0x01 != 0
	targetPower := capabilities&0x02 != 0
	simulation := capabilities&0x04 != 0

	if f.capabilitiesStatus != capabilitiesReceived ||
		basic != f.basicResistanceControl ||
		targetPower != f.targetPowerControl ||
		simulation != f.simulationControl {
		f.capabilitiesStatus = capabilitiesReceived
		f.basicResistanceControl = basic
		f.targetPowerControl = targetPower
		f.simulationControl = simulation
		f.logger.Printf("Got trainer capabilities: max resistance %.0f N, basic=%v target-power=%v simulation=%v",
			f.maxResistance, basic, targetPower, simulation)
	}
}

// sendUserConfigPage queues data page 0x37.  Bike weight is encoded in
// 0.05 kg units split across the low nibble of byte 4 and all of byte 5;
// wheel diameter is centimeters plus a millimeter residual in the low two
// bits of byte 4.
func (f *FitnessEquipmentControl) sendUserConfigPage() {
	f.logger.Printf("Sending user config: rider %.1f kg, bike %.1f kg, wheel %.3f m",
		f.userWeight, f.bikeWeight, f.bikeWheelDiameter)

	uw := uint16(f.userWeight / 0.01)
	bw := uint16(f.bikeWeight / 0.05)
	wheelCm := uint16(f.bikeWheelDiameter / 0.01)
	wheelMm := uint16(f.bikeWheelDiameter/0.001) - wheelCm*10

	msg := []byte{
		dpUserConfig,
		byte(uw & 0xFF),
		byte((uw >> 8) & 0xFF),
		0xFF, // reserved
		byte((wheelMm & 0x03) | ((bw & 0x0F) << 4)),
		byte((bw >> 4) & 0xFF),
		byte(wheelCm & 0xFF),
		0x00, // gear ratio: invalid, trainer keeps its own
	}
	f.channel.SendAcknowledgedData(dpUserConfig, msg)
	f.updateUserConfig = false
}

// sendTrackResistancePage queues data page 0x33 with the current slope and
// rolling resistance.
func (f *FitnessEquipmentControl) sendTrackResistancePage() {
	// Slope travels as 0.01% units offset by -200%.
	rawSlope := (f.slope + 200.0) / 0.01
	if rawSlope < 0 {
		rawSlope = 0
	} else if rawSlope > 40000 {
		rawSlope = 40000
	}
	slopeBits := uint16(rawSlope)

	rawRolling := f.rollingResistance * 5e5
	if rawRolling < 0 {
		rawRolling = 0
	} else if rawRolling > 255 {
		rawRolling = 255
	}

	msg := []byte{
		dpTrackResistance,
		0xFF, 0xFF, 0xFF, 0xFF,
		byte(slopeBits & 0xFF),
		byte((slopeBits >> 8) & 0xFF),
		byte(rawRolling),
	}
	f.channel.SendAcknowledgedData(dpTrackResistance, msg)
}

// OnAckReply re-arms whatever request failed; acknowledged transmissions
// are not retried by the channel.
func (f *FitnessEquipmentControl) OnAckReply(tag int, event ant.EventCode) {
	if event == ant.EventTransferTxCompleted {
		return
	}
	switch tag {
	case dpCapabilities:
		f.capabilitiesStatus = capabilitiesUnknown
	case dpUserConfig:
		f.updateUserConfig = true
	case dpTrackResistance:
		f.sendTrackResistancePage()
	}
}

func (f *FitnessEquipmentControl) OnStateChange(_, newState ant.ChannelState) {
	if newState == ant.ChannelOpen {
		f.logger.Printf("Connected to ANT+ FE-C with serial %d", f.channel.ID().DeviceNumber)
		return
	}

	f.capabilitiesStatus = capabilitiesUnknown
	f.maxResistance = 0
	f.basicResistanceControl = false
	f.targetPowerControl = false
	f.simulationControl = false

	f.zeroOffsetCalibrationRequired = false
	f.spinDownCalibrationRequired = false
	f.userConfigurationRequired = false

	f.instantPower = 0
	f.instantSpeed = 0
	f.instantSpeedIsVirtual = false
	f.instantCadence = 0
	f.trainerState = StateReserved
	f.simulationState = SimAtTargetPower
}
