package ant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"
)

// Transport is the byte pipe to the ANT dongle.  Read returns (0, nil) when
// no bytes arrived within the timeout; Write blocks until the transfer
// completes or the timeout expires.  At most one read and one write may be
// outstanding, which the single-threaded core guarantees by construction.
type Transport interface {
	Read(p []byte, timeout time.Duration) (int, error)
	Write(p []byte, timeout time.Duration) (int, error)
	Close() error
}

// antStickIDs lists the vendor/product pairs of known ANT+ USB sticks.
// The first match wins.
var antStickIDs = []struct {
	vid, pid gousb.ID
}{
	{0x0FCF, 0x1008},
	{0x0FCF, 0x1009},
}

// USBTransport drives the dongle's bulk IN/OUT endpoint pair through gousb.
type USBTransport struct {
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	logger *log.Logger
}

var _ Transport = (*USBTransport)(nil)

// OpenUSBTransport finds the first plugged-in ANT stick, puts it into
// configuration 1, claims its sole interface, resets it and clears any halt
// condition on both bulk endpoints.
func OpenUSBTransport(usbCtx *gousb.Context, logger *log.Logger) (*USBTransport, error) {
	dev, err := findAntStick(usbCtx)
	if err != nil {
		return nil, err
	}

	t := &USBTransport{dev: dev, logger: logger}
	if err := t.setup(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func findAntStick(usbCtx *gousb.Context) (*gousb.Device, error) {
	devs, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, id := range antStickIDs {
			if desc.Vendor == id.vid && desc.Product == id.pid {
				return true
			}
		}
		return false
	})
	// OpenDevices can return both devices and an error; keep the first
	// device if we got one at all.
	if len(devs) == 0 {
		if err != nil {
			return nil, &TransportError{Op: "enumerate", Err: err}
		}
		return nil, ErrDeviceNotFound
	}
	for _, d := range devs[1:] {
		d.Close()
	}
	return devs[0], nil
}

func (t *USBTransport) setup() error {
	// Harmless on Windows, required on Linux where the kernel claims the
	// stick as a serial device.
	if err := t.dev.SetAutoDetach(true); err != nil {
		return &TransportError{Op: "auto detach", Err: err}
	}

	if err := t.dev.Reset(); err != nil {
		return &TransportError{Op: "reset device", Err: err}
	}

	// ANT sticks have a single configuration with a single interface and
	// alternate setting.  Config selects configuration 1, releasing and
	// re-claiming as needed.
	cfg, err := t.dev.Config(1)
	if err != nil {
		return &TransportError{Op: "set configuration", Err: err}
	}
	t.cfg = cfg

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		return &TransportError{Op: "claim interface", Err: err}
	}
	t.intf = intf

	inNum, outNum, err := findBulkEndpoints(intf)
	if err != nil {
		return err
	}

	in, err := intf.InEndpoint(inNum)
	if err != nil {
		return &TransportError{Op: "open in endpoint", Err: err}
	}
	t.in = in

	out, err := intf.OutEndpoint(outNum)
	if err != nil {
		return &TransportError{Op: "open out endpoint", Err: err}
	}
	t.out = out

	if err := t.clearHalt(in.Desc.Address); err != nil {
		return err
	}
	if err := t.clearHalt(out.Desc.Address); err != nil {
		return err
	}

	t.logger.Printf("USBTransport: opened ANT stick %s (in=0x%02X out=0x%02X)",
		t.dev.Desc.String(), uint8(in.Desc.Address), uint8(out.Desc.Address))
	return nil
}

// findBulkEndpoints locates the IN and OUT bulk endpoints of the dongle's
// sole interface setting.
func findBulkEndpoints(intf *gousb.Interface) (in, out int, err error) {
	in, out = -1, -1
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			in = ep.Number
		case gousb.EndpointDirectionOut:
			out = ep.Number
		}
	}
	if in < 0 || out < 0 {
		return 0, 0, &TransportError{
			Op:  "endpoint discovery",
			Err: fmt.Errorf("interface has no bulk in/out endpoint pair"),
		}
	}
	return in, out, nil
}

const (
	usbReqClearFeature  = 0x01
	usbFeatEndpointHalt = 0x00
)

// clearHalt issues the standard CLEAR_FEATURE(ENDPOINT_HALT) request for an
// endpoint.  gousb does not wrap libusb_clear_halt, but the control request
// is equivalent.
func (t *USBTransport) clearHalt(addr gousb.EndpointAddress) error {
	_, err := t.dev.Control(
		gousb.ControlOut|gousb.ControlStandard|gousb.ControlEndpoint,
		usbReqClearFeature, usbFeatEndpointHalt, uint16(addr), nil)
	if err != nil {
		return &TransportError{Op: "clear halt", Err: err}
	}
	return nil
}

// Read fills p with bytes from the IN endpoint.  A timeout is not an error:
// the dongle only talks when it has something to say.
func (t *USBTransport) Read(p []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := t.in.ReadContext(ctx, p)
	if err != nil {
		if isUSBTimeout(err) {
			return n, nil
		}
		return n, &TransportError{Op: "read", Err: err}
	}
	return n, nil
}

// Write sends p on the OUT endpoint, blocking until completion.  A stalled
// endpoint gets its halt condition cleared before the error is reported.
func (t *USBTransport) Write(p []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := t.out.WriteContext(ctx, p)
	if err != nil {
		if errors.Is(err, gousb.TransferStall) || errors.Is(err, gousb.ErrorPipe) {
			if cerr := t.clearHalt(t.out.Desc.Address); cerr != nil {
				t.logger.Printf("USBTransport: clear halt after stall failed: %v", cerr)
			}
		}
		return n, &TransportError{Op: "write", Err: err}
	}
	return n, nil
}

func isUSBTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gousb.TransferTimedOut) ||
		errors.Is(err, gousb.TransferCancelled) ||
		errors.Is(err, gousb.ErrorTimeout)
}

// Close releases the interface, configuration and device.
func (t *USBTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		t.cfg.Close()
	}
	if t.dev != nil {
		return t.dev.Close()
	}
	return nil
}
