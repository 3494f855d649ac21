package printer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	logInternal "github.com/edrosten/adafruit-thermal-printer-driver/log"
)

// USBTransport drives a printer through its bulk endpoints. in is nil when the
// interface has no IN endpoint.
type USBTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint

	rbuf    []byte
	pending []byte
}

// OpenUSB claims interface 0 of the first device matching vendorID and
// productID and opens bulk endpoints outEp and inEp.
func OpenUSB(vendorID, productID gousb.ID, outEp, inEp int) (*USBTransport, error) {
	u := &USBTransport{ctx: gousb.NewContext()}

	var err error
	defer func() {
		if err != nil {
			u.Close()
		}
	}()

	if u.dev, err = findUSBPrinter(u.ctx, vendorID, productID); err != nil {
		return nil, err
	}
	if err = u.dev.SetAutoDetach(true); err != nil {
		logInternal.Debug("usb: auto detach unavailable", zap.Error(err))
		err = nil
	}
	if u.cfg, err = u.dev.Config(1); err != nil {
		err = fmt.Errorf("usb: set configuration: %w", err)
		return nil, err
	}
	if u.intf, err = u.cfg.Interface(0, 0); err != nil {
		err = fmt.Errorf("usb: claim interface: %w", err)
		return nil, err
	}
	if u.out, err = u.intf.OutEndpoint(outEp); err != nil {
		err = fmt.Errorf("usb: out endpoint %d: %w", outEp, err)
		return nil, err
	}

	in, inErr := u.intf.InEndpoint(inEp)
	if inErr != nil {
		logInternal.Warn("usb: no IN endpoint, printing without flow control",
			zap.Int("endpoint", inEp), zap.Error(inErr))
	} else {
		u.in = in
		u.rbuf = make([]byte, max(in.Desc.MaxPacketSize, 64))
	}

	logInternal.Info("usb printer open",
		zap.String("vendor", vendorID.String()), zap.String("product", productID.String()))
	return u, nil
}

func findUSBPrinter(ctx *gousb.Context, vendorID, productID gousb.ID) (*gousb.Device, error) {
	dev, err := ctx.OpenDeviceWithVIDPID(vendorID, productID)
	if err != nil {
		return nil, fmt.Errorf("usb: open %s:%s: %w", vendorID, productID, err)
	}
	if dev == nil {
		return nil, fmt.Errorf("usb: no device %s:%s", vendorID, productID)
	}
	return dev, nil
}

func (u *USBTransport) Write(p []byte) (int, error) {
	return u.out.Write(p)
}

// Poll reads whole packets into an internal buffer so a short p never
// overflows the transfer.
func (u *USBTransport) Poll(p []byte, timeout time.Duration) (int, error) {
	if u.in == nil {
		return 0, ErrNoBackChannel
	}
	if len(u.pending) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		n, err := u.in.ReadContext(ctx, u.rbuf)
		cancel()
		if err != nil && !isUSBTimeout(err) {
			return 0, fmt.Errorf("usb: read: %w", err)
		}
		u.pending = u.rbuf[:n]
	}
	n := copy(p, u.pending)
	u.pending = u.pending[n:]
	return n, nil
}

func isUSBTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gousb.TransferCancelled) ||
		errors.Is(err, gousb.TransferTimedOut)
}

// Close releases everything OpenUSB acquired, in reverse order. Failures
// are logged and the remaining resources are still released.
func (u *USBTransport) Close() error {
	if u.intf != nil {
		u.intf.Close()
		u.intf = nil
	}
	if u.cfg != nil {
		if err := u.cfg.Close(); err != nil {
			logInternal.Error("usb: failed to release configuration", zap.Error(err))
		}
		u.cfg = nil
	}
	if u.dev != nil {
		if err := u.dev.Close(); err != nil {
			logInternal.Error("usb: failed to close device", zap.Error(err))
		}
		u.dev = nil
	}
	if u.ctx != nil {
		if err := u.ctx.Close(); err != nil {
			logInternal.Error("usb: failed to close context", zap.Error(err))
		}
		u.ctx = nil
	}
	return nil
}
