package printer

import (
	"fmt"
	"slices"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	logInternal "github.com/edrosten/adafruit-thermal-printer-driver/log"
)

// SerialTransport talks to the printer over a serial port. Status bytes come
// back on the same port.
type SerialTransport struct {
	port    serial.Port
	timeout time.Duration
}

// OpenSerial opens portName (COM3, /dev/ttyUSB0, ...) at baudRate, 8N1.
func OpenSerial(portName string, baudRate int) (*SerialTransport, error) {
	// the list misses udev symlinks, so a miss is only worth a warning
	if ports, err := serial.GetPortsList(); err != nil {
		logInternal.Warn("could not list serial ports", zap.Error(err))
	} else if !slices.Contains(ports, portName) {
		logInternal.Warn("serial port not in port list", zap.String("port", portName), zap.Strings("ports", ports))
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	logInternal.Debug("opening serial port", zap.String("port", portName), zap.Int("baud", baudRate))
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	logInternal.Info("serial port open", zap.String("port", portName))

	return &SerialTransport{port: port}, nil
}

func (s *SerialTransport) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

// Poll reads with the port's read timeout set to timeout. The port reports a
// timeout as 0, nil.
func (s *SerialTransport) Poll(p []byte, timeout time.Duration) (int, error) {
	if timeout != s.timeout {
		if err := s.port.SetReadTimeout(timeout); err != nil {
			return 0, fmt.Errorf("serial: set read timeout: %w", err)
		}
		s.timeout = timeout
	}
	return s.port.Read(p)
}

func (s *SerialTransport) Close() error {
	return s.port.Close()
}
