package sensor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal interface needed from a serial port.
type Port interface {
	io.ReadWriter
	io.Closer
}

// ErrTimeout reports a probe that did not answer within the read timeout.
var ErrTimeout = errors.New("sensor read timed out")

// timeoutReader turns the (0, nil) a serial port returns on an expired read
// timeout into ErrTimeout, so a scanner stops at once instead of retrying.
type timeoutReader struct {
	port Port
}

func (r timeoutReader) Read(b []byte) (int, error) {
	n, err := r.port.Read(b)
	if n == 0 && err == nil && len(b) > 0 {
		return 0, ErrTimeout
	}
	return n, err
}

// timeoutPort is implemented by ports that support read deadlines.
type timeoutPort interface {
	Port
	SetReadTimeout(timeout time.Duration) error
}

// Opener opens a serial port. Tests replace it.
type Opener func(path string, mode *serial.Mode) (Port, error)

// OpenSerialPort opens a real serial port.
func OpenSerialPort(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// PortOptions describes the serial connection to the probe.
type PortOptions struct {
	Path     string        `mapstructure:"port" yaml:"port"`
	BaudRate int           `mapstructure:"baud_rate" yaml:"baud_rate"`
	DataBits int           `mapstructure:"data_bits" yaml:"data_bits"`
	StopBits int           `mapstructure:"stop_bits" yaml:"stop_bits"`
	Parity   string        `mapstructure:"parity" yaml:"parity"`
	Command  string        `mapstructure:"command" yaml:"command"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.Path == "" {
		return opts, fmt.Errorf("sensor port path is required")
	}
	if opts.BaudRate <= 0 {
		opts.BaudRate = 9600
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	if opts.Command == "" {
		opts.Command = "READ"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return opts, nil
}

// SerialMode converts the options into the mode go.bug.st/serial expects.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// Serial polls a temperature/humidity probe on a serial line. Each Read
// writes the configured command followed by a newline and parses one
// response line.
type Serial struct {
	mu      sync.Mutex
	opts    PortOptions
	port    Port
	scanner *bufio.Scanner
}

// OpenSerial opens the probe's port with the real serial driver.
func OpenSerial(opts PortOptions) (*Serial, error) {
	return OpenSerialWith(opts, OpenSerialPort)
}

// OpenSerialWith opens the probe's port through open.
func OpenSerialWith(opts PortOptions, open Opener) (*Serial, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := open(opts.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open sensor port %s: %w", opts.Path, err)
	}
	if tp, ok := port.(timeoutPort); ok {
		if err := tp.SetReadTimeout(opts.Timeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set sensor read timeout: %w", err)
		}
	}
	slog.Info("Sensor port opened", "port", opts.Path, "baud", opts.BaudRate)
	s := &Serial{opts: opts, port: port}
	s.resetScanner()
	return s, nil
}

// Read requests and parses one reading.
func (s *Serial) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := io.WriteString(s.port, s.opts.Command+"\n"); err != nil {
		return Reading{}, fmt.Errorf("failed to query sensor: %w", err)
	}
	for s.scanner.Scan() {
		if s.scanner.Err() != nil {
			// Partial line cut by a read error.
			break
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		r, err := parseReading(line)
		if err != nil {
			return Reading{}, err
		}
		slog.Debug("Sensor reading", "line", line)
		return r, nil
	}
	// A stopped scanner stays stopped, so the next Read gets a fresh one.
	err := s.scanner.Err()
	s.resetScanner()
	if err != nil {
		return Reading{}, fmt.Errorf("failed to read sensor on %s: %w", s.opts.Path, err)
	}
	return Reading{}, fmt.Errorf("sensor on %s returned no data", s.opts.Path)
}

func (s *Serial) resetScanner() {
	s.scanner = bufio.NewScanner(timeoutReader{port: s.port})
}

// Close releases the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
