package rig

import (
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/okulov/pumprig/internal/dcon"
	"github.com/okulov/pumprig/internal/event"
)

// LinkConfig holds the serial line parameters. Immutable once the port is
// open; changing it requires Close + Connect.
type LinkConfig struct {
	Port        string        `yaml:"port" json:"port"`
	BaudRate    int           `yaml:"baud_rate" json:"baudRate"`
	DataBits    int           `yaml:"data_bits" json:"dataBits"`
	StopBits    int           `yaml:"stop_bits" json:"stopBits"`
	Parity      string        `yaml:"parity" json:"parity"` // "N", "E", "O"
	ReadTimeout time.Duration `yaml:"read_timeout" json:"readTimeout"`
}

// DefaultLinkConfig returns the reference rig's line settings.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		Port:        "COM3",
		BaudRate:    57600,
		DataBits:    8,
		StopBits:    1,
		Parity:      "N",
		ReadTimeout: 200 * time.Millisecond,
	}
}

func (l LinkConfig) mode() (*serial.Mode, error) {
	m := &serial.Mode{
		BaudRate: l.BaudRate,
		DataBits: l.DataBits,
	}
	switch l.Parity {
	case "", "N":
		m.Parity = serial.NoParity
	case "E":
		m.Parity = serial.EvenParity
	case "O":
		m.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("rig: unsupported parity %q", l.Parity)
	}
	switch l.StopBits {
	case 0, 1:
		m.StopBits = serial.OneStopBit
	case 2:
		m.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("rig: unsupported stop bits %d", l.StopBits)
	}
	return m, nil
}

// Config bundles everything the Controller needs.
type Config struct {
	Link        LinkConfig  `yaml:"link" json:"link"`
	Channels    ChannelMap  `yaml:"channels" json:"channels"`
	Calibration Calibration `yaml:"calibration" json:"calibration"`

	// SettleTime is the mandatory wait after every write before the device
	// is assumed ready for the next exchange or a read.
	SettleTime time.Duration `yaml:"settle_time" json:"settleTime"`
}

// Controller drives the DCON rig over one serial link. All command traffic
// (the live poller, manual actuator commands and the test sequencer) funnels
// through exchange, whose mutex is the only thing keeping a write and its
// response atomic on the wire.
type Controller struct {
	link     LinkConfig
	channels ChannelMap
	cal      Calibration
	settle   time.Duration
	bus      *event.Bus

	// openPort is swappable so tests can run against a fake port.
	openPort func(name string, mode *serial.Mode) (serial.Port, error)

	mu   sync.Mutex // serializes every exchange and guards port
	port serial.Port

	statesMu sync.Mutex
	states   map[Actuator]bool
}

// NewController creates a Controller for the given rig. bus may be nil when
// no presentation layer is attached.
func NewController(cfg Config, bus *event.Bus) (*Controller, error) {
	if err := cfg.Calibration.Validate(); err != nil {
		return nil, err
	}
	if _, err := cfg.Link.mode(); err != nil {
		return nil, err
	}
	settle := cfg.SettleTime
	if settle <= 0 {
		settle = 100 * time.Millisecond
	}
	if bus == nil {
		bus = event.NewBus()
	}
	c := &Controller{
		link:     cfg.Link,
		channels: cfg.Channels,
		cal:      cfg.Calibration,
		settle:   settle,
		bus:      bus,
		openPort: serial.Open,
		states:   make(map[Actuator]bool),
	}
	return c, nil
}

func (c *Controller) Name() string { return "DCON rig" }

// Connect opens the serial line. Calling it while already open is a no-op.
func (c *Controller) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked()
}

func (c *Controller) openLocked() error {
	if c.port != nil {
		return nil
	}
	mode, err := c.link.mode()
	if err != nil {
		return err
	}
	port, err := c.openPort(c.link.Port, mode)
	if err != nil {
		return fmt.Errorf("rig: open %s: %w", c.link.Port, err)
	}
	if err := port.SetReadTimeout(c.link.ReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("rig: set read timeout on %s: %w", c.link.Port, err)
	}
	c.port = port
	log.Printf("[rig] opened %s at %d baud", c.link.Port, c.link.BaudRate)
	return nil
}

// Close shuts the port down. Safe when already closed.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	log.Printf("[rig] closed %s", c.link.Port)
	return err
}

// IsConnected reports whether the port is open.
func (c *Controller) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

// exchange writes one frame and optionally reads the response line. It holds
// the controller mutex for the whole round trip so no two exchanges can
// interleave on the wire. If the port is closed it reconnects lazily with
// the last known configuration; it never retries on its own.
func (c *Controller) exchange(frame string, expectResponse bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		if err := c.openLocked(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
	}

	if _, err := c.port.Write([]byte(frame)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	// Device turnaround time
	time.Sleep(c.settle)

	if !expectResponse {
		return "", nil
	}
	return c.readLineLocked()
}

// readLineLocked accumulates bytes until a CR/LF terminator or silence.
// go.bug.st/serial reports a read timeout as (0, nil), which here means the
// device has stopped talking.
func (c *Controller) readLineLocked() (string, error) {
	deadline := time.Now().Add(c.link.ReadTimeout + time.Second)
	buf := make([]byte, 64)
	line := make([]byte, 0, 64)

	for time.Now().Before(deadline) {
		n, err := c.port.Read(buf)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrReadTimeout, err)
		}
		if n == 0 {
			break // silence
		}
		for _, b := range buf[:n] {
			if b == '\r' || b == '\n' {
				if len(line) > 0 {
					return string(line), nil
				}
				continue
			}
			line = append(line, b)
		}
	}

	if len(line) == 0 {
		return "", ErrReadTimeout
	}
	return string(line), nil
}

// SetActuator switches one digital output and updates the boolean state
// model. The state model is the source of truth for the presentation layer;
// styling only reflects it.
func (c *Controller) SetActuator(a Actuator, on bool) error {
	ch, err := c.channels.Output(a)
	if err != nil {
		return err
	}
	val := 0
	if on {
		val = 1
	}
	frame, err := dcon.EncodeWrite(c.channels.DOModuleID, c.channels.DOAddress, ch, val)
	if err != nil {
		return err
	}
	if _, err := c.exchange(frame, false); err != nil {
		c.bus.Logf("%s command failed: %v", a, err)
		return err
	}

	c.statesMu.Lock()
	c.states[a] = on
	c.statesMu.Unlock()
	c.bus.ActuatorState(string(a), on)
	return nil
}

// Pulse raises an output, holds it, and drops it again: a momentary
// contact, not a level signal. The drop is attempted even when the raise
// failed, so a transient write error cannot leave the relay latched.
func (c *Controller) Pulse(a Actuator, hold time.Duration) error {
	ch, err := c.channels.Output(a)
	if err != nil {
		return err
	}
	onFrame, err := dcon.EncodeWrite(c.channels.DOModuleID, c.channels.DOAddress, ch, 1)
	if err != nil {
		return err
	}
	offFrame, err := dcon.EncodeWrite(c.channels.DOModuleID, c.channels.DOAddress, ch, 0)
	if err != nil {
		return err
	}

	_, onErr := c.exchange(onFrame, false)
	time.Sleep(hold)
	_, offErr := c.exchange(offFrame, false)

	if onErr != nil {
		c.bus.Logf("%s pulse failed: %v", a, onErr)
		return onErr
	}
	if offErr != nil {
		c.bus.Logf("%s pulse release failed: %v", a, offErr)
		return offErr
	}
	return nil
}

// ReadPressure performs one analog read round trip: read frame, settle,
// response line, token at the configured index, calibration. Any failure is
// a missed sample for the caller, never a process fault.
func (c *Controller) ReadPressure() (PressureSample, error) {
	frame, err := dcon.EncodeRead(c.channels.AIModuleID, c.channels.AIAddress, 0)
	if err != nil {
		return PressureSample{}, err
	}
	line, err := c.exchange(frame, true)
	if err != nil {
		return PressureSample{}, err
	}
	raw, err := dcon.ParseAnalogResponse(line, c.channels.PressureIndex)
	if err != nil {
		return PressureSample{}, err
	}
	return PressureSample{
		StepIndex: -1,
		Value:     c.cal.Pressure(raw),
		Stamp:     time.Now(),
	}, nil
}

// ActuatorStates returns a copy of the boolean state model.
func (c *Controller) ActuatorStates() map[Actuator]bool {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	out := make(map[Actuator]bool, len(c.states))
	for a, on := range c.states {
		out[a] = on
	}
	return out
}
