package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"classroom_clicker/pkg/broadcast"
	"classroom_clicker/pkg/utils"
	"classroom_clicker/pkg/vote"
)

// AutoPath selects the first USB serial port
const AutoPath = "auto"

// SerialOpener opens a byte-stream connection
type SerialOpener func(path string, baud int) (io.ReadWriteCloser, error)

// PortLister enumerates candidate serial ports
type PortLister func() ([]string, error)

// OpenSerial opens a serial port with go.bug.st/serial
func OpenSerial(path string, baud int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// ListSerialPorts returns the ports known to the OS
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

var usbPortHints = []string{"ttyusb", "ttyacm", "usbserial", "usbmodem", "com"}

// PickPort returns the first port that looks like a USB serial adapter
func PickPort(ports []string) (string, bool) {
	for _, p := range ports {
		name := strings.ToLower(p)
		for _, hint := range usbPortHints {
			if strings.Contains(name, hint) {
				return p, true
			}
		}
	}
	return "", false
}

// TransportConfig holds serial connection settings
type TransportConfig struct {
	Path          string
	Baud          int
	MaxFrameBytes int
	Open          SerialOpener
	List          PortLister
}

// transportFrame covers both vote frames and control frames
type transportFrame struct {
	Type     string                 `json:"type"`
	ID       string                 `json:"id"`
	Key      string                 `json:"key"`
	RawVote  string                 `json:"raw_vote"`
	Channel  string                 `json:"channel"`
	Channels []broadcast.ScanResult `json:"channels"`
}

type transportCommand struct {
	Cmd     string `json:"cmd"`
	Channel string `json:"channel,omitempty"`
}

// Transport reads newline-delimited JSON frames from a serial-like stream
type Transport struct {
	lifecycle
	cfg    TransportConfig
	logger *zap.Logger

	conn    io.ReadWriteCloser
	path    string
	writeMu sync.Mutex
}

// NewTransport creates an unopened transport source
func NewTransport(cfg TransportConfig, logger *zap.Logger) *Transport {
	if cfg.Open == nil {
		cfg.Open = OpenSerial
	}
	if cfg.List == nil {
		cfg.List = ListSerialPorts
	}
	if cfg.Path == "" {
		cfg.Path = AutoPath
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return &Transport{
		lifecycle: newLifecycle(vote.SourceTransport),
		cfg:       cfg,
		logger:    logger.With(zap.String("source", string(vote.SourceTransport))),
	}
}

// Path returns the resolved port once started
func (t *Transport) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

// Start resolves the port, opens it and begins reading
func (t *Transport) Start(ctx context.Context, emit EmitFunc, control ControlFunc) error {
	runCtx, err := t.begin(ctx)
	if err != nil {
		return err
	}

	path, err := t.resolvePath()
	if err != nil {
		t.finish(err)
		return err
	}

	conn, err := t.cfg.Open(path, t.cfg.Baud)
	if err != nil {
		err = fmt.Errorf("opening %s: %w", path, err)
		t.finish(err)
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.path = path
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		conn.Close()
		t.finish(nil)
		return fmt.Errorf("transport source: %w", ErrSourceStopped)
	}

	t.logger.Info("Serial port opened", zap.String("path", path), zap.Int("baud", t.cfg.Baud))

	go func() {
		<-runCtx.Done()
		conn.Close()
	}()
	utils.SafeGoWith(t.logger, func() { t.readLoop(conn, emit, control) }, t.finish)
	return nil
}

func (t *Transport) resolvePath() (string, error) {
	if !strings.EqualFold(t.cfg.Path, AutoPath) {
		return t.cfg.Path, nil
	}
	ports, err := t.cfg.List()
	if err != nil {
		return "", fmt.Errorf("listing serial ports: %w", err)
	}
	path, ok := PickPort(ports)
	if !ok {
		return "", fmt.Errorf("serial port: %w", ErrDeviceNotFound)
	}
	return path, nil
}

func (t *Transport) readLoop(conn io.Reader, emit EmitFunc, control ControlFunc) {
	reader := newFrameReader(conn, t.cfg.MaxFrameBytes)
	for {
		line, err := reader.Next()
		if errors.Is(err, ErrFrameTooLong) {
			t.logger.Debug("Dropping oversized frame", zap.Int("max", t.cfg.MaxFrameBytes))
			continue
		}
		if err != nil {
			if t.isStopped() {
				t.finish(nil)
			} else {
				t.finish(fmt.Errorf("reading serial port: %w", err))
			}
			return
		}
		if t.isStopped() {
			t.finish(nil)
			return
		}
		t.handleFrame(line, emit, control)
	}
}

func (t *Transport) handleFrame(line []byte, emit EmitFunc, control ControlFunc) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var frame transportFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		t.logger.Debug("Dropping non-JSON frame", zap.ByteString("frame", line))
		return
	}

	switch frame.Type {
	case "":
		if frame.ID == "" || frame.Key == "" {
			t.logger.Debug("Dropping incomplete vote frame", zap.ByteString("frame", line))
			return
		}
		emit(vote.Raw{ParticipantID: frame.ID, Key: frame.Key, Source: vote.SourceTransport})
	case "scan":
		if control != nil {
			control(broadcast.HardwarePayload{Kind: "scan", Channels: frame.Channels})
		}
	case "channel_ack":
		if control != nil {
			control(broadcast.HardwarePayload{Kind: "channel_ack", Channel: strings.ToUpper(frame.Channel)})
		}
	default:
		t.logger.Debug("Dropping unknown control frame", zap.String("type", frame.Type))
	}
}

// Configure writes a channel or scan command to the receiver
func (t *Transport) Configure(ctx context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	stopped := t.stopped
	t.mu.Unlock()
	if conn == nil || stopped {
		return ErrNotConnected
	}

	wire := transportCommand{Cmd: string(cmd.Kind)}
	if cmd.Kind == CommandChannel {
		wire.Channel = cmd.Channel
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	return nil
}

// Stop closes the port. Extra calls are no-ops.
func (t *Transport) Stop() error {
	t.halt()
	return nil
}
