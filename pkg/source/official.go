package source

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/karalabe/hid"
	"go.uber.org/zap"

	"classroom_clicker/pkg/broadcast"
	"classroom_clicker/pkg/utils"
	"classroom_clicker/pkg/vote"
)

// DefaultFrameLength is the receiver's report size
const DefaultFrameLength = 8

// channelReport is the output report opcode for a channel change
const channelReport = 0x11

// HIDDevice is an open receiver handle
type HIDDevice interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

// HIDBackend finds and opens receivers by vendor and product id
type HIDBackend interface {
	Open(vendorID, productID uint16) (HIDDevice, error)
}

// USBBackend opens receivers through hidapi
type USBBackend struct{}

// Open returns the first attached device matching vendorID and productID
func (USBBackend) Open(vendorID, productID uint16) (HIDDevice, error) {
	if !hid.Supported() {
		return nil, errors.New("hid not supported on this platform")
	}
	devices := hid.Enumerate(vendorID, productID)
	if len(devices) == 0 {
		return nil, fmt.Errorf("receiver %04x:%04x: %w", vendorID, productID, ErrDeviceNotFound)
	}
	dev, err := devices[0].Open()
	if err != nil {
		return nil, fmt.Errorf("opening receiver %s: %w", devices[0].Path, err)
	}
	return dev, nil
}

// OfficialConfig identifies the receiver
type OfficialConfig struct {
	VendorID    uint16
	ProductID   uint16
	FrameLength int
	Backend     HIDBackend
}

// Official decodes fixed-length keypress reports from the vendor receiver
type Official struct {
	lifecycle
	cfg    OfficialConfig
	logger *zap.Logger

	dev     HIDDevice
	control ControlFunc
	writeMu sync.Mutex
}

// NewOfficial creates an unopened receiver source
func NewOfficial(cfg OfficialConfig, logger *zap.Logger) *Official {
	if cfg.FrameLength < 5 {
		cfg.FrameLength = DefaultFrameLength
	}
	if cfg.Backend == nil {
		cfg.Backend = USBBackend{}
	}
	return &Official{
		lifecycle: newLifecycle(vote.SourceOfficial),
		cfg:       cfg,
		logger:    logger.With(zap.String("source", string(vote.SourceOfficial))),
	}
}

// DecodeKey maps a receiver key code onto an answer symbol. Codes 0x31
// through 0x3A are A through J; anything else is the unknown sentinel.
func DecodeKey(code byte) string {
	if code >= 0x31 && code <= 0x3A {
		return string(rune('A' + code - 0x31))
	}
	return vote.UnknownKey
}

// DecodeFrame turns one report into a raw vote
func DecodeFrame(frame []byte) (vote.Raw, error) {
	if len(frame) < 5 {
		return vote.Raw{}, fmt.Errorf("short frame: %d bytes", len(frame))
	}
	return vote.Raw{
		ParticipantID: fmt.Sprintf("%08X", binary.BigEndian.Uint32(frame[0:4])),
		Key:           DecodeKey(frame[4]),
		Source:        vote.SourceOfficial,
	}, nil
}

// Start opens the receiver and begins reading reports
func (o *Official) Start(ctx context.Context, emit EmitFunc, control ControlFunc) error {
	runCtx, err := o.begin(ctx)
	if err != nil {
		return err
	}

	dev, err := o.cfg.Backend.Open(o.cfg.VendorID, o.cfg.ProductID)
	if err != nil {
		o.finish(err)
		return err
	}

	o.mu.Lock()
	o.dev = dev
	o.control = control
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		dev.Close()
		o.finish(nil)
		return fmt.Errorf("official source: %w", ErrSourceStopped)
	}

	o.logger.Info("Receiver opened",
		zap.String("vendor", fmt.Sprintf("%04x", o.cfg.VendorID)),
		zap.String("product", fmt.Sprintf("%04x", o.cfg.ProductID)))

	go func() {
		<-runCtx.Done()
		dev.Close()
	}()
	utils.SafeGoWith(o.logger, func() { o.readLoop(dev, emit) }, o.finish)
	return nil
}

func (o *Official) readLoop(dev HIDDevice, emit EmitFunc) {
	buf := make([]byte, o.cfg.FrameLength)
	for {
		n, err := dev.Read(buf)
		if err != nil {
			o.finish(fmt.Errorf("reading receiver: %w", err))
			return
		}
		if o.isStopped() {
			o.finish(nil)
			return
		}
		if n != o.cfg.FrameLength {
			o.logger.Debug("Dropping report of unexpected length", zap.Int("length", n))
			continue
		}

		raw, err := DecodeFrame(buf[:n])
		if err != nil {
			continue
		}
		emit(raw)
	}
}

// Configure changes the receiver channel. Frequency scans are not
// available on this receiver.
func (o *Official) Configure(ctx context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if cmd.Kind != CommandChannel {
		return fmt.Errorf("official source %s: %w", cmd.Kind, ErrUnsupportedCommand)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	dev := o.dev
	control := o.control
	stopped := o.stopped
	o.mu.Unlock()
	if dev == nil || stopped {
		return ErrNotConnected
	}

	report := []byte{0x00, channelReport, cmd.Channel[0], cmd.Channel[1]}
	o.writeMu.Lock()
	_, err := dev.Write(report)
	o.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("writing channel report: %w", err)
	}

	// the receiver does not acknowledge, a completed write is the ack
	if control != nil {
		control(broadcast.HardwarePayload{Kind: "channel_ack", Channel: cmd.Channel})
	}
	return nil
}

// Stop closes the receiver. Extra calls are no-ops.
func (o *Official) Stop() error {
	o.halt()
	return nil
}
