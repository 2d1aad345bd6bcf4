package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chaz8081/hwble/internal/ble/protocol"
)

var (
	// ErrEmptyDeviceID is returned when an operation is given no device id.
	ErrEmptyDeviceID = errors.New("ble: no device id")
	// ErrNotConnected is returned when no device is current.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrNotReady is returned for send/receive outside the ready state.
	ErrNotReady = errors.New("ble: connection not ready")
	// ErrDisconnected fails a pending receive when the link goes away.
	ErrDisconnected = errors.New("ble: device disconnected")
)

// Options configures the transport behavior.
type Options struct {
	ServiceUUID string
	WriteUUID   string
	NotifyUUID  string

	Framing      protocol.Framing
	HIDEmulation bool // deliver 64-byte reports instead of whole frames
	MaxFrameSize int
	QueueSize    int

	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	SettleDelay    time.Duration // wait after connect and after discovery; 0 disables
	LowLatency     bool

	Bond        bool
	BondTimeout time.Duration // long enough for the user to confirm pairing
	BondSettle  time.Duration

	SubscribeRetry RetryPolicy

	InterChunkDelay         time.Duration // pacing between MTU-sized writes
	RetainQueueOnDisconnect bool
	DefaultDeviceName       string

	// Sleep replaces real waits, for tests.
	Sleep SleepFunc
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:     ServiceUUID,
		WriteUUID:       WriteUUID,
		NotifyUUID:      NotifyUUID,
		Framing:         protocol.FramingStream,
		HIDEmulation:    true,
		MaxFrameSize:    protocol.DefaultMaxFrameSize,
		QueueSize:       DefaultQueueSize,
		ScanTimeout:     10 * time.Second,
		ConnectTimeout:  15 * time.Second,
		SettleDelay:     500 * time.Millisecond,
		LowLatency:      true,
		BondTimeout:     60 * time.Second,
		BondSettle:      time.Second,
		InterChunkDelay: 20 * time.Millisecond,
		SubscribeRetry: RetryPolicy{
			MaxAttempts: 3,
			Backoff:     LinearBackoff(time.Second),
		},
		DefaultDeviceName: "Hardware Wallet",
	}
}

func (o *Options) fillDefaults() {
	d := DefaultOptions()
	if o.ServiceUUID == "" {
		o.ServiceUUID = d.ServiceUUID
	}
	if o.WriteUUID == "" {
		o.WriteUUID = d.WriteUUID
	}
	if o.NotifyUUID == "" {
		o.NotifyUUID = d.NotifyUUID
	}
	if o.Framing == "" {
		o.Framing = d.Framing
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = d.MaxFrameSize
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = d.ScanTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.BondTimeout <= 0 {
		o.BondTimeout = d.BondTimeout
	}
	if o.SubscribeRetry.MaxAttempts <= 0 {
		o.SubscribeRetry = d.SubscribeRetry
	}
	if o.DefaultDeviceName == "" {
		o.DefaultDeviceName = d.DefaultDeviceName
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
}

// Transport is the BLE transport seen by the wallet SDK: enumerate,
// connect, send, receive, disconnect. At most one device is current.
type Transport struct {
	adapter Adapter
	opts    Options
	limiter *rate.Limiter // nil when InterChunkDelay is 0

	mu   sync.Mutex
	sess *session // latest session; current while not disconnected
}

// NewTransport creates a transport on top of adapter.
func NewTransport(adapter Adapter, opts Options) (*Transport, error) {
	opts.fillDefaults()
	if _, err := protocol.NewReassembler(opts.Framing, opts.MaxFrameSize); err != nil {
		return nil, fmt.Errorf("ble: %w", err)
	}
	t := &Transport{adapter: adapter, opts: opts}
	if opts.InterChunkDelay > 0 {
		t.limiter = rate.NewLimiter(rate.Every(opts.InterChunkDelay), 1)
	}
	return t, nil
}

// Init powers on the platform radio. Failure is fatal for the transport.
func (t *Transport) Init() error {
	slog.Info("[BLE] [init] enabling adapter")
	if err := t.adapter.Enable(); err != nil {
		slog.Error("[BLE] [init] failed", "error", err)
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	return nil
}

// CurrentDevice returns the id of the connected device, or "".
func (t *Transport) CurrentDevice() string {
	s := t.current()
	if s == nil || s.State() == StateDisconnected {
		return ""
	}
	return s.id
}

// State returns the lifecycle state of the latest connection.
func (t *Transport) State() State {
	s := t.current()
	if s == nil {
		return StateIdle
	}
	return s.State()
}

func (t *Transport) current() *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess
}

// Connect runs the connection lifecycle for id: optional bonding, GATT
// connect, priority hint, service discovery and notification subscription.
// Connecting to the device that is already current is a no-op.
func (t *Transport) Connect(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyDeviceID
	}

	t.mu.Lock()
	prev := t.sess
	if prev != nil && prev.id == id && prev.State() != StateDisconnected {
		t.mu.Unlock()
		slog.Info("[BLE] [connect] already connected", "device", id)
		return nil
	}
	reasm, err := protocol.NewReassembler(t.opts.Framing, t.opts.MaxFrameSize)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("ble: %w", err)
	}
	s := newSession(id, reasm, t.opts.HIDEmulation, t.opts.QueueSize)
	t.sess = s
	t.mu.Unlock()

	if prev != nil {
		// One active connection at a time.
		t.closeSession(prev)
	}

	s.log.Info("[BLE] [connect] connecting")
	if err := t.runLifecycle(ctx, s); err != nil {
		s.log.Error("[BLE] [connect] failed", "error", err)
		t.closeSession(s)
		return err
	}
	s.log.Info("[BLE] [connect] ready")
	return nil
}

func (t *Transport) runLifecycle(ctx context.Context, s *session) error {
	if t.opts.Bond {
		if b, ok := t.adapter.(Bonder); ok {
			if err := s.advance(StateBonding); err != nil {
				return err
			}
			t.ensureBonded(ctx, s, b)
		}
	}

	if err := s.advance(StateConnecting); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	conn, err := t.adapter.Connect(cctx, s.id)
	cancel()
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", s.id, err)
	}
	// Registered before attach so a drop during connect tears the session down.
	conn.OnDisconnect(func() { t.handleLinkLoss(s) })
	if err := s.attach(conn); err != nil {
		_ = conn.Disconnect()
		return err
	}
	s.log.Info("[BLE] [connect] GATT connection established")

	if err := t.settle(ctx, s, "connection"); err != nil {
		return err
	}

	if t.opts.LowLatency {
		if pr, ok := conn.(PriorityRequester); ok {
			if err := pr.RequestHighPriority(); err != nil {
				s.log.Warn("[BLE] [connect] priority request failed", "error", err)
			} else {
				s.log.Info("[BLE] [connect] priority set to high")
			}
		}
	}

	if err := s.advance(StateDiscoveringServices); err != nil {
		return err
	}
	writeChar, err := conn.DiscoverCharacteristic(t.opts.ServiceUUID, t.opts.WriteUUID)
	if err != nil {
		return fmt.Errorf("ble: discover write characteristic: %w", err)
	}
	notifyChar, err := conn.DiscoverCharacteristic(t.opts.ServiceUUID, t.opts.NotifyUUID)
	if err != nil {
		return fmt.Errorf("ble: discover notify characteristic: %w", err)
	}
	mtu := 0
	if m, ok := writeChar.(MTUer); ok {
		if mtu, err = m.MTU(); err != nil {
			s.log.Warn("[BLE] [connect] MTU unavailable, writing frames whole", "error", err)
			mtu = 0
		}
	}
	s.setCharacteristics(writeChar, notifyChar, mtu)
	s.log.Debug("[BLE] [connect] characteristics discovered", "mtu", mtu)

	if err := t.settle(ctx, s, "service discovery"); err != nil {
		return err
	}

	if err := s.advance(StateSubscribingNotify); err != nil {
		return err
	}
	err = t.opts.SubscribeRetry.Do(ctx, t.opts.Sleep, func(int) error {
		return notifyChar.Subscribe(func(data []byte) { t.handleNotification(s, data) })
	})
	if err != nil {
		return fmt.Errorf("ble: start notifications: %w", err)
	}
	return s.advance(StateReady)
}

// settle waits SettleDelay after a step on platforms that race service
// table population.
func (t *Transport) settle(ctx context.Context, s *session, after string) error {
	if t.opts.SettleDelay <= 0 {
		return nil
	}
	s.log.Debug("[BLE] [connect] waiting to settle", "after", after, "delay", t.opts.SettleDelay)
	if err := t.opts.Sleep(ctx, t.opts.SettleDelay); err != nil {
		return fmt.Errorf("ble: settle after %s: %w", after, err)
	}
	return nil
}

func (t *Transport) handleNotification(s *session, data []byte) {
	if err := s.onNotification(data); err != nil {
		t.closeSession(s)
	}
}

// handleLinkLoss is the device-initiated disconnect path.
func (t *Transport) handleLinkLoss(s *session) {
	if s.teardown(ErrDisconnected, t.opts.RetainQueueOnDisconnect) {
		s.log.Warn("[BLE] [event] device disconnected")
	}
}

// closeSession tears the session down and closes its link, best effort.
func (t *Transport) closeSession(s *session) {
	s.teardown(ErrDisconnected, t.opts.RetainQueueOnDisconnect)

	conn, notify := s.handles()
	if notify != nil {
		if err := notify.Unsubscribe(); err != nil {
			s.log.Warn("[BLE] [disconnect] stop notifications failed", "error", err)
		}
	}
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			s.log.Warn("[BLE] [disconnect] close failed", "error", err)
		}
	}
}

// Disconnect unsubscribes and closes the link to id. Failures are logged
// only: the device may already be gone.
func (t *Transport) Disconnect(id string) {
	s := t.current()
	if s == nil || s.id != id {
		slog.Warn("[BLE] [disconnect] not the current device", "device", id)
		return
	}
	s.log.Info("[BLE] [disconnect] disconnecting")
	t.closeSession(s)
}

// Close disconnects the current device, if any.
func (t *Transport) Close() error {
	if s := t.current(); s != nil {
		t.closeSession(s)
	}
	return nil
}

// Send decodes a hex-encoded frame and writes it to id.
func (t *Transport) Send(ctx context.Context, id, payload string) error {
	if id == "" {
		return ErrEmptyDeviceID
	}
	data, err := protocol.DecodeHex(payload)
	if err != nil {
		return fmt.Errorf("ble: send: %w", err)
	}
	return t.SendFrame(ctx, id, data)
}

// SendFrame writes an already framed message to id without write
// acknowledgement. Frames larger than the MTU are split across writes.
func (t *Transport) SendFrame(ctx context.Context, id string, data []byte) error {
	if id == "" {
		return ErrEmptyDeviceID
	}
	if len(data) == 0 {
		return fmt.Errorf("ble: send: %w", protocol.ErrShortFrame)
	}
	s := t.current()
	if s == nil || s.id != id {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	char, mtu, err := s.writer()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	chunks := protocol.SplitBytes(data, mtu)
	s.log.Debug("[BLE] [send] writing", "bytes", len(data), "writes", len(chunks), "hex", protocol.Preview(data, 20))
	for _, chunk := range chunks {
		if len(chunks) > 1 && t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("ble: send: %w", err)
			}
		}
		if err := char.Write(chunk); err != nil {
			s.log.Error("[BLE] [send] write failed", "error", err)
			return fmt.Errorf("ble: write: %w", err)
		}
	}
	return nil
}

// Receive returns the next message as hex: a whole frame, or the next
// 64-byte report in HID emulation mode.
func (t *Transport) Receive(ctx context.Context) (string, error) {
	msg, err := t.ReceiveFrame(ctx)
	if err != nil {
		return "", err
	}
	return protocol.EncodeHex(msg), nil
}

// ReceiveFrame is Receive without hex encoding. It returns queued messages
// immediately and otherwise waits for the next one or for disconnection.
func (t *Transport) ReceiveFrame(ctx context.Context) ([]byte, error) {
	s := t.current()
	if s == nil {
		return nil, ErrNotConnected
	}
	switch st := s.State(); st {
	case StateReady, StateDisconnected:
	default:
		return nil, fmt.Errorf("%w: device %s is %s", ErrNotReady, s.id, st)
	}
	msg, err := s.bridge.Receive(ctx)
	if err != nil {
		return nil, err
	}
	s.log.Debug("[BLE] [receive] returning message", "bytes", len(msg))
	return msg, nil
}
