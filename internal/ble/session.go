package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/chaz8081/hwble/internal/ble/protocol"
)

// State is the lifecycle position of one connection attempt.
type State int

const (
	StateIdle State = iota
	StateBonding
	StateConnecting
	StateDiscoveringServices
	StateSubscribingNotify
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBonding:
		return "bonding"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringServices:
		return "discovering-services"
	case StateSubscribingNotify:
		return "subscribing-notify"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// session owns everything tied to one connection to one device: the link
// handles, the reassembly buffer and the receive bridge. A new session is
// created for every connect; nothing outlives it.
type session struct {
	id  string
	log *slog.Logger

	mu         sync.Mutex
	state      State
	conn       Connection
	writeChar  Characteristic
	notifyChar Characteristic
	mtu        int // usable bytes per write, 0 when unknown
	reasm      protocol.Reassembler
	hid        bool

	writeMu sync.Mutex // serializes multi-chunk writes
	bridge  *Bridge
}

func newSession(id string, reasm protocol.Reassembler, hid bool, queueSize int) *session {
	return &session{
		id:     id,
		log:    slog.With("device", id, "session", ulid.Make().String()),
		state:  StateIdle,
		reasm:  reasm,
		hid:    hid,
		bridge: NewBridge(queueSize),
	}
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// advance moves the session to next unless it was torn down meanwhile.
func (s *session) advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return fmt.Errorf("ble: %s aborted: %w", next, ErrDisconnected)
	}
	s.log.Debug("[BLE] [connect] state", "from", s.state, "to", next)
	s.state = next
	return nil
}

// attach records the live connection. It fails if the session was torn
// down while the connect was in flight; the caller must close conn.
func (s *session) attach(conn Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return fmt.Errorf("ble: connection closed during connect: %w", ErrDisconnected)
	}
	s.conn = conn
	return nil
}

func (s *session) setCharacteristics(write, notify Characteristic, mtu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeChar = write
	s.notifyChar = notify
	s.mtu = mtu
}

// handles returns the link handles for teardown.
func (s *session) handles() (Connection, Characteristic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.notifyChar
}

// writer returns the write characteristic and chunk size if Ready.
func (s *session) writer() (Characteristic, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return nil, 0, fmt.Errorf("%w: device %s is %s", ErrNotReady, s.id, s.state)
	}
	return s.writeChar, s.mtu, nil
}

// onNotification feeds one notification chunk through reassembly and hands
// completed frames (or their HID reports) to the bridge. It returns a
// non-nil error only when the connection must be failed.
func (s *session) onNotification(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisconnected {
		return nil
	}
	s.log.Debug("[BLE] [notify] chunk", "bytes", len(data), "hex", protocol.Preview(data, 20))

	frames, err := s.reasm.Feed(data)
	for _, f := range frames {
		s.log.Debug("[BLE] [buffer] assembled message", "bytes", len(f), "payload", len(f)-protocol.HeaderSize)
		if !s.hid {
			s.bridge.Deliver(f)
			continue
		}
		// One group per frame: the reports stay together under queue pressure.
		s.bridge.DeliverGroup(protocol.HIDReports(f))
	}
	if err == nil {
		if n := s.reasm.Buffered(); n > 0 {
			s.log.Debug("[BLE] [buffer] partial message", "buffered", n)
		}
		return nil
	}

	if errors.Is(err, protocol.ErrBufferOverflow) {
		s.log.Error("[BLE] [buffer] peer exceeded frame limit, failing connection", "error", err)
		return err
	}
	// Desync and orphaned chunks: buffer already reset, a later chunk may resync.
	s.log.Error("[BLE] [buffer] stream out of sync, buffer reset", "error", err)
	return nil
}

// teardown marks the session disconnected, drops partial data and fails any
// parked receiver. It reports false if the session was already down.
func (s *session) teardown(cause error, keepQueued bool) bool {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return false
	}
	s.state = StateDisconnected
	s.reasm.Reset()
	s.mu.Unlock()

	s.bridge.Close(cause, keepQueued)
	return true
}
