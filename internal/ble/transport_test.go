package ble

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/hwble/internal/ble/protocol"
)

func noSleep(context.Context, time.Duration) error { return nil }

// newTestTransport builds a transport that never sleeps and is closed at
// test end.
func newTestTransport(t *testing.T, adapter Adapter, opts Options) *Transport {
	t.Helper()
	if opts.Sleep == nil {
		opts.Sleep = noSleep
	}
	tr, err := NewTransport(adapter, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// connected returns a Ready transport for device "AA" and its mock link.
func connected(t *testing.T, opts Options, prepare func(*mockConnection)) (*Transport, *mockConnection) {
	t.Helper()
	adapter := newMockAdapter(nil)
	adapter.prepare = prepare
	tr := newTestTransport(t, adapter, opts)
	require.NoError(t, tr.Connect(context.Background(), "AA"))
	require.Equal(t, StateReady, tr.State())
	return tr, adapter.latestConnection()
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := protocol.DecodeHex(s)
	require.NoError(t, err)
	return b
}

type receiveResult struct {
	hex string
	err error
}

// receiveAsync starts a Receive and waits until it is parked.
func receiveAsync(t *testing.T, tr *Transport) <-chan receiveResult {
	t.Helper()
	ch := make(chan receiveResult, 1)
	go func() {
		h, err := tr.Receive(context.Background())
		ch <- receiveResult{h, err}
	}()
	waitFor(t, func() bool { return tr.current().bridge.Waiting() })
	return ch
}

func awaitResult(t *testing.T, ch <-chan receiveResult) receiveResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not complete")
		return receiveResult{}
	}
}

func TestNewTransportRejectsUnknownFraming(t *testing.T) {
	_, err := NewTransport(newMockAdapter(nil), Options{Framing: "bogus"})
	require.Error(t, err)
}

func TestInit(t *testing.T) {
	tr := newTestTransport(t, newMockAdapter(nil), Options{})
	assert.NoError(t, tr.Init())

	adapter := newMockAdapter(nil)
	adapter.enableErr = errors.New("bluetooth powered off")
	tr = newTestTransport(t, adapter, Options{})
	err := tr.Init()
	require.Error(t, err)
	assert.ErrorIs(t, err, adapter.enableErr)
}

func TestConnectReachesReady(t *testing.T) {
	tr, conn := connected(t, Options{}, nil)

	assert.Equal(t, "AA", tr.CurrentDevice())
	assert.Equal(t, 1, conn.notifyChar.subscribeCount())
	assert.Equal(t, 0, conn.priorityCalls, "priority requested without LowLatency")
}

func TestConnectEmptyID(t *testing.T) {
	tr := newTestTransport(t, newMockAdapter(nil), Options{})
	assert.ErrorIs(t, tr.Connect(context.Background(), ""), ErrEmptyDeviceID)
	assert.Equal(t, StateIdle, tr.State())
}

func TestConnectSameDeviceIsNoop(t *testing.T) {
	adapter := newMockAdapter(nil)
	tr := newTestTransport(t, adapter, Options{})

	require.NoError(t, tr.Connect(context.Background(), "AA"))
	require.NoError(t, tr.Connect(context.Background(), "AA"))

	assert.Equal(t, 1, adapter.connectCount())
	assert.Equal(t, 1, adapter.latestConnection().notifyChar.subscribeCount())
}

func TestConnectOtherDeviceReplacesCurrent(t *testing.T) {
	adapter := newMockAdapter(nil)
	tr := newTestTransport(t, adapter, Options{})

	require.NoError(t, tr.Connect(context.Background(), "AA"))
	first := adapter.latestConnection()
	require.NoError(t, tr.Connect(context.Background(), "BB"))

	assert.True(t, first.isDisconnected(), "previous link left open")
	assert.True(t, first.notifyChar.unsubscribed)
	assert.Equal(t, "BB", tr.CurrentDevice())
	assert.Equal(t, 2, adapter.connectCount())
}

func TestConnectFailureClearsIdentity(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = errors.New("device not found")
	tr := newTestTransport(t, adapter, Options{})

	err := tr.Connect(context.Background(), "AA")
	require.Error(t, err)
	assert.ErrorIs(t, err, adapter.connectErr)
	assert.Empty(t, tr.CurrentDevice())
	assert.Equal(t, StateDisconnected, tr.State())
}

func TestConnectDiscoveryFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.prepare = func(c *mockConnection) { c.discoverErr = errors.New("service missing") }
	tr := newTestTransport(t, adapter, Options{})

	require.Error(t, tr.Connect(context.Background(), "AA"))
	assert.True(t, adapter.latestConnection().isDisconnected())
	assert.Empty(t, tr.CurrentDevice())
}

func TestSubscribeRetrySucceeds(t *testing.T) {
	var delays []time.Duration
	tr, conn := connected(t, Options{Sleep: recordSleeps(&delays)}, func(c *mockConnection) {
		c.notifyChar.failSubs = 2
	})

	assert.Equal(t, 3, conn.notifyChar.subscribeCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	assert.Equal(t, "AA", tr.CurrentDevice())
}

func TestSubscribeRetryExhausted(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.prepare = func(c *mockConnection) { c.notifyChar.failSubs = 10 }
	tr := newTestTransport(t, adapter, Options{})

	err := tr.Connect(context.Background(), "AA")
	require.Error(t, err)
	conn := adapter.latestConnection()
	assert.Equal(t, 3, conn.notifyChar.subscribeCount())
	assert.True(t, conn.isDisconnected())
	assert.Empty(t, tr.CurrentDevice())
}

func TestPriorityFailureIsNonFatal(t *testing.T) {
	tr, conn := connected(t, Options{LowLatency: true}, func(c *mockConnection) {
		c.priorityErr = errors.New("not supported")
	})
	assert.Equal(t, 1, conn.priorityCalls)
	assert.Equal(t, StateReady, tr.State())
}

func TestSendWritesFrame(t *testing.T) {
	tr, conn := connected(t, Options{}, nil)

	require.NoError(t, tr.Send(context.Background(), "AA", "2323000100000003AABBCC"))
	writes := conn.writeChar.writeLog()
	require.Len(t, writes, 1)
	assert.Equal(t, mustHex(t, "2323000100000003aabbcc"), writes[0])
}

func TestSendSplitsByMTU(t *testing.T) {
	tr, conn := connected(t, Options{InterChunkDelay: time.Millisecond}, func(c *mockConnection) {
		c.writeChar.mtu = 4
	})

	require.NoError(t, tr.Send(context.Background(), "AA", "2323000100000003AABBCC"))
	writes := conn.writeChar.writeLog()
	require.Len(t, writes, 3)
	assert.Equal(t, mustHex(t, "23230001"), writes[0])
	assert.Equal(t, mustHex(t, "00000003"), writes[1])
	assert.Equal(t, mustHex(t, "aabbcc"), writes[2])
}

func TestSendErrors(t *testing.T) {
	tr := newTestTransport(t, newMockAdapter(nil), Options{})
	assert.ErrorIs(t, tr.Send(context.Background(), "", "2323"), ErrEmptyDeviceID)
	assert.ErrorIs(t, tr.Send(context.Background(), "AA", "2323"), ErrNotConnected)

	require.NoError(t, tr.Connect(context.Background(), "AA"))
	assert.ErrorIs(t, tr.Send(context.Background(), "BB", "2323"), ErrNotConnected)
	assert.ErrorIs(t, tr.Send(context.Background(), "AA", "23Z"), protocol.ErrInvalidHex)
}

func TestSendWriteFailure(t *testing.T) {
	tr, _ := connected(t, Options{}, func(c *mockConnection) {
		c.writeChar.writeErr = errors.New("gatt write failed")
	})
	assert.Error(t, tr.Send(context.Background(), "AA", "2323000100000000"))
}

func TestSendAfterDisconnect(t *testing.T) {
	tr, conn := connected(t, Options{}, nil)
	conn.SimulateDisconnect()
	assert.ErrorIs(t, tr.Send(context.Background(), "AA", "2323000100000000"), ErrNotReady)
}

func TestReceiveNotConnected(t *testing.T) {
	tr := newTestTransport(t, newMockAdapter(nil), Options{})
	_, err := tr.Receive(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReceiveQueuedFramesFIFO(t *testing.T) {
	tr, conn := connected(t, Options{}, nil)

	// Two frames arrive before anyone asks; the second spans two chunks.
	conn.notifyChar.SimulateNotification(mustHex(t, "2323000100000001AA23230002"))
	conn.notifyChar.SimulateNotification(mustHex(t, "00000002BBCC"))

	first, err := tr.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2323000100000001aa", first)

	second, err := tr.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2323000200000002bbcc", second)
}

func TestReceiveWaitsForNotification(t *testing.T) {
	tr, conn := connected(t, Options{}, nil)

	ch := receiveAsync(t, tr)
	conn.notifyChar.SimulateNotification(mustHex(t, "23230001000000"))
	conn.notifyChar.SimulateNotification(mustHex(t, "03AABBCC"))

	r := awaitResult(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "2323000100000003aabbcc", r.hex)
}

func TestDisconnectFailsPendingReceive(t *testing.T) {
	tr, conn := connected(t, Options{}, nil)
	s := tr.current()

	// Leave a partial frame buffered.
	conn.notifyChar.SimulateNotification(mustHex(t, "232300010000"))
	ch := receiveAsync(t, tr)
	conn.SimulateDisconnect()

	r := awaitResult(t, ch)
	assert.ErrorIs(t, r.err, ErrDisconnected)
	assert.Empty(t, tr.CurrentDevice())

	s.mu.Lock()
	buffered := s.reasm.Buffered()
	s.mu.Unlock()
	assert.Zero(t, buffered, "reassembly buffer not cleared")
	assert.Zero(t, s.bridge.Len())

	_, err := tr.Receive(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestDisconnectClearsQueueByDefault(t *testing.T) {
	tr, conn := connected(t, Options{}, nil)
	conn.notifyChar.SimulateNotification(mustHex(t, "2323000100000000"))
	conn.SimulateDisconnect()

	_, err := tr.Receive(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestDisconnectRetainsQueueWhenConfigured(t *testing.T) {
	tr, conn := connected(t, Options{RetainQueueOnDisconnect: true}, nil)
	conn.notifyChar.SimulateNotification(mustHex(t, "2323000100000000"))
	conn.SimulateDisconnect()

	msg, err := tr.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2323000100000000", msg)

	_, err = tr.Receive(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestHIDEmulationSplitsReports(t *testing.T) {
	tr, conn := connected(t, Options{HIDEmulation: true}, nil)

	payload := bytes.Repeat([]byte{0x5a}, 122)
	frame := protocol.EncodeFrame(0x0011, payload) // 130 bytes
	conn.notifyChar.SimulateNotification(frame)

	var got []byte
	for i := 0; i < 3; i++ {
		report, err := tr.ReceiveFrame(context.Background())
		require.NoError(t, err)
		require.Len(t, report, protocol.ReportSize)
		assert.Equal(t, byte(protocol.ReportID), report[0])
		got = append(got, report[1:]...)
	}
	assert.Equal(t, []byte(frame), got[:len(frame)])
	assert.Zero(t, tr.current().bridge.Len())
}

func TestChunkFraming(t *testing.T) {
	tr, conn := connected(t, Options{Framing: protocol.FramingChunk}, nil)

	conn.notifyChar.SimulateNotification(mustHex(t, "3f2323000100000004AABB"))
	conn.notifyChar.SimulateNotification(mustHex(t, "CCDD0000"))

	msg, err := tr.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2323000100000004aabbccdd", msg)
}

func TestDesyncKeepsConnection(t *testing.T) {
	tr, conn := connected(t, Options{}, nil)

	conn.notifyChar.SimulateNotification(mustHex(t, "DEADBEEF"))
	assert.Equal(t, StateReady, tr.State())

	conn.notifyChar.SimulateNotification(mustHex(t, "2323000100000000"))
	msg, err := tr.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2323000100000000", msg)
}

func TestOverflowFailsConnection(t *testing.T) {
	tr, conn := connected(t, Options{MaxFrameSize: 16}, nil)

	ch := receiveAsync(t, tr)
	conn.notifyChar.SimulateNotification(mustHex(t, "2323000100000064"))

	r := awaitResult(t, ch)
	assert.ErrorIs(t, r.err, ErrDisconnected)
	assert.Equal(t, StateDisconnected, tr.State())
	assert.True(t, conn.isDisconnected())
}

func TestDisconnect(t *testing.T) {
	tr, conn := connected(t, Options{}, nil)

	tr.Disconnect("BB")
	assert.Equal(t, "AA", tr.CurrentDevice(), "disconnecting another id must not touch the current link")

	tr.Disconnect("AA")
	assert.Empty(t, tr.CurrentDevice())
	assert.True(t, conn.notifyChar.unsubscribed)
	assert.True(t, conn.isDisconnected())

	// A second disconnect is harmless.
	tr.Disconnect("AA")
}

func TestHIDEmulationLargeFramesKeepEveryReport(t *testing.T) {
	// Each frame needs more reports than the queue holds frames.
	tr, conn := connected(t, Options{HIDEmulation: true}, nil)

	first := protocol.EncodeFrame(0x0011, bytes.Repeat([]byte{0x5a}, 5000))
	second := protocol.EncodeFrame(0x0012, bytes.Repeat([]byte{0xa5}, 4100))
	require.Greater(t, len(protocol.HIDReports(first)), DefaultQueueSize)
	conn.notifyChar.SimulateNotification(first)
	conn.notifyChar.SimulateNotification(second)

	for _, want := range []protocol.Frame{first, second} {
		var asm protocol.ReportAssembler
		for {
			report, err := tr.ReceiveFrame(context.Background())
			require.NoError(t, err)
			frame, done, err := asm.Add(report)
			require.NoError(t, err)
			if done {
				assert.Equal(t, want, frame)
				break
			}
		}
	}
	assert.Zero(t, tr.current().bridge.Len())
}

func TestSendEmptyPayload(t *testing.T) {
	tr, conn := connected(t, Options{}, nil)

	err := tr.Send(context.Background(), "AA", "")
	assert.ErrorIs(t, err, protocol.ErrShortFrame)
	assert.ErrorIs(t, tr.SendFrame(context.Background(), "AA", nil), protocol.ErrShortFrame)
	assert.Empty(t, conn.writeChar.writeLog())
}

func TestConnectSettleDelays(t *testing.T) {
	var delays []time.Duration
	_, conn := connected(t, Options{SettleDelay: 500 * time.Millisecond, Sleep: recordSleeps(&delays)},
		func(c *mockConnection) { c.notifyChar.failSubs = 1 })

	// After connect, after discovery, then one subscribe backoff.
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond, time.Second}, delays)
	assert.Equal(t, 2, conn.notifyChar.subscribeCount())
}

func TestConnectCancelledDuringSettle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := newMockAdapter(nil)
	tr := newTestTransport(t, adapter, Options{
		SettleDelay: 500 * time.Millisecond,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})

	err := tr.Connect(ctx, "AA")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, tr.CurrentDevice())
	assert.Equal(t, StateDisconnected, tr.State())
	assert.True(t, adapter.latestConnection().isDisconnected())
	assert.Zero(t, adapter.latestConnection().notifyChar.subscribeCount())
}

func TestConnectDropBeforeCallbackRegistered(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.prepare = func(c *mockConnection) { c.SimulateDisconnect() }
	tr := newTestTransport(t, adapter, Options{})

	err := tr.Connect(context.Background(), "AA")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Empty(t, tr.CurrentDevice())
	assert.True(t, adapter.latestConnection().isDisconnected())
}
