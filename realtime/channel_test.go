package realtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func newTestChannel(t *testing.T, dialer *fakeDialer) (*Channel, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	log, _ := test.NewNullLogger()
	ch := NewChannel(Config{URL: "ws://localhost:8080/ws"}, dialer, StaticToken("abc"),
		WithClock(clock), WithLogger(log))
	t.Cleanup(ch.Disconnect)
	return ch, clock
}

func (c *Channel) receivedCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

func TestChannel_ConnectCarriesToken(t *testing.T) {
	dialer := &fakeDialer{}
	ch, _ := newTestChannel(t, dialer)

	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, StateConnected, ch.State())
	assert.Equal(t, "ws://localhost:8080/ws?token=abc", dialer.LastURL())

	// Connecting again while connected does not dial.
	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, 1, dialer.Dials())
}

func TestChannel_TokenReadOnEveryDial(t *testing.T) {
	dialer := &fakeDialer{}
	clock := newFakeClock()
	log, _ := test.NewNullLogger()
	var mu sync.Mutex
	n := 0
	tokens := func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return []string{"first", "second"}[n-1], nil
	}
	ch := NewChannel(Config{URL: "ws://h/ws"}, dialer, tokens, WithClock(clock), WithLogger(log))
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background()))
	assert.Contains(t, dialer.LastURL(), "token=first")

	dialer.Conn(0).Fail(io.ErrUnexpectedEOF)
	require.Eventually(t, func() bool { return ch.State() == StateReconnecting }, waitFor, time.Millisecond)
	clock.Advance(3 * time.Second)
	assert.Equal(t, StateConnected, ch.State())
	assert.Contains(t, dialer.LastURL(), "token=second")
}

func TestChannel_TokenFailureIsError(t *testing.T) {
	dialer := &fakeDialer{}
	log, _ := test.NewNullLogger()
	ch := NewChannel(Config{URL: "ws://h/ws"}, dialer,
		func(context.Context) (string, error) { return "", errors.New("logged out") },
		WithClock(newFakeClock()), WithLogger(log))

	err := ch.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, ch.State())
	assert.Zero(t, dialer.Dials())
}

func TestChannel_TokenFailureOnReconnectRetries(t *testing.T) {
	dialer := &fakeDialer{}
	clock := newFakeClock()
	log, _ := test.NewNullLogger()
	var mu sync.Mutex
	calls := 0
	tokens := func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 2 {
			return "", errors.New("token refresh in progress")
		}
		return "abc", nil
	}
	ch := NewChannel(Config{URL: "ws://h/ws"}, dialer, tokens, WithClock(clock), WithLogger(log))
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background()))
	dialer.Conn(0).Fail(io.ErrUnexpectedEOF)
	require.Eventually(t, func() bool { return ch.State() == StateReconnecting }, waitFor, time.Millisecond)

	clock.Advance(3 * time.Second)
	assert.Equal(t, StateReconnecting, ch.State(), "a missing token costs one attempt")
	assert.Equal(t, 2, ch.Attempts())
	assert.Equal(t, 1, dialer.Dials())
	assert.Equal(t, 1, clock.Pending())

	clock.Advance(4500 * time.Millisecond)
	assert.Equal(t, StateConnected, ch.State())
	assert.Equal(t, 2, dialer.Dials())
	assert.Zero(t, ch.Attempts())
}

func TestChannel_SendWhenNotConnected(t *testing.T) {
	dialer := &fakeDialer{}
	ch, _ := newTestChannel(t, dialer)

	env, err := NewEnvelope(TypeStatusUpdate, time.Now(), StatusUpdate{EntityType: EntityReservation, EntityID: "r1", Status: "seated"})
	require.NoError(t, err)
	assert.ErrorIs(t, ch.Send(env), ErrNotConnected)
	assert.Zero(t, dialer.Dials())
}

func TestChannel_SendWritesEnvelope(t *testing.T) {
	dialer := &fakeDialer{}
	ch, _ := newTestChannel(t, dialer)
	require.NoError(t, ch.Connect(context.Background()))

	env, err := NewEnvelope(TypeSubscribeTable, time.Now(), SubscribeTable{TableID: "t1"})
	require.NoError(t, err)
	require.NoError(t, ch.Send(env))

	written := dialer.Conn(0).Written()
	require.Len(t, written, 1)
	assert.Contains(t, written[0], `"type":"subscribe_table"`)
	assert.Contains(t, written[0], `"table_id":"t1"`)
}

func TestChannel_BackoffSchedule(t *testing.T) {
	dialer := &fakeDialer{err: errRefused}
	ch, clock := newTestChannel(t, dialer)

	require.ErrorIs(t, ch.Connect(context.Background()), errRefused)
	assert.Equal(t, StateReconnecting, ch.State())
	assert.Equal(t, 1, ch.Attempts())

	// Only one reconnection is ever in flight.
	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, 1, clock.Pending())

	clock.Advance(3 * time.Second)
	clock.Advance(4500 * time.Millisecond)
	assert.Equal(t, 3, dialer.Dials())

	want := []time.Duration{3 * time.Second, 4500 * time.Millisecond, 6750 * time.Millisecond}
	assert.Equal(t, want, clock.Delays())
}

func TestChannel_StopsAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{err: errRefused}
	ch, clock := newTestChannel(t, dialer)
	states := ch.WatchState(context.Background())

	_ = ch.Connect(context.Background())
	for i := 0; i < 20; i++ {
		clock.Advance(10 * time.Minute)
	}

	assert.Equal(t, StateDisconnected, ch.State())
	assert.Equal(t, 11, dialer.Dials(), "initial dial plus ten reconnections")
	assert.Equal(t, 10, ch.Attempts())
	assert.Zero(t, clock.Pending())

	var last StateChange
	require.Eventually(t, func() bool {
		for {
			select {
			case last = <-states:
			default:
				return last.To == StateDisconnected
			}
		}
	}, waitFor, time.Millisecond)
	assert.Equal(t, ClosureError, last.Closure)

	// An explicit connect starts over.
	dialer.SetErr(nil)
	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, StateConnected, ch.State())
	assert.Zero(t, ch.Attempts())
}

func TestChannel_AttemptsResetOnConnected(t *testing.T) {
	dialer := &fakeDialer{err: errRefused}
	ch, clock := newTestChannel(t, dialer)

	_ = ch.Connect(context.Background())
	clock.Advance(3 * time.Second)
	clock.Advance(4500 * time.Millisecond)
	assert.Equal(t, 3, ch.Attempts())

	dialer.SetErr(nil)
	clock.Advance(6750 * time.Millisecond)
	assert.Equal(t, StateConnected, ch.State())
	assert.Zero(t, ch.Attempts())
}

func TestChannel_DisconnectCancelsReconnect(t *testing.T) {
	dialer := &fakeDialer{err: errRefused}
	ch, clock := newTestChannel(t, dialer)

	_ = ch.Connect(context.Background())
	require.Equal(t, StateReconnecting, ch.State())

	ch.Disconnect()
	assert.Equal(t, StateDisconnected, ch.State())
	clock.Advance(time.Hour)
	assert.Equal(t, 1, dialer.Dials())
}

func TestChannel_DisconnectIsNormalClosure(t *testing.T) {
	dialer := &fakeDialer{}
	ch, _ := newTestChannel(t, dialer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := ch.WatchState(ctx)

	require.NoError(t, ch.Connect(context.Background()))
	ch.Disconnect()

	closed, normal := dialer.Conn(0).IsClosed()
	assert.True(t, closed)
	assert.True(t, normal)

	var got []StateChange
	for len(got) < 3 {
		select {
		case c := <-states:
			got = append(got, c)
		case <-time.After(waitFor):
			t.Fatalf("only saw %d state changes", len(got))
		}
	}
	assert.Equal(t, StateConnecting, got[0].To)
	assert.Equal(t, StateConnected, got[1].To)
	assert.Equal(t, StateDisconnected, got[2].To)
	assert.Equal(t, ClosureNormal, got[2].Closure)
}

func TestChannel_ReconnectsAfterTransportLoss(t *testing.T) {
	dialer := &fakeDialer{}
	ch, clock := newTestChannel(t, dialer)
	require.NoError(t, ch.Connect(context.Background()))

	dialer.Conn(0).Fail(io.ErrUnexpectedEOF)
	require.Eventually(t, func() bool { return ch.State() == StateReconnecting }, waitFor, time.Millisecond)
	closed, normal := dialer.Conn(0).IsClosed()
	assert.True(t, closed)
	assert.False(t, normal)

	clock.Advance(3 * time.Second)
	assert.Equal(t, StateConnected, ch.State())
	assert.Equal(t, 2, dialer.Dials())
	assert.Zero(t, ch.Attempts())
}

func TestChannel_HeartbeatTimeout(t *testing.T) {
	dialer := &fakeDialer{}
	ch, clock := newTestChannel(t, dialer)
	require.NoError(t, ch.Connect(context.Background()))
	conn := dialer.Conn(0)

	clock.Advance(25 * time.Second)
	written := conn.Written()
	require.Len(t, written, 1)
	assert.Contains(t, written[0], `"type":"ping"`)

	clock.Advance(10 * time.Second)
	assert.Equal(t, StateReconnecting, ch.State())
	closed, _ := conn.IsClosed()
	assert.True(t, closed)
}

func TestChannel_PongKeepsConnectionAlive(t *testing.T) {
	dialer := &fakeDialer{}
	ch, clock := newTestChannel(t, dialer)
	var frames []string
	var mu sync.Mutex
	ch.SetHandler(func(b []byte) {
		mu.Lock()
		frames = append(frames, string(b))
		mu.Unlock()
	})
	require.NoError(t, ch.Connect(context.Background()))
	conn := dialer.Conn(0)

	clock.Advance(25 * time.Second)
	conn.Deliver(`{"type":"pong","timestamp":"2025-01-10T18:00:25Z"}`)
	require.Eventually(t, func() bool { return ch.receivedCount() == 1 }, waitFor, time.Millisecond)

	clock.Advance(10 * time.Second)
	assert.Equal(t, StateConnected, ch.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, frames, "pong frames stay inside the channel")
}

func TestChannel_TrafficDefersPing(t *testing.T) {
	dialer := &fakeDialer{}
	ch, clock := newTestChannel(t, dialer)
	require.NoError(t, ch.Connect(context.Background()))
	conn := dialer.Conn(0)

	clock.Advance(20 * time.Second)
	conn.Deliver(`{"type":"system_alert","timestamp":"2025-01-10T18:00:20Z","data":{"level":"info","message":"hi"}}`)
	require.Eventually(t, func() bool { return ch.receivedCount() == 1 }, waitFor, time.Millisecond)

	clock.Advance(5 * time.Second)
	assert.Empty(t, conn.Written(), "the connection was not idle for a full interval")

	clock.Advance(20 * time.Second)
	require.Len(t, conn.Written(), 1)
}

func TestChannel_HandlerSeesFramesInOrder(t *testing.T) {
	dialer := &fakeDialer{}
	ch, _ := newTestChannel(t, dialer)
	got := make(chan string, 10)
	ch.SetHandler(func(b []byte) { got <- string(b) })
	require.NoError(t, ch.Connect(context.Background()))

	for i := 0; i < 5; i++ {
		dialer.Conn(0).Deliver(strings.Repeat("x", i+1))
	}
	for i := 0; i < 5; i++ {
		select {
		case frame := <-got:
			assert.Equal(t, strings.Repeat("x", i+1), frame)
		case <-time.After(waitFor):
			t.Fatal("frame not delivered")
		}
	}
}

func TestConfig_Backoff(t *testing.T) {
	var cfg Config
	assert.Equal(t, 3*time.Second, cfg.Backoff(0))
	assert.Equal(t, 4500*time.Millisecond, cfg.Backoff(1))

	prev := time.Duration(0)
	for n := 0; n < 10; n++ {
		d := cfg.Backoff(n)
		assert.Greater(t, d, prev)
		prev = d
	}
}

func TestSendLogsDrop(t *testing.T) {
	log, hook := test.NewNullLogger()
	ch := NewChannel(Config{URL: "ws://h/ws"}, &fakeDialer{}, StaticToken("x"), WithLogger(log))

	env, _ := NewEnvelope(TypePing, time.Now(), nil)
	_ = ch.Send(env)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "dropping outbound message", hook.LastEntry().Message)
}
