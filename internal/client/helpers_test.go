package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/npezzotti/skillswap-chat/internal/testutil"
	"github.com/npezzotti/skillswap-chat/internal/types"
	"github.com/stretchr/testify/require"
)

const waitFor = time.Second

var errConnClosedLocally = errors.New("use of closed connection")

// fakeConn is an in-memory Conn. Tests push envelopes or errors into in and
// read what the controller wrote from out.
type fakeConn struct {
	in     chan any
	out    chan *types.Envelope
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan any, 16),
		out:    make(chan *types.Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v any) error {
	select {
	case item := <-c.in:
		if err, ok := item.(error); ok {
			return err
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, v)
	case <-c.closed:
		return errConnClosedLocally
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errConnClosedLocally
	default:
	}

	c.out <- v.(*types.Envelope)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// written waits for the next envelope written to the connection.
func (c *fakeConn) written(t *testing.T) *types.Envelope {
	t.Helper()
	select {
	case env := <-c.out:
		return env
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a write")
		return nil
	}
}

// fakeDialer hands out queued results. Dial blocks until a result is queued.
type fakeDialer struct {
	results chan dialResult
	calls   atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.calls.Add(1)
	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) succeed(conn *fakeConn) {
	d.results <- dialResult{conn: conn}
}

func (d *fakeDialer) fail() {
	d.results <- dialResult{err: errors.New("connection refused")}
}

type timerReq struct {
	d time.Duration
	c chan time.Time
}

// fakeTimers replaces time.After so retries fire only when a test says so.
type fakeTimers struct {
	scheduled chan timerReq
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{scheduled: make(chan timerReq, 16)}
}

func (f *fakeTimers) After(d time.Duration) <-chan time.Time {
	c := make(chan time.Time, 1)
	f.scheduled <- timerReq{d: d, c: c}
	return c
}

func (f *fakeTimers) expect(t *testing.T) timerReq {
	t.Helper()
	select {
	case req := <-f.scheduled:
		return req
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a retry to be scheduled")
		return timerReq{}
	}
}

func (f *fakeTimers) expectNone(t *testing.T) {
	t.Helper()
	select {
	case req := <-f.scheduled:
		t.Fatalf("unexpected retry scheduled after %s", req.d)
	case <-time.After(50 * time.Millisecond):
	}
}

type controllerHarness struct {
	ctl    *Controller
	dialer *fakeDialer
	timers *fakeTimers
	states chan State
}

func newTestController(t *testing.T) *controllerHarness {
	t.Helper()

	h := &controllerHarness{
		dialer: newFakeDialer(),
		timers: newFakeTimers(),
		states: make(chan State, 32),
	}
	h.ctl = NewController(testutil.TestLogger(t), h.dialer, Options{
		Backoff:       Backoff{Base: time.Second, MaxAttempts: 5},
		DialTimeout:   time.Minute,
		After:         h.timers.After,
		OnStateChange: func(s State) { h.states <- s },
	})

	go h.ctl.Run()
	t.Cleanup(func() { h.ctl.Close() })

	return h
}

func (h *controllerHarness) expectState(t *testing.T, want State) {
	t.Helper()
	select {
	case got := <-h.states:
		require.Equal(t, want, got, "unexpected state transition")
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for state %s", want)
	}
}

// connected brings the controller to Connected on conn.
func (h *controllerHarness) connected(t *testing.T, conn *fakeConn) {
	t.Helper()
	require.NoError(t, h.ctl.Connect())
	h.expectState(t, Connecting)
	h.dialer.succeed(conn)
	h.expectState(t, Connected)
}

func envelope(t *testing.T, event, ref string, data any) *types.Envelope {
	t.Helper()
	env, err := types.NewEnvelope(event, ref, data)
	require.NoError(t, err)
	return env
}

func decodeData[T any](t *testing.T, env *types.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, env.Decode(&v))
	return v
}
