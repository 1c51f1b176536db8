package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/skillswap-chat/internal/types"
	"github.com/rs/zerolog"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	GivingUp
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case GivingUp:
		return "giving up"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrDisconnected = errors.New("not connected")
	ErrClosed       = errors.New("controller closed")
)

// RequestError is an error event answering a request.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	defaultDialTimeout = 10 * time.Second
	eventQueueSize     = 256
)

type Options struct {
	Backoff     Backoff
	DialTimeout time.Duration
	// After schedules retries. It defaults to time.After.
	After func(time.Duration) <-chan time.Time
	// OnStateChange is called from the controller goroutine.
	OnStateChange func(State)
}

type reply struct {
	env *types.Envelope
	err error
}

type frame struct {
	gen int
	env *types.Envelope
	err error
}

type dialResult struct {
	conn Conn
	err  error
}

// Controller owns the connection to the chat server. All transitions happen
// on the goroutine running Run; callers talk to it through commands.
type Controller struct {
	log     zerolog.Logger
	dialer  Dialer
	opts    Options
	events  chan *types.Envelope
	resumed chan struct{}
	cmds    chan func()
	frames  chan frame
	dials   chan dialResult
	done    chan struct{}
	stopped sync.Once

	mu    sync.RWMutex
	state State

	// owned by Run
	conn       Conn
	gen        int
	attempt    int
	dialing    bool
	retry      <-chan time.Time
	activeRoom string
	pending    map[string]chan reply
	connected  bool
}

func NewController(logger zerolog.Logger, dialer Dialer, opts Options) *Controller {
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.After == nil {
		opts.After = time.After
	}

	return &Controller{
		log:     logger,
		dialer:  dialer,
		opts:    opts,
		events:  make(chan *types.Envelope, eventQueueSize),
		resumed: make(chan struct{}, 1),
		cmds:    make(chan func()),
		frames:  make(chan frame),
		dials:   make(chan dialResult),
		done:    make(chan struct{}),
		pending: make(map[string]chan reply),
	}
}

// Events carries server events that do not answer a request.
func (ctl *Controller) Events() <-chan *types.Envelope {
	return ctl.events
}

// Reconnected receives a value each time a connection is established after
// an earlier one was lost. Events sent while disconnected are not replayed.
func (ctl *Controller) Reconnected() <-chan struct{} {
	return ctl.resumed
}

func (ctl *Controller) State() State {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	return ctl.state
}

func (ctl *Controller) Run() {
	for {
		select {
		case cmd := <-ctl.cmds:
			cmd()
		case res := <-ctl.dials:
			ctl.handleDial(res)
		case f := <-ctl.frames:
			ctl.handleFrame(f)
		case <-ctl.retry:
			ctl.retry = nil
			ctl.startDial()
		case <-ctl.done:
			return
		}
	}
}

// do runs fn on the controller goroutine and waits for it to finish.
func (ctl *Controller) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case ctl.cmds <- func() { fn(); close(finished) }:
	case <-ctl.done:
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-ctl.done:
		return ErrClosed
	}
}

// Connect starts a connection attempt from Disconnected or GivingUp.
func (ctl *Controller) Connect() error {
	return ctl.do(func() {
		switch ctl.state {
		case Disconnected, GivingUp:
			ctl.attempt = 0
			ctl.setState(Connecting)
			ctl.startDial()
		}
	})
}

// Close ends the session and stops Run.
func (ctl *Controller) Close() error {
	err := ctl.do(func() {
		ctl.retry = nil
		ctl.dropConn()
		ctl.failPending(ErrClosed)
		ctl.setState(Disconnected)
	})
	ctl.stopped.Do(func() { close(ctl.done) })
	return err
}

// SetActiveRoom records the conversation to re-join after a reconnect.
func (ctl *Controller) SetActiveRoom(conversationId string) error {
	return ctl.do(func() { ctl.activeRoom = conversationId })
}

// Send writes an event without waiting for an answer.
func (ctl *Controller) Send(event string, data any) error {
	env, err := types.NewEnvelope(event, "", data)
	if err != nil {
		return err
	}

	var werr error
	if err := ctl.do(func() { werr = ctl.write(env) }); err != nil {
		return err
	}
	return werr
}

// Request writes an event tagged with a ref and waits for its ack or error.
func (ctl *Controller) Request(ctx context.Context, event string, data any) (*types.Envelope, error) {
	ref := uuid.NewString()
	env, err := types.NewEnvelope(event, ref, data)
	if err != nil {
		return nil, err
	}

	ch := make(chan reply, 1)
	var werr error
	err = ctl.do(func() {
		if werr = ctl.write(env); werr == nil {
			ctl.pending[ref] = ch
		}
	})
	if err != nil {
		return nil, err
	}
	if werr != nil {
		return nil, werr
	}

	select {
	case r := <-ch:
		return r.env, r.err
	case <-ctx.Done():
		ctl.do(func() { delete(ctl.pending, ref) })
		return nil, ctx.Err()
	}
}

func (ctl *Controller) write(env *types.Envelope) error {
	if ctl.state != Connected {
		return ErrDisconnected
	}

	if err := ctl.conn.WriteJSON(env); err != nil {
		ctl.log.Warn().Err(err).Str("event", env.Event).Msg("write failed")
		ctl.lost(err)
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return nil
}

func (ctl *Controller) setState(s State) {
	ctl.mu.Lock()
	prev := ctl.state
	ctl.state = s
	ctl.mu.Unlock()

	if prev == s {
		return
	}
	ctl.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("connection state")
	if ctl.opts.OnStateChange != nil {
		ctl.opts.OnStateChange(s)
	}
}

// startDial dials in the background. At most one attempt is in flight.
func (ctl *Controller) startDial() {
	if ctl.dialing {
		return
	}
	ctl.dialing = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ctl.opts.DialTimeout)
		defer cancel()

		conn, err := ctl.dialer.Dial(ctx)
		select {
		case ctl.dials <- dialResult{conn: conn, err: err}:
		case <-ctl.done:
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

func (ctl *Controller) handleDial(res dialResult) {
	ctl.dialing = false

	if ctl.state != Connecting && ctl.state != Reconnecting {
		if res.conn != nil {
			res.conn.Close()
		}
		return
	}

	if res.err != nil {
		ctl.log.Warn().Err(res.err).Int("attempt", ctl.attempt).Msg("connection attempt failed")
		ctl.scheduleRetry()
		return
	}

	ctl.conn = res.conn
	ctl.gen++
	ctl.attempt = 0
	go ctl.readLoop(ctl.gen, res.conn)
	ctl.setState(Connected)

	if ctl.activeRoom != "" {
		ctl.write(mustEnvelope(types.EventJoinConversation, types.ConversationRef{ConversationId: ctl.activeRoom}))
	}

	if ctl.connected && ctl.state == Connected {
		select {
		case ctl.resumed <- struct{}{}:
		default:
		}
	}
	ctl.connected = true
}

func (ctl *Controller) scheduleRetry() {
	ctl.attempt++
	if ctl.opts.Backoff.Exhausted(ctl.attempt) {
		ctl.log.Error().Int("attempts", ctl.attempt-1).Msg("giving up on reconnecting")
		ctl.setState(GivingUp)
		return
	}

	ctl.setState(Reconnecting)
	ctl.retry = ctl.opts.After(ctl.opts.Backoff.Delay(ctl.attempt))
}

func (ctl *Controller) readLoop(gen int, conn Conn) {
	for {
		var env types.Envelope
		err := conn.ReadJSON(&env)

		f := frame{gen: gen, err: err}
		if err == nil {
			f.env = &env
		}

		select {
		case ctl.frames <- f:
		case <-ctl.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (ctl *Controller) handleFrame(f frame) {
	if f.gen != ctl.gen || ctl.state != Connected {
		return
	}

	if f.err != nil {
		ctl.lost(f.err)
		return
	}

	env := f.env
	if env.Ref != "" {
		if ch, ok := ctl.pending[env.Ref]; ok {
			delete(ctl.pending, env.Ref)
			ch <- toReply(env)
			return
		}
	}

	select {
	case ctl.events <- env:
	default:
		ctl.log.Warn().Str("event", env.Event).Msg("event queue full, dropping event")
	}
}

// lost handles the end of the current connection.
func (ctl *Controller) lost(err error) {
	ctl.dropConn()
	ctl.failPending(ErrDisconnected)

	if isServerClose(err) {
		ctl.log.Info().Err(err).Msg("server closed the session")
		ctl.setState(Disconnected)
		return
	}

	ctl.log.Warn().Err(err).Msg("connection lost")
	ctl.scheduleRetry()
}

func (ctl *Controller) dropConn() {
	if ctl.conn == nil {
		return
	}
	ctl.conn.Close()
	ctl.conn = nil
	ctl.gen++
}

func (ctl *Controller) failPending(err error) {
	for ref, ch := range ctl.pending {
		ch <- reply{err: err}
		delete(ctl.pending, ref)
	}
}

func toReply(env *types.Envelope) reply {
	if env.Event != types.EventError {
		return reply{env: env}
	}

	var e types.ErrorEvent
	if err := env.Decode(&e); err != nil {
		return reply{err: err}
	}
	return reply{err: &RequestError{Code: e.Code, Message: e.Message}}
}

func mustEnvelope(event string, data any) *types.Envelope {
	env, err := types.NewEnvelope(event, "", data)
	if err != nil {
		panic(err)
	}
	return env
}
