package countdown

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrSessionActive = errors.New("destroy sequence already running")
	ErrDetonated     = errors.New("destroy sequence already completed")
	ErrNoSession     = errors.New("no destroy sequence running")
)

type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

type realTimer struct{ t *time.Timer }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

func (t realTimer) Stop() bool { return t.t.Stop() }

type State int

const (
	Idle State = iota
	Counting
	Detonated
)

func (s State) String() string {
	switch s {
	case Counting:
		return "counting"
	case Detonated:
		return "detonated"
	default:
		return "idle"
	}
}

// Notifier receives the progress of one session. Tick is called with the
// remaining count after each decrement, Done once after the final tick.
type Notifier interface {
	Tick(ctx context.Context, remaining int)
	Done(ctx context.Context)
}

type session struct {
	id        ulid.ULID
	ctx       context.Context
	remaining int
	timer     Timer
	notifier  Notifier
}

// Engine holds the single destroy session of the process.
type Engine struct {
	mu      sync.Mutex
	clock   Clock
	start   int
	period  time.Duration
	state   State
	session *session
}

func New(start int, period time.Duration) *Engine {
	if start <= 0 {
		start = 60
	}
	if period <= 0 {
		period = time.Second
	}
	return &Engine{clock: realClock{}, start: start, period: period}
}

func (e *Engine) WithClock(clock Clock) {
	e.clock = clock
}

// Start arms the session. Ticks are delivered from timer callbacks, so Start
// returns immediately.
func (e *Engine) Start(ctx context.Context, notifier Notifier) (ulid.ULID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Counting:
		return ulid.ULID{}, ErrSessionActive
	case Detonated:
		return ulid.ULID{}, ErrDetonated
	}

	s := &session{
		id:        ulid.Make(),
		ctx:       ctx,
		remaining: e.start,
		notifier:  notifier,
	}
	e.state = Counting
	e.session = s
	s.timer = e.clock.AfterFunc(e.period, func() { e.tick(s) })
	return s.id, nil
}

// Abort cancels a running session and returns the engine to Idle.
func (e *Engine) Abort() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Counting || e.session == nil {
		if e.state == Detonated {
			return 0, ErrDetonated
		}
		return 0, ErrNoSession
	}
	remaining := e.session.remaining
	if e.session.timer != nil {
		e.session.timer.Stop()
	}
	e.session = nil
	e.state = Idle
	return remaining, nil
}

func (e *Engine) State() (State, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return e.state, 0
	}
	return e.state, e.session.remaining
}

// tick notifies before scheduling the next tick so a slow notifier can never
// reorder the sequence.
func (e *Engine) tick(s *session) {
	e.mu.Lock()
	if e.session != s {
		e.mu.Unlock()
		return
	}
	s.remaining--
	remaining := s.remaining
	if remaining == 0 {
		e.state = Detonated
		e.session = nil
	}
	e.mu.Unlock()

	s.notifier.Tick(s.ctx, remaining)
	if remaining == 0 {
		s.notifier.Done(s.ctx)
		return
	}

	e.mu.Lock()
	if e.session == s {
		s.timer = e.clock.AfterFunc(e.period, func() { e.tick(s) })
	}
	e.mu.Unlock()
}
