package marquee

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmgr818/comment-overlay/internal/model"
)

const (
	// MaxMessages is the admission ceiling on simultaneously live placements.
	MaxMessages = 500

	// SpaceBetweenComments is the gap in pixels, measured from the right edge
	// of the viewport, that must be clear before a lane accepts a new comment.
	SpaceBetweenComments = 384
)

// Placement is one visible comment with its assigned lane.
type Placement struct {
	Key     uuid.UUID `json:"key"`
	Created time.Time `json:"created"`
	Level   int       `json:"level"`
	Comment string    `json:"comment"`
	Pinned  bool      `json:"pinned,omitempty"`
}

// Measurer reports on-screen geometry of placements. It is owned by the
// rendering side; the engine only reads from it.
type Measurer interface {
	ViewportWidth() float64
	// RightEdge returns the current right edge of p in pixels, or false if
	// p has not been rendered yet.
	RightEdge(p Placement) (float64, bool)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Listener receives the full ordered placement list after every change.
// The slice is a copy owned by the listener.
type Listener func(placements []Placement)

// Stats is a point-in-time view of engine counters.
type Stats struct {
	Active    int    `json:"active"`
	Lanes     int    `json:"lanes"`
	Admitted  uint64 `json:"admitted"`
	Dropped   uint64 `json:"dropped"`
	Discarded uint64 `json:"discarded"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithKeyFunc overrides placement key generation.
func WithKeyFunc(f func() uuid.UUID) Option {
	return func(e *Engine) { e.newKey = f }
}

type subscription struct {
	fn Listener
}

// Engine assigns incoming comments to display lanes so that simultaneously
// visible comments do not collide.
//
// Listeners are invoked synchronously from OnMessage and Clear, in message
// order. A listener must not call OnMessage or Clear.
type Engine struct {
	duration time.Duration
	measurer Measurer
	clock    Clock
	newKey   func() uuid.UUID
	logger   *slog.Logger

	// emitMu serializes state changes with their emissions.
	emitMu sync.Mutex

	mu          sync.Mutex
	marquees    []Placement // sorted by Level, insertion order within a level
	subscribers []*subscription
	admitted    uint64
	dropped     uint64
	discarded   uint64
}

// NewEngine creates an engine that keeps each comment for duration.
func NewEngine(duration time.Duration, measurer Measurer, opts ...Option) *Engine {
	e := &Engine{
		duration: duration,
		measurer: measurer,
		clock:    SystemClock{},
		newKey:   uuid.New,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "marquee")
	return e
}

// Duration returns how long a comment stays live.
func (e *Engine) Duration() time.Duration {
	return e.duration
}

// Subscribe registers l and returns a function that removes it.
func (e *Engine) Subscribe(l Listener) (unsubscribe func()) {
	sub := &subscription{fn: l}

	e.mu.Lock()
	e.subscribers = append(e.subscribers, sub)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.subscribers = slices.DeleteFunc(e.subscribers, func(s *subscription) bool {
				return s == sub
			})
		})
	}
}

// OnMessage places a comment message and notifies subscribers. Non-comment
// messages, and comments arriving while MaxMessages placements are live,
// are dropped without notification.
func (e *Engine) OnMessage(msg *model.Message) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	snapshot, subs, ok := e.place(msg)
	if !ok {
		return
	}
	notify(subs, snapshot)
}

func (e *Engine) place(msg *model.Message) ([]Placement, []*subscription, bool) {
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if msg == nil || msg.Type != model.MsgTypeComment {
		e.discarded++
		var typ model.MsgType
		if msg != nil {
			typ = msg.Type
		}
		e.logger.Warn("discarding non-comment message", "type", typ)
		return nil, nil, false
	}

	live := make([]Placement, 0, len(e.marquees)+1)
	for _, p := range e.marquees {
		if now.Sub(p.Created) <= e.duration {
			live = append(live, p)
		}
	}

	if len(live) >= MaxMessages {
		e.marquees = live
		e.dropped++
		e.logger.Warn("too many live comments, dropping", "live", len(live), "max", MaxMessages)
		return nil, nil, false
	}

	level := calcMinimumEmptyLevel(live)
	if level < 0 {
		level = findLevelRightSpaceExists(live, e.measurer)
	}
	if level < 0 {
		level = 0
		if n := len(live); n > 0 {
			level = live[n-1].Level + 1
		}
	}

	p := Placement{
		Key:     e.newKey(),
		Created: now,
		Level:   level,
		Comment: msg.Comment,
		Pinned:  msg.Pinned,
	}
	live = slices.Insert(live, insertionIndex(live, level), p)

	e.marquees = live
	e.admitted++
	e.logger.Debug("placed comment", "level", level, "live", len(live))

	return slices.Clone(live), slices.Clone(e.subscribers), true
}

// Clear drops every placement and notifies subscribers with an empty list.
func (e *Engine) Clear() {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	e.marquees = nil
	subs := slices.Clone(e.subscribers)
	e.mu.Unlock()

	e.logger.Info("cleared all comments")
	notify(subs, []Placement{})
}

// Snapshot returns a copy of the current placement list. Expired placements
// are only removed when the next comment arrives, so they may still appear.
func (e *Engine) Snapshot() []Placement {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.marquees)
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	lanes := 0
	for i, p := range e.marquees {
		if i == 0 || p.Level != e.marquees[i-1].Level {
			lanes++
		}
	}
	return Stats{
		Active:    len(e.marquees),
		Lanes:     lanes,
		Admitted:  e.admitted,
		Dropped:   e.dropped,
		Discarded: e.discarded,
	}
}

func notify(subs []*subscription, placements []Placement) {
	for i, s := range subs {
		if i == len(subs)-1 {
			s.fn(placements)
			continue
		}
		s.fn(slices.Clone(placements))
	}
}

// calcMinimumEmptyLevel returns the lowest level with no placement, or -1
// if levels 0..n are all occupied. placements must be sorted by level.
func calcMinimumEmptyLevel(placements []Placement) int {
	if len(placements) == 0 || placements[0].Level > 0 {
		return 0
	}
	next := 1
	for _, p := range placements {
		if p.Level > next {
			return next
		}
		if p.Level == next {
			next++
		}
	}
	return -1
}

// findLevelRightSpaceExists returns the lowest level whose placements all
// leave the rightmost SpaceBetweenComments pixels free, or -1 if none does.
// A placement that cannot be measured yet counts as occupying the space.
func findLevelRightSpaceExists(placements []Placement, m Measurer) int {
	if len(placements) == 0 || placements[0].Level != 0 {
		return 0
	}
	limit := m.ViewportWidth() - SpaceBetweenComments

	for start := 0; start < len(placements); {
		level := placements[start].Level
		free := true
		end := start
		for ; end < len(placements) && placements[end].Level == level; end++ {
			if !free {
				continue
			}
			right, ok := m.RightEdge(placements[end])
			if !ok || right >= limit {
				free = false
			}
		}
		if free {
			return level
		}
		start = end
	}
	return -1
}

// insertionIndex returns the position just after the last placement whose
// level is <= level, keeping the list level-sorted and stable.
func insertionIndex(placements []Placement, level int) int {
	for i := len(placements) - 1; i >= 0; i-- {
		if placements[i].Level <= level {
			return i + 1
		}
	}
	return 0
}
