package marquee

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmgr818/comment-overlay/internal/model"
)

const testDuration = 7000 * time.Millisecond

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(ms int64) *fakeClock {
	return &fakeClock{now: time.UnixMilli(ms)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeMeasurer reports fixed right edges per key. Keys without an entry are
// not measurable.
type fakeMeasurer struct {
	width float64
	edges map[uuid.UUID]float64
}

func newFakeMeasurer(width float64) *fakeMeasurer {
	return &fakeMeasurer{width: width, edges: make(map[uuid.UUID]float64)}
}

func (m *fakeMeasurer) ViewportWidth() float64 { return m.width }

func (m *fakeMeasurer) RightEdge(p Placement) (float64, bool) {
	right, ok := m.edges[p.Key]
	return right, ok
}

type recorder struct {
	mu    sync.Mutex
	calls [][]Placement
}

func (r *recorder) listen(ps []Placement) {
	r.mu.Lock()
	r.calls = append(r.calls, ps)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) last() []Placement {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

func placementsAt(created time.Time, levels ...int) []Placement {
	ps := make([]Placement, len(levels))
	for i, l := range levels {
		ps[i] = Placement{Key: uuid.New(), Created: created, Level: l, Comment: "c"}
	}
	return ps
}

func levelsOf(ps []Placement) []int {
	out := make([]int, len(ps))
	for i, p := range ps {
		out[i] = p.Level
	}
	return out
}

func TestCalcMinimumEmptyLevel(t *testing.T) {
	now := time.UnixMilli(0)
	tests := []struct {
		name   string
		levels []int
		want   int
	}{
		{"empty", nil, 0},
		{"gap in middle", []int{0, 1, 3}, 2},
		{"first level above zero", []int{1, 2}, 0},
		{"contiguous", []int{0, 1, 2}, -1},
		{"contiguous with duplicates", []int{0, 0, 1, 1, 1, 2}, -1},
		{"gap after duplicates", []int{0, 0, 2}, 1},
		{"single zero", []int{0}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, calcMinimumEmptyLevel(placementsAt(now, tt.levels...)))
		})
	}
}

func TestFindLevelRightSpaceExists(t *testing.T) {
	now := time.UnixMilli(0)
	m := newFakeMeasurer(1600)

	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, 0, findLevelRightSpaceExists(nil, m))
	})

	t.Run("first level not zero", func(t *testing.T) {
		assert.Equal(t, 0, findLevelRightSpaceExists(placementsAt(now, 1), m))
	})

	t.Run("lowest free level wins", func(t *testing.T) {
		ps := placementsAt(now, 0, 1, 1, 2)
		m.edges[ps[0].Key] = 1500 // occupies right space
		m.edges[ps[1].Key] = 900
		m.edges[ps[2].Key] = 1000
		m.edges[ps[3].Key] = 100
		assert.Equal(t, 1, findLevelRightSpaceExists(ps, m))
	})

	t.Run("boundary edge is occupied", func(t *testing.T) {
		ps := placementsAt(now, 0)
		m.edges[ps[0].Key] = 1600 - SpaceBetweenComments
		assert.Equal(t, -1, findLevelRightSpaceExists(ps, m))
	})

	t.Run("unmeasured placement occupies its level", func(t *testing.T) {
		ps := placementsAt(now, 0, 0, 1)
		m.edges[ps[0].Key] = 10
		m.edges[ps[2].Key] = 20
		assert.Equal(t, 1, findLevelRightSpaceExists(ps, m))
	})

	t.Run("all full", func(t *testing.T) {
		ps := placementsAt(now, 0, 1)
		m.edges[ps[0].Key] = 1400
		m.edges[ps[1].Key] = 1300
		assert.Equal(t, -1, findLevelRightSpaceExists(ps, m))
	})
}

func TestInsertionIndex(t *testing.T) {
	now := time.UnixMilli(0)
	tests := []struct {
		name   string
		levels []int
		level  int
		want   int
	}{
		{"empty", nil, 0, 0},
		{"append new lane", []int{0, 1}, 2, 2},
		{"after equal levels", []int{0, 0, 1, 2}, 0, 2},
		{"into gap", []int{0, 1, 3}, 2, 2},
		{"below everything", []int{1, 2}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, insertionIndex(placementsAt(now, tt.levels...), tt.level))
		})
	}
}

func TestEngine_FirstComment(t *testing.T) {
	clock := newFakeClock(123)
	e := NewEngine(testDuration, newFakeMeasurer(1600), WithClock(clock))
	rec := &recorder{}
	e.Subscribe(rec.listen)

	e.OnMessage(model.NewComment("hi"))

	require.Equal(t, 1, rec.count())
	got := rec.last()
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Level)
	assert.Equal(t, "hi", got[0].Comment)
	assert.Equal(t, int64(123), got[0].Created.UnixMilli())
	assert.NotEqual(t, uuid.Nil, got[0].Key)
}

func TestEngine_IgnoresNonComments(t *testing.T) {
	e := NewEngine(testDuration, newFakeMeasurer(1600), WithClock(newFakeClock(0)))
	rec := &recorder{}
	e.Subscribe(rec.listen)

	e.OnMessage(&model.Message{Type: model.MsgTypeApp, Cmd: "noop"})
	e.OnMessage(&model.Message{Type: model.MsgTypeError, Error: model.ErrorKindAuth})
	e.OnMessage(&model.Message{Type: "bogus"})
	e.OnMessage(nil)

	assert.Equal(t, 0, rec.count())
	assert.Empty(t, e.Snapshot())
	assert.Equal(t, uint64(4), e.Stats().Discarded)
}

func TestEngine_AdmissionCeiling(t *testing.T) {
	clock := newFakeClock(10_000)
	e := NewEngine(testDuration, newFakeMeasurer(1600), WithClock(clock))
	e.marquees = placementsAt(clock.Now(), make([]int, MaxMessages)...)
	rec := &recorder{}
	e.Subscribe(rec.listen)

	e.OnMessage(model.NewComment("one too many"))

	assert.Equal(t, 0, rec.count())
	assert.Len(t, e.Snapshot(), MaxMessages)
	assert.Equal(t, uint64(1), e.Stats().Dropped)
}

func TestEngine_AdmissionAfterExpiry(t *testing.T) {
	clock := newFakeClock(10_000)
	e := NewEngine(testDuration, newFakeMeasurer(1600), WithClock(clock))
	e.marquees = placementsAt(clock.Now(), make([]int, MaxMessages)...)

	clock.Advance(testDuration + time.Millisecond)
	rec := &recorder{}
	e.Subscribe(rec.listen)
	e.OnMessage(model.NewComment("fresh"))

	require.Equal(t, 1, rec.count())
	require.Len(t, rec.last(), 1)
	assert.Equal(t, "fresh", rec.last()[0].Comment)
}

func TestEngine_ExpiryBoundary(t *testing.T) {
	clock := newFakeClock(100_000)
	now := clock.Now()
	e := NewEngine(testDuration, newFakeMeasurer(1600), WithClock(clock))

	stale := Placement{Key: uuid.New(), Created: now.Add(-testDuration - time.Millisecond), Level: 0, Comment: "stale"}
	edge := Placement{Key: uuid.New(), Created: now.Add(-testDuration), Level: 1, Comment: "edge"}
	e.marquees = []Placement{stale, edge}

	rec := &recorder{}
	e.Subscribe(rec.listen)
	e.OnMessage(model.NewComment("new"))

	got := rec.last()
	require.Len(t, got, 2)
	keys := []uuid.UUID{got[0].Key, got[1].Key}
	assert.NotContains(t, keys, stale.Key)
	assert.Contains(t, keys, edge.Key)

	// level 0 was vacated by the stale comment
	assert.Equal(t, []int{0, 1}, levelsOf(got))
	assert.Equal(t, "new", got[0].Comment)
}

func TestEngine_NewLaneWhenRightSpaceOccupied(t *testing.T) {
	clock := newFakeClock(0)
	m := newFakeMeasurer(1600)
	e := NewEngine(testDuration, m, WithClock(clock))

	e.marquees = placementsAt(clock.Now(), 0, 0)
	m.edges[e.marquees[0].Key] = 1500
	m.edges[e.marquees[1].Key] = 1300

	e.OnMessage(model.NewComment("next"))

	got := e.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, []int{0, 0, 1}, levelsOf(got))
	assert.Equal(t, "next", got[2].Comment)
}

func TestEngine_ReusesLaneWithRightSpace(t *testing.T) {
	clock := newFakeClock(0)
	m := newFakeMeasurer(1600)
	e := NewEngine(testDuration, m, WithClock(clock))

	e.marquees = placementsAt(clock.Now(), 0, 1)
	m.edges[e.marquees[0].Key] = 1500
	m.edges[e.marquees[1].Key] = 200

	e.OnMessage(model.NewComment("reuse"))

	got := e.Snapshot()
	assert.Equal(t, []int{0, 1, 1}, levelsOf(got))
	assert.Equal(t, "reuse", got[2].Comment)
}

func TestEngine_FillsGapBeforeCheckingSpace(t *testing.T) {
	clock := newFakeClock(0)
	m := newFakeMeasurer(1600)
	e := NewEngine(testDuration, m, WithClock(clock))

	e.marquees = placementsAt(clock.Now(), 0, 2)
	m.edges[e.marquees[0].Key] = 0 // level 0 has room, but level 1 is empty

	e.OnMessage(model.NewComment("gap"))

	got := e.Snapshot()
	assert.Equal(t, []int{0, 1, 2}, levelsOf(got))
	assert.Equal(t, "gap", got[1].Comment)
}

func TestEngine_SequentialCommentsStackDownward(t *testing.T) {
	clock := newFakeClock(0)
	e := NewEngine(testDuration, newFakeMeasurer(1600), WithClock(clock))

	for range 4 {
		e.OnMessage(model.NewComment("burst"))
	}

	// nothing is measured yet, so every comment needs a fresh lane
	assert.Equal(t, []int{0, 1, 2, 3}, levelsOf(e.Snapshot()))
	assert.Equal(t, 4, e.Stats().Lanes)
}

func TestEngine_PinnedIsCarried(t *testing.T) {
	e := NewEngine(testDuration, newFakeMeasurer(1600), WithClock(newFakeClock(0)))
	e.OnMessage(&model.Message{Type: model.MsgTypeComment, Comment: "notice", Pinned: true})

	got := e.Snapshot()
	require.Len(t, got, 1)
	assert.True(t, got[0].Pinned)
}

func TestEngine_Unsubscribe(t *testing.T) {
	e := NewEngine(testDuration, newFakeMeasurer(1600), WithClock(newFakeClock(0)))
	a, b := &recorder{}, &recorder{}
	unsubA := e.Subscribe(a.listen)
	e.Subscribe(b.listen)

	e.OnMessage(model.NewComment("one"))
	unsubA()
	unsubA()
	e.OnMessage(model.NewComment("two"))

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 2, b.count())
}

func TestEngine_ListenersGetIndependentCopies(t *testing.T) {
	e := NewEngine(testDuration, newFakeMeasurer(1600), WithClock(newFakeClock(0)))
	a, b := &recorder{}, &recorder{}
	e.Subscribe(a.listen)
	e.Subscribe(b.listen)

	e.OnMessage(model.NewComment("x"))
	a.last()[0].Comment = "mutated"

	assert.Equal(t, "x", b.last()[0].Comment)
	assert.Equal(t, "x", e.Snapshot()[0].Comment)
}

func TestEngine_Clear(t *testing.T) {
	e := NewEngine(testDuration, newFakeMeasurer(1600), WithClock(newFakeClock(0)))
	e.OnMessage(model.NewComment("x"))
	rec := &recorder{}
	e.Subscribe(rec.listen)

	e.Clear()

	require.Equal(t, 1, rec.count())
	assert.Empty(t, rec.last())
	assert.Empty(t, e.Snapshot())
}

func TestEngine_ConcurrentMessages(t *testing.T) {
	e := NewEngine(testDuration, newFakeMeasurer(1600), WithClock(newFakeClock(0)))
	rec := &recorder{}
	e.Subscribe(rec.listen)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.OnMessage(model.NewComment("c"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, rec.count())
	assert.Len(t, rec.last(), 50)
	assert.Equal(t, uint64(50), e.Stats().Admitted)
}
