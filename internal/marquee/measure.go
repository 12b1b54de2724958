package marquee

import (
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/width"
)

// KinematicMeasurer derives geometry from elapsed time instead of a
// renderer. A comment enters with its left edge at the viewport's right
// border and leaves when its right edge passes x=0, moving at a constant
// speed over Duration.
type KinematicMeasurer struct {
	Width    float64
	FontSize float64
	Duration time.Duration
	Clock    Clock
}

// NewKinematicMeasurer creates a measurer for a viewport of the given width.
func NewKinematicMeasurer(viewportWidth, fontSize float64, duration time.Duration, clock Clock) *KinematicMeasurer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &KinematicMeasurer{
		Width:    viewportWidth,
		FontSize: fontSize,
		Duration: duration,
		Clock:    clock,
	}
}

func (m *KinematicMeasurer) ViewportWidth() float64 {
	return m.Width
}

func (m *KinematicMeasurer) RightEdge(p Placement) (float64, bool) {
	if m.Duration <= 0 {
		return 0, false
	}
	elapsed := m.Clock.Now().Sub(p.Created)
	if elapsed < 0 {
		elapsed = 0
	}
	textWidth := TextWidth(p.Comment, m.FontSize)
	progress := float64(elapsed) / float64(m.Duration)
	left := m.Width - progress*(m.Width+textWidth)
	return left + textWidth, true
}

// TextWidth estimates the rendered width of s in pixels. East Asian wide and
// fullwidth runes take a full em, combining marks take nothing and
// everything else takes half an em.
func TextWidth(s string, fontSize float64) float64 {
	var ems float64
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Mn, r):
		case isWide(r):
			ems += 1
		default:
			ems += 0.5
		}
	}
	return ems * fontSize
}

func isWide(r rune) bool {
	switch width.LookupRune(r).Kind() {
	case width.EastAsianWide, width.EastAsianFullwidth:
		return true
	}
	return false
}

// ReportedMeasurer holds geometry pushed by an external renderer. Placements
// the renderer has not reported yet are treated as not measurable.
type ReportedMeasurer struct {
	mu    sync.RWMutex
	width float64
	edges map[uuid.UUID]float64
}

// NewReportedMeasurer creates an empty measurer for the given viewport width.
func NewReportedMeasurer(viewportWidth float64) *ReportedMeasurer {
	return &ReportedMeasurer{
		width: viewportWidth,
		edges: make(map[uuid.UUID]float64),
	}
}

func (m *ReportedMeasurer) ViewportWidth() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.width
}

// SetViewportWidth updates the viewport width after a renderer resize.
func (m *ReportedMeasurer) SetViewportWidth(w float64) {
	m.mu.Lock()
	m.width = w
	m.mu.Unlock()
}

// Report records the current right edge of the placement with the given key.
func (m *ReportedMeasurer) Report(key uuid.UUID, right float64) {
	m.mu.Lock()
	m.edges[key] = right
	m.mu.Unlock()
}

func (m *ReportedMeasurer) RightEdge(p Placement) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	right, ok := m.edges[p.Key]
	return right, ok
}

// Retain forgets geometry of placements not in the given list. It has the
// Listener signature so it can be subscribed to an Engine directly.
func (m *ReportedMeasurer) Retain(placements []Placement) {
	live := make(map[uuid.UUID]struct{}, len(placements))
	for _, p := range placements {
		live[p.Key] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.edges {
		if _, ok := live[key]; !ok {
			delete(m.edges, key)
		}
	}
}

// Len returns the number of placements with reported geometry.
func (m *ReportedMeasurer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.edges)
}
