package ui

import (
	"strings"
	"sync"
	"time"
)

// speedInterval is the minimum gap between throughput samples.
const speedInterval = 500 * time.Millisecond

// sparkChars are the eight bar heights used by the throughput sparkline.
var sparkChars = []rune("▁▂▃▄▅▆▇█")

// ProgressTracker holds progress state for the current stage.
// It is safe for concurrent use.
type ProgressTracker struct {
	mu         sync.RWMutex
	now        func() time.Time
	stage      Stage
	current    int
	total      int
	item       string
	stageStart time.Time
	errors     int
	warnings   int

	lastCurrent int
	lastSample  time.Time
	speed       float64 // items/sec over the last sample
	avgSpeed    float64 // exponentially smoothed
	samples     []float64
	maxSamples  int
}

// ProgressStats contains a snapshot of current progress.
type ProgressStats struct {
	Stage      Stage
	Current    int
	Total      int
	Fraction   float64
	ETA        time.Duration
	Item       string
	ErrorCount int
	WarnCount  int
	Speed      float64
	AvgSpeed   float64
}

// NewProgressTracker creates a tracker keeping up to 60 throughput samples.
func NewProgressTracker() *ProgressTracker {
	return newProgressTracker(time.Now)
}

func newProgressTracker(now func() time.Time) *ProgressTracker {
	t := now()
	return &ProgressTracker{
		now:        now,
		stageStart: t,
		lastSample: t,
		maxSamples: 60,
	}
}

// SetStage switches to a new stage and resets counters and speed.
func (p *ProgressTracker) SetStage(stage Stage, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t := p.now()
	p.stage = stage
	p.total = total
	p.current = 0
	p.item = ""
	p.stageStart = t
	p.lastCurrent = 0
	p.lastSample = t
	p.speed = 0
	p.avgSpeed = 0
	p.samples = p.samples[:0]
}

// Update records progress within the current stage.
func (p *ProgressTracker) Update(current, total int, item string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = current
	if total > 0 {
		p.total = total
	}
	if item != "" {
		p.item = item
	}

	t := p.now()
	elapsed := t.Sub(p.lastSample)
	if elapsed < speedInterval {
		return
	}
	if delta := current - p.lastCurrent; delta > 0 {
		p.speed = float64(delta) / elapsed.Seconds()
		if p.avgSpeed == 0 {
			p.avgSpeed = p.speed
		} else {
			p.avgSpeed = 0.2*p.speed + 0.8*p.avgSpeed
		}
		p.samples = append(p.samples, p.speed)
		if len(p.samples) > p.maxSamples {
			p.samples = p.samples[len(p.samples)-p.maxSamples:]
		}
	}
	p.lastCurrent = current
	p.lastSample = t
}

// AddError counts an error or warning.
func (p *ProgressTracker) AddError(event ErrorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.IsWarn {
		p.warnings++
	} else {
		p.errors++
	}
}

// Stats returns a snapshot.
func (p *ProgressTracker) Stats() ProgressStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	fraction := 0.0
	if p.total > 0 {
		fraction = min(float64(p.current)/float64(p.total), 1.0)
	}

	var eta time.Duration
	if fraction > 0 && fraction < 1 {
		elapsed := p.now().Sub(p.stageStart)
		eta = time.Duration(float64(elapsed)/fraction) - elapsed
	}

	return ProgressStats{
		Stage:      p.stage,
		Current:    p.current,
		Total:      p.total,
		Fraction:   fraction,
		ETA:        eta,
		Item:       p.item,
		ErrorCount: p.errors,
		WarnCount:  p.warnings,
		Speed:      p.speed,
		AvgSpeed:   p.avgSpeed,
	}
}

// Sparkline renders the most recent throughput samples, right-aligned in
// width cells and scaled to the largest visible sample.
func (p *ProgressTracker) Sparkline(width int) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if width <= 0 {
		return ""
	}
	samples := p.samples
	if len(samples) > width {
		samples = samples[len(samples)-width:]
	}

	peak := 0.0
	for _, v := range samples {
		peak = max(peak, v)
	}

	var sb strings.Builder
	sb.WriteString(strings.Repeat(" ", width-len(samples)))
	for _, v := range samples {
		level := 0
		if peak > 0 {
			level = int(v / peak * float64(len(sparkChars)-1))
		}
		sb.WriteRune(sparkChars[level])
	}
	return sb.String()
}
