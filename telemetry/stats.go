// Package telemetry implements the wall-clock-aligned stats cycle from
// spec.md §4.K: once a minute, on the minute boundary, it samples CPU time
// and event throughput and logs a structured record.
package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"syscall"
	"time"
)

// Sample is one stats cycle's measurement.
type Sample struct {
	Label         string
	NumEvents     int64
	CPUTime       time.Duration
	WallTime      time.Duration
	Utilization   float64 // CPUTime / WallTime
	EventsPerSec  float64
	SampledAt     time.Time
}

// Tracker counts events (via Count) and periodically computes CPU time and
// throughput since the previous cycle, the way
// original_source/semserver/utils.py's StatsTracker does with os.times().
type Tracker struct {
	label string

	numEvents     atomic.Int64
	lastNumEvents int64
	lastCPUTime   time.Duration
	lastWallTime  time.Time

	timer *time.Timer
}

// NewTracker creates a Tracker for a stream labeled label.
func NewTracker(label string) *Tracker {
	t := &Tracker{label: label}
	t.lastWallTime = time.Now()
	t.lastCPUTime = cpuTime()
	return t
}

// Count records a published event.
func (t *Tracker) Count(n int) {
	t.numEvents.Add(int64(n))
}

// Run self-schedules sampling at each minute boundary
// (original_source/semserver/dbfeed.py's "60 - now%60" alignment,
// reimplemented with time.AfterFunc the way internal/server/idle.go
// self-reschedules) and invokes onSample with each cycle's Sample, until
// ctx is canceled.
func (t *Tracker) Run(ctx context.Context, onSample func(Sample)) {
	t.scheduleNext(ctx, onSample)
	<-ctx.Done()
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *Tracker) scheduleNext(ctx context.Context, onSample func(Sample)) {
	now := time.Now()
	delay := time.Duration(60-now.Second()%60) * time.Second
	if delay <= 0 {
		delay = 60 * time.Second
	}
	t.timer = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		onSample(t.computeCycle())
		t.scheduleNext(ctx, onSample)
	})
}

// computeCycle returns the Sample for the interval since the previous call,
// mirroring StatsTracker.compute_cycle's delta-of-counters approach.
func (t *Tracker) computeCycle() Sample {
	currentNum := t.numEvents.Load()
	numEvents := currentNum - t.lastNumEvents
	t.lastNumEvents = currentNum

	now := time.Now()
	wall := now.Sub(t.lastWallTime)
	t.lastWallTime = now

	current := cpuTime()
	cpu := current - t.lastCPUTime
	t.lastCPUTime = current

	sample := Sample{
		Label:     t.label,
		NumEvents: numEvents,
		CPUTime:   cpu,
		WallTime:  wall,
		SampledAt: now,
	}
	if wall > 0 {
		sample.Utilization = cpu.Seconds() / wall.Seconds()
		sample.EventsPerSec = float64(numEvents) / wall.Seconds()
	}
	return sample
}

// LogSample writes a Sample via slog, matching the teacher's structured
// logging idiom.
func LogSample(s Sample) {
	slog.Info("stats cycle",
		"label", s.Label,
		"events", s.NumEvents,
		"events_per_sec", s.EventsPerSec,
		"cpu_seconds", s.CPUTime.Seconds(),
		"wall_seconds", s.WallTime.Seconds(),
		"utilization", s.Utilization,
	)
}

// cpuTime returns accumulated user+sys CPU time for this process, the Go
// equivalent of os.times()'s first two fields.
func cpuTime() time.Duration {
	var usage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &usage); err != nil {
		return 0
	}
	user := time.Duration(usage.Utime.Sec)*time.Second + time.Duration(usage.Utime.Usec)*time.Microsecond
	sys := time.Duration(usage.Stime.Sec)*time.Second + time.Duration(usage.Stime.Usec)*time.Microsecond
	return user + sys
}
