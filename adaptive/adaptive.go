// Package adaptive implements the Adaptive Limiter (§4.12): a
// background sampler that halves an admission multiplier under
// CPU/memory pressure and recovers it gradually once pressure clears.
// Admission callers (the bounded queue, a rate limiter) consume the
// multiplier to scale their effective capacity; adaptive itself never
// touches another package's state.
package adaptive

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ocppcore/ocpp-rpc/internal/spawn"
	"github.com/ocppcore/ocpp-rpc/logger"
)

const (
	minMultiplier     = 0.25
	maxMultiplier     = 1.0
	recoveryStep      = 0.1
	defaultSampleRate = 5 * time.Second
)

// Config configures a Limiter. Zero-value fields take the documented
// defaults.
type Config struct {
	SampleInterval time.Duration
	CPUThreshold   float64 // percent, 0-100
	MemThreshold   float64 // percent, 0-100
	Logger         *logger.Logger
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = defaultSampleRate
	}
	if c.CPUThreshold <= 0 {
		c.CPUThreshold = 80
	}
	if c.MemThreshold <= 0 {
		c.MemThreshold = 80
	}
	if c.Logger == nil {
		c.Logger, _ = logger.Get(logger.SubsystemTags.ADPT)
	}
	return c
}

// Event is delivered to every registered listener on each change to
// the multiplier (§4.12 "emits adapted events").
type Event struct {
	Multiplier float64
	CPUPercent float64
	MemPercent float64
}

// Listener receives adaptive events, synchronously on the sampler
// goroutine.
type Listener func(Event)

// Limiter periodically samples host CPU/memory utilization and
// maintains an admission multiplier in [0.25, 1.0].
type Limiter struct {
	cfg Config

	mu         sync.RWMutex
	multiplier float64
	overloaded bool

	listenersMu sync.Mutex
	listeners   []Listener

	quit      chan struct{}
	once      sync.Once
	startOnce sync.Once
}

// New constructs a Limiter at full multiplier (1.0). Call Start to
// begin sampling.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:        cfg.withDefaults(),
		multiplier: maxMultiplier,
		quit:       make(chan struct{}),
	}
}

// Multiplier returns the current admission multiplier.
func (l *Limiter) Multiplier() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.multiplier
}

// On registers a listener for adapted events.
func (l *Limiter) On(fn Listener) {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *Limiter) emit(ev Event) {
	l.listenersMu.Lock()
	fns := append([]Listener(nil), l.listeners...)
	l.listenersMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Start begins the background sampling loop. It is safe to call once;
// subsequent calls are no-ops.
func (l *Limiter) Start() {
	l.startOnce.Do(func() { spawn.Go(l.cfg.Logger, l.sampleLoop) })
}

// Stop halts the sampling loop.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.quit) })
}

func (l *Limiter) sampleLoop() {
	ticker := time.NewTicker(l.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sample()
		case <-l.quit:
			return
		}
	}
}

// sample reads CPU/memory utilization and adjusts the multiplier per
// §4.12: halved (floored at 0.25) the instant either threshold is
// exceeded; otherwise recovered by +0.1 per sample, capped at 1.0.
func (l *Limiter) sample() {
	cpuPercent, err := sampleCPUPercent()
	if err != nil {
		l.cfg.Logger.Warnf("sampling cpu utilization: %s", err)
	}
	memPercent, err := sampleMemPercent()
	if err != nil {
		l.cfg.Logger.Warnf("sampling memory utilization: %s", err)
	}

	overloaded := cpuPercent > l.cfg.CPUThreshold || memPercent > l.cfg.MemThreshold

	l.mu.Lock()
	before := l.multiplier
	if overloaded {
		l.multiplier = maxFloat(l.multiplier/2, minMultiplier)
	} else {
		l.multiplier = minFloat(l.multiplier+recoveryStep, maxMultiplier)
	}
	l.overloaded = overloaded
	after := l.multiplier
	l.mu.Unlock()

	if after != before {
		l.cfg.Logger.Infof("adaptive multiplier %.2f -> %.2f (cpu=%.1f%% mem=%.1f%%)", before, after, cpuPercent, memPercent)
		l.emit(Event{Multiplier: after, CPUPercent: cpuPercent, MemPercent: memPercent})
	}
}

// sampleCPUPercent reports utilization since the previous call,
// relying on gopsutil's internal delta tracking rather than blocking
// the sample loop for a measurement window.
func sampleCPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

func sampleMemPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
