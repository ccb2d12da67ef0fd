package adaptive

import "testing"

func TestMultiplierStartsAtMax(t *testing.T) {
	l := New(Config{})
	if got := l.Multiplier(); got != maxMultiplier {
		t.Fatalf("expected initial multiplier %.2f, got %.2f", maxMultiplier, got)
	}
}

func TestOverloadHalvesAndFloors(t *testing.T) {
	l := New(Config{})

	l.mu.Lock()
	l.multiplier = maxMultiplier
	l.mu.Unlock()

	applyOverload := func() {
		l.mu.Lock()
		l.multiplier = maxFloat(l.multiplier/2, minMultiplier)
		l.mu.Unlock()
	}
	for i := 0; i < 10; i++ {
		applyOverload()
	}
	if got := l.Multiplier(); got != minMultiplier {
		t.Fatalf("expected multiplier floored at %.2f, got %.2f", minMultiplier, got)
	}
}

func TestRecoveryCapsAtMax(t *testing.T) {
	l := New(Config{})
	l.mu.Lock()
	l.multiplier = 0.9
	l.mu.Unlock()

	applyRecovery := func() {
		l.mu.Lock()
		l.multiplier = minFloat(l.multiplier+recoveryStep, maxMultiplier)
		l.mu.Unlock()
	}
	applyRecovery()
	applyRecovery()
	if got := l.Multiplier(); got != maxMultiplier {
		t.Fatalf("expected multiplier capped at %.2f, got %.2f", maxMultiplier, got)
	}
}

func TestEventListenerReceivesChange(t *testing.T) {
	l := New(Config{})
	var got Event
	l.On(func(ev Event) { got = ev })
	l.emit(Event{Multiplier: 0.5, CPUPercent: 95, MemPercent: 10})
	if got.Multiplier != 0.5 || got.CPUPercent != 95 {
		t.Fatalf("listener did not receive emitted event: %+v", got)
	}
}
