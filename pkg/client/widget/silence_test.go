package widget

import (
	"context"
	"testing"
	"time"
)

func TestSilenceDetector_Sample(t *testing.T) {
	t.Parallel()
	t0 := time.Unix(0, 0)
	at := func(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

	type step struct {
		ms    int
		level Level
		want  bool
	}
	tests := []struct {
		name  string
		steps []step
	}{
		{
			name:  "ambient noise before speech never fires",
			steps: []step{{0, 12, false}, {1000, 5, false}, {3000, 0, false}, {6000, 14, false}},
		},
		{
			name:  "silence after speech fires after hold",
			steps: []step{{0, 80, false}, {100, 4, false}, {1000, 4, false}, {1600, 4, true}},
		},
		{
			name:  "mid level resets the silence timer",
			steps: []step{{0, 80, false}, {100, 4, false}, {1000, 12, false}, {1700, 4, false}, {3200, 4, true}},
		},
		{
			name:  "renewed speech resets the silence timer",
			steps: []step{{0, 80, false}, {100, 4, false}, {1000, 90, false}, {1200, 4, false}, {2600, 4, false}, {2700, 4, true}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := NewSilenceDetector(SilenceConfig{})
			for _, s := range tt.steps {
				if got := d.Sample(s.level, at(s.ms)); got != s.want {
					t.Fatalf("Sample(%d @ %dms) = %v, want %v", s.level, s.ms, got, s.want)
				}
			}
		})
	}
}

func TestSilenceDetector_Latch(t *testing.T) {
	t.Parallel()
	d := NewSilenceDetector(SilenceConfig{})
	if d.State() != NotYetSpoken {
		t.Fatalf("initial State() = %v", d.State())
	}
	d.Sample(16, time.Now())
	if d.State() != Spoken {
		t.Fatalf("State() = %v after speech", d.State())
	}
	d.Reset()
	if d.State() != NotYetSpoken {
		t.Fatalf("State() = %v after Reset", d.State())
	}
	if NotYetSpoken.String() != "not_yet_spoken" || Spoken.String() != "spoken" {
		t.Error("unexpected state names")
	}
}

func TestSilenceDetector_Watch(t *testing.T) {
	t.Parallel()
	d := NewSilenceDetector(fastSilence)
	levels := make(chan Level, 8)
	done := d.Watch(context.Background(), levels)

	levels <- 100
	time.Sleep(20 * time.Millisecond)
	levels <- 2

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("silence after speech not detected")
	}
}

func TestSilenceDetector_WatchStopsOnCancel(t *testing.T) {
	t.Parallel()
	d := NewSilenceDetector(fastSilence)
	ctx, cancel := context.WithCancel(context.Background())
	done := d.Watch(ctx, make(chan Level))
	cancel()

	select {
	case <-done:
		t.Fatal("cancelled watch reported silence")
	case <-time.After(50 * time.Millisecond):
	}
}
