package store

import (
	"testing"
	"time"
)

func TestFirstFreeStart(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	at := func(m int) time.Time { return base.Add(time.Duration(m) * time.Minute) }
	slot := func(from, to int) Slot { return Slot{Start: at(from), End: at(to)} }

	tests := []struct {
		name string
		from int
		dur  int
		busy []Slot
		want int
	}{
		{"empty", 0, 120, nil, 0},
		{"touching after is free", 0, 60, []Slot{slot(60, 120)}, 0},
		{"touching before is free", 60, 60, []Slot{slot(0, 60)}, 60},
		{"shift past one", 30, 120, []Slot{slot(0, 120)}, 120},
		{"chain", 0, 60, []Slot{slot(0, 60), slot(60, 150), slot(150, 200)}, 200},
		{"fits in gap", 0, 60, []Slot{slot(0, 60), slot(120, 180)}, 60},
		{"gap too small", 0, 90, []Slot{slot(0, 60), slot(120, 180)}, 180},
		{"nested busy", 0, 30, []Slot{slot(0, 240), slot(30, 60)}, 240},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FirstFreeStart(at(tt.from), time.Duration(tt.dur)*time.Minute, tt.busy)
			if !got.Equal(at(tt.want)) {
				t.Errorf("FirstFreeStart = +%v, want +%dm", got.Sub(base), tt.want)
			}
		})
	}
}
