package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/mentorbot/internal/admission"
	"github.com/nextlevelbuilder/mentorbot/internal/bus"
	"github.com/nextlevelbuilder/mentorbot/internal/clock"
	"github.com/nextlevelbuilder/mentorbot/internal/config"
)

const defaultCleanupSchedule = "*/5 * * * *"

// maintenance evicts idle gate records and expired dedupe keys on a cron
// schedule.
type maintenance struct {
	clock  clock.Clock
	gate   *admission.Gate
	dedupe *bus.DedupeCache

	// settings returns the current admission config; it changes on reload.
	settings func() config.AdmissionConfig
}

func (m *maintenance) run(ctx context.Context) error {
	gron := gronx.New()
	for {
		expr := m.settings().CleanupSchedule
		if expr == "" || !gron.IsValid(expr) {
			if expr != "" {
				slog.Warn("invalid cleanup schedule, using default", "schedule", expr, "default", defaultCleanupSchedule)
			}
			expr = defaultCleanupSchedule
		}

		now := m.clock.Now()
		next, err := gronx.NextTickAfter(expr, now, false)
		if err != nil {
			slog.Warn("cleanup schedule has no next tick", "schedule", expr, "error", err)
			next = now.Add(5 * time.Minute)
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		m.sweep()
	}
}

func (m *maintenance) sweep() {
	maxAge := m.settings().IdleMaxAge()
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	evicted := m.gate.Cleanup(maxAge, m.clock.Now())
	pruned := 0
	if m.dedupe != nil {
		pruned = m.dedupe.Prune()
	}
	if evicted > 0 || pruned > 0 {
		slog.Debug("admission maintenance", "gate_evicted", evicted, "dedupe_pruned", pruned, "active_users", m.gate.ActiveUsers())
	}
}
