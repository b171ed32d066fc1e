package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"assistant-memory/internal/domain"
	"assistant-memory/internal/metrics"
	"assistant-memory/internal/state"
)

const DefaultMaintenanceCron = "0 3 * * *"

// ErrAlreadyRunning is returned when a maintenance run overlaps another.
var ErrAlreadyRunning = errors.New("scheduler: maintenance already running")

// Retention bounds what maintenance keeps. Zero values disable a rule.
type Retention struct {
	ConversationMaxAge time.Duration
	ReminderRetention  time.Duration
	FeedbackKeep       int
}

// Report counts what a maintenance run removed.
type Report struct {
	Conversations int
	Reminders     int
	Feedback      int
}

// Maintenance prunes stale data on a cron schedule.
type Maintenance struct {
	store     Store
	cron      string
	retention Retention
	afterRun  func(ctx context.Context) error
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
	running   atomic.Bool
}

type MaintenanceOption func(*Maintenance)

// WithAfterRun registers a hook run after each successful prune, such as
// archiving a snapshot.
func WithAfterRun(fn func(ctx context.Context) error) MaintenanceOption {
	return func(m *Maintenance) {
		m.afterRun = fn
	}
}

func WithMaintenanceClock(now func() time.Time) MaintenanceOption {
	return func(m *Maintenance) {
		if now != nil {
			m.now = now
		}
	}
}

func WithMaintenanceLogger(l *zap.Logger) MaintenanceOption {
	return func(m *Maintenance) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMaintenanceMetrics(mt *metrics.Metrics) MaintenanceOption {
	return func(m *Maintenance) {
		m.metrics = mt
	}
}

func NewMaintenance(store Store, cronExpr string, retention Retention, opts ...MaintenanceOption) (*Maintenance, error) {
	if store == nil {
		return nil, errors.New("scheduler: store must not be nil")
	}
	if cronExpr == "" {
		cronExpr = DefaultMaintenanceCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("scheduler: invalid maintenance cron %q", cronExpr)
	}
	m := &Maintenance{
		store:     store,
		cron:      cronExpr,
		retention: retention,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// NextRun returns the first scheduled run strictly after t.
func (m *Maintenance) NextRun(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(m.cron, t, false)
}

// Run waits for each cron tick and runs maintenance until ctx is done.
func (m *Maintenance) Run(ctx context.Context) error {
	m.logger.Info("maintenance scheduler started", zap.String("cron", m.cron))
	for {
		next, err := m.NextRun(m.now())
		if err != nil {
			return fmt.Errorf("scheduler: maintenance next tick: %w", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("maintenance scheduler stopping")
			return nil
		case <-timer.C:
		}

		if _, err := m.RunOnce(ctx); err != nil {
			m.logger.Error("maintenance run failed", zap.Error(err))
		}
	}
}

// RunOnce applies the retention rules in one mutation, then runs the
// after-run hook. Overlapping calls get ErrAlreadyRunning.
func (m *Maintenance) RunOnce(ctx context.Context) (report Report, err error) {
	if !m.running.CompareAndSwap(false, true) {
		return Report{}, ErrAlreadyRunning
	}
	defer m.running.Store(false)
	defer func() { m.metrics.MaintenanceRun(err) }()

	now := m.now()
	err = m.store.Mutate(func(d *domain.BotData) error {
		if age := m.retention.ConversationMaxAge; age > 0 {
			report.Conversations = d.PruneConversations(now.Add(-age))
		}
		if age := m.retention.ReminderRetention; age > 0 {
			report.Reminders = d.PruneReminders(now.Add(-age))
		}
		if keep := m.retention.FeedbackKeep; keep > 0 {
			report.Feedback = d.TrimFeedback(keep)
		}
		return nil
	})
	if err != nil && !errors.Is(err, state.ErrPersist) {
		return report, fmt.Errorf("scheduler: maintenance: %w", err)
	}
	if err != nil {
		m.logger.Warn("maintenance result not persisted", zap.Error(err))
		err = nil
	}

	m.logger.Info("maintenance finished",
		zap.Int("conversations_pruned", report.Conversations),
		zap.Int("reminders_pruned", report.Reminders),
		zap.Int("feedback_trimmed", report.Feedback),
	)

	if m.afterRun != nil {
		if hookErr := m.afterRun(ctx); hookErr != nil {
			return report, fmt.Errorf("scheduler: maintenance hook: %w", hookErr)
		}
	}
	return report, nil
}
