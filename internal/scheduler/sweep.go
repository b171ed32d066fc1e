package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"assistant-memory/internal/domain"
	"assistant-memory/internal/metrics"
	"assistant-memory/internal/state"
)

const DefaultSweepInterval = 60 * time.Second

// Store is the slice of the state manager the scheduler needs.
// *state.Manager satisfies it.
type Store interface {
	Read() *domain.BotData
	Mutate(fn func(d *domain.BotData) error) error
}

// Deliverer posts a reminder to its channel.
type Deliverer interface {
	DeliverReminder(ctx context.Context, r domain.Reminder) error
}

// Sweeper delivers due reminders.
type Sweeper struct {
	store    Store
	deliver  Deliverer
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

type SweeperOption func(*Sweeper)

func WithInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func WithSweepLogger(l *zap.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithSweepMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

func NewSweeper(store Store, deliver Deliverer, opts ...SweeperOption) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("scheduler: store must not be nil")
	}
	if deliver == nil {
		return nil, errors.New("scheduler: deliverer must not be nil")
	}
	s := &Sweeper{
		store:    store,
		deliver:  deliver,
		interval: DefaultSweepInterval,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run sweeps immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("reminder sweep started", zap.Duration("interval", s.interval))
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("reminder sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("reminder sweep stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce delivers every reminder due now and returns how many were sent.
//
// Each reminder is claimed before delivery by flipping its sent flag inside a
// mutation that first checks it, so concurrent sweeps cannot both deliver
// it. A failed delivery releases the claim and the next sweep retries.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	due := s.store.Read().DueReminders(s.now())
	delivered := 0
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		claimed, err := s.claim(r.ID)
		if !claimed {
			if err != nil {
				s.logger.Error("claiming reminder failed", zap.String("reminder_id", r.ID), zap.Error(err))
			}
			continue
		}
		if err != nil {
			s.logger.Warn("reminder claim not persisted", zap.String("reminder_id", r.ID), zap.Error(err))
		}

		if err := s.deliver.DeliverReminder(ctx, r); err != nil {
			s.metrics.ReminderFailed()
			s.logger.Error("reminder delivery failed", zap.String("reminder_id", r.ID), zap.Error(err))
			s.release(r.ID)
			continue
		}
		delivered++
		s.metrics.ReminderDelivered()
		s.logger.Info("reminder delivered",
			zap.String("reminder_id", r.ID),
			zap.String("channel_id", r.ChannelID),
			zap.String("mention", string(r.EffectiveMention())),
		)
	}
	return delivered, nil
}

// claim reports true when this call flipped the sent flag. err may still be a
// persistence error, in which case the claim holds in memory.
func (s *Sweeper) claim(id string) (bool, error) {
	var claimed bool
	err := s.store.Mutate(func(d *domain.BotData) error {
		claimed = d.MarkReminderSent(id)
		return nil
	})
	if err != nil && !errors.Is(err, state.ErrPersist) {
		return false, err
	}
	return claimed, err
}

func (s *Sweeper) release(id string) {
	err := s.store.Mutate(func(d *domain.BotData) error {
		if r, ok := d.Reminder(id); ok {
			r.Sent = false
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("releasing reminder claim failed", zap.String("reminder_id", id), zap.Error(err))
	}
}
