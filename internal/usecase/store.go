package usecase

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"assistant-memory/internal/domain"
	"assistant-memory/internal/metrics"
	"assistant-memory/internal/state"
)

// Store is the state manager surface the use cases need. *state.Manager
// satisfies it.
type Store interface {
	Read() *domain.BotData
	Mutate(fn func(d *domain.BotData) error) error
}

// mutate applies fn and downgrades persistence failures to a warning: the
// change is live in memory and the next successful write carries it.
func mutate(store Store, logger *zap.Logger, op string, fn func(d *domain.BotData) error) error {
	err := store.Mutate(fn)
	if err != nil && errors.Is(err, state.ErrPersist) {
		logger.Warn("state not persisted", zap.String("op", op), zap.Error(err))
		return nil
	}
	return err
}

var newUUID = func() string {
	return uuid.NewString()
}

// deps are the ambient collaborators every service carries.
type deps struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func newDeps(opts []Option) deps {
	d := deps{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// Option configures any service in this package.
type Option func(*deps)

func WithLogger(l *zap.Logger) Option {
	return func(d *deps) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *deps) {
		d.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *deps) {
		if now != nil {
			d.now = now
		}
	}
}
