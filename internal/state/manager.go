package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"assistant-memory/internal/domain"
	"assistant-memory/internal/metrics"
)

const (
	DefaultDir      = "data"
	DefaultFilename = "bot_data.json"
	backupSuffix    = ".backup"
)

// ErrPersist marks a failed durable write. The mutation that triggered it
// is still applied in memory.
var ErrPersist = errors.New("state: persist failed")

// Manager owns the aggregate. All access goes through Read, Mutate and
// Update; the live value never leaves the manager.
type Manager struct {
	mu   sync.Mutex
	data *domain.BotData
	gen  uint64

	// writeMu serialises file writes; written is the newest generation on disk.
	writeMu sync.Mutex
	written uint64

	path       string
	backupPath string
	autoSave   bool
	now        func() time.Time
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

type Option func(*Manager)

// WithAutoSave controls whether every mutation is written to disk.
func WithAutoSave(enabled bool) Option {
	return func(m *Manager) {
		m.autoSave = enabled
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithClock overrides the source of the global last-updated stamp.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a Manager persisting to dir/filename with an empty aggregate.
// Call Load to read existing data.
func New(dir, filename string, opts ...Option) (*Manager, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = DefaultDir
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = DefaultFilename
	}
	if filepath.Base(filename) != filename {
		return nil, fmt.Errorf("state: filename %q must not contain a directory", filename)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: create data dir: %w", err)
	}

	path := filepath.Join(dir, filename)
	m := &Manager{
		data:       domain.NewBotData(),
		path:       path,
		backupPath: path + backupSuffix,
		autoSave:   true,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Path() string       { return m.path }
func (m *Manager) BackupPath() string { return m.backupPath }

// Load replaces the aggregate with the data file's contents, then runs the
// display-name migration. A missing file yields an empty aggregate; an
// unreadable or undecodable file is returned as an error.
func (m *Manager) Load() error {
	data, err := readDataFile(m.path)
	if err != nil {
		return fmt.Errorf("state: Load: %w", err)
	}
	if data == nil {
		m.logger.Info("no data file found, starting empty", zap.String("path", m.path))
		data = domain.NewBotData()
	}

	migrated := data.MigrateUserNames()

	m.mu.Lock()
	m.data = data
	snap, err := m.snapshotLocked()
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("state: Load: %w", err)
	}

	m.logger.Info("data loaded",
		zap.Int("conversations", len(data.Conversations)),
		zap.Int("reminders", len(data.Reminders)),
		zap.Int("migrated_names", migrated),
	)
	if migrated > 0 {
		if err := m.persist(snap); err != nil {
			m.logger.Warn("persisting migration failed", zap.Error(err))
		}
	}
	return nil
}

func readDataFile(path string) (*domain.BotData, error) {
	body, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	data, err := decode(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return data, nil
}

func decode(body []byte) (*domain.BotData, error) {
	var data domain.BotData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	data.EnsureCollections()
	return &data, nil
}

// Read returns a deep copy of the aggregate.
func (m *Manager) Read() *domain.BotData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.Clone()
}

// Stats summarises the aggregate without copying it.
func (m *Manager) Stats() domain.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.Stats()
}

// Mutate applies fn to the live aggregate under the lock. If fn returns an
// error nothing is stamped or persisted; fn should validate before it
// changes anything. With auto-save on, Mutate returns after the write
// completes and wraps a write failure in ErrPersist.
func (m *Manager) Mutate(fn func(d *domain.BotData) error) error {
	_, err := Update(m, func(d *domain.BotData) (struct{}, error) {
		return struct{}{}, fn(d)
	})
	return err
}

// Update is Mutate for closures that produce a value.
func Update[T any](m *Manager, fn func(d *domain.BotData) (T, error)) (T, error) {
	m.mu.Lock()
	v, err := fn(m.data)
	if err != nil {
		m.mu.Unlock()
		var zero T
		return zero, err
	}
	m.data.LastUpdated = m.now()
	m.metrics.Mutation()

	var snap snapshot
	if m.autoSave {
		snap, err = m.snapshotLocked()
	}
	m.mu.Unlock()

	if err != nil {
		return v, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	if m.autoSave {
		if err := m.persist(snap); err != nil {
			return v, err
		}
	}
	return v, nil
}

// Save writes the current aggregate regardless of the auto-save setting.
func (m *Manager) Save() error {
	m.mu.Lock()
	snap, err := m.snapshotLocked()
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return m.persist(snap)
}

// Export returns the aggregate in the data file format.
func (m *Manager) Export() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("state: Export: %w", err)
	}
	return body, nil
}

// Import replaces the aggregate with an exported document and persists it.
// The current data is untouched if body does not decode.
func (m *Manager) Import(body []byte) error {
	data, err := decode(body)
	if err != nil {
		return fmt.Errorf("state: Import: decode: %w", err)
	}
	data.MigrateUserNames()

	m.mu.Lock()
	m.data = data
	m.data.LastUpdated = m.now()
	m.metrics.Mutation()
	snap, err := m.snapshotLocked()
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return m.persist(snap)
}

// FileSize reports the size of the primary data file.
func (m *Manager) FileSize() (int64, error) {
	fi, err := os.Stat(m.path)
	if err != nil {
		return 0, fmt.Errorf("state: FileSize: %w", err)
	}
	return fi.Size(), nil
}

type snapshot struct {
	gen  uint64
	body []byte
}

func (m *Manager) snapshotLocked() (snapshot, error) {
	body, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return snapshot{}, fmt.Errorf("encode: %w", err)
	}
	m.gen++
	return snapshot{gen: m.gen, body: body}, nil
}

// persist writes snap unless a newer generation already reached disk.
func (m *Manager) persist(snap snapshot) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if snap.gen <= m.written {
		return nil
	}

	start := time.Now()
	backupErr, err := writeDataFile(m.path, m.backupPath, snap.body)
	m.metrics.Persisted(time.Since(start), err)
	if backupErr != nil {
		m.logger.Warn("backup copy failed", zap.String("path", m.backupPath), zap.Error(backupErr))
	}
	if err != nil {
		m.logger.Error("data file write failed", zap.String("path", m.path), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	m.written = snap.gen
	return nil
}
