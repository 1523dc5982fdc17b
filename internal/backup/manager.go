// Package backup takes periodic full snapshots of a live workbook and keeps
// the newest few on disk.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/cellvault/internal/cef"
	"github.com/JonMunkholm/cellvault/internal/fsutil"
	"github.com/JonMunkholm/cellvault/internal/workbook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	filePrefix = "workbook_backup_"
	fileSuffix = ".cef"

	DefaultInterval   = 5 * time.Minute
	DefaultMaxBackups = 10
)

// ErrBackupNotFound is returned by Restore when the backup file does not exist.
var ErrBackupNotFound = errors.New("backup not found")

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellvault_backup_created_total",
		Help: "Backups attempted by result",
	}, []string{"result"})

	prunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cellvault_backup_pruned_total",
		Help: "Backup files deleted by rotation",
	})

	lastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cellvault_backup_last_success_timestamp_seconds",
		Help: "Unix time of the last successful backup",
	})
)

// Config holds the backup settings. Zero values fall back to the defaults.
type Config struct {
	Dir        string
	Interval   time.Duration
	MaxBackups int
}

// Backup describes one backup file.
type Backup struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Created time.Time `json:"created"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// Manager runs the backup loop and the manual backup operations.
type Manager struct {
	wb     workbook.Workbook
	codec  *cef.Codec
	cfg    Config
	locker sync.Locker
	now    func() time.Time
	logger *slog.Logger

	// createMu serializes snapshot writes and rotation.
	createMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocker makes each scheduled cycle hold l while it snapshots the
// workbook. Manual calls do not take l; callers hold it themselves.
func WithLocker(l sync.Locker) Option {
	return func(m *Manager) { m.locker = l }
}

// WithClock replaces time.Now for backup file names.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a Manager and its backup directory.
func New(wb workbook.Workbook, codec *cef.Codec, cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("backup: directory is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = DefaultMaxBackups
	}

	m := &Manager{
		wb:     wb,
		codec:  codec,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "backup", "dir", cfg.Dir)

	if err := fsutil.EnsureDir(cfg.Dir); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Start launches the backup loop. It is a no-op while the loop is running.
// The loop ends on Stop or when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runningLocked() {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	m.logger.Info("auto-backup started",
		"interval", m.cfg.Interval.String(),
		"max_backups", m.cfg.MaxBackups,
	)
	go m.loop(loopCtx, done)
}

// Stop cancels the loop and returns once the loop goroutine has exited. An
// in-flight backup completes first, so Stop must not be called while holding
// the locker given to WithLocker.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("auto-backup stopped")
}

// Running reports whether the loop goroutine is alive.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

func (m *Manager) runningLocked() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			m.runCycle()
		}
	}
}

// runCycle performs one scheduled backup. Failures are logged and never end
// the loop.
func (m *Manager) runCycle() {
	defer func() {
		if r := recover(); r != nil {
			cyclesTotal.WithLabelValues("error").Inc()
			m.logger.Error("backup cycle panicked", "panic", r)
		}
	}()

	if m.locker != nil {
		m.locker.Lock()
		defer m.locker.Unlock()
	}

	start := time.Now()
	path, err := m.CreateBackup()
	if err != nil {
		m.logger.Error("auto-backup failed", "error", err)
		return
	}
	m.logger.Debug("auto-backup completed", "path", path, "duration_ms", time.Since(start).Milliseconds())
}

// CreateBackup writes a full snapshot to workbook_backup_<unix>.cef and
// deletes backups beyond MaxBackups. It returns the new file's path.
//
// Names have one-second resolution: a second backup within the same second
// replaces the first one, and a warning is logged.
func (m *Manager) CreateBackup() (string, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	now := m.now()
	path := filepath.Join(m.cfg.Dir, filePrefix+strconv.FormatInt(now.Unix(), 10)+fileSuffix)
	if fsutil.Exists(path) {
		m.logger.Warn("backup name taken, replacing", "path", path)
	}

	if err := m.codec.Save(m.wb, path); err != nil {
		cyclesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("create backup: %w", err)
	}
	cyclesTotal.WithLabelValues("ok").Inc()
	lastSuccess.Set(float64(now.Unix()))
	m.logger.Info("backup created", "path", path)

	m.prune()
	return path, nil
}

// prune keeps the MaxBackups newest files. Caller holds createMu.
func (m *Manager) prune() {
	backups, err := m.ListBackups()
	if err != nil {
		m.logger.Warn("list backups for rotation", "error", err)
		return
	}
	if len(backups) <= m.cfg.MaxBackups {
		return
	}
	for _, b := range backups[m.cfg.MaxBackups:] {
		if err := os.Remove(b.Path); err != nil {
			m.logger.Warn("remove old backup", "path", b.Path, "error", err)
			continue
		}
		prunedTotal.Inc()
		m.logger.Debug("removed old backup", "path", b.Path)
	}
}

// ListBackups returns the backup files in the directory, newest first by
// modification time. Files with equal times are ordered by the timestamp in
// their name.
func (m *Manager) ListBackups() ([]Backup, error) {
	return List(m.cfg.Dir)
}

// List returns the backup files in dir, newest first. See Manager.ListBackups.
func List(dir string) ([]Backup, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []Backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Backup{
			Name:    name,
			Path:    filepath.Join(dir, name),
			Created: createdFromName(name),
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

func createdFromName(name string) time.Time {
	ts := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// Resolve maps a backup file name to its path inside the backup directory.
// Names containing path separators are rejected.
func (m *Manager) Resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || !strings.HasPrefix(name, filePrefix) {
		return "", fmt.Errorf("%w: %q", ErrBackupNotFound, name)
	}
	return filepath.Join(m.cfg.Dir, name), nil
}

// Restore removes every sheet from the workbook and loads the backup at path.
// Callers must exclude other writers for the duration.
func (m *Manager) Restore(path string) error {
	if !fsutil.Exists(path) {
		return fmt.Errorf("restore %s: %w", path, ErrBackupNotFound)
	}

	workbook.Clear(m.wb)
	if err := m.codec.Load(path, m.wb); err != nil {
		return fmt.Errorf("restore %s: %w", path, err)
	}
	m.logger.Info("workbook restored from backup", "path", path)
	return nil
}
