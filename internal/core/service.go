package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/cellvault/internal/backup"
	"github.com/JonMunkholm/cellvault/internal/cef"
	"github.com/JonMunkholm/cellvault/internal/fsutil"
	"github.com/JonMunkholm/cellvault/internal/history"
	"github.com/JonMunkholm/cellvault/internal/patch"
	"github.com/JonMunkholm/cellvault/internal/workbook"
)

// Config holds what the service needs to place its files.
type Config struct {
	// BasePath is the full .cef file; the patch file sits next to it.
	BasePath string
	// RepoPath holds commit snapshots and the commit log.
	RepoPath string
	Author   string

	// LoadOnStart loads BasePath when it exists.
	LoadOnStart bool
	// InitialSheet is added when the workbook starts out empty.
	InitialSheet string

	Backup backup.Config
	// AutoBackup starts the backup loop in Start.
	AutoBackup bool
	// FinalBackup writes one more backup during Close.
	FinalBackup bool

	MaxConcurrent int
	MaxWaitTime   time.Duration
}

// Service owns the live workbook and every component attached to it. All
// whole-workbook operations (load, save, commit, checkout, restore, export)
// and all edits are serialized on one lock, which the backup loop shares.
type Service struct {
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	audit   AuditStore
	limiter *OperationLimiter

	// mu guards the workbook. Components keep their own locks for their
	// own state; mu only orders access to the cells.
	mu      sync.Mutex
	bus     *workbook.Bus
	wb      *workbook.Memory
	codec   *cef.Codec
	tracker *patch.Tracker
	repo    *history.Repository
	backups *backup.Manager

	closed atomic.Bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger. Components get it tagged with their
// own name.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithAuditStore replaces the default in-memory audit store.
func WithAuditStore(a AuditStore) Option {
	return func(s *Service) { s.audit = a }
}

// WithClock replaces time.Now for audit entries, commits and backup names.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the workbook and wires the codec, change tracker,
// commit repository and backup manager to it.
func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("%w: base path is required", ErrInvalidInput)
	}

	s := &Service{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.audit == nil {
		s.audit = NewMemoryAuditStore(0)
	}
	base := s.logger
	s.logger = base.With("component", "core")

	s.bus = workbook.NewBus()
	s.wb = workbook.NewMemory(s.bus)
	s.codec = cef.New(cef.WithLogger(base))
	s.limiter = NewOperationLimiter(cfg.MaxConcurrent, cfg.MaxWaitTime)

	if cfg.LoadOnStart && fsutil.Exists(cfg.BasePath) {
		if err := s.codec.Load(cfg.BasePath, s.wb); err != nil {
			return nil, fmt.Errorf("load workbook %s: %w", cfg.BasePath, err)
		}
		s.logger.Info("workbook loaded", "path", cfg.BasePath, "sheets", len(s.wb.SheetNames()))
	}
	if cfg.InitialSheet != "" && len(s.wb.SheetNames()) == 0 {
		if _, err := s.wb.AddSheet(cfg.InitialSheet); err != nil {
			return nil, fmt.Errorf("add initial sheet: %w", err)
		}
	}

	s.tracker = patch.NewTracker(s.wb, s.bus, cfg.BasePath, patch.WithLogger(base))

	repo, err := history.Open(s.wb, s.bus, s.codec, cfg.RepoPath,
		history.WithAuthor(cfg.Author),
		history.WithClock(s.now),
		history.WithLogger(base),
	)
	if err != nil {
		s.tracker.Close()
		return nil, fmt.Errorf("open repository: %w", err)
	}
	s.repo = repo

	backups, err := backup.New(s.wb, s.codec, cfg.Backup,
		backup.WithLocker(&s.mu),
		backup.WithClock(s.now),
		backup.WithLogger(base),
	)
	if err != nil {
		s.repo.Close()
		s.tracker.Close()
		return nil, err
	}
	s.backups = backups

	return s, nil
}

// Start launches the backup loop when AutoBackup is set. The loop stops with
// ctx or on Close.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.AutoBackup {
		s.logger.Info("automatic backups disabled")
		return
	}
	s.backups.Start(ctx)
}

// Close stops the backup loop, waits for running operations (bounded by
// ctx), optionally writes a final backup and detaches all components.
func (s *Service) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Stop waits for an in-flight cycle, which needs mu: never hold it here.
	s.backups.Stop()

	var errs []error
	if err := s.limiter.WaitForDrain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for operations: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.FinalBackup {
		if path, err := s.backups.CreateBackup(); err != nil {
			errs = append(errs, fmt.Errorf("final backup: %w", err))
		} else {
			s.logger.Info("final backup written", "path", path)
		}
	}
	s.repo.Close()
	s.tracker.Close()
	return errors.Join(errs...)
}

// begin reserves a limiter slot for a heavy operation.
func (s *Service) begin(ctx context.Context, op string) (func(), error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := s.limiter.Acquire(ctx, op); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return func() { s.limiter.Release(op) }, nil
}

// Closed reports whether Close has been called.
func (s *Service) Closed() bool { return s.closed.Load() }

// Status reports the state of the workbook and its components.
func (s *Service) Status() Status {
	st := Status{
		Sheets:         len(s.wb.SheetNames()),
		Dirty:          s.repo.Dirty(),
		PendingChanges: !s.tracker.Pending().IsEmpty(),
		BackupsRunning: s.backups.Running(),
		Limiter:        s.limiter.Status(),
	}
	if head, ok := s.repo.Head(); ok {
		st.Head = &head
	}
	return st
}

// AuditLog returns recorded operations newest first.
func (s *Service) AuditLog(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	return s.audit.List(ctx, filter)
}

// record stores an audit entry. Failures are logged, never returned: the
// operation itself already succeeded.
func (s *Service) record(ctx context.Context, e AuditEntry) {
	meta := RequestMetaFrom(ctx)

	e.ID = uuid.NewString()
	e.Severity = auditSeverity(e.Action)
	e.CreatedAt = s.now().UTC()
	e.Actor = meta.Actor
	if e.Actor == "" {
		e.Actor = s.cfg.Author
	}
	e.IPAddress = meta.IPAddress
	e.UserAgent = meta.UserAgent
	e.RequestID = meta.RequestID

	if err := s.audit.Record(context.WithoutCancel(ctx), e); err != nil {
		s.log(ctx).Warn("failed to record audit entry", "action", e.Action, "error", err)
	}
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	if id := RequestMetaFrom(ctx).RequestID; id != "" {
		return s.logger.With("request_id", id)
	}
	return s.logger
}
