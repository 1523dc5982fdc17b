package core

// scheduler.go runs audit retention: entries older than the retention
// window are purged once on start and then every check interval. Failures
// are logged and never stop the loop.

import (
	"context"
	"time"
)

// RetentionConfig controls audit retention. Zero fields take defaults.
type RetentionConfig struct {
	MaxAge        time.Duration // default 90 days
	CheckInterval time.Duration // default 24h
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.MaxAge <= 0 {
		c.MaxAge = 90 * 24 * time.Hour
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 24 * time.Hour
	}
	return c
}

// AuditPurger is implemented by audit stores that can drop old entries.
type AuditPurger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// RunAuditRetention purges old audit entries until ctx is cancelled. It
// returns immediately when the audit store cannot purge.
func (s *Service) RunAuditRetention(ctx context.Context, cfg RetentionConfig) {
	purger, ok := s.audit.(AuditPurger)
	if !ok {
		s.logger.Debug("audit store does not support retention")
		return
	}
	cfg = cfg.withDefaults()

	s.logger.Info("audit retention started",
		"max_age", cfg.MaxAge,
		"check_interval", cfg.CheckInterval,
	)

	s.purgeAudit(ctx, purger, cfg.MaxAge)

	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("audit retention stopped")
			return
		case <-ticker.C:
			s.purgeAudit(ctx, purger, cfg.MaxAge)
		}
	}
}

func (s *Service) purgeAudit(ctx context.Context, purger AuditPurger, maxAge time.Duration) {
	start := time.Now()
	purged, err := purger.Purge(ctx, s.now().Add(-maxAge))
	if err != nil {
		s.logger.Error("audit purge failed", "error", err)
		return
	}
	s.logger.Info("purged old audit entries",
		"entries_purged", purged,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
