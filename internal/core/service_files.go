package core

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/JonMunkholm/cellvault/internal/backup"
	"github.com/JonMunkholm/cellvault/internal/patch"
	"github.com/JonMunkholm/cellvault/internal/xlsx"
)

// Save writes the full workbook to the base path.
func (s *Service) Save(ctx context.Context) error {
	release, err := s.begin(ctx, "save")
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	err = s.codec.Save(s.wb, s.cfg.BasePath)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}

	s.log(ctx).Info("workbook saved", "path", s.cfg.BasePath)
	s.record(ctx, AuditEntry{Action: ActionSave, Detail: s.cfg.BasePath})
	return nil
}

// SaveIncremental writes pending changes to the patch file. It reports
// whether anything was written.
func (s *Service) SaveIncremental(ctx context.Context) (bool, error) {
	release, err := s.begin(ctx, "patch_save")
	if err != nil {
		return false, err
	}
	defer release()

	s.mu.Lock()
	saved, err := s.tracker.SaveIncremental()
	s.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("save patch: %w", err)
	}

	if saved {
		s.record(ctx, AuditEntry{Action: ActionPatchSave, Detail: s.tracker.Path()})
	}
	return saved, nil
}

// PatchPath returns the file SaveIncremental writes.
func (s *Service) PatchPath() string { return s.tracker.Path() }

// ApplyPatch replays a patch file onto the workbook. An empty path selects
// the service's own patch file.
func (s *Service) ApplyPatch(ctx context.Context, path string) (patch.ApplyResult, error) {
	if path == "" {
		path = s.tracker.Path()
	}
	release, err := s.begin(ctx, "patch_apply")
	if err != nil {
		return patch.ApplyResult{}, err
	}
	defer release()

	s.mu.Lock()
	res, err := s.tracker.ApplyPatch(path)
	s.mu.Unlock()
	if err != nil {
		return res, fmt.Errorf("apply patch: %w", err)
	}

	s.record(ctx, AuditEntry{
		Action: ActionPatchApply,
		Detail: fmt.Sprintf("%s: applied=%d skipped=%d added=%d removed=%d",
			filepath.Base(path), res.Applied, res.Skipped, res.Added, res.Removed),
	})
	return res, nil
}

// ExportXLSX writes the workbook to w as an .xlsx document.
func (s *Service) ExportXLSX(ctx context.Context, w io.Writer) error {
	release, err := s.begin(ctx, "export")
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	f, err := xlsx.Export(s.wb)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	s.record(ctx, AuditEntry{Action: ActionExport, Detail: "xlsx"})
	return nil
}

// CreateBackup writes a backup now, outside the schedule.
func (s *Service) CreateBackup(ctx context.Context) (string, error) {
	release, err := s.begin(ctx, "backup")
	if err != nil {
		return "", err
	}
	defer release()

	s.mu.Lock()
	path, err := s.backups.CreateBackup()
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	name := filepath.Base(path)
	s.record(ctx, AuditEntry{Action: ActionBackupCreate, Detail: name})
	return name, nil
}

// ListBackups returns the backups on disk, newest first.
func (s *Service) ListBackups() ([]backup.Backup, error) {
	return s.backups.ListBackups()
}

// RestoreBackup replaces the workbook with the named backup. name is a file
// name inside the backup directory, as returned by ListBackups.
func (s *Service) RestoreBackup(ctx context.Context, name string) error {
	path, err := s.backups.Resolve(name)
	if err != nil {
		return err
	}
	release, err := s.begin(ctx, "restore")
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	err = s.backups.Restore(path)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.log(ctx).Info("backup restored", "name", name)
	s.record(ctx, AuditEntry{Action: ActionBackupRestore, Detail: name})
	return nil
}

// BackupConfig returns the effective backup settings.
func (s *Service) BackupConfig() backup.Config {
	return s.backups.Config()
}
