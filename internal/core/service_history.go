package core

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/cellvault/internal/history"
)

// Commit snapshots the workbook into the repository.
func (s *Service) Commit(ctx context.Context, message string) (history.CommitInfo, error) {
	release, err := s.begin(ctx, "commit")
	if err != nil {
		return history.CommitInfo{}, err
	}
	defer release()

	s.mu.Lock()
	info, err := s.repo.Commit(message)
	s.mu.Unlock()
	if err != nil {
		return history.CommitInfo{}, fmt.Errorf("commit: %w", err)
	}

	s.record(ctx, AuditEntry{Action: ActionCommit, CommitID: info.CommitID, Detail: message})
	return info, nil
}

// Checkout replaces the workbook with a committed snapshot. It refuses while
// the workbook has uncommitted changes.
func (s *Service) Checkout(ctx context.Context, commitID string) error {
	release, err := s.begin(ctx, "checkout")
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	err = s.repo.Checkout(commitID)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("checkout: %w", err)
	}

	s.record(ctx, AuditEntry{Action: ActionCheckout, CommitID: commitID})
	return nil
}

// History returns every commit, newest first.
func (s *Service) History() []history.CommitInfo {
	return s.repo.History()
}

// Head returns the checked-out commit, if any.
func (s *Service) Head() (history.CommitInfo, bool) {
	return s.repo.Head()
}

// CommitInfo looks up one commit by id.
func (s *Service) CommitInfo(id string) (history.CommitInfo, error) {
	info, ok := s.repo.Get(id)
	if !ok {
		return history.CommitInfo{}, fmt.Errorf("%q: %w", id, history.ErrUnknownCommit)
	}
	return info, nil
}
