// Package history keeps a linear, single-parent history of full workbook
// snapshots with commit and checkout.
//
// Repository layout:
//
//	<repo>/snapshots/<commit_id>.cef
//	<repo>/logs/commits.json
package history

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JonMunkholm/cellvault/internal/cef"
	"github.com/JonMunkholm/cellvault/internal/fsutil"
	"github.com/JonMunkholm/cellvault/internal/workbook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultAuthor is recorded on commits when no author is configured.
const DefaultAuthor = "System"

var (
	// ErrUnknownCommit means the commit id is not in the log.
	ErrUnknownCommit = errors.New("unknown commit")

	// ErrUncommittedChanges means the workbook changed since the last commit
	// or checkout.
	ErrUncommittedChanges = errors.New("uncommitted changes")

	// ErrSnapshotMissing means the log names a commit whose snapshot file is gone.
	ErrSnapshotMissing = errors.New("snapshot file missing")
)

var (
	commitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cellvault_history_commits_total",
		Help: "Commits created",
	})

	checkoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellvault_history_checkouts_total",
		Help: "Checkout attempts by result",
	}, []string{"result"})
)

// ValidationError is returned when a request is refused before any mutation.
type ValidationError struct {
	Op       string
	CommitID string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.CommitID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// CommitInfo describes one commit. Commits are immutable once written.
type CommitInfo struct {
	CommitID     string  `json:"commit_id"`
	Timestamp    float64 `json:"timestamp"`
	Message      string  `json:"message"`
	Author       string  `json:"author"`
	ParentID     *string `json:"parent_commit_id"`
	SnapshotPath string  `json:"snapshot_path"`
}

// Time returns the commit timestamp as a time.Time.
func (c CommitInfo) Time() time.Time {
	sec := int64(c.Timestamp)
	nsec := int64((c.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Log is the on-disk commit log.
type Log struct {
	Head    *string      `json:"head"`
	Commits []CommitInfo `json:"commits"`
}

// Repository records commits for one live workbook.
type Repository struct {
	wb     workbook.Workbook
	bus    *workbook.Bus
	codec  *cef.Codec
	path   string
	author string
	now    func() time.Time
	logger *slog.Logger

	subs   []workbook.Subscription
	dirty  atomic.Bool
	closed bool

	mu      sync.Mutex
	order   []string
	commits map[string]CommitInfo
	head    string
}

// Option configures a Repository.
type Option func(*Repository)

// WithAuthor sets the author recorded on new commits.
func WithAuthor(author string) Option {
	return func(r *Repository) {
		if author != "" {
			r.author = author
		}
	}
}

// WithClock replaces time.Now for commit timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithLogger sets the repository's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// Open creates the repository directories under repoPath if needed, loads the
// commit log when one exists and starts watching wb for changes.
func Open(wb workbook.Workbook, bus *workbook.Bus, codec *cef.Codec, repoPath string, opts ...Option) (*Repository, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve repo path: %w", err)
	}
	r := &Repository{
		wb:      wb,
		bus:     bus,
		codec:   codec,
		path:    abs,
		author:  DefaultAuthor,
		now:     time.Now,
		logger:  slog.Default(),
		commits: make(map[string]CommitInfo),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "history", "repo", abs)

	for _, dir := range []string{r.snapshotDir(), filepath.Dir(r.logPath())} {
		if err := fsutil.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("init repository: %w", err)
		}
	}

	log, err := ReadLog(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		for _, c := range log.Commits {
			if _, dup := r.commits[c.CommitID]; !dup {
				r.order = append(r.order, c.CommitID)
			}
			r.commits[c.CommitID] = c
		}
		if log.Head != nil {
			r.head = *log.Head
		}
	}

	r.subscribe()
	return r, nil
}

// ReadLog reads <repoPath>/logs/commits.json.
func ReadLog(repoPath string) (Log, error) {
	path := filepath.Join(repoPath, "logs", "commits.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Log{}, err
	}
	var log Log
	if err := json.Unmarshal(data, &log); err != nil {
		return Log{}, fmt.Errorf("parse commit log %s: %w", path, err)
	}
	return log, nil
}

// SortByTime orders commits newest first.
func SortByTime(commits []CommitInfo) {
	sort.SliceStable(commits, func(i, j int) bool {
		return commits[i].Timestamp > commits[j].Timestamp
	})
}

func (r *Repository) snapshotDir() string { return filepath.Join(r.path, "snapshots") }
func (r *Repository) logPath() string     { return filepath.Join(r.path, "logs", "commits.json") }

// Path returns the absolute repository root.
func (r *Repository) Path() string { return r.path }

func (r *Repository) subscribe() {
	r.subs = r.bus.SubscribeAll(workbook.MutationEvents, r.onChange)
}

func (r *Repository) unsubscribe() {
	r.bus.UnsubscribeAll(r.subs)
	r.subs = nil
}

func (r *Repository) onChange(workbook.Event) {
	r.dirty.Store(true)
}

// Dirty reports whether the workbook changed since the last commit or checkout.
func (r *Repository) Dirty() bool { return r.dirty.Load() }

// Commit writes a full snapshot of the workbook and records it as the new
// head. A CommitCreated event is published once the log is written.
func (r *Repository) Commit(message string) (CommitInfo, error) {
	info, err := r.commit(message)
	if err != nil {
		return info, err
	}
	r.bus.Publish(workbook.Event{Type: workbook.CommitCreated, CommitID: info.CommitID})
	return info, nil
}

func (r *Repository) commit(message string) (CommitInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	ts := float64(now.UnixNano()) / 1e9
	id := commitID(ts, message, r.author, r.head)
	// Existing commits are never replaced. Timestamps are float seconds, so
	// step by a microsecond to get a distinct id.
	for {
		if _, taken := r.commits[id]; !taken {
			break
		}
		r.logger.Debug("commit id collision", "commit_id", id)
		now = now.Add(time.Microsecond)
		ts = float64(now.UnixNano()) / 1e9
		id = commitID(ts, message, r.author, r.head)
	}
	snapshot := filepath.Join(r.snapshotDir(), id+".cef")

	if err := r.codec.Save(r.wb, snapshot); err != nil {
		return CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	info := CommitInfo{
		CommitID:     id,
		Timestamp:    ts,
		Message:      message,
		Author:       r.author,
		SnapshotPath: snapshot,
	}
	if r.head != "" {
		parent := r.head
		info.ParentID = &parent
	}

	r.order = append(r.order, id)
	r.commits[id] = info
	r.head = id
	r.dirty.Store(false)
	commitsTotal.Inc()

	if err := r.persistLocked(); err != nil {
		return info, err
	}

	r.logger.Info("commit created", "commit_id", id, "message", message, "author", r.author)
	return info, nil
}

// commitID hashes commit metadata. Two commits of identical content get
// different ids.
func commitID(ts float64, message, author, parent string) string {
	seed := strconv.FormatFloat(ts, 'f', -1, 64) + "-" + message + "-" + author + "-" + parent
	sum := sha1.Sum([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// Checkout replaces the live workbook with the snapshot of commitID. It is
// refused with a *ValidationError when the id is unknown or the workbook has
// uncommitted changes; in both cases nothing is modified. A CheckedOut event
// is published once the log is written.
func (r *Repository) Checkout(commitID string) error {
	if err := r.checkout(commitID); err != nil {
		return err
	}
	r.bus.Publish(workbook.Event{Type: workbook.CheckedOut, CommitID: commitID})
	return nil
}

func (r *Repository) checkout(commitID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.commits[commitID]
	if !ok {
		checkoutsTotal.WithLabelValues("unknown").Inc()
		return &ValidationError{Op: "checkout", CommitID: commitID, Err: ErrUnknownCommit}
	}
	if r.dirty.Load() {
		checkoutsTotal.WithLabelValues("dirty").Inc()
		return &ValidationError{Op: "checkout", CommitID: commitID, Err: ErrUncommittedChanges}
	}

	snapshot, err := r.locateSnapshot(info)
	if err != nil {
		checkoutsTotal.WithLabelValues("error").Inc()
		return err
	}

	if !r.closed {
		r.unsubscribe()
		defer r.subscribe()
	}

	workbook.Clear(r.wb)
	if err := r.codec.Load(snapshot, r.wb); err != nil {
		// The workbook no longer matches any commit.
		r.dirty.Store(true)
		checkoutsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("checkout %s: %w", commitID, err)
	}

	r.head = commitID
	r.dirty.Store(false)
	checkoutsTotal.WithLabelValues("ok").Inc()

	if err := r.persistLocked(); err != nil {
		return err
	}
	r.logger.Info("checked out commit", "commit_id", commitID)
	return nil
}

// locateSnapshot falls back to the repository's own snapshot directory when
// the recorded path no longer exists, so a moved repository still works.
func (r *Repository) locateSnapshot(info CommitInfo) (string, error) {
	if fsutil.Exists(info.SnapshotPath) {
		return info.SnapshotPath, nil
	}
	local := filepath.Join(r.snapshotDir(), info.CommitID+".cef")
	if fsutil.Exists(local) {
		return local, nil
	}
	return "", fmt.Errorf("checkout %s: %w: %s", info.CommitID, ErrSnapshotMissing, info.SnapshotPath)
}

// History returns every commit, newest timestamp first.
func (r *Repository) History() []CommitInfo {
	r.mu.Lock()
	out := make([]CommitInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.commits[id])
	}
	r.mu.Unlock()

	SortByTime(out)
	return out
}

// Head returns the current head commit.
func (r *Repository) Head() (CommitInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.head == "" {
		return CommitInfo{}, false
	}
	info, ok := r.commits[r.head]
	return info, ok
}

// Get returns the commit with the given id.
func (r *Repository) Get(id string) (CommitInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.commits[id]
	return info, ok
}

// Close stops watching the workbook.
func (r *Repository) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribe()
	r.closed = true
}

func (r *Repository) persistLocked() error {
	log := Log{Commits: make([]CommitInfo, 0, len(r.order))}
	if r.head != "" {
		head := r.head
		log.Head = &head
	}
	for _, id := range r.order {
		log.Commits = append(log.Commits, r.commits[id])
	}
	if err := fsutil.WriteJSONAtomic(r.logPath(), log); err != nil {
		return fmt.Errorf("write commit log: %w", err)
	}
	return nil
}
