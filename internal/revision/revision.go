// Package revision keeps the edit history of each journal entry in its own
// git repository.
package revision

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const snapshotFile = "content.json"

var (
	ErrNoHistory = errors.New("revision: no history")
	ErrUnchanged = errors.New("revision: snapshot unchanged")
)

// Snapshot is the persisted state of an entry at one revision.
type Snapshot struct {
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	WordCount int             `json:"wordCount"`
}

type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// Record commits snap as the newest revision of contentID, creating the
// repository on first use. It returns ErrUnchanged when snap equals the head.
func (s *Service) Record(contentID string, snap Snapshot, author, message string) (Revision, error) {
	lock := s.entryLock(contentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(contentID)
	if err != nil {
		return Revision{}, err
	}

	if head, err := repo.Head(); err == nil {
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return Revision{}, fmt.Errorf("load head commit: %w", err)
		}
		current, err := readSnapshot(commitObj)
		if err != nil {
			return Revision{}, err
		}
		if !changed(current, snap) {
			return toRevision(commitObj), ErrUnchanged
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return Revision{}, fmt.Errorf("resolve head: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Revision{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return Revision{}, fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return Revision{}, fmt.Errorf("git add snapshot: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: sanitizeEmail(author) + "@users.reflect.local",
			When:  s.now(),
		},
	})
	if err != nil {
		return Revision{}, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// History lists revisions newest first. A limit of zero means all.
func (s *Service) History(contentID string, limit int) ([]Revision, error) {
	lock := s.entryLock(contentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(contentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := []Revision{}
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// At returns the snapshot stored at hash, which may be abbreviated.
func (s *Service) At(contentID, hash string) (Snapshot, Revision, error) {
	lock := s.entryLock(contentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(contentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Snapshot{}, Revision{}, ErrNoHistory
	}
	if err != nil {
		return Snapshot{}, Revision{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Snapshot{}, Revision{}, fmt.Errorf("resolve %s: %w", hash, ErrNoHistory)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return Snapshot{}, Revision{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	snap, err := readSnapshot(commitObj)
	if err != nil {
		return Snapshot{}, Revision{}, err
	}
	return snap, toRevision(commitObj), nil
}

// Remove deletes the repositories of the given entries.
func (s *Service) Remove(contentIDs ...string) error {
	var errs []error
	for _, id := range contentIDs {
		lock := s.entryLock(id)
		lock.Lock()
		if err := os.RemoveAll(s.repoPath(id)); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", id, err))
		}
		lock.Unlock()

		s.lockMu.Lock()
		delete(s.locks, id)
		s.lockMu.Unlock()
	}
	return errors.Join(errs...)
}

func (s *Service) openOrInit(contentID string) (*git.Repository, error) {
	path := s.repoPath(contentID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(contentID string) string {
	return filepath.Join(s.baseDir, filepath.Base(contentID))
}

func (s *Service) entryLock(contentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[contentID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[contentID] = lock
	}
	return lock
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func changed(from, to Snapshot) bool {
	if from.Title != to.Title || from.Content != to.Content || from.WordCount != to.WordCount {
		return true
	}
	return !bytes.Equal(normalizeJSON(from.Metadata), normalizeJSON(to.Metadata))
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func normalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed == nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}
