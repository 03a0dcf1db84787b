// Package gitrepo mirrors the history of a content object into a git
// repository, one commit per action and one file per tracked field.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"contenthistory/internal/history"
	"contenthistory/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const mainBranch = "main"

// CommitInfo summarizes one mirrored commit.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}

// ExportResult describes a finished export.
type ExportResult struct {
	Path    string `json:"path"`
	Head    string `json:"head"`
	Commits int    `json:"commits"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// ExportHistory rebuilds the repository of ref from snaps, oldest first.
// An existing repository for ref is replaced.
func (s *Service) ExportHistory(ref store.ConsumerRef, snaps []history.Snapshot) (ExportResult, error) {
	if len(snaps) == 0 {
		return ExportResult{}, fmt.Errorf("export %s: no history", ref)
	}
	lock := s.consumerLock(ref)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(ref)
	if err := os.RemoveAll(path); err != nil {
		return ExportResult{}, fmt.Errorf("clear repo dir: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return ExportResult{}, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return ExportResult{}, fmt.Errorf("init repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return ExportResult{}, fmt.Errorf("open worktree: %w", err)
	}

	var head plumbing.Hash
	for i, snap := range snaps {
		hash, err := commitSnapshot(worktree, path, ref, snap)
		if err != nil {
			return ExportResult{}, err
		}
		head = hash
		if i == 0 {
			if err := pointHeadAtMain(repo, hash); err != nil {
				return ExportResult{}, err
			}
		}
	}
	return ExportResult{Path: path, Head: head.String(), Commits: len(snaps)}, nil
}

func commitSnapshot(worktree *git.Worktree, root string, ref store.ConsumerRef, snap history.Snapshot) (plumbing.Hash, error) {
	for _, field := range snap.Changed {
		name := fieldFile(field)
		if err := os.WriteFile(filepath.Join(root, name), []byte(snap.Fields[field]), 0o644); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := worktree.Add(name); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	author := actorName(snap.Action)
	hash, err := worktree.Commit(commitMessage(ref, snap), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@history.local", sanitizeEmail(author)),
			When:  snap.Action.CreatedAt,
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit action %d: %w", snap.Action.ID, err)
	}
	return hash, nil
}

func pointHeadAtMain(repo *git.Repository, hash plumbing.Hash) error {
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	if err := repo.Storer.RemoveReference(plumbing.NewBranchReferenceName("master")); err != nil {
		return fmt.Errorf("drop master ref: %w", err)
	}
	return nil
}

// History lists the mirrored commits of ref, newest first.
func (s *Service) History(ref store.ConsumerRef, limit int) ([]CommitInfo, error) {
	lock := s.consumerLock(ref)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(ref))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
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

// FieldAt reads the text of field as of commit hash (short or full).
func (s *Service) FieldAt(ref store.ConsumerRef, hash, field string) (string, error) {
	lock := s.consumerLock(ref)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(ref))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return "", err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return "", fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(fieldFile(field))
	if errors.Is(err, object.ErrFileNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", field, err)
	}
	return file.Contents()
}

func (s *Service) repoPath(ref store.ConsumerRef) string {
	return filepath.Join(s.baseDir, ref.Type+"-"+strconv.FormatInt(ref.ID, 10))
}

func (s *Service) consumerLock(ref store.ConsumerRef) *sync.Mutex {
	key := ref.String()
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func fieldFile(field string) string {
	name := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, field)
	return name + ".txt"
}

func commitMessage(ref store.ConsumerRef, snap history.Snapshot) string {
	a := snap.Action
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (action #%d)", a.Kind, ref, a.ID)
	changed := append([]string(nil), snap.Changed...)
	sort.Strings(changed)
	if len(changed) > 0 {
		fmt.Fprintf(&b, "\n\nfields: %s", strings.Join(changed, ", "))
	}
	if a.RollbackTo != nil {
		fmt.Fprintf(&b, "\nrollback-to: diff #%d", *a.RollbackTo)
	}
	if a.Origin != nil {
		fmt.Fprintf(&b, "\norigin: %s", *a.Origin)
	}
	return b.String()
}

func actorName(a store.Action) string {
	switch {
	case a.ActorName != nil && *a.ActorName != "":
		return *a.ActorName
	case a.ActorID != nil && *a.ActorID != "":
		return *a.ActorID
	}
	return "anonymous"
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	info := CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	if stats, err := commitObj.Stats(); err == nil {
		for _, st := range stats {
			info.Added += st.Addition
			info.Removed += st.Deletion
		}
	}
	return info
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
