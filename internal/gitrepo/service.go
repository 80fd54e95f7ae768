// Package gitrepo keeps one git repository per contract. Every version and
// every flushed collaborative session is a commit of contract.txt on main;
// versions are additionally tagged v<number>.
package gitrepo

import (
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

	"lexicontract/api/internal/store"
)

const (
	textFile = "contract.txt"
	metaFile = "meta.json"
	branch   = "main"
)

var (
	ErrRepoNotFound     = errors.New("contract repository not found")
	ErrRevisionNotFound = errors.New("revision not found")
)

// Content is the snapshot committed for a contract.
type Content struct {
	Text          string `json:"-"`
	Filename      string `json:"filename"`
	VersionID     string `json:"versionId"`
	VersionNumber int    `json:"versionNumber"`
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

// EnsureContractRepo initializes the repository with its baseline commit.
// An existing repository is left alone and its head commit returned.
func (s *Service) EnsureContractRepo(contractID string, initial Content, author string) (store.CommitInfo, error) {
	lock := s.contractLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(contractID)
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
		}
		_, info, err := headContent(repo)
		return info, err
	} else if !errors.Is(err, os.ErrNotExist) {
		return store.CommitInfo{}, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return store.CommitInfo{}, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))); err != nil {
		return store.CommitInfo{}, fmt.Errorf("set HEAD to main: %w", err)
	}

	hash, err := s.commit(repo, initial, author, "Import contract baseline")
	if err != nil {
		return store.CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// CommitSnapshot commits content on main. When the text and metadata match
// the head commit nothing is written and changed is false.
func (s *Service) CommitSnapshot(contractID string, content Content, author, message string) (info store.CommitInfo, changed bool, err error) {
	lock := s.contractLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(contractID)
	if err != nil {
		return store.CommitInfo{}, false, err
	}

	current, head, err := headContent(repo)
	if err != nil {
		return store.CommitInfo{}, false, err
	}
	if !HasChanges(current, content) {
		return head, false, nil
	}

	hash, err := s.commit(repo, content, author, message)
	if err != nil {
		return store.CommitInfo{}, false, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), true, nil
}

func (s *Service) HeadContent(contractID string) (Content, store.CommitInfo, error) {
	lock := s.contractLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(contractID)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	return headContent(repo)
}

// ContentAt reads the snapshot at a revision: a commit hash, a hash prefix
// or a version tag such as "v2".
func (s *Service) ContentAt(contractID, revision string) (Content, store.CommitInfo, error) {
	lock := s.contractLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(contractID)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	commitObj, err := resolveCommit(repo, revision)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	return content, toCommitInfo(commitObj), nil
}

func (s *Service) History(contractID string, limit int) ([]store.CommitInfo, error) {
	lock := s.contractLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(contractID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
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

// TagVersion marks a commit as version number n. Tagging the same version
// twice is a no-op.
func (s *Service) TagVersion(contractID, hash string, number int) error {
	lock := s.contractLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(contractID)
	if err != nil {
		return err
	}
	commitObj, err := resolveCommit(repo, hash)
	if err != nil {
		return err
	}

	name := VersionTag(number)
	_, err = repo.CreateTag(name, commitObj.Hash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "LexiContract",
			Email: "versions@lexicontract.local",
			When:  time.Now(),
		},
		Message: fmt.Sprintf("Contract version %d", number),
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// Diff returns the unified diff between two revisions of the contract.
func (s *Service) Diff(contractID, fromRevision, toRevision string) (string, error) {
	lock := s.contractLock(contractID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(contractID)
	if err != nil {
		return "", err
	}
	from, err := resolveCommit(repo, fromRevision)
	if err != nil {
		return "", err
	}
	to, err := resolveCommit(repo, toRevision)
	if err != nil {
		return "", err
	}
	patch, err := from.Patch(to)
	if err != nil {
		return "", fmt.Errorf("diff %s..%s: %w", fromRevision, toRevision, err)
	}
	return patch.String(), nil
}

func VersionTag(number int) string {
	return fmt.Sprintf("v%d", number)
}

func HasChanges(from, to Content) bool {
	return from.Text != to.Text ||
		from.Filename != to.Filename ||
		from.VersionID != to.VersionID ||
		from.VersionNumber != to.VersionNumber
}

func (s *Service) open(contractID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(contractID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrRepoNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(contractID string) string {
	return filepath.Join(s.baseDir, contractID)
}

func (s *Service) contractLock(contractID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[contractID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[contractID] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, content Content, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	meta, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal meta: %w", err)
	}

	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, textFile), []byte(content.Text), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", textFile, err)
	}
	if err := os.WriteFile(filepath.Join(root, metaFile), append(meta, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", metaFile, err)
	}
	for _, name := range []string{textFile, metaFile} {
		if _, err := worktree.Add(name); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.lexicontract.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func headContent(repo *git.Repository) (Content, store.CommitInfo, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return Content{}, store.CommitInfo{}, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Content{}, store.CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	return content, toCommitInfo(commitObj), nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	var content Content
	metaObj, err := commitObj.File(metaFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", metaFile, err)
	}
	meta, err := metaObj.Contents()
	if err != nil {
		return Content{}, fmt.Errorf("read %s: %w", metaFile, err)
	}
	if err := json.Unmarshal([]byte(meta), &content); err != nil {
		return Content{}, fmt.Errorf("decode %s: %w", metaFile, err)
	}

	textObj, err := commitObj.File(textFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", textFile, err)
	}
	content.Text, err = textObj.Contents()
	if err != nil {
		return Content{}, fmt.Errorf("read %s: %w", textFile, err)
	}
	return content, nil
}

func resolveCommit(repo *git.Repository, revision string) (*object.Commit, error) {
	var hash plumbing.Hash
	if len(revision) == 40 {
		hash = plumbing.NewHash(revision)
	} else {
		resolved, err := repo.ResolveRevision(plumbing.Revision(revision))
		if err != nil {
			return nil, fmt.Errorf("%w: %s (%v)", ErrRevisionNotFound, revision, err)
		}
		hash = *resolved
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%v)", ErrRevisionNotFound, revision, err)
	}
	return commitObj, nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
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
