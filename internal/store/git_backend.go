package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v6"
	gitconfig "github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing/object"

	"github.com/nghyane/llm-relay/internal/config"
	log "github.com/nghyane/llm-relay/internal/logging"
)

const (
	gitDefaultAuthorName  = "llm-relay"
	gitDefaultAuthorEmail = "llm-relay@localhost"
)

// GitBackend layers version control over the file backend: every sync
// pass that changes snapshot files becomes one commit, pushed to the
// configured remote on a best-effort basis. Conversation history stays
// inspectable with plain git tooling.
type GitBackend struct {
	files *FileBackend
	dir   string
	cfg   config.GitStoreConfig
	repo  *git.Repository
}

// NewGitBackend opens or initializes a repository in dir.
func NewGitBackend(dir string, cfg config.GitStoreConfig) (*GitBackend, error) {
	files, err := NewFileBackend(dir)
	if err != nil {
		return nil, err
	}

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, fmt.Errorf("git backend: open repository %s: %w", dir, err)
	}

	b := &GitBackend{files: files, dir: dir, cfg: cfg, repo: repo}
	if err := b.ensureIgnoreFile(); err != nil {
		return nil, err
	}
	if cfg.RemoteURL != "" {
		if err := b.ensureRemote(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *GitBackend) Name() string { return "git" }

func (b *GitBackend) Close() error { return nil }

// WriteSnapshots writes the files, stages them, and commits when anything
// actually changed. A push failure keeps the commit local and is only
// logged; the next pass retries the push implicitly.
func (b *GitBackend) WriteSnapshots(ctx context.Context, snaps []Snapshot) error {
	if err := b.files.WriteSnapshots(ctx, snaps); err != nil {
		return err
	}

	wt, err := b.repo.Worktree()
	if err != nil {
		return fmt.Errorf("git backend: worktree: %w", err)
	}
	for _, snap := range snaps {
		name := snapshotBaseName(snap.ID) + snapshotFileExt
		if _, err := wt.Add(name); err != nil {
			return fmt.Errorf("git backend: stage %s: %w", name, err)
		}
	}
	if _, err := wt.Add(".gitignore"); err != nil {
		return fmt.Errorf("git backend: stage .gitignore: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("git backend: status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	msg := fmt.Sprintf("sync %d conversations", len(snaps))
	if _, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  b.authorName(),
			Email: b.authorEmail(),
			When:  time.Now(),
		},
	}); err != nil {
		return fmt.Errorf("git backend: commit: %w", err)
	}

	b.push(ctx)
	return nil
}

// LoadSnapshots reads the checked-out snapshot files.
func (b *GitBackend) LoadSnapshots(ctx context.Context) ([]Snapshot, error) {
	return b.files.LoadSnapshots(ctx)
}

// ensureIgnoreFile keeps local bookkeeping out of the history.
func (b *GitBackend) ensureIgnoreFile() error {
	path := filepath.Join(b.dir, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("git backend: stat .gitignore: %w", err)
	}
	content := ManifestFileName + "\n*.tmp\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("git backend: write .gitignore: %w", err)
	}
	return nil
}

func (b *GitBackend) ensureRemote() error {
	if _, err := b.repo.Remote(git.DefaultRemoteName); err == nil {
		return nil
	} else if !errors.Is(err, git.ErrRemoteNotFound) {
		return fmt.Errorf("git backend: remote: %w", err)
	}
	_, err := b.repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{b.cfg.RemoteURL},
	})
	if err != nil {
		return fmt.Errorf("git backend: create remote: %w", err)
	}
	return nil
}

func (b *GitBackend) push(ctx context.Context) {
	if b.cfg.RemoteURL == "" {
		return
	}
	err := b.repo.PushContext(ctx, &git.PushOptions{RemoteName: git.DefaultRemoteName})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		log.WithError(err).Warn("Git push failed, commit kept locally")
	}
}

func (b *GitBackend) authorName() string {
	if b.cfg.AuthorName != "" {
		return b.cfg.AuthorName
	}
	return gitDefaultAuthorName
}

func (b *GitBackend) authorEmail() string {
	if b.cfg.AuthorEmail != "" {
		return b.cfg.AuthorEmail
	}
	return gitDefaultAuthorEmail
}
