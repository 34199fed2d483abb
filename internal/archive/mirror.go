package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// GitMirror commits archived state onto an append-only branch of an
// external repository. It never switches branches in the live clone;
// all staging happens in a throwaway worktree, and the push is plain
// (fast-forward-only) so two processes mirroring the same branch can
// never silently diverge.
type GitMirror struct {
	RepoDir string   // existing clone with the remote configured
	Remote  string   // default "origin"
	Branch  string   // archive branch, e.g. "metering-archive"
	SrcDirs []string // local directories copied into the worktree
	Author  string   // default "metering-archiver <archiver@localhost>"
	Timeout time.Duration
}

func (m *GitMirror) remote() string {
	if m.Remote == "" {
		return "origin"
	}
	return m.Remote
}

func (m *GitMirror) author() string {
	if m.Author == "" {
		return "metering-archiver <archiver@localhost>"
	}
	return m.Author
}

// Sync stages the source directories into a temporary worktree, commits
// and pushes. A sync with no changes is a no-op.
func (m *GitMirror) Sync(ctx context.Context) error {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	wt, err := os.MkdirTemp("", "metering-mirror-*")
	if err != nil {
		return fmt.Errorf("mirror worktree: %w", err)
	}
	defer func() {
		_, _ = m.git(ctx, m.RepoDir, "worktree", "remove", "--force", wt)
		_ = os.RemoveAll(wt)
	}()

	// The archive branch may not exist yet on the remote; a failed
	// fetch just means we start the branch from the clone's HEAD.
	branchExists := true
	if _, err := m.git(ctx, m.RepoDir, "fetch", m.remote(), m.Branch); err != nil {
		branchExists = false
	}
	if branchExists {
		if _, err := m.git(ctx, m.RepoDir, "worktree", "add", "--detach", wt, "FETCH_HEAD"); err != nil {
			return err
		}
	} else {
		if _, err := m.git(ctx, m.RepoDir, "worktree", "add", "--detach", wt); err != nil {
			return err
		}
	}

	for _, src := range m.SrcDirs {
		dest := filepath.Join(wt, filepath.Base(src))
		if err := copyTree(src, dest); err != nil {
			return fmt.Errorf("mirror copy %s: %w", src, err)
		}
	}

	if _, err := m.git(ctx, wt, "add", "-A"); err != nil {
		return err
	}
	status, err := m.git(ctx, wt, "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(status) == "" {
		return nil // nothing new since the last mirror
	}

	name, email := splitAuthor(m.author())
	msg := "archive sync " + time.Now().UTC().Format(time.RFC3339)
	if _, err := m.git(ctx, wt,
		"-c", "user.name="+name,
		"-c", "user.email="+email,
		"commit", "-m", msg); err != nil {
		return err
	}
	if _, err := m.git(ctx, wt, "push", m.remote(), "HEAD:refs/heads/"+m.Branch); err != nil {
		return err
	}
	return nil
}

func (m *GitMirror) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

func splitAuthor(author string) (name, email string) {
	name = author
	email = "archiver@localhost"
	if i := strings.IndexByte(author, '<'); i >= 0 {
		name = strings.TrimSpace(author[:i])
		email = strings.Trim(strings.TrimSpace(author[i:]), "<>")
	}
	return name, email
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
