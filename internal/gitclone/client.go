// Package gitclone materializes job workspaces from source repositories.
package gitclone

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/forgeworks/foundry/internal/logfields"
	"github.com/forgeworks/foundry/internal/store"
)

// CloneOpts describes what to materialize.
type CloneOpts struct {
	URL string
	// SHA to check out. The HEAD sentinel means "tip of Ref".
	SHA string
	// Ref is the symbolic ref the job was enqueued for, e.g. refs/heads/main.
	Ref string
	// Progress receives clone output; streamed into the job's clone stage.
	Progress io.Writer
}

// Clone materializes the repository into dir and returns the SHA actually
// checked out. The target directory is replaced wholesale so a retried job
// never sees a half-cloned tree.
func Clone(ctx context.Context, dir string, opts CloneOpts) (string, error) {
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear workspace: %w", err)
	}

	cloneOptions := &git.CloneOptions{URL: opts.URL, Progress: opts.Progress}
	if branch := branchOf(opts.Ref); branch != "" && opts.SHA == store.SHASentinel {
		cloneOptions.ReferenceName = plumbing.NewBranchReferenceName(branch)
		cloneOptions.SingleBranch = true
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, cloneOptions)
	if err != nil {
		return "", fmt.Errorf("clone %s: %w", opts.URL, err)
	}

	if opts.SHA != store.SHASentinel {
		wt, err := repo.Worktree()
		if err != nil {
			return "", fmt.Errorf("open worktree: %w", err)
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(opts.SHA)}); err != nil {
			return "", fmt.Errorf("checkout %s: %w", opts.SHA, err)
		}
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	resolved := head.Hash().String()
	if opts.SHA != store.SHASentinel {
		// Detached checkout: HEAD may still name the branch tip, the
		// requested SHA is authoritative.
		resolved = opts.SHA
	}
	slog.Debug("Workspace cloned", logfields.SHA(shortSHA(resolved)), slog.String("url", opts.URL))
	return resolved, nil
}

func branchOf(ref string) string {
	if strings.HasPrefix(ref, "refs/heads/") {
		return strings.TrimPrefix(ref, "refs/heads/")
	}
	return ""
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
