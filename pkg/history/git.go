package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"k8s.io/klog/v2"
)

// GitSource walks the history of one file in a remote git repository. The
// repository is cloned once into a temporary directory on first use; Close
// removes it.
type GitSource struct {
	// RepoURL is the repository to clone.
	RepoURL string
	// Path is the tracked file, relative to the repository root.
	Path string

	dir  string
	repo *git.Repository
}

// NewGitSource returns a source for the given repository and tracked file.
func NewGitSource(repoURL, path string) *GitSource {
	return &GitSource{RepoURL: repoURL, Path: path}
}

func (s *GitSource) clone(ctx context.Context, branch string) error {
	if s.repo != nil {
		return nil
	}

	dir, err := os.MkdirTemp("", "rhcos-aliyun-image-pruner-")
	if err != nil {
		return err
	}

	klog.Infof("cloning %s (branch %s), this may take a while", s.RepoURL, branch)
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           s.RepoURL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		NoCheckout:    true,
		Tags:          git.NoTags,
	})
	if err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("unable to clone %s: %w", s.RepoURL, err)
	}

	s.dir = dir
	s.repo = repo
	return nil
}

// ListRevisions returns every commit that touched the tracked file on the
// branch, oldest first.
func (s *GitSource) ListRevisions(ctx context.Context, branch string) ([]Revision, error) {
	if err := s.clone(ctx, branch); err != nil {
		return nil, err
	}

	iter, err := s.repo.Log(&git.LogOptions{FileName: &s.Path})
	if err != nil {
		return nil, fmt.Errorf("unable to read log of %s: %w", s.Path, err)
	}
	defer iter.Close()

	// The log iterator yields newest first.
	var revs []Revision
	for {
		commit, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		revs = append(revs, Revision{ID: commit.Hash.String(), When: commit.Committer.When})
	}

	for i, j := 0, len(revs)-1; i < j; i, j = i+1, j-1 {
		revs[i], revs[j] = revs[j], revs[i]
	}
	return revs, nil
}

// FetchMetadataAt reads the tracked file's content from a commit's tree.
func (s *GitSource) FetchMetadataAt(ctx context.Context, rev Revision) ([]byte, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("repository not cloned")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	commit, err := s.repo.CommitObject(plumbing.NewHash(rev.ID))
	if err != nil {
		return nil, fmt.Errorf("unable to read commit %s: %w", rev.ID, err)
	}
	file, err := commit.File(s.Path)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, ErrNotPresent
	}
	if err != nil {
		return nil, err
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, err
	}
	return []byte(contents), nil
}

// Close removes the temporary clone.
func (s *GitSource) Close() error {
	s.repo = nil
	if s.dir == "" {
		return nil
	}
	dir := s.dir
	s.dir = ""
	return os.RemoveAll(dir)
}
