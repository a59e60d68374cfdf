package ghapi

import (
	"context"
	"encoding/base64"

	"github.com/google/go-github/v57/github"
	"github.com/pkg/errors"
)

// TreeEntry is one blob in a tree listing.
type TreeEntry struct {
	Path string
	SHA  string
	Size int
}

// ComparedFile is one entry of a two-commit comparison.
type ComparedFile struct {
	Filename     string
	PreviousName string
	Status       string // added | modified | removed | renamed | changed
	SHA          string
	Patch        string
}

// TreeWrite is one entry for a tree creation; Delete drops the path.
type TreeWrite struct {
	Path    string
	Mode    string
	BlobSHA string
	Delete  bool
}

// PullRequest is the subset of PR state the sync engine reads.
type PullRequest struct {
	Number    int
	URL       string
	Mergeable *bool
	Merged    bool
}

// ListTree returns every blob reachable from the commit-ish sha.
func (c *Client) ListTree(ctx context.Context, tenant, owner, repo, sha string) ([]TreeEntry, error) {
	var out []TreeEntry
	err := c.call(ctx, tenant, false, func(ctx context.Context) error {
		tree, _, err := c.gh.Git.GetTree(ctx, owner, repo, sha, true)
		if err != nil {
			return err
		}
		for _, e := range tree.Entries {
			if e.GetType() != "blob" {
				continue
			}
			out = append(out, TreeEntry{Path: e.GetPath(), SHA: e.GetSHA(), Size: e.GetSize()})
		}
		return nil
	})
	return out, err
}

// GetBlob fetches raw blob bytes by sha.
func (c *Client) GetBlob(ctx context.Context, tenant, owner, repo, sha string) ([]byte, error) {
	var raw []byte
	err := c.call(ctx, tenant, false, func(ctx context.Context) error {
		b, _, err := c.gh.Git.GetBlobRaw(ctx, owner, repo, sha)
		if err != nil {
			return err
		}
		raw = b
		return nil
	})
	return raw, err
}

// CompareCommits lists the files changed between base and head, following
// pagination for large diffs.
func (c *Client) CompareCommits(ctx context.Context, tenant, owner, repo, base, head string) ([]ComparedFile, error) {
	var out []ComparedFile
	opts := &github.ListOptions{PerPage: 250}
	for {
		var next int
		err := c.call(ctx, tenant, false, func(ctx context.Context) error {
			cmp, resp, err := c.gh.Repositories.CompareCommits(ctx, owner, repo, base, head, opts)
			if err != nil {
				return err
			}
			for _, f := range cmp.Files {
				out = append(out, ComparedFile{
					Filename:     f.GetFilename(),
					PreviousName: f.GetPreviousFilename(),
					Status:       f.GetStatus(),
					SHA:          f.GetSHA(),
					Patch:        f.GetPatch(),
				})
			}
			next = resp.NextPage
			return nil
		})
		if err != nil {
			return nil, err
		}
		if next == 0 {
			return out, nil
		}
		opts.Page = next
	}
}

// CommitTreeSHA resolves a commit sha to its root tree sha.
func (c *Client) CommitTreeSHA(ctx context.Context, tenant, owner, repo, sha string) (string, error) {
	var tree string
	err := c.call(ctx, tenant, false, func(ctx context.Context) error {
		commit, _, err := c.gh.Git.GetCommit(ctx, owner, repo, sha)
		if err != nil {
			return err
		}
		tree = commit.GetTree().GetSHA()
		return nil
	})
	return tree, err
}

func (c *Client) CreateBlob(ctx context.Context, tenant, owner, repo string, content []byte) (string, error) {
	var sha string
	err := c.call(ctx, tenant, true, func(ctx context.Context) error {
		blob, _, err := c.gh.Git.CreateBlob(ctx, owner, repo, &github.Blob{
			Content:  github.String(base64.StdEncoding.EncodeToString(content)),
			Encoding: github.String("base64"),
		})
		if err != nil {
			return err
		}
		sha = blob.GetSHA()
		return nil
	})
	return sha, err
}

func (c *Client) CreateTree(ctx context.Context, tenant, owner, repo, baseTree string, writes []TreeWrite) (string, error) {
	entries := make([]*github.TreeEntry, 0, len(writes))
	for _, w := range writes {
		mode := w.Mode
		if mode == "" {
			mode = "100644"
		}
		e := &github.TreeEntry{
			Path: github.String(w.Path),
			Mode: github.String(mode),
			Type: github.String("blob"),
		}
		if !w.Delete {
			e.SHA = github.String(w.BlobSHA)
		}
		// nil SHA marshals as an explicit null, which is how the tree
		// endpoint expresses a deletion
		entries = append(entries, e)
	}
	var sha string
	err := c.call(ctx, tenant, true, func(ctx context.Context) error {
		tree, _, err := c.gh.Git.CreateTree(ctx, owner, repo, baseTree, entries)
		if err != nil {
			return err
		}
		sha = tree.GetSHA()
		return nil
	})
	return sha, err
}

func (c *Client) CreateCommit(ctx context.Context, tenant, owner, repo, message, treeSHA, parent string) (string, error) {
	var sha string
	err := c.call(ctx, tenant, true, func(ctx context.Context) error {
		commit, _, err := c.gh.Git.CreateCommit(ctx, owner, repo, &github.Commit{
			Message: github.String(message),
			Tree:    &github.Tree{SHA: github.String(treeSHA)},
			Parents: []*github.Commit{{SHA: github.String(parent)}},
		}, nil)
		if err != nil {
			return err
		}
		sha = commit.GetSHA()
		return nil
	})
	return sha, err
}

// EnsureBranch points refs/heads/{branch} at sha, force-moving it when the
// ref already exists (sync branches are recreated on every attempt).
func (c *Client) EnsureBranch(ctx context.Context, tenant, owner, repo, branch, sha string) error {
	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	}
	err := c.call(ctx, tenant, true, func(ctx context.Context) error {
		_, _, err := c.gh.Git.CreateRef(ctx, owner, repo, ref)
		return err
	})
	if err == nil {
		return nil
	}
	if !isRefExists(err) {
		return err
	}
	return c.call(ctx, tenant, true, func(ctx context.Context) error {
		_, _, err := c.gh.Git.UpdateRef(ctx, owner, repo, ref, true)
		return err
	})
}

func (c *Client) DeleteBranch(ctx context.Context, tenant, owner, repo, branch string) error {
	return c.call(ctx, tenant, true, func(ctx context.Context) error {
		_, err := c.gh.Git.DeleteRef(ctx, owner, repo, "heads/"+branch)
		return err
	})
}

func (c *Client) DefaultBranch(ctx context.Context, tenant, owner, repo string) (string, error) {
	var branch string
	err := c.call(ctx, tenant, false, func(ctx context.Context) error {
		r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
		if err != nil {
			return err
		}
		branch = r.GetDefaultBranch()
		return nil
	})
	return branch, err
}

func (c *Client) CreatePullRequest(ctx context.Context, tenant, owner, repo, title, head, base, body string) (PullRequest, error) {
	var out PullRequest
	err := c.call(ctx, tenant, true, func(ctx context.Context) error {
		pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
			Title: github.String(title),
			Head:  github.String(head),
			Base:  github.String(base),
			Body:  github.String(body),
		})
		if err != nil {
			return err
		}
		out = PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), Mergeable: pr.Mergeable, Merged: pr.GetMerged()}
		return nil
	})
	return out, err
}

func (c *Client) GetPullRequest(ctx context.Context, tenant, owner, repo string, number int) (PullRequest, error) {
	var out PullRequest
	err := c.call(ctx, tenant, false, func(ctx context.Context) error {
		pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
		if err != nil {
			return err
		}
		out = PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), Mergeable: pr.Mergeable, Merged: pr.GetMerged()}
		return nil
	})
	return out, err
}

func (c *Client) MergePullRequest(ctx context.Context, tenant, owner, repo string, number int, message string) (string, error) {
	var sha string
	err := c.call(ctx, tenant, true, func(ctx context.Context) error {
		res, _, err := c.gh.PullRequests.Merge(ctx, owner, repo, number, message, &github.PullRequestOptions{MergeMethod: "merge"})
		if err != nil {
			return err
		}
		sha = res.GetSHA()
		return nil
	})
	return sha, err
}

func isRefExists(err error) bool {
	return errors.Is(err, ErrRefExists) || errors.Is(err, ErrAlreadyExists)
}
