package syncer

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/orgsync/internal/domain"
	"github.com/SirClappington/orgsync/internal/ghapi"
)

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// Sync replays template changes onto the instance repository through a
// branch, commit and pull request, then optionally attempts the merge. The
// branch is rooted at SyncedRepoSHA, the last known-good sync point, so the
// PR three-way merges against the instance's own unsynced commits instead
// of overwriting them. No retry logic here: any unexpected error aborts the
// attempt and surfaces to the caller's retry policy.
func (e *Engine) Sync(ctx context.Context, tenant string, a domain.SyncRepoArgs) (domain.SyncResult, error) {
	changes, err := e.Diff(ctx, tenant, a)
	if err != nil {
		return domain.SyncResult{Error: err.Error()}, err
	}
	if len(changes) == 0 {
		return domain.SyncResult{Success: true, NoChanges: true}, nil
	}

	writes, err := e.buildWrites(ctx, tenant, a, changes)
	if err != nil {
		return domain.SyncResult{Error: err.Error()}, err
	}
	if len(writes) == 0 {
		return domain.SyncResult{Success: true, NoChanges: true}, nil
	}

	baseTree, err := e.api.CommitTreeSHA(ctx, tenant, a.Org, a.Repo, a.SyncedRepoSHA)
	if err != nil {
		return domain.SyncResult{Error: err.Error()}, err
	}
	treeSHA, err := e.api.CreateTree(ctx, tenant, a.Org, a.Repo, baseTree, writes)
	if err != nil {
		return domain.SyncResult{Error: err.Error()}, err
	}
	message := fmt.Sprintf("Sync %s/%s@%s", a.TemplateOwner, a.TemplateRepo, shortSHA(a.ToSHA))
	commitSHA, err := e.api.CreateCommit(ctx, tenant, a.Org, a.Repo, message, treeSHA, a.SyncedRepoSHA)
	if err != nil {
		return domain.SyncResult{Error: err.Error()}, err
	}

	branch := "template-sync/" + shortSHA(a.ToSHA)
	if err := e.api.EnsureBranch(ctx, tenant, a.Org, a.Repo, branch, commitSHA); err != nil {
		return domain.SyncResult{Error: err.Error()}, err
	}

	base, err := e.api.DefaultBranch(ctx, tenant, a.Org, a.Repo)
	if err != nil {
		return domain.SyncResult{Error: err.Error()}, err
	}
	title := fmt.Sprintf("Sync template changes (%s)", shortSHA(a.ToSHA))
	pr, err := e.api.CreatePullRequest(ctx, tenant, a.Org, a.Repo, title, branch, base, prBody(a, changes))
	if errors.Is(err, ghapi.ErrNoDiff) {
		// target already has these changes; drop the branch and report
		if derr := e.api.DeleteBranch(ctx, tenant, a.Org, a.Repo, branch); derr != nil {
			e.log.Warn("cleanup branch failed", zap.String("branch", branch), zap.Error(derr))
		}
		return domain.SyncResult{Success: true, NoChanges: true}, nil
	}
	if err != nil {
		return domain.SyncResult{Error: err.Error()}, err
	}

	res := domain.SyncResult{Success: true, PRNumber: pr.Number, PRURL: pr.URL}
	if !a.AutoMerge {
		return res, nil
	}
	merged, mergeSHA, err := e.autoMerge(ctx, tenant, a, pr.Number)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.Merged = merged
	res.MergeSHA = mergeSHA
	return res, nil
}

// buildWrites turns file changes into tree entries against the sync point.
func (e *Engine) buildWrites(ctx context.Context, tenant string, a domain.SyncRepoArgs, changes []domain.FileChange) ([]ghapi.TreeWrite, error) {
	// blob shas at the sync point, fetched once, for patch bases and for
	// skipping deletes of paths the instance never had
	var baseBlobs map[string]string
	loadBase := func() error {
		if baseBlobs != nil {
			return nil
		}
		entries, err := e.api.ListTree(ctx, tenant, a.Org, a.Repo, a.SyncedRepoSHA)
		if err != nil {
			return err
		}
		baseBlobs = make(map[string]string, len(entries))
		for _, entry := range entries {
			baseBlobs[entry.Path] = entry.SHA
		}
		return nil
	}

	var writes []ghapi.TreeWrite
	for _, ch := range changes {
		switch {
		case ch.Status == domain.Removed:
			if err := loadBase(); err != nil {
				return nil, err
			}
			if _, ok := baseBlobs[ch.Path]; !ok {
				continue
			}
			writes = append(writes, ghapi.TreeWrite{Path: ch.Path, Delete: true})

		case ch.Patch != "":
			if err := loadBase(); err != nil {
				return nil, err
			}
			basePath := ch.Path
			if ch.PreviousPath != "" {
				basePath = ch.PreviousPath
			}
			var base []byte
			if sha, ok := baseBlobs[basePath]; ok {
				var err error
				base, err = e.api.GetBlob(ctx, tenant, a.Org, a.Repo, sha)
				if err != nil {
					return nil, err
				}
			}
			// missing base means the file is new at the sync point;
			// apply against empty
			applied, err := applyPatch(base, basePath, ch.Patch)
			if err != nil {
				return nil, err
			}
			blobSHA, err := e.api.CreateBlob(ctx, tenant, a.Org, a.Repo, applied)
			if err != nil {
				return nil, err
			}
			writes = append(writes, ghapi.TreeWrite{Path: ch.Path, BlobSHA: blobSHA})

		default:
			raw, err := base64.StdEncoding.DecodeString(ch.Content)
			if err != nil {
				return nil, errors.Wrapf(err, "decode content for %s", ch.Path)
			}
			blobSHA, err := e.api.CreateBlob(ctx, tenant, a.Org, a.Repo, raw)
			if err != nil {
				return nil, err
			}
			writes = append(writes, ghapi.TreeWrite{Path: ch.Path, BlobSHA: blobSHA})
		}
	}
	return writes, nil
}

// autoMerge waits for upstream mergeability to settle, then merges unless
// the PR reports a conflict; a conflicted PR is left open for manual
// resolution and is not an error.
func (e *Engine) autoMerge(ctx context.Context, tenant string, a domain.SyncRepoArgs, number int) (bool, string, error) {
	if e.settle > 0 {
		timer := time.NewTimer(e.settle)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false, "", ctx.Err()
		}
	}
	pr, err := e.api.GetPullRequest(ctx, tenant, a.Org, a.Repo, number)
	if err != nil {
		return false, "", err
	}
	if pr.Merged {
		return true, "", nil
	}
	if pr.Mergeable != nil && !*pr.Mergeable {
		e.log.Info("pr has conflicts, leaving open",
			zap.String("repo", a.Org+"/"+a.Repo), zap.Int("pr", number))
		return false, "", nil
	}
	sha, err := e.api.MergePullRequest(ctx, tenant, a.Org, a.Repo, number, "")
	if errors.Is(err, ghapi.ErrNotMergeable) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, sha, nil
}

func prBody(a domain.SyncRepoArgs, changes []domain.FileChange) string {
	var changed, removed, binary []string
	for _, ch := range changes {
		switch {
		case ch.Status == domain.Removed:
			removed = append(removed, ch.Path)
		case ch.IsBinary:
			binary = append(binary, ch.Path)
		default:
			changed = append(changed, ch.Path)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Updates from template %s/%s at `%s`.\n\n", a.TemplateOwner, a.TemplateRepo, shortSHA(a.ToSHA))
	if a.FromSHA == "" {
		b.WriteString("No previous sync recorded; this applies the full template contents.\n\n")
	} else {
		fmt.Fprintf(&b, "Previous sync point: `%s`.\n\n", shortSHA(a.FromSHA))
	}
	writeFileList(&b, "Changed", changed)
	writeFileList(&b, "Removed", removed)
	writeFileList(&b, "Binary", binary)
	b.WriteString("This branch is rooted at the last synced commit, so merging performs a ")
	b.WriteString("three-way merge against any commits made here since that sync. ")
	b.WriteString("Conflicts, if any, must be resolved on this pull request.\n")
	return b.String()
}

func writeFileList(b *strings.Builder, label string, paths []string) {
	if len(paths) == 0 {
		return
	}
	const maxList = 50
	fmt.Fprintf(b, "**%s (%d):**\n", label, len(paths))
	for i, p := range paths {
		if i == maxList {
			fmt.Fprintf(b, "- and %d more\n", len(paths)-maxList)
			break
		}
		fmt.Fprintf(b, "- `%s`\n", p)
	}
	b.WriteString("\n")
}
