package syncer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/orgsync/internal/domain"
	"github.com/SirClappington/orgsync/internal/ghapi"
)

const diffCacheTTL = 12 * time.Hour

var binaryExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".pdf": true, ".zip": true, ".tar": true, ".gz": true, ".tgz": true,
	".jar": true, ".class": true, ".exe": true, ".dll": true, ".so": true,
	".dylib": true, ".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".mov": true, ".wav": true, ".bin": true,
	".wasm": true, ".db": true, ".sqlite": true,
}

func isBinaryPath(path string) bool {
	return binaryExts[strings.ToLower(filepath.Ext(path))]
}

func diffCacheKey(owner, repo, from, to string) string {
	return "diffcache:" + owner + "/" + repo + ":" + from + ":" + to
}

// Diff computes the file changes between two template commits. With no from
// commit (initial sync) it enumerates the whole tree at to with full
// content. Results are pure in (template, from, to), so they are cached.
func (e *Engine) Diff(ctx context.Context, tenant string, a domain.SyncRepoArgs) ([]domain.FileChange, error) {
	if a.FromSHA != "" && a.FromSHA == a.ToSHA {
		return nil, nil
	}

	key := diffCacheKey(a.TemplateOwner, a.TemplateRepo, a.FromSHA, a.ToSHA)
	if raw, err := e.cache.Get(ctx, key); err == nil {
		var cached []domain.FileChange
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			return cached, nil
		}
	}

	var changes []domain.FileChange
	var err error
	if a.FromSHA == "" {
		changes, err = e.fullTree(ctx, tenant, a)
	} else {
		changes, err = e.compare(ctx, tenant, a)
	}
	if err != nil {
		return nil, err
	}

	if body, merr := json.Marshal(changes); merr == nil {
		if cerr := e.cache.Set(ctx, key, string(body), diffCacheTTL); cerr != nil {
			e.log.Warn("diff cache write failed", zap.Error(cerr))
		}
	}
	return changes, nil
}

func (e *Engine) fullTree(ctx context.Context, tenant string, a domain.SyncRepoArgs) ([]domain.FileChange, error) {
	entries, err := e.api.ListTree(ctx, tenant, a.TemplateOwner, a.TemplateRepo, a.ToSHA)
	if err != nil {
		return nil, err
	}
	changes := make([]domain.FileChange, 0, len(entries))
	for _, entry := range entries {
		raw, err := e.api.GetBlob(ctx, tenant, a.TemplateOwner, a.TemplateRepo, entry.SHA)
		if err != nil {
			return nil, err
		}
		changes = append(changes, domain.FileChange{
			Path:     entry.Path,
			SHA:      entry.SHA,
			Content:  base64.StdEncoding.EncodeToString(raw),
			IsBinary: isBinaryPath(entry.Path),
			Status:   domain.Added,
		})
	}
	return changes, nil
}

func (e *Engine) compare(ctx context.Context, tenant string, a domain.SyncRepoArgs) ([]domain.FileChange, error) {
	files, err := e.api.CompareCommits(ctx, tenant, a.TemplateOwner, a.TemplateRepo, a.FromSHA, a.ToSHA)
	if err != nil {
		return nil, err
	}
	var changes []domain.FileChange
	for _, f := range files {
		switch f.Status {
		case "removed":
			changes = append(changes, domain.FileChange{Path: f.Filename, Status: domain.Removed})
		case "renamed":
			// removed record for the old path plus an add record for the
			// new one, so the commit builder needs no rename support
			changes = append(changes, domain.FileChange{Path: f.PreviousName, Status: domain.Removed})
			ch, err := e.contentChange(ctx, tenant, a, f, domain.Added)
			if err != nil {
				return nil, err
			}
			ch.PreviousPath = f.PreviousName
			changes = append(changes, ch)
		case "added":
			ch, err := e.contentChange(ctx, tenant, a, f, domain.Added)
			if err != nil {
				return nil, err
			}
			changes = append(changes, ch)
		default: // modified, changed
			ch, err := e.contentChange(ctx, tenant, a, f, domain.Modified)
			if err != nil {
				return nil, err
			}
			changes = append(changes, ch)
		}
	}
	return changes, nil
}

// contentChange builds the add/modify record: text files with an upstream
// patch carry the patch; anything without one (binaries, oversized diffs)
// carries full content.
func (e *Engine) contentChange(ctx context.Context, tenant string, a domain.SyncRepoArgs, f ghapi.ComparedFile, status domain.ChangeStatus) (domain.FileChange, error) {
	if f.Patch != "" && !isBinaryPath(f.Filename) {
		return domain.FileChange{Path: f.Filename, SHA: f.SHA, Patch: f.Patch, Status: status}, nil
	}
	raw, err := e.api.GetBlob(ctx, tenant, a.TemplateOwner, a.TemplateRepo, f.SHA)
	if err != nil {
		return domain.FileChange{}, err
	}
	return domain.FileChange{
		Path:     f.Filename,
		SHA:      f.SHA,
		Content:  base64.StdEncoding.EncodeToString(raw),
		IsBinary: true,
		Status:   status,
	}, nil
}
