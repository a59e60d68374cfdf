package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/orgsync/internal/ghapi"
)

// API is the slice of the upstream client the sync engine drives. Satisfied
// by *ghapi.Client; tests swap in a fake.
type API interface {
	ListTree(ctx context.Context, tenant, owner, repo, sha string) ([]ghapi.TreeEntry, error)
	GetBlob(ctx context.Context, tenant, owner, repo, sha string) ([]byte, error)
	CompareCommits(ctx context.Context, tenant, owner, repo, base, head string) ([]ghapi.ComparedFile, error)
	CommitTreeSHA(ctx context.Context, tenant, owner, repo, sha string) (string, error)
	CreateBlob(ctx context.Context, tenant, owner, repo string, content []byte) (string, error)
	CreateTree(ctx context.Context, tenant, owner, repo, baseTree string, writes []ghapi.TreeWrite) (string, error)
	CreateCommit(ctx context.Context, tenant, owner, repo, message, treeSHA, parent string) (string, error)
	EnsureBranch(ctx context.Context, tenant, owner, repo, branch, sha string) error
	DeleteBranch(ctx context.Context, tenant, owner, repo, branch string) error
	DefaultBranch(ctx context.Context, tenant, owner, repo string) (string, error)
	CreatePullRequest(ctx context.Context, tenant, owner, repo, title, head, base, body string) (ghapi.PullRequest, error)
	GetPullRequest(ctx context.Context, tenant, owner, repo string, number int) (ghapi.PullRequest, error)
	MergePullRequest(ctx context.Context, tenant, owner, repo string, number int, message string) (string, error)
}

// Cache holds computed diffs; misses just recompute, so any store error is
// treated as a miss.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type Engine struct {
	api    API
	cache  Cache
	log    *zap.Logger
	settle time.Duration // wait before checking mergeability
}

func New(api API, cache Cache, log *zap.Logger, settle time.Duration) *Engine {
	return &Engine{
		api:    api,
		cache:  cache,
		log:    log.With(zap.String("component", "syncer")),
		settle: settle,
	}
}
