package domain

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Method tags the operation an envelope carries. The set is closed; the
// dispatcher treats anything else as a permanent failure.
type Method string

const (
	SyncTeamMembership Method = "sync_team_membership"
	CreateRepo         Method = "create_repo"
	SyncPermissions    Method = "sync_permissions"
	ArchiveRepo        Method = "archive_repo"
	RerunWorkflow      Method = "rerun_workflow"
	SyncRepo           Method = "sync_repo"
)

var ErrUnknownMethod = errors.New("unknown method")

// Envelope is one durable queue message. Immutable once enqueued except for
// RetryCount, which the requeue path bumps on every transient failure.
type Envelope struct {
	Method     Method          `json:"method"`
	Args       json.RawMessage `json:"args"`
	TenantID   string          `json:"tenant_id,omitempty"`
	DebugID    string          `json:"debug_id,omitempty"`
	LogID      string          `json:"log_id,omitempty"`
	RetryCount int             `json:"retry_count"`
}

// Payload is the typed view of Envelope.Args. Every variant knows which
// tenant's quota it spends.
type Payload interface {
	Tenant() string
}

type Member struct {
	Login string `json:"login"`
	Role  string `json:"role,omitempty"` // member | maintainer
}

type Collaborator struct {
	Login      string `json:"login"`
	Permission string `json:"permission"` // pull | push | admin
}

type SyncTeamArgs struct {
	Org      string   `json:"org"`
	TeamSlug string   `json:"team_slug"`
	Members  []Member `json:"members"`
}

type CreateRepoArgs struct {
	Org           string `json:"org"`
	Name          string `json:"name"`
	TemplateOwner string `json:"template_owner"`
	TemplateRepo  string `json:"template_repo"`
	Private       bool   `json:"private"`
}

type SyncPermissionsArgs struct {
	Org           string         `json:"org"`
	Repo          string         `json:"repo"`
	Collaborators []Collaborator `json:"collaborators"`
}

type ArchiveRepoArgs struct {
	Org        string `json:"org"`
	Repo       string `json:"repo"`
	LockBranch string `json:"lock_branch,omitempty"`
}

type RerunWorkflowArgs struct {
	Org   string `json:"org"`
	Repo  string `json:"repo"`
	RunID int64  `json:"run_id"`
}

type SyncRepoArgs struct {
	Org           string `json:"org"`
	Repo          string `json:"repo"`
	TemplateOwner string `json:"template_owner"`
	TemplateRepo  string `json:"template_repo"`
	FromSHA       string `json:"from_sha,omitempty"` // last synced template commit; empty on first sync
	ToSHA         string `json:"to_sha"`
	SyncedRepoSHA string `json:"synced_repo_sha"` // last known-good sync point on the target
	AutoMerge     bool   `json:"auto_merge"`
}

func (a SyncTeamArgs) Tenant() string        { return a.Org }
func (a CreateRepoArgs) Tenant() string      { return a.Org }
func (a SyncPermissionsArgs) Tenant() string { return a.Org }
func (a ArchiveRepoArgs) Tenant() string     { return a.Org }
func (a RerunWorkflowArgs) Tenant() string   { return a.Org }
func (a SyncRepoArgs) Tenant() string        { return a.Org }

// Payload decodes Args into the variant named by Method.
func (e *Envelope) Payload() (Payload, error) {
	var p Payload
	switch e.Method {
	case SyncTeamMembership:
		p = &SyncTeamArgs{}
	case CreateRepo:
		p = &CreateRepoArgs{}
	case SyncPermissions:
		p = &SyncPermissionsArgs{}
	case ArchiveRepo:
		p = &ArchiveRepoArgs{}
	case RerunWorkflow:
		p = &RerunWorkflowArgs{}
	case SyncRepo:
		p = &SyncRepoArgs{}
	default:
		return nil, errors.Wrapf(ErrUnknownMethod, "%q", e.Method)
	}
	if err := json.Unmarshal(e.Args, p); err != nil {
		return nil, errors.Wrapf(err, "decode %s args", e.Method)
	}
	return p, nil
}

// Tenant resolves the tenant for circuit and limiter scoping: the explicit
// envelope field wins, else the payload's org.
func (e *Envelope) Tenant() (string, error) {
	if e.TenantID != "" {
		return e.TenantID, nil
	}
	p, err := e.Payload()
	if err != nil {
		return "", err
	}
	return p.Tenant(), nil
}

// DeadLetter is the terminal record for an envelope that exhausted its
// retries (or failed permanently). Written once, inspected manually.
type DeadLetter struct {
	ID         string
	Method     Method
	TenantID   string
	DebugID    string
	LogID      string
	Envelope   []byte
	ErrKind    string
	ErrMessage string
	RetryCount int
	CreatedAt  time.Time
}
