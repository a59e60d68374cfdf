package ghapi

import (
	"context"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/SirClappington/orgsync/internal/domain"
	"github.com/SirClappington/orgsync/internal/limiter"
)

// Client is the typed wrapper around the upstream API. Every call funnels
// through the per-tenant reservoir; content-creating calls also take a token
// from the stricter write sub-quota and get the longer timeout.
type Client struct {
	gh           *github.Client
	limiter      limiter.Registry
	log          *zap.Logger
	callTimeout  time.Duration
	writeTimeout time.Duration
}

type Options struct {
	Token        string
	Limiter      limiter.Registry
	Logger       *zap.Logger
	CallTimeout  time.Duration
	WriteTimeout time.Duration
	// BaseClient overrides the HTTP transport (tests)
	BaseClient *github.Client
}

func NewClient(opts Options) *Client {
	gh := opts.BaseClient
	if gh == nil {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		gh = github.NewClient(oauth2.NewClient(context.Background(), ts))
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Minute
	}
	return &Client{
		gh:           gh,
		limiter:      opts.Limiter,
		log:          opts.Logger.With(zap.String("component", "ghapi")),
		callTimeout:  opts.CallTimeout,
		writeTimeout: opts.WriteTimeout,
	}
}

// call gates, bounds and translates one upstream request.
func (c *Client) call(ctx context.Context, tenant string, write bool, fn func(ctx context.Context) error) error {
	if err := c.limiter.Acquire(ctx, tenant); err != nil {
		return err
	}
	timeout := c.callTimeout
	if write {
		if err := c.limiter.Acquire(ctx, "content:"+tenant); err != nil {
			return err
		}
		timeout = c.writeTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return translate(fn(cctx))
}

// CreateRepoFromTemplate provisions an instance repository. Already-exists
// is success: the envelope may be a retry of a partially-completed attempt.
func (c *Client) CreateRepoFromTemplate(ctx context.Context, a domain.CreateRepoArgs) (string, error) {
	var fullName string
	err := c.call(ctx, a.Org, true, func(ctx context.Context) error {
		repo, _, err := c.gh.Repositories.CreateFromTemplate(ctx, a.TemplateOwner, a.TemplateRepo, &github.TemplateRepoRequest{
			Name:    github.String(a.Name),
			Owner:   github.String(a.Org),
			Private: github.Bool(a.Private),
		})
		if err != nil {
			return err
		}
		fullName = repo.GetFullName()
		return nil
	})
	if errors.Is(err, ErrAlreadyExists) {
		c.log.Info("repo already exists", zap.String("org", a.Org), zap.String("repo", a.Name))
		return a.Org + "/" + a.Name, nil
	}
	return fullName, err
}

// SyncTeamMembership reconciles a team's member list: reads current state
// and only issues the mutations needed, so a retry after partial success
// mutates nothing it already did.
func (c *Client) SyncTeamMembership(ctx context.Context, a domain.SyncTeamArgs) error {
	current := map[string]bool{}
	opts := &github.TeamListTeamMembersOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		var page []*github.User
		var next int
		err := c.call(ctx, a.Org, false, func(ctx context.Context) error {
			members, resp, err := c.gh.Teams.ListTeamMembersBySlug(ctx, a.Org, a.TeamSlug, opts)
			if err != nil {
				return err
			}
			page, next = members, resp.NextPage
			return nil
		})
		if err != nil {
			return err
		}
		for _, m := range page {
			current[m.GetLogin()] = true
		}
		if next == 0 {
			break
		}
		opts.Page = next
	}

	want := map[string]string{}
	for _, m := range a.Members {
		role := m.Role
		if role == "" {
			role = "member"
		}
		want[m.Login] = role
	}

	for login, role := range want {
		if current[login] {
			continue
		}
		err := c.call(ctx, a.Org, true, func(ctx context.Context) error {
			_, _, err := c.gh.Teams.AddTeamMembershipBySlug(ctx, a.Org, a.TeamSlug, login, &github.TeamAddTeamMembershipOptions{Role: role})
			return err
		})
		if err != nil {
			return err
		}
	}
	for login := range current {
		if _, ok := want[login]; ok {
			continue
		}
		err := c.call(ctx, a.Org, true, func(ctx context.Context) error {
			_, err := c.gh.Teams.RemoveTeamMembershipBySlug(ctx, a.Org, a.TeamSlug, login)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SyncCollaborators reconciles direct collaborators the same way: no-op when
// the desired list already matches.
func (c *Client) SyncCollaborators(ctx context.Context, a domain.SyncPermissionsArgs) error {
	current := map[string]string{} // login -> role
	opts := &github.ListCollaboratorsOptions{
		Affiliation: "direct",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		var page []*github.User
		var next int
		err := c.call(ctx, a.Org, false, func(ctx context.Context) error {
			users, resp, err := c.gh.Repositories.ListCollaborators(ctx, a.Org, a.Repo, opts)
			if err != nil {
				return err
			}
			page, next = users, resp.NextPage
			return nil
		})
		if err != nil {
			return err
		}
		for _, u := range page {
			current[u.GetLogin()] = u.GetRoleName()
		}
		if next == 0 {
			break
		}
		opts.Page = next
	}

	want := map[string]string{}
	for _, col := range a.Collaborators {
		want[col.Login] = col.Permission
	}

	for login, perm := range want {
		if current[login] == perm {
			continue
		}
		err := c.call(ctx, a.Org, true, func(ctx context.Context) error {
			_, _, err := c.gh.Repositories.AddCollaborator(ctx, a.Org, a.Repo, login, &github.RepositoryAddCollaboratorOptions{Permission: perm})
			return err
		})
		if err != nil {
			return err
		}
	}
	for login := range current {
		if _, ok := want[login]; ok {
			continue
		}
		err := c.call(ctx, a.Org, true, func(ctx context.Context) error {
			_, err := c.gh.Repositories.RemoveCollaborator(ctx, a.Org, a.Repo, login)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ArchiveAndLock locks the named branch (when given) and archives the repo.
// Archive must come last: archived repos reject further edits.
func (c *Client) ArchiveAndLock(ctx context.Context, a domain.ArchiveRepoArgs) error {
	if a.LockBranch != "" {
		err := c.call(ctx, a.Org, true, func(ctx context.Context) error {
			_, _, err := c.gh.Repositories.UpdateBranchProtection(ctx, a.Org, a.Repo, a.LockBranch, &github.ProtectionRequest{
				LockBranch: github.Bool(true),
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	return c.call(ctx, a.Org, true, func(ctx context.Context) error {
		_, _, err := c.gh.Repositories.Edit(ctx, a.Org, a.Repo, &github.Repository{Archived: github.Bool(true)})
		return err
	})
}

func (c *Client) RerunWorkflow(ctx context.Context, a domain.RerunWorkflowArgs) error {
	return c.call(ctx, a.Org, false, func(ctx context.Context) error {
		_, err := c.gh.Actions.RerunWorkflowByID(ctx, a.Org, a.Repo, a.RunID)
		return err
	})
}
