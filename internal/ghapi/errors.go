package ghapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/pkg/errors"
)

// Kind classifies upstream failures into the retry policy's taxonomy.
type Kind string

const (
	KindNone      Kind = ""
	KindPrimary   Kind = "primary_rate_limit"
	KindSecondary Kind = "secondary_rate_limit"
	KindSevere    Kind = "severe_rate_limit"
	KindGeneric   Kind = "generic"
)

// a primary limit whose reset is further out than this is treated as
// severe: no near-term recovery, long authoritative cooldown
const severeResetHorizon = time.Hour

// RateLimitError is the engine-facing shape of any upstream throttle signal.
// RetryAfter is the server hint when one was provided.
type RateLimitError struct {
	Kind       Kind
	RetryAfter *time.Duration
	wrapped    error
}

func (e *RateLimitError) Error() string {
	return "rate limited (" + string(e.Kind) + "): " + e.wrapped.Error()
}

func (e *RateLimitError) Unwrap() error { return e.wrapped }

// NewRateLimitError builds a classified throttle error. Exposed so callers
// simulating upstream limits produce the same shape translate does.
func NewRateLimitError(kind Kind, retryAfter *time.Duration, cause error) *RateLimitError {
	if cause == nil {
		cause = errors.New("rate limited")
	}
	return &RateLimitError{Kind: kind, RetryAfter: retryAfter, wrapped: cause}
}

// Typed variants the sync engine branches on instead of sniffing message
// text.
var (
	ErrNoDiff        = errors.New("no commits between branches")
	ErrRefExists     = errors.New("ref already exists")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrNotFound      = errors.New("not found")
	ErrNotMergeable  = errors.New("pull request not mergeable")
)

// Classify returns the failure kind for retry/circuit decisions. Structured
// go-github error types first, then status-code fallback.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.Kind
	}
	return KindGeneric
}

// RetryHint extracts the server-provided retry-after, if any.
func RetryHint(err error) *time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter
	}
	return nil
}

// translate maps raw go-github errors into the engine's typed errors.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return &RateLimitError{Kind: KindSecondary, RetryAfter: abuse.RetryAfter, wrapped: err}
	}

	var primary *github.RateLimitError
	if errors.As(err, &primary) {
		kind := KindPrimary
		var hint *time.Duration
		if !primary.Rate.Reset.IsZero() {
			d := time.Until(primary.Rate.Reset.Time)
			if d < 0 {
				d = 0
			}
			hint = &d
			if d > severeResetHorizon {
				kind = KindSevere
			}
		}
		return &RateLimitError{Kind: kind, RetryAfter: hint, wrapped: err}
	}

	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		switch er.Response.StatusCode {
		case http.StatusForbidden, http.StatusTooManyRequests:
			// not all throttles arrive as the typed errors above;
			// fall back to the remaining-quota header
			if er.Response.Header.Get("X-RateLimit-Remaining") == "0" {
				if er.Response.Header.Get("X-RateLimit-Reset") == "" {
					return &RateLimitError{Kind: KindSevere, wrapped: err}
				}
				return &RateLimitError{Kind: KindPrimary, wrapped: err}
			}
		case http.StatusNotFound:
			return errors.Wrap(ErrNotFound, err.Error())
		case http.StatusMethodNotAllowed:
			// merge endpoint: PR exists but cannot be merged cleanly
			return errors.Wrap(ErrNotMergeable, er.Message)
		case http.StatusUnprocessableEntity:
			return translateValidation(er)
		}
	}
	return err
}

// translateValidation narrows the upstream 422 catch-all. GitHub reports
// these as validation failures with distinguishing messages/codes; the codes
// below are the ones the git-data and PR endpoints actually emit.
func translateValidation(er *github.ErrorResponse) error {
	for _, e := range er.Errors {
		if e.Code == "custom" && strings.Contains(e.Message, "No commits between") {
			return errors.Wrap(ErrNoDiff, e.Message)
		}
		if e.Code == "already_exists" || e.Code == "custom" && strings.Contains(e.Message, "already exists") {
			return errors.Wrap(ErrAlreadyExists, e.Message)
		}
	}
	if strings.Contains(er.Message, "Reference already exists") {
		return errors.Wrap(ErrRefExists, er.Message)
	}
	return er
}
