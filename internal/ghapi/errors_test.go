package ghapi

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func fakeResponse(status int, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Request:    &http.Request{Method: "GET", URL: &url.URL{Path: "/"}},
	}
}

func TestTranslateAbuseIsSecondary(t *testing.T) {
	after := 90 * time.Second
	err := translate(&github.AbuseRateLimitError{RetryAfter: &after})
	require.Equal(t, KindSecondary, Classify(err))
	hint := RetryHint(err)
	require.NotNil(t, hint)
	require.Equal(t, after, *hint)
}

func TestTranslatePrimaryVsSevere(t *testing.T) {
	near := &github.RateLimitError{
		Rate:     github.Rate{Reset: github.Timestamp{Time: time.Now().Add(10 * time.Minute)}},
		Response: fakeResponse(403, nil),
	}
	require.Equal(t, KindPrimary, Classify(translate(near)))

	far := &github.RateLimitError{
		Rate:     github.Rate{Reset: github.Timestamp{Time: time.Now().Add(2 * time.Hour)}},
		Response: fakeResponse(403, nil),
	}
	require.Equal(t, KindSevere, Classify(translate(far)))
}

func TestTranslateHeaderFallback(t *testing.T) {
	err := translate(&github.ErrorResponse{
		Response: fakeResponse(403, map[string]string{
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     "1700000000",
		}),
	})
	require.Equal(t, KindPrimary, Classify(err))

	err = translate(&github.ErrorResponse{
		Response: fakeResponse(403, map[string]string{"X-RateLimit-Remaining": "0"}),
	})
	require.Equal(t, KindSevere, Classify(err))

	// a plain 403 is not a throttle
	err = translate(&github.ErrorResponse{Response: fakeResponse(403, nil)})
	require.Equal(t, KindGeneric, Classify(err))
}

func TestTranslateNoDiff(t *testing.T) {
	err := translate(&github.ErrorResponse{
		Response: fakeResponse(422, nil),
		Errors: []github.Error{
			{Code: "custom", Message: "No commits between main and template-sync/abc1234"},
		},
	})
	require.True(t, errors.Is(err, ErrNoDiff))
}

func TestTranslateRefExists(t *testing.T) {
	err := translate(&github.ErrorResponse{
		Response: fakeResponse(422, nil),
		Message:  "Reference already exists",
	})
	require.True(t, errors.Is(err, ErrRefExists))
}

func TestTranslateAlreadyExists(t *testing.T) {
	err := translate(&github.ErrorResponse{
		Response: fakeResponse(422, nil),
		Errors:   []github.Error{{Code: "already_exists", Field: "name"}},
	})
	require.True(t, errors.Is(err, ErrAlreadyExists))
}

func TestTranslateNotFoundAndNotMergeable(t *testing.T) {
	err := translate(&github.ErrorResponse{Response: fakeResponse(404, nil)})
	require.True(t, errors.Is(err, ErrNotFound))

	err = translate(&github.ErrorResponse{Response: fakeResponse(405, nil), Message: "Pull Request is not mergeable"})
	require.True(t, errors.Is(err, ErrNotMergeable))
}

func TestClassifyGenericAndNil(t *testing.T) {
	require.Equal(t, KindNone, Classify(nil))
	require.Equal(t, KindGeneric, Classify(errors.New("dial tcp: timeout")))
	require.Nil(t, RetryHint(errors.New("boom")))
}
