package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/orgsync/internal/breaker"
	"github.com/SirClappington/orgsync/internal/domain"
	"github.com/SirClappington/orgsync/internal/ghapi"
	"github.com/SirClappington/orgsync/internal/retry"
	"github.com/SirClappington/orgsync/internal/storage"
)

type sentMessage struct {
	msg   Message
	delay time.Duration
}

type fakeQueue struct {
	sent     []sentMessage
	archived []string
}

func (q *fakeQueue) Read(context.Context, string, time.Duration, int) ([]Message, error) {
	return nil, nil
}

func (q *fakeQueue) Send(_ context.Context, _ string, payload []byte, delay time.Duration) error {
	q.sent = append(q.sent, sentMessage{msg: Message{Payload: payload}, delay: delay})
	return nil
}

func (q *fakeQueue) SendAt(_ context.Context, _ string, msg Message, delay time.Duration) error {
	q.sent = append(q.sent, sentMessage{msg: msg, delay: delay})
	return nil
}

func (q *fakeQueue) Archive(_ context.Context, _ string, id string) error {
	q.archived = append(q.archived, id)
	return nil
}

type fakeAPI struct {
	err       error
	teamCalls int
}

func (a *fakeAPI) CreateRepoFromTemplate(context.Context, domain.CreateRepoArgs) (string, error) {
	return "acme/hw-1", a.err
}
func (a *fakeAPI) SyncTeamMembership(context.Context, domain.SyncTeamArgs) error {
	a.teamCalls++
	return a.err
}
func (a *fakeAPI) SyncCollaborators(context.Context, domain.SyncPermissionsArgs) error { return a.err }
func (a *fakeAPI) ArchiveAndLock(context.Context, domain.ArchiveRepoArgs) error        { return a.err }
func (a *fakeAPI) RerunWorkflow(context.Context, domain.RerunWorkflowArgs) error       { return a.err }

type fakeSyncer struct {
	res domain.SyncResult
	err error
}

func (s *fakeSyncer) Sync(context.Context, string, domain.SyncRepoArgs) (domain.SyncResult, error) {
	return s.res, s.err
}

type fakeMetrics struct{ records []storage.Metric }

func (m *fakeMetrics) Record(_ context.Context, r storage.Metric) error {
	m.records = append(m.records, r)
	return nil
}

type fakeDead struct{ letters []domain.DeadLetter }

func (d *fakeDead) InsertDeadLetter(_ context.Context, l domain.DeadLetter) (string, error) {
	d.letters = append(d.letters, l)
	return "dl-1", nil
}

type fixture struct {
	q       *fakeQueue
	api     *fakeAPI
	sync    *fakeSyncer
	circuit *breaker.MemoryStore
	metrics *fakeMetrics
	dead    *fakeDead
	c       *Consumer
}

func newFixture() *fixture {
	f := &fixture{
		q:       &fakeQueue{},
		api:     &fakeAPI{},
		sync:    &fakeSyncer{res: domain.SyncResult{Success: true}},
		circuit: breaker.NewMemoryStore(),
		metrics: &fakeMetrics{},
		dead:    &fakeDead{},
	}
	f.c = NewConsumer(f.q, f.api, f.sync, f.circuit, retry.NewPolicy(), f.metrics, f.dead,
		zap.NewNop(), ConsumerOptions{QueueName: "test", BatchSize: 4, Visibility: time.Minute})
	return f
}

func envelopeMsg(t *testing.T, env domain.Envelope) Message {
	t.Helper()
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	return Message{ID: "m1", EnqueuedAt: time.Now().Add(-2 * time.Second), Payload: payload}
}

func teamEnvelope(retryCount int) domain.Envelope {
	return domain.Envelope{
		Method:     domain.SyncTeamMembership,
		Args:       json.RawMessage(`{"org":"acme","team_slug":"staff","members":[{"login":"ada"}]}`),
		DebugID:    "dbg-1",
		RetryCount: retryCount,
	}
}

func TestSuccessArchivesAndRecords(t *testing.T) {
	f := newFixture()
	f.c.process(context.Background(), envelopeMsg(t, teamEnvelope(0)))

	require.Equal(t, []string{"m1"}, f.q.archived)
	require.Empty(t, f.q.sent)
	require.Empty(t, f.dead.letters)
	require.Len(t, f.metrics.records, 1)
	require.Equal(t, 200, f.metrics.records[0].StatusCode)
	require.Equal(t, "acme", f.metrics.records[0].Tenant)
	require.Equal(t, "dbg-1", f.metrics.records[0].CorrelationID)
	require.GreaterOrEqual(t, f.metrics.records[0].LatencyMS, int64(2000))
}

func TestTenantCircuitRequeuesWithoutConsumingRetry(t *testing.T) {
	f := newFixture()
	_, err := f.circuit.Open(context.Background(), breaker.ScopeTenant, "acme", breaker.EventRateLimit, time.Hour, "primary")
	require.NoError(t, err)

	f.c.process(context.Background(), envelopeMsg(t, teamEnvelope(2)))

	require.Zero(t, f.api.teamCalls)
	require.Len(t, f.q.sent, 1)
	require.Equal(t, retry.CircuitOpenDelay, f.q.sent[0].delay)

	var requeued domain.Envelope
	require.NoError(t, json.Unmarshal(f.q.sent[0].msg.Payload, &requeued))
	require.Equal(t, 2, requeued.RetryCount) // not a real attempt
	require.Equal(t, []string{"m1"}, f.q.archived)

	// the throttle requeue is still an outcome, so it gets a metric
	require.Len(t, f.metrics.records, 1)
	require.Equal(t, 503, f.metrics.records[0].StatusCode)
}

func TestMethodCircuitBlocksOnlyThatMethod(t *testing.T) {
	f := newFixture()
	key := breaker.MethodKey("acme", domain.SyncRepo)
	_, err := f.circuit.Open(context.Background(), breaker.ScopeMethod, key, breaker.EventImmediateError, time.Hour, "boom")
	require.NoError(t, err)

	// a different method for the same tenant still runs
	f.c.process(context.Background(), envelopeMsg(t, teamEnvelope(0)))
	require.Equal(t, 1, f.api.teamCalls)
	require.Empty(t, f.q.sent)
}

func TestOpenCircuitAtRetryCeilingDeadLetters(t *testing.T) {
	f := newFixture()
	_, err := f.circuit.Open(context.Background(), breaker.ScopeTenant, "acme", breaker.EventRateLimit, time.Hour, "primary")
	require.NoError(t, err)

	f.c.process(context.Background(), envelopeMsg(t, teamEnvelope(retry.MaxRetries)))

	require.Empty(t, f.q.sent)
	require.Len(t, f.dead.letters, 1)
	require.Equal(t, "circuit_open", f.dead.letters[0].ErrKind)
	require.Equal(t, []string{"m1"}, f.q.archived)
}

func TestGenericFailureRequeuesAndTripsMethodCircuit(t *testing.T) {
	f := newFixture()
	f.api.err = errors.New("upstream 502")

	f.c.process(context.Background(), envelopeMsg(t, teamEnvelope(0)))

	require.Len(t, f.q.sent, 1)
	require.Equal(t, 120*time.Second, f.q.sent[0].delay)
	var requeued domain.Envelope
	require.NoError(t, json.Unmarshal(f.q.sent[0].msg.Payload, &requeued))
	require.Equal(t, 1, requeued.RetryCount)
	// original enqueue time carries over to the copy
	require.Equal(t, f.q.sent[0].msg.EnqueuedAt.IsZero(), false)

	cir, err := f.circuit.Get(context.Background(), breaker.ScopeMethod, breaker.MethodKey("acme", domain.SyncTeamMembership))
	require.NoError(t, err)
	require.True(t, cir.Blocking(time.Now()))
	// tenant circuit stays closed for generic failures
	cir, err = f.circuit.Get(context.Background(), breaker.ScopeTenant, "acme")
	require.NoError(t, err)
	require.False(t, cir.Blocking(time.Now()))

	require.Len(t, f.metrics.records, 1)
	require.Equal(t, 500, f.metrics.records[0].StatusCode)
}

func TestRateLimitFailureTripsTenantCircuit(t *testing.T) {
	f := newFixture()
	f.api.err = ghapi.NewRateLimitError(ghapi.KindPrimary, nil, nil)

	f.c.process(context.Background(), envelopeMsg(t, teamEnvelope(0)))

	cir, err := f.circuit.Get(context.Background(), breaker.ScopeTenant, "acme")
	require.NoError(t, err)
	require.True(t, cir.Blocking(time.Now()))
	// no server hint, so the primary default of 60s applies
	require.LessOrEqual(t, time.Until(*cir.OpenUntil), 61*time.Second)
	require.Greater(t, time.Until(*cir.OpenUntil), 50*time.Second)

	require.Len(t, f.q.sent, 1)
	// base 60s, exponent 0, plus up to 25% jitter
	require.GreaterOrEqual(t, f.q.sent[0].delay, 60*time.Second)
	require.LessOrEqual(t, f.q.sent[0].delay, 75*time.Second)
	require.Len(t, f.metrics.records, 1)
	require.Equal(t, 429, f.metrics.records[0].StatusCode)
}

func TestFailureAtCeilingDeadLetters(t *testing.T) {
	f := newFixture()
	f.api.err = errors.New("still broken")

	f.c.process(context.Background(), envelopeMsg(t, teamEnvelope(retry.MaxRetries)))

	require.Empty(t, f.q.sent)
	require.Len(t, f.dead.letters, 1)
	require.Equal(t, retry.MaxRetries, f.dead.letters[0].RetryCount)
	require.Equal(t, "acme", f.dead.letters[0].TenantID)
	require.Equal(t, []string{"m1"}, f.q.archived)
}

func TestUnknownMethodDeadLettersImmediately(t *testing.T) {
	f := newFixture()
	env := domain.Envelope{Method: "frobnicate", Args: json.RawMessage(`{}`)}

	f.c.process(context.Background(), envelopeMsg(t, env))

	require.Empty(t, f.q.sent)
	require.Len(t, f.dead.letters, 1)
	require.Equal(t, "permanent", f.dead.letters[0].ErrKind)
	require.Len(t, f.metrics.records, 1)
	require.Equal(t, 400, f.metrics.records[0].StatusCode)
}

func TestMalformedPayloadDeadLettersImmediately(t *testing.T) {
	f := newFixture()
	msg := Message{ID: "m1", EnqueuedAt: time.Now(), Payload: []byte("not json")}

	f.c.process(context.Background(), msg)

	require.Empty(t, f.q.sent)
	require.Len(t, f.dead.letters, 1)
	require.Equal(t, "permanent", f.dead.letters[0].ErrKind)
}

func TestErrorThresholdOpensMethodCircuit(t *testing.T) {
	f := newFixture()
	f.api.err = errors.New("flaky")
	ctx := context.Background()

	// push the 5-minute window to the threshold
	for i := int64(0); i < breaker.ErrorThreshold-1; i++ {
		_, err := f.circuit.RecordError(ctx, "acme", domain.SyncTeamMembership)
		require.NoError(t, err)
	}
	f.c.process(ctx, envelopeMsg(t, teamEnvelope(0)))

	cir, err := f.circuit.Get(ctx, breaker.ScopeMethod, breaker.MethodKey("acme", domain.SyncTeamMembership))
	require.NoError(t, err)
	require.True(t, cir.Blocking(time.Now()))
	require.True(t, time.Until(*cir.OpenUntil) > 7*time.Hour)
}
