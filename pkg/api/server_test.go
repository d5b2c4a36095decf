package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/covenant/pkg/api"
	"github.com/Mindburn-Labs/covenant/pkg/contracts"
	"github.com/Mindburn-Labs/covenant/pkg/escalation"
	"github.com/Mindburn-Labs/covenant/pkg/governance"
	"github.com/Mindburn-Labs/covenant/pkg/governance/govtest"
	"github.com/Mindburn-Labs/covenant/pkg/ledger"
	"github.com/Mindburn-Labs/covenant/pkg/pipeline"
	"github.com/Mindburn-Labs/covenant/pkg/quorum"
)

type fakePipeline struct {
	err      error
	got      *contracts.EventRequest
	outcomes map[string]contracts.Outcome
}

func (f *fakePipeline) Submit(_ context.Context, req *contracts.EventRequest) (*pipeline.Ticket, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Ticket{RequestID: "req-1", SubjectID: req.SubjectID, Sequence: req.Sequence}, nil
}

func (f *fakePipeline) Status(id string) (contracts.Outcome, bool) {
	o, ok := f.outcomes[id]
	return o, ok
}

type fixture struct {
	pipe   *fakePipeline
	store  *ledger.MemoryStore
	create *contracts.LedgerEntry
	e1     *contracts.LedgerEntry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := govtest.NewFixture(t, "owner", "a1", "v1")
	genesis := fx.Genesis(t, "owner", fx.Document("1.0.0", governance.Policy{
		ID:         "counter",
		Approval:   govtest.Stage(quorum.Count(1), "a1"),
		Validation: govtest.Stage(quorum.Count(1), "v1"),
	}))
	create := fx.Create(t, genesis.SubjectID(), 0, "owner", "counter", json.RawMessage(`{"n":0}`))
	e1 := fx.Next(t, create, "owner", json.RawMessage(`{"n":1}`), 0)

	store := ledger.NewMemoryStore()
	ctx := context.Background()
	for _, e := range []*contracts.LedgerEntry{genesis, create, e1} {
		require.NoError(t, store.Append(ctx, e))
	}
	return &fixture{pipe: &fakePipeline{}, store: store, create: create, e1: e1}
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestSubmit_Accepted(t *testing.T) {
	f := newFixture(t)
	h := api.NewServer(f.pipe, f.store).Handler()

	body := fmt.Sprintf(`{"kind":"state","subject_id":%q,"sequence":2,"payload":{"kind":"json","data":{"n":2}}}`,
		f.e1.SubjectID())
	w := do(t, h, http.MethodPost, "/api/v1/events", body)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "/api/v1/events/req-1", w.Header().Get("Location"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	resp := decode[api.SubmitResponse](t, w)
	assert.Equal(t, api.SubmitResponse{RequestID: "req-1", SubjectID: f.e1.SubjectID(), Sequence: 2}, resp)
	require.NotNil(t, f.pipe.got)
	assert.Equal(t, contracts.RequestState, f.pipe.got.Kind)
}

func TestSubmit_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		reason contracts.Reason
	}{
		{"conflict", fmt.Errorf("%w: head is 4", contracts.ErrSequenceConflict), http.StatusConflict, contracts.ReasonSequenceConflict},
		{"unknown subject", contracts.ErrUnknownSubject, http.StatusNotFound, contracts.ReasonUnknownSubject},
		{"unknown governance", contracts.ErrUnknownGovernance, http.StatusNotFound, contracts.ReasonUnknownGovernance},
		{"invalid", fmt.Errorf("%w: bad signature", contracts.ErrInvalidRequest), http.StatusBadRequest, contracts.ReasonInvalidRequest},
		{"schema", contracts.ErrEvaluationFailed, http.StatusBadRequest, contracts.ReasonEvaluationFailed},
		{"closed", pipeline.ErrClosed, http.StatusServiceUnavailable, contracts.ReasonNone},
		{"internal", fmt.Errorf("disk on fire"), http.StatusInternalServerError, contracts.ReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.pipe.err = tt.err
			h := api.NewServer(f.pipe, f.store).Handler()

			w := do(t, h, http.MethodPost, "/api/v1/events", `{"kind":"state"}`)
			require.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
			p := decode[api.ProblemDetail](t, w)
			assert.Equal(t, tt.reason, p.Reason)
			assert.Equal(t, "/api/v1/events", p.Instance)
			assert.Equal(t, w.Header().Get("X-Request-ID"), p.TraceID)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, p.Detail, "disk")
			}
		})
	}
}

func TestSubmit_MalformedBody(t *testing.T) {
	f := newFixture(t)
	h := api.NewServer(f.pipe, f.store).Handler()

	w := do(t, h, http.MethodPost, "/api/v1/events", `{"kind":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, f.pipe.got)
}

func TestEventStatus(t *testing.T) {
	f := newFixture(t)
	f.pipe.outcomes = map[string]contracts.Outcome{
		"req-9": {RequestID: "req-9", State: contracts.StateRejected, Reason: contracts.ReasonApprovalDenied},
	}
	h := api.NewServer(f.pipe, f.store).Handler()

	w := do(t, h, http.MethodGet, "/api/v1/events/req-9", "")
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[contracts.Outcome](t, w)
	assert.Equal(t, contracts.StateRejected, out.State)
	assert.Equal(t, contracts.ReasonApprovalDenied, out.Reason)

	w = do(t, h, http.MethodGet, "/api/v1/events/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubjects(t *testing.T) {
	f := newFixture(t)
	h := api.NewServer(f.pipe, f.store).Handler()
	id := f.e1.SubjectID()

	w := do(t, h, http.MethodGet, "/api/v1/subjects", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]contracts.Subject](t, w), 2)

	w = do(t, h, http.MethodGet, "/api/v1/subjects/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	s := decode[contracts.Subject](t, w)
	assert.Equal(t, uint64(1), s.Sequence)
	assert.Equal(t, f.e1.Hash, s.HeadHash)
	assert.JSONEq(t, `{"n":1}`, string(s.State))

	w = do(t, h, http.MethodGet, "/api/v1/subjects/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubjectEntries(t *testing.T) {
	f := newFixture(t)
	h := api.NewServer(f.pipe, f.store).Handler()
	base := "/api/v1/subjects/" + f.e1.SubjectID() + "/entries"

	w := do(t, h, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[[]contracts.LedgerEntry](t, w)
	require.Len(t, entries, 2)
	assert.Equal(t, f.create.Hash, entries[0].Hash)
	assert.Equal(t, f.e1.Hash, entries[1].Hash)

	w = do(t, h, http.MethodGet, base+"?from=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries = decode[[]contracts.LedgerEntry](t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), entries[0].Sequence())

	for _, q := range []string{"?from=x", "?from=2&to=1"} {
		w = do(t, h, http.MethodGet, base+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
	w = do(t, h, http.MethodGet, "/api/v1/subjects/missing/entries", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubjectEntries_ClipsLongRanges(t *testing.T) {
	f := newFixture(t)
	h := api.NewServer(f.pipe, f.store).WithPageLimit(1).Handler()
	base := "/api/v1/subjects/" + f.e1.SubjectID() + "/entries"

	w := do(t, h, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[[]contracts.LedgerEntry](t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, f.create.Hash, entries[0].Hash)
	assert.Equal(t, "1", w.Header().Get("X-Next-From"))

	w = do(t, h, http.MethodGet, base+"?from=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries = decode[[]contracts.LedgerEntry](t, w)
	require.Len(t, entries, 1)
	assert.Equal(t, f.e1.Hash, entries[0].Hash)
	assert.Empty(t, w.Header().Get("X-Next-From"))
}

func TestApprovals(t *testing.T) {
	f := newFixture(t)

	t.Run("disabled", func(t *testing.T) {
		h := api.NewServer(f.pipe, f.store).Handler()
		assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/approvals", "").Code)
		assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/approvals/x", `{"approve":true}`).Code)
	})

	t.Run("decide", func(t *testing.T) {
		inbox := escalation.NewInbox(time.Minute)
		item := inbox.Submit(context.Background(), &f.e1.Proposal, f.e1.Hash)
		h := api.NewServer(f.pipe, f.store).WithInbox(inbox).Handler()

		w := do(t, h, http.MethodGet, "/api/v1/approvals", "")
		require.Equal(t, http.StatusOK, w.Code)
		pending := decode[[]escalation.Item](t, w)
		require.Len(t, pending, 1)
		assert.Equal(t, item.ID, pending[0].ID)

		w = do(t, h, http.MethodPost, "/api/v1/approvals/"+item.ID, `{"approve":false,"reason":"too big"}`)
		require.Equal(t, http.StatusOK, w.Code)
		decided := decode[escalation.Item](t, w)
		assert.Equal(t, escalation.StatusDenied, decided.Status)
		assert.Equal(t, "anonymous", decided.DecidedBy)
		assert.Equal(t, "too big", decided.Reason)

		w = do(t, h, http.MethodPost, "/api/v1/approvals/"+item.ID, `{"approve":true}`)
		assert.Equal(t, http.StatusConflict, w.Code)
		w = do(t, h, http.MethodPost, "/api/v1/approvals/unknown", `{"approve":true}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func token(t *testing.T, secret []byte, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return "Bearer " + s
}

func TestBearerAuth(t *testing.T) {
	f := newFixture(t)
	secret := []byte("test-secret")
	inbox := escalation.NewInbox(time.Minute)
	item := inbox.Submit(context.Background(), &f.e1.Proposal, f.e1.Hash)
	h := api.NewServer(f.pipe, f.store).WithInbox(inbox).WithAuth(secret).Handler()
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)

	rejected := map[string][]string{
		"missing":       nil,
		"not bearer":    {"Authorization", "Basic Zm9vOmJhcg=="},
		"wrong secret":  {"Authorization", token(t, []byte("other"), jwt.RegisteredClaims{Subject: "alice", ExpiresAt: exp})},
		"no subject":    {"Authorization", token(t, secret, jwt.RegisteredClaims{ExpiresAt: exp})},
		"no expiration": {"Authorization", token(t, secret, jwt.RegisteredClaims{Subject: "alice"})},
		"expired": {"Authorization", token(t, secret, jwt.RegisteredClaims{
			Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		})},
	}
	for name, header := range rejected {
		w := do(t, h, http.MethodGet, "/api/v1/subjects", "", header...)
		assert.Equal(t, http.StatusUnauthorized, w.Code, name)
	}

	auth := token(t, secret, jwt.RegisteredClaims{Subject: "alice", ExpiresAt: exp})
	w := do(t, h, http.MethodPost, "/api/v1/approvals/"+item.ID, `{"approve":true}`, "Authorization", auth)
	require.Equal(t, http.StatusOK, w.Code)
	decided := decode[escalation.Item](t, w)
	assert.Equal(t, escalation.StatusApproved, decided.Status)
	assert.Equal(t, "alice", decided.DecidedBy)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t)
	h := api.NewServer(f.pipe, f.store).WithLimiter(api.NewLocalLimiter(0.001, 2)).Handler()

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/subjects", "").Code)
	}
	w := do(t, h, http.MethodGet, "/api/v1/subjects", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
}

func TestLocalLimiter_RefillsPerClient(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := api.NewLocalLimiter(1, 1).WithClock(func() time.Time { return now })
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "10.0.0.1")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "10.0.0.1")
	assert.False(t, ok)
	ok, _ = l.Allow(ctx, "10.0.0.2")
	assert.True(t, ok)

	now = now.Add(time.Second)
	ok, _ = l.Allow(ctx, "10.0.0.1")
	assert.True(t, ok)
}

func TestRequestID_ReusesClientID(t *testing.T) {
	var seen string
	h := api.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = api.RequestIDFrom(r.Context())
	}))

	w := do(t, h, http.MethodGet, "/", "", "X-Request-ID", "client-7")
	assert.Equal(t, "client-7", seen)
	assert.Equal(t, "client-7", w.Header().Get("X-Request-ID"))
}

type opRecorder struct {
	names []string
	errs  []error
}

func (o *opRecorder) TrackOperation(ctx context.Context, name string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	o.names = append(o.names, name)
	return ctx, func(err error) { o.errs = append(o.errs, err) }
}

func TestTelemetry_TracksRoutes(t *testing.T) {
	f := newFixture(t)
	f.pipe.err = fmt.Errorf("disk on fire")
	ops := &opRecorder{}
	h := api.NewServer(f.pipe, f.store).WithTelemetry(ops).Handler()

	do(t, h, http.MethodGet, "/api/v1/subjects/"+f.e1.SubjectID(), "")
	do(t, h, http.MethodPost, "/api/v1/events", `{"kind":"state"}`)

	assert.Equal(t, []string{"http GET /api/v1/subjects/{id}", "http POST /api/v1/events"}, ops.names)
	require.Len(t, ops.errs, 2)
	assert.NoError(t, ops.errs[0])
	assert.Error(t, ops.errs[1])
}
