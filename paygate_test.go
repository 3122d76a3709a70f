package paygate

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsieai/paygate/logger"
	"github.com/newsieai/paygate/profile"
	"github.com/newsieai/paygate/settlement"
	"github.com/newsieai/paygate/types"
)

const testContent = `{"report":"the content"}`

func testChallengeBody(amount, reference string) string {
	return fmt.Sprintf(`{"amount":%q,"asset":"SOL","recipient":"recipient-addr","reference":%q}`,
		amount, reference)
}

// fakeBackend implements settlement.Backend in-process.
type fakeBackend struct {
	submits  atomic.Int64
	submitFn func(ctx context.Context, ch *types.PaymentChallenge) (string, error)
	statusFn func(ctx context.Context, txRef string) (settlement.Confirmation, error)
}

func (f *fakeBackend) Network() types.Network { return types.NetworkSolanaDevnet }
func (f *fakeBackend) Asset() string          { return "SOL" }
func (f *fakeBackend) Close()                 {}

func (f *fakeBackend) SubmitTransfer(ctx context.Context, ch *types.PaymentChallenge) (string, error) {
	f.submits.Add(1)
	if f.submitFn != nil {
		return f.submitFn(ctx, ch)
	}
	return "sig-" + ch.Reference, nil
}

func (f *fakeBackend) ConfirmationStatus(ctx context.Context, txRef string) (settlement.Confirmation, error) {
	if f.statusFn != nil {
		return f.statusFn(ctx, txRef)
	}
	return settlement.ConfirmationFinalized, nil
}

// paidProvider is an httptest handler that demands payment for its content:
// unauthenticated requests get 402 with a challenge, requests bearing an
// accepted transaction reference get the content.
type paidProvider struct {
	challengeBody string
	acceptedTx    string

	requests atomic.Int64
	redeems  atomic.Int64

	// redeemStatus overrides the response to authenticated requests.
	redeemStatus int
}

func (p *paidProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		p.requests.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(p.challengeBody))
		return
	}

	p.redeems.Add(1)
	if p.redeemStatus != 0 {
		w.WriteHeader(p.redeemStatus)
		return
	}
	if auth == "Bearer "+p.acceptedTx {
		w.Write([]byte(testContent))
		return
	}
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte("unknown reference"))
}

func newTestGateway(t *testing.T, backend settlement.Backend, opts ...Option) *Gateway {
	t.Helper()
	cfg := &types.Config{
		DefaultTimeout:      2 * time.Second,
		SubmitTimeout:       time.Second,
		ConfirmTimeout:      500 * time.Millisecond,
		ConfirmPollInterval: 10 * time.Millisecond,
		RedeemAttempts:      3,
		RedeemBackoff:       10 * time.Millisecond,
	}
	g := New(cfg, append([]Option{WithLogger(&logger.NoopLogger{})}, opts...)...)
	if backend != nil {
		require.NoError(t, g.RegisterBackend(backend))
	}
	t.Cleanup(g.Close)
	return g
}

func testProfile(limit string) *types.BudgetProfile {
	lim, _ := decimal.NewFromString(limit)
	return &types.BudgetProfile{
		Identifier:  "agent-1",
		Tier:        types.TierStandard,
		BudgetLimit: lim,
	}
}

func TestFetch_FreeResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testContent))
	}))
	defer srv.Close()

	backend := &fakeBackend{}
	g := newTestGateway(t, backend)

	result := g.Fetch(context.Background(), srv.URL, testProfile("0.1"))
	require.Equal(t, types.ResultContent, result.Kind)
	assert.JSONEq(t, testContent, string(result.Payload))
	assert.Equal(t, types.FlowFulfilled, result.State)
	assert.Empty(t, result.TxReference)
	assert.Equal(t, int64(0), backend.submits.Load())
}

func TestFetch_PaidResource(t *testing.T) {
	provider := &paidProvider{
		challengeBody: testChallengeBody("0.05", "inv-1"),
		acceptedTx:    "sig-inv-1",
	}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	backend := &fakeBackend{}
	g := newTestGateway(t, backend)

	result := g.Fetch(context.Background(), srv.URL, testProfile("0.1"))
	require.Equal(t, types.ResultContent, result.Kind, "reason: %s", result.Reason)
	assert.JSONEq(t, testContent, string(result.Payload))
	assert.Equal(t, "sig-inv-1", result.TxReference)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, int64(1), backend.submits.Load())
	assert.Equal(t, int64(1), provider.redeems.Load())
}

func TestFetch_OverBudgetNeverSubmits(t *testing.T) {
	provider := &paidProvider{
		challengeBody: testChallengeBody("5", "inv-2"),
	}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	backend := &fakeBackend{}
	g := newTestGateway(t, backend)

	result := g.Fetch(context.Background(), srv.URL, testProfile("0.1"))
	require.Equal(t, types.ResultRejected, result.Kind)
	assert.Equal(t, types.FlowRejected, result.State)
	assert.True(t, strings.HasPrefix(result.Reason, types.ErrOverBudget), "reason: %s", result.Reason)
	assert.Equal(t, int64(0), backend.submits.Load())
	assert.Equal(t, int64(0), provider.redeems.Load())
}

func TestFetch_ExpiredChallenge(t *testing.T) {
	provider := &paidProvider{
		challengeBody: `{"amount":"0.05","asset":"SOL","recipient":"r","reference":"inv-3","expiry":"2020-01-01T00:00:00Z"}`,
	}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	backend := &fakeBackend{}
	g := newTestGateway(t, backend)

	result := g.Fetch(context.Background(), srv.URL, testProfile("0.1"))
	require.Equal(t, types.ResultRejected, result.Kind)
	assert.True(t, strings.HasPrefix(result.Reason, types.ErrExpired), "reason: %s", result.Reason)
	assert.Equal(t, int64(0), backend.submits.Load())
}

func TestFetch_MalformedChallenge(t *testing.T) {
	provider := &paidProvider{
		challengeBody: `{"asset":"SOL","recipient":"r"}`,
	}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	backend := &fakeBackend{}
	g := newTestGateway(t, backend)

	result := g.Fetch(context.Background(), srv.URL, testProfile("0.1"))
	require.Equal(t, types.ResultVerificationFailed, result.Kind)
	assert.Equal(t, types.FlowError, result.State)
	assert.True(t, strings.HasPrefix(result.Reason, types.ErrDecode), "reason: %s", result.Reason)
	assert.Equal(t, int64(0), backend.submits.Load())
}

func TestFetch_EnvelopedChallengeDecodes(t *testing.T) {
	provider := &paidProvider{
		challengeBody: `{"error":"payment required","payment_data":` +
			testChallengeBody("0.05", "inv-env") + `}`,
		acceptedTx: "sig-inv-env",
	}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	g := newTestGateway(t, &fakeBackend{})

	result := g.Fetch(context.Background(), srv.URL, testProfile("0.1"))
	require.Equal(t, types.ResultContent, result.Kind, "reason: %s", result.Reason)
}

func TestFetch_SubmissionFailureSkipsRedemption(t *testing.T) {
	provider := &paidProvider{
		challengeBody: testChallengeBody("0.05", "inv-4"),
	}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	backend := &fakeBackend{}
	backend.submitFn = func(ctx context.Context, ch *types.PaymentChallenge) (string, error) {
		return "", &types.Error{Code: types.ErrSubmissionFailed, Message: "node rejected transaction"}
	}
	g := newTestGateway(t, backend)

	result := g.Fetch(context.Background(), srv.URL, testProfile("0.1"))
	require.Equal(t, types.ResultPaymentFailed, result.Kind)
	assert.Equal(t, types.FlowPayFailed, result.State)
	assert.True(t, strings.HasPrefix(result.Reason, types.ErrSubmissionFailed), "reason: %s", result.Reason)
	assert.Equal(t, int64(0), provider.redeems.Load())
}

func TestFetch_UnknownOutcomeIsNotRetried(t *testing.T) {
	provider := &paidProvider{
		challengeBody: testChallengeBody("0.05", "inv-5"),
	}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	backend := &fakeBackend{}
	backend.submitFn = func(ctx context.Context, ch *types.PaymentChallenge) (string, error) {
		return "sig-maybe", &types.Error{Code: types.ErrUnknownOutcome, Message: "broadcast outcome unknown"}
	}
	g := newTestGateway(t, backend)

	result := g.Fetch(context.Background(), srv.URL, testProfile("0.1"))
	require.Equal(t, types.ResultPaymentFailed, result.Kind)
	assert.True(t, strings.HasPrefix(result.Reason, types.ErrUnknownOutcome), "reason: %s", result.Reason)
	assert.Equal(t, "sig-maybe", result.TxReference)
	assert.Equal(t, int64(1), backend.submits.Load())
}

func TestFetch_ConfirmationTimeout(t *testing.T) {
	provider := &paidProvider{
		challengeBody: testChallengeBody("0.05", "inv-6"),
	}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	backend := &fakeBackend{}
	backend.statusFn = func(ctx context.Context, txRef string) (settlement.Confirmation, error) {
		return settlement.ConfirmationPending, nil
	}
	g := newTestGateway(t, backend)

	result := g.Fetch(context.Background(), srv.URL, testProfile("0.1"))
	require.Equal(t, types.ResultPaymentFailed, result.Kind)
	// A timeout is not a definite failure and must not masquerade as one.
	assert.True(t, strings.HasPrefix(result.Reason, types.ErrTimedOut), "reason: %s", result.Reason)
	assert.Equal(t, "sig-inv-6", result.TxReference)
	assert.Equal(t, int64(0), provider.redeems.Load())
}

func TestFetch_RedemptionRetriesAreBounded(t *testing.T) {
	provider := &paidProvider{
		challengeBody: testChallengeBody("0.05", "inv-7"),
		redeemStatus:  http.StatusPaymentRequired,
	}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	g := newTestGateway(t, &fakeBackend{})

	result := g.Fetch(context.Background(), srv.URL, testProfile("0.1"))
	require.Equal(t, types.ResultVerificationFailed, result.Kind)
	assert.Equal(t, types.FlowRedeemFailed, result.State)
	assert.True(t, strings.HasPrefix(result.Reason, types.ErrNotYetConfirmed), "reason: %s", result.Reason)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int64(3), provider.redeems.Load())
	assert.Equal(t, "sig-inv-7", result.TxReference)
}

func TestFetch_RedemptionRecoversOnRetry(t *testing.T) {
	var redeems atomic.Int64
	challengeBody := testChallengeBody("0.05", "inv-8")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write([]byte(challengeBody))
			return
		}
		if redeems.Add(1) == 1 {
			// Settlement not observed yet on the first presentation.
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		w.Write([]byte(testContent))
	}))
	defer srv.Close()

	g := newTestGateway(t, &fakeBackend{})

	result := g.Fetch(context.Background(), srv.URL, testProfile("0.1"))
	require.Equal(t, types.ResultContent, result.Kind, "reason: %s", result.Reason)
	assert.Equal(t, 2, result.Attempts)
}

func TestFetch_InvalidReferenceIsTerminal(t *testing.T) {
	provider := &paidProvider{
		challengeBody: testChallengeBody("0.05", "inv-9"),
		redeemStatus:  http.StatusForbidden,
	}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	g := newTestGateway(t, &fakeBackend{})

	result := g.Fetch(context.Background(), srv.URL, testProfile("0.1"))
	require.Equal(t, types.ResultVerificationFailed, result.Kind)
	assert.True(t, strings.HasPrefix(result.Reason, types.ErrInvalidReference), "reason: %s", result.Reason)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, int64(1), provider.redeems.Load())
}

func TestFetch_InitialRequestFailure(t *testing.T) {
	g := newTestGateway(t, &fakeBackend{})

	result := g.Fetch(context.Background(), "http://127.0.0.1:1/unreachable", testProfile("0.1"))
	require.Equal(t, types.ResultVerificationFailed, result.Kind)
	assert.Equal(t, types.FlowError, result.State)
	assert.True(t, strings.HasPrefix(result.Reason, types.ErrRequestFailed), "reason: %s", result.Reason)
}

func TestFetch_ConcurrentCallsPayOnce(t *testing.T) {
	provider := &paidProvider{
		challengeBody: testChallengeBody("0.05", "inv-10"),
		acceptedTx:    "sig-slow",
	}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	backend := &fakeBackend{}
	backend.submitFn = func(ctx context.Context, ch *types.PaymentChallenge) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "sig-slow", nil
	}
	g := newTestGateway(t, backend)

	const callers = 4
	results := make([]*types.RedemptionResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.Fetch(context.Background(), srv.URL, testProfile("0.1"))
		}(i)
	}
	wg.Wait()

	for i, result := range results {
		assert.Equal(t, types.ResultContent, result.Kind, "caller %d reason: %s", i, result.Reason)
	}
	assert.Equal(t, int64(1), backend.submits.Load())
}

func TestFetchAs_UsesStoredProfile(t *testing.T) {
	provider := &paidProvider{
		challengeBody: testChallengeBody("0.5", "inv-11"),
		acceptedTx:    "sig-inv-11",
	}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	store := profile.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), &types.BudgetProfile{
		Identifier:  "rich-agent",
		Tier:        types.TierPlatinum,
		BudgetLimit: decimal.NewFromInt(1),
	}))

	g := newTestGateway(t, &fakeBackend{}, WithProfileStore(store))

	result := g.FetchAs(context.Background(), srv.URL, "rich-agent")
	require.Equal(t, types.ResultContent, result.Kind, "reason: %s", result.Reason)
}

func TestFetchAs_MissingProfileIsConservative(t *testing.T) {
	provider := &paidProvider{
		// Above the conservative default limit, below a generous one.
		challengeBody: testChallengeBody("0.5", "inv-12"),
	}
	srv := httptest.NewServer(provider)
	defer srv.Close()

	backend := &fakeBackend{}
	g := newTestGateway(t, backend, WithProfileStore(profile.NewMemoryStore()))

	result := g.FetchAs(context.Background(), srv.URL, "unknown-agent")
	require.Equal(t, types.ResultRejected, result.Kind)
	assert.True(t, strings.HasPrefix(result.Reason, types.ErrOverBudget), "reason: %s", result.Reason)
	assert.Equal(t, int64(0), backend.submits.Load())
}

func TestFetch_ResourceURLOverridesRequestURL(t *testing.T) {
	content := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer sig-inv-13" {
			w.Write([]byte(testContent))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer content.Close()

	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprintf(w, `{"amount":"0.05","asset":"SOL","recipient":"r","reference":"inv-13","resourceUrl":%q}`,
			content.URL)
	}))
	defer front.Close()

	g := newTestGateway(t, &fakeBackend{})

	result := g.Fetch(context.Background(), front.URL, testProfile("0.1"))
	require.Equal(t, types.ResultContent, result.Kind, "reason: %s", result.Reason)
	assert.JSONEq(t, testContent, string(result.Payload))
}

func TestAddNetwork_UnsupportedNetwork(t *testing.T) {
	g := newTestGateway(t, nil)

	err := g.AddNetwork(types.Network("near-mainnet"), types.BackendConfig{})
	require.Error(t, err)
	assert.Equal(t, types.ErrUnsupportedNetwork, types.CodeOf(err))
}

func TestSupported(t *testing.T) {
	g := newTestGateway(t, &fakeBackend{})

	assert.Equal(t, []types.Network{types.NetworkSolanaDevnet}, g.Supported())
}
