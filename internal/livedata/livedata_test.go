package livedata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novaos/core/internal/config"
	"github.com/novaos/core/internal/kvs"
	"github.com/novaos/core/internal/ssrf"
	"github.com/novaos/core/internal/transport"
)

func testFetcher(t *testing.T, srv *httptest.Server) *transport.Fetcher {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := config.Default().SSRF
	cfg.AllowLocalhost = true
	cfg.AllowedPorts = []int{port}
	return transport.NewFetcher(ssrf.NewGuard(cfg))
}

func seedSource(t *testing.T, store *SourceStore, id, category, baseURL string) {
	t.Helper()
	require.NoError(t, store.Upsert(context.Background(), &KnownSource{
		ID:       id,
		Category: category,
		BaseURL:  baseURL,
		Status:   SourceActive,
	}))
}

func TestStockProvider_FormatsQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `{"symbol":"AAPL","price":178.50,"change_percent":1.31}`)
	}))
	defer srv.Close()

	sources := NewSourceStore(kvs.NewMemoryStore())
	seedSource(t, sources, "stocks-primary", CategoryStock, srv.URL)

	p := NewStockProvider(testFetcher(t, srv), sources)
	res, err := p.Fetch(context.Background(), Query{Entity: "aapl", UserID: "u1", ClientIP: "1.2.3.4"})
	require.NoError(t, err)

	assert.Equal(t, "AAPL: 178.50 (+1.31%)", res.Summary)
	assert.Equal(t, "AAPL", res.Entity)
	assert.Equal(t, CategoryStock, res.Category)
	assert.NotNil(t, res.Transport)
	assert.NotZero(t, res.FetchedAt)
}

func TestFXProvider_FormatsRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"base":"USD","quote":"EUR","rate":0.9213}`)
	}))
	defer srv.Close()

	sources := NewSourceStore(kvs.NewMemoryStore())
	seedSource(t, sources, "fx-primary", CategoryFX, srv.URL)

	p := NewFXProvider(testFetcher(t, srv), sources)
	res, err := p.Fetch(context.Background(), Query{Entity: "usd/eur"})
	require.NoError(t, err)
	assert.Equal(t, "USD/EUR: 0.9213", res.Summary)
}

func TestTimeProvider_NoEgress(t *testing.T) {
	p := NewTimeProvider()
	res, err := p.Fetch(context.Background(), Query{})
	require.NoError(t, err)
	assert.Contains(t, res.Summary, "Current UTC time: ")
	assert.Nil(t, res.Transport)
}

func TestHTTPProvider_RequiresEntity(t *testing.T) {
	sources := NewSourceStore(kvs.NewMemoryStore())
	p := NewStockProvider(nil, sources)
	_, err := p.Fetch(context.Background(), Query{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no entity")
}

func TestHTTPProvider_UpstreamFailureDegradesSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sources := NewSourceStore(kvs.NewMemoryStore())
	seedSource(t, sources, "stocks-primary", CategoryStock, srv.URL)

	p := NewStockProvider(testFetcher(t, srv), sources)
	_, err := p.Fetch(context.Background(), Query{Entity: "AAPL"})
	require.Error(t, err)

	src, err := sources.Get(context.Background(), "stocks-primary")
	require.NoError(t, err)
	assert.Equal(t, SourceDegraded, src.Status)
	assert.Equal(t, 1, src.ConsecutiveFailures)
}

func TestSourceStore_FailureThresholdAndSweep(t *testing.T) {
	store := NewSourceStore(kvs.NewMemoryStore())
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	store.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	seedSource(t, store, "wx", CategoryWeather, "https://wx.example.com")

	for i := 0; i < FailureThreshold; i++ {
		require.NoError(t, store.RecordFailure(ctx, "wx"))
	}
	src, err := store.Get(ctx, "wx")
	require.NoError(t, err)
	assert.Equal(t, SourceFailed, src.Status)

	// First sweep disables, second sweep (after the cooldown) re-enables.
	changed, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wx"}, changed)
	src, _ = store.Get(ctx, "wx")
	assert.Equal(t, SourceDisabled, src.Status)

	now = now.Add(ReenableAfter)
	changed, err = store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wx"}, changed)
	src, _ = store.Get(ctx, "wx")
	assert.Equal(t, SourceActive, src.Status)
	assert.Equal(t, 0, src.ConsecutiveFailures)
}

func TestSourceStore_SuccessRestoresActive(t *testing.T) {
	store := NewSourceStore(kvs.NewMemoryStore())
	ctx := context.Background()
	seedSource(t, store, "fx", CategoryFX, "https://fx.example.com")

	require.NoError(t, store.RecordFailure(ctx, "fx"))
	require.NoError(t, store.RecordSuccess(ctx, "fx"))

	src, err := store.Get(ctx, "fx")
	require.NoError(t, err)
	assert.Equal(t, SourceActive, src.Status)
	assert.Equal(t, 0, src.ConsecutiveFailures)
}

func TestRegistry_ResolveDeduplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewTimeProvider()))
	require.NoError(t, reg.Register(NewStockProvider(nil, nil)))

	selected := reg.Resolve([]string{"time_fetcher", "Stock_Fetcher", "time_fetcher", "unknown"})
	require.Len(t, selected, 2)
	names := []string{selected[0].Name(), selected[1].Name()}
	assert.Contains(t, names, "time_fetcher")
	assert.Contains(t, names, "stock_fetcher")
}

func TestRegistry_SelectByKeywords(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(NewTimeProvider()))
	require.NoError(t, reg.Register(NewStockProvider(nil, nil)))
	require.NoError(t, reg.Register(NewCryptoProvider(nil, nil)))

	selected := reg.SelectByKeywords("what is the bitcoin price and the aapl stock doing")
	require.Len(t, selected, 2)

	selected = reg.SelectByKeywords("tell me a story")
	assert.Empty(t, selected)
}

// stubProvider lets the executor tests control latency and failure.
type stubProvider struct {
	name  string
	delay time.Duration
	err   error
}

func (s *stubProvider) Name() string        { return s.name }
func (s *stubProvider) Category() string    { return CategoryTime }
func (s *stubProvider) Description() string { return s.name }
func (s *stubProvider) Keywords() []string  { return nil }

func (s *stubProvider) Fetch(ctx context.Context, _ Query) (*Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Result{Provider: s.name, Category: CategoryTime, Summary: s.name, FetchedAt: time.Now()}, nil
}

func TestExecutor_PartialSuccess(t *testing.T) {
	ex := NewExecutor(100 * time.Millisecond)
	providers := []Provider{
		&stubProvider{name: "fast"},
		&stubProvider{name: "broken", err: errors.New("upstream down")},
		&stubProvider{name: "slow", delay: time.Second},
	}

	results, errs := ex.Run(context.Background(), providers, Query{})
	require.Len(t, results, 1)
	assert.Equal(t, "fast", results[0].Provider)
	assert.Len(t, errs, 2)
}

func TestExecutor_PreservesProviderOrder(t *testing.T) {
	ex := NewExecutor(time.Second)
	providers := []Provider{
		&stubProvider{name: "a", delay: 30 * time.Millisecond},
		&stubProvider{name: "b"},
		&stubProvider{name: "c", delay: 10 * time.Millisecond},
	}

	results, errs := ex.Run(context.Background(), providers, Query{})
	require.Empty(t, errs)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].Provider)
	assert.Equal(t, "b", results[1].Provider)
	assert.Equal(t, "c", results[2].Provider)
}
