package livedata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/novaos/core/internal/transport"
)

// httpProvider is the shared skeleton for providers that fetch from a known
// source over the secure transport. The source registry picks the endpoint
// and records the outcome, so repeated upstream failures rotate the source
// out of service.
type httpProvider struct {
	name        string
	category    string
	description string
	keywords    []string
	needsEntity bool

	path  func(q Query) string
	parse func(body []byte, q Query) (summary, entity string, err error)

	fetcher *transport.Fetcher
	sources *SourceStore
	nowFunc func() time.Time
}

func (p *httpProvider) Name() string        { return p.name }
func (p *httpProvider) Category() string    { return p.category }
func (p *httpProvider) Description() string { return p.description }
func (p *httpProvider) Keywords() []string  { return p.keywords }

func (p *httpProvider) Fetch(ctx context.Context, q Query) (*Result, error) {
	if p.needsEntity && q.Entity == "" {
		return nil, fmt.Errorf("%s: no entity to look up", p.name)
	}

	src, err := p.sources.PickForCategory(ctx, p.category)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	target := strings.TrimRight(src.BaseURL, "/") + p.path(q)
	resp, err := p.fetcher.Fetch(ctx, target, q.UserID, q.ClientIP, q.RequestID)
	if err != nil {
		_ = p.sources.RecordFailure(ctx, src.ID)
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = p.sources.RecordFailure(ctx, src.ID)
		return nil, fmt.Errorf("%s: upstream status %d", p.name, resp.StatusCode)
	}

	summary, entity, err := p.parse(resp.Body, q)
	if err != nil {
		_ = p.sources.RecordFailure(ctx, src.ID)
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	_ = p.sources.RecordSuccess(ctx, src.ID)

	return &Result{
		Provider:  p.name,
		Category:  p.category,
		Entity:    entity,
		Summary:   summary,
		Citation:  target,
		FetchedAt: p.nowFunc(),
		Transport: resp.Evidence,
	}, nil
}

// NewStockProvider fetches equity quotes: /quote?symbol=AAPL.
func NewStockProvider(fetcher *transport.Fetcher, sources *SourceStore) Provider {
	return &httpProvider{
		name:        "stock_fetcher",
		category:    CategoryStock,
		description: "Current equity quote for a ticker symbol (price, daily change)",
		keywords:    []string{"stock", "share", "ticker", "equity", "nasdaq", "s&p"},
		needsEntity: true,
		path: func(q Query) string {
			return "/quote?symbol=" + url.QueryEscape(strings.ToUpper(q.Entity))
		},
		parse: func(body []byte, q Query) (string, string, error) {
			var quote struct {
				Symbol        string  `json:"symbol"`
				Price         float64 `json:"price"`
				ChangePercent float64 `json:"change_percent"`
			}
			if err := json.Unmarshal(body, &quote); err != nil {
				return "", "", fmt.Errorf("decode quote: %w", err)
			}
			if quote.Symbol == "" {
				quote.Symbol = strings.ToUpper(q.Entity)
			}
			return fmt.Sprintf("%s: %.2f (%+.2f%%)", quote.Symbol, quote.Price, quote.ChangePercent),
				quote.Symbol, nil
		},
		fetcher: fetcher,
		sources: sources,
		nowFunc: time.Now,
	}
}

// NewFXProvider fetches currency rates: /rate?pair=USD/EUR.
func NewFXProvider(fetcher *transport.Fetcher, sources *SourceStore) Provider {
	return &httpProvider{
		name:        "fx_fetcher",
		category:    CategoryFX,
		description: "Current foreign-exchange rate for a currency pair",
		keywords:    []string{"exchange rate", "currency", "forex", "usd", "eur", "jpy", "gbp"},
		needsEntity: true,
		path: func(q Query) string {
			return "/rate?pair=" + url.QueryEscape(strings.ToUpper(q.Entity))
		},
		parse: func(body []byte, q Query) (string, string, error) {
			var rate struct {
				Base  string  `json:"base"`
				Quote string  `json:"quote"`
				Rate  float64 `json:"rate"`
			}
			if err := json.Unmarshal(body, &rate); err != nil {
				return "", "", fmt.Errorf("decode rate: %w", err)
			}
			pair := strings.ToUpper(q.Entity)
			if rate.Base != "" && rate.Quote != "" {
				pair = rate.Base + "/" + rate.Quote
			}
			return fmt.Sprintf("%s: %.4f", pair, rate.Rate), pair, nil
		},
		fetcher: fetcher,
		sources: sources,
		nowFunc: time.Now,
	}
}

// NewCryptoProvider fetches crypto quotes: /price?symbol=BTC.
func NewCryptoProvider(fetcher *transport.Fetcher, sources *SourceStore) Provider {
	return &httpProvider{
		name:        "crypto_fetcher",
		category:    CategoryCrypto,
		description: "Current cryptocurrency price in USD with 24h change",
		keywords:    []string{"bitcoin", "btc", "ethereum", "eth", "crypto", "coin"},
		needsEntity: true,
		path: func(q Query) string {
			return "/price?symbol=" + url.QueryEscape(strings.ToUpper(q.Entity))
		},
		parse: func(body []byte, q Query) (string, string, error) {
			var price struct {
				Symbol    string  `json:"symbol"`
				PriceUSD  float64 `json:"price_usd"`
				Change24h float64 `json:"change_24h"`
			}
			if err := json.Unmarshal(body, &price); err != nil {
				return "", "", fmt.Errorf("decode price: %w", err)
			}
			if price.Symbol == "" {
				price.Symbol = strings.ToUpper(q.Entity)
			}
			return fmt.Sprintf("%s: %.2f USD (%+.2f%% 24h)", price.Symbol, price.PriceUSD, price.Change24h),
				price.Symbol, nil
		},
		fetcher: fetcher,
		sources: sources,
		nowFunc: time.Now,
	}
}

// NewWeatherProvider fetches current conditions: /current?location=Berlin.
func NewWeatherProvider(fetcher *transport.Fetcher, sources *SourceStore) Provider {
	return &httpProvider{
		name:        "weather_fetcher",
		category:    CategoryWeather,
		description: "Current weather conditions for a location",
		keywords:    []string{"weather", "temperature", "forecast", "rain", "snow"},
		needsEntity: true,
		path: func(q Query) string {
			return "/current?location=" + url.QueryEscape(q.Entity)
		},
		parse: func(body []byte, q Query) (string, string, error) {
			var wx struct {
				Location  string  `json:"location"`
				TempC     float64 `json:"temp_c"`
				Condition string  `json:"condition"`
			}
			if err := json.Unmarshal(body, &wx); err != nil {
				return "", "", fmt.Errorf("decode weather: %w", err)
			}
			if wx.Location == "" {
				wx.Location = q.Entity
			}
			return fmt.Sprintf("%s: %.1f°C, %s", wx.Location, wx.TempC, wx.Condition), wx.Location, nil
		},
		fetcher: fetcher,
		sources: sources,
		nowFunc: time.Now,
	}
}

// NewWebSearchProvider fetches search snippets: /search?q=….
func NewWebSearchProvider(fetcher *transport.Fetcher, sources *SourceStore) Provider {
	return &httpProvider{
		name:        "web_searcher",
		category:    CategoryWebSearch,
		description: "Web search snippets with citations for the query",
		keywords:    []string{"search", "look up", "latest news", "who is", "what is"},
		path: func(q Query) string {
			query := q.Entity
			if query == "" {
				query = q.Message
			}
			return "/search?q=" + url.QueryEscape(query)
		},
		parse: func(body []byte, q Query) (string, string, error) {
			var page struct {
				Results []struct {
					Title   string `json:"title"`
					URL     string `json:"url"`
					Snippet string `json:"snippet"`
				} `json:"results"`
			}
			if err := json.Unmarshal(body, &page); err != nil {
				return "", "", fmt.Errorf("decode search results: %w", err)
			}
			if len(page.Results) == 0 {
				return "", "", fmt.Errorf("no search results")
			}
			var b strings.Builder
			for i, r := range page.Results {
				if i == 3 {
					break
				}
				fmt.Fprintf(&b, "- %s (%s): %s\n", r.Title, r.URL, r.Snippet)
			}
			return strings.TrimRight(b.String(), "\n"), q.Entity, nil
		},
		fetcher: fetcher,
		sources: sources,
		nowFunc: time.Now,
	}
}

// timeProvider answers from the local clock; it is the one capability that
// needs no egress.
type timeProvider struct {
	nowFunc func() time.Time
}

func NewTimeProvider() Provider { return &timeProvider{nowFunc: time.Now} }

func (p *timeProvider) Name() string     { return "time_fetcher" }
func (p *timeProvider) Category() string { return CategoryTime }
func (p *timeProvider) Description() string {
	return "Current date and time in UTC"
}
func (p *timeProvider) Keywords() []string {
	return []string{"what time", "current time", "today's date", "what day"}
}

func (p *timeProvider) Fetch(_ context.Context, _ Query) (*Result, error) {
	now := p.nowFunc().UTC()
	return &Result{
		Provider:  p.Name(),
		Category:  CategoryTime,
		Entity:    "utc",
		Summary:   "Current UTC time: " + now.Format(time.RFC3339),
		FetchedAt: now,
	}, nil
}
