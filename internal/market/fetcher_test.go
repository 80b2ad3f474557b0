package market

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/jaboofin/polyclaudev3/internal/exchange"
)

func testFetcher(srv *httptest.Server) *Fetcher {
	f := &Fetcher{
		limiter: exchange.NewLimiter(1000),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if srv != nil {
		f.http = resty.New().SetBaseURL(srv.URL)
	}
	return f
}

func baseRow() gammaMarket {
	return gammaMarket{
		ID:            "m1",
		Question:      "Will BTC close above 100k?",
		Slug:          "btc-100k",
		ConditionID:   "cond-1",
		ClobTokenIds:  stringList{"yes-tok", "no-tok"},
		OutcomePrices: stringList{"0.62", "0.38"},
		Volume:        120000,
		Liquidity:     15000,
		EndDate:       time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
		Active:        true,
	}
}

func TestParseMarket(t *testing.T) {
	t.Parallel()

	m, err := parseMarket(baseRow(), "crypto")
	if err != nil {
		t.Fatalf("parseMarket: %v", err)
	}
	if m.TokenYes != "yes-tok" || m.TokenNo != "no-tok" {
		t.Errorf("tokens = %q/%q", m.TokenYes, m.TokenNo)
	}
	if m.PriceYes != 0.62 || m.PriceNo != 0.38 {
		t.Errorf("prices = %v/%v, want 0.62/0.38", m.PriceYes, m.PriceNo)
	}
	if m.Category != "crypto" {
		t.Errorf("category = %q", m.Category)
	}
	if m.EndDate.IsZero() {
		t.Error("end date not parsed")
	}
}

func TestParseMarketRejectsMissingTokens(t *testing.T) {
	t.Parallel()

	row := baseRow()
	row.ClobTokenIds = stringList{"only-one"}
	if _, err := parseMarket(row, "crypto"); !errors.Is(err, errSkipMarket) {
		t.Errorf("expected errSkipMarket, got %v", err)
	}

	row.ClobTokenIds = stringList{"yes-tok", ""}
	if _, err := parseMarket(row, "crypto"); !errors.Is(err, errSkipMarket) {
		t.Errorf("expected errSkipMarket for empty token, got %v", err)
	}
}

func TestParseMarketDefaultsPrices(t *testing.T) {
	t.Parallel()

	row := baseRow()
	row.OutcomePrices = nil
	m, err := parseMarket(row, "crypto")
	if err != nil {
		t.Fatalf("parseMarket: %v", err)
	}
	if m.PriceYes != 0.5 || m.PriceNo != 0.5 {
		t.Errorf("prices = %v/%v, want 0.5/0.5", m.PriceYes, m.PriceNo)
	}

	row.OutcomePrices = stringList{"0.70"}
	m, err = parseMarket(row, "crypto")
	if err != nil {
		t.Fatalf("parseMarket: %v", err)
	}
	if m.PriceYes != 0.70 || m.PriceNo != 0.30 {
		t.Errorf("prices = %v/%v, want 0.70/0.30", m.PriceYes, m.PriceNo)
	}
}

func TestStringListUnmarshal(t *testing.T) {
	t.Parallel()

	// Bare array and encoded-as-string array both decode.
	var bare stringList
	if err := json.Unmarshal([]byte(`["a","b"]`), &bare); err != nil {
		t.Fatalf("bare array: %v", err)
	}
	if len(bare) != 2 || bare[0] != "a" {
		t.Errorf("bare = %v", bare)
	}

	var encoded stringList
	if err := json.Unmarshal([]byte(`"[\"a\",\"b\"]"`), &encoded); err != nil {
		t.Fatalf("encoded array: %v", err)
	}
	if len(encoded) != 2 || encoded[1] != "b" {
		t.Errorf("encoded = %v", encoded)
	}

	var empty stringList
	if err := json.Unmarshal([]byte(`""`), &empty); err != nil {
		t.Fatalf("empty string: %v", err)
	}
	if empty != nil {
		t.Errorf("empty = %v, want nil", empty)
	}
}

func TestCryptoMarketsFlattensEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("tag_id"); got != cryptoTagID {
			t.Errorf("tag_id = %q, want %q", got, cryptoTagID)
		}
		w.Header().Set("Content-Type", "application/json")
		// One open event holding a good market, a malformed one, and one
		// closed event that must be ignored entirely.
		io.WriteString(w, `[
			{
				"id": "ev1", "title": "BTC", "active": true, "closed": false,
				"markets": [
					{
						"id": "m1", "question": "Will BTC close above 100k?",
						"slug": "btc-100k", "conditionId": "cond-1",
						"clobTokenIds": "[\"yes-tok\",\"no-tok\"]",
						"outcomePrices": "[\"0.62\",\"0.38\"]",
						"volume": "120000", "liquidity": "15000",
						"endDate": "2030-01-01T00:00:00Z"
					},
					{"id": "m2", "question": "broken row", "clobTokenIds": ""}
				]
			},
			{
				"id": "ev2", "closed": true,
				"markets": [{
					"id": "m3", "clobTokenIds": "[\"x\",\"y\"]"
				}]
			}
		]`)
	}))
	defer srv.Close()

	f := testFetcher(srv)
	markets, err := f.CryptoMarkets(context.Background(), 50)
	if err != nil {
		t.Fatalf("CryptoMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("markets = %d, want 1", len(markets))
	}

	m := markets[0]
	if m.ID != "m1" || m.Category != "crypto" {
		t.Errorf("market = %+v", m)
	}
	if m.Volume != 120000 || m.Liquidity != 15000 {
		t.Errorf("volume/liquidity = %v/%v", m.Volume, m.Liquidity)
	}
}

func TestCryptoMarketsLiquidityFloor(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{
			"id": "ev1", "active": true,
			"markets": [{
				"id": "m1", "clobTokenIds": "[\"a\",\"b\"]",
				"outcomePrices": "[\"0.5\",\"0.5\"]", "liquidity": "100"
			}]
		}]`)
	}))
	defer srv.Close()

	f := testFetcher(srv)
	f.minLiquidity = 5000
	markets, err := f.CryptoMarkets(context.Background(), 10)
	if err != nil {
		t.Fatalf("CryptoMarkets: %v", err)
	}
	if len(markets) != 0 {
		t.Errorf("markets = %d, want 0 under liquidity floor", len(markets))
	}
}

func TestSportsMarketsWalksSeries(t *testing.T) {
	t.Parallel()

	var metaCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/sports", func(w http.ResponseWriter, r *http.Request) {
		metaCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{"label": "NBA", "series": [{"id": 10}]},
			{"label": "NFL", "series": [{"id": "20"}]}
		]`)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		series := r.URL.Query().Get("series_id")
		w.Header().Set("Content-Type", "application/json")
		if series == "20" {
			// one league erroring out must not sink the others
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `[{
			"id": "ev1", "active": true,
			"markets": [{
				"id": "m1", "question": "Lakers beat Celtics?",
				"clobTokenIds": "[\"a\",\"b\"]",
				"outcomePrices": "[\"0.55\",\"0.45\"]", "liquidity": "9000"
			}]
		}]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := testFetcher(srv)
	markets, err := f.SportsMarkets(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("SportsMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("markets = %d, want 1", len(markets))
	}
	if markets[0].Category != "sports:NBA" {
		t.Errorf("category = %q, want sports:NBA", markets[0].Category)
	}

	// Metadata is cached: a second walk hits /sports zero more times.
	if _, err := f.SportsMarkets(context.Background(), "NBA", 10); err != nil {
		t.Fatalf("second SportsMarkets: %v", err)
	}
	if got := metaCalls.Load(); got != 1 {
		t.Errorf("metadata fetched %d times, want 1", got)
	}
}

func TestTargetMarketsSkipsUnknownCategory(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/events":
			io.WriteString(w, `[{
				"id": "ev1", "active": true,
				"markets": [{
					"id": "m1", "clobTokenIds": "[\"a\",\"b\"]",
					"outcomePrices": "[\"0.5\",\"0.5\"]"
				}]
			}]`)
		case "/sports":
			io.WriteString(w, `[]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := testFetcher(srv)
	markets, err := f.TargetMarkets(context.Background(), []string{"crypto", "weather"}, 10)
	if err != nil {
		t.Fatalf("TargetMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Errorf("markets = %d, want 1 (unknown category skipped)", len(markets))
	}
}

func TestMarketBySlugNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := testFetcher(srv)
	m, err := f.MarketBySlug(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("MarketBySlug: %v", err)
	}
	if m != nil {
		t.Errorf("market = %+v, want nil", m)
	}
}

func TestSearchFiltersToMarketHits(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("q"); got != "bitcoin" {
			t.Errorf("q = %q, want bitcoin", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{"type": "event", "id": "ev9"},
			{
				"type": "market", "id": "m7", "question": "BTC up today?",
				"clobTokenIds": "[\"a\",\"b\"]",
				"outcomePrices": "[\"0.51\",\"0.49\"]"
			}
		]`)
	}))
	defer srv.Close()

	f := testFetcher(srv)
	markets, err := f.Search(context.Background(), "bitcoin", 20)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(markets) != 1 || markets[0].ID != "m7" {
		t.Fatalf("markets = %+v, want single m7", markets)
	}
	if markets[0].Category != "search" {
		t.Errorf("category = %q", markets[0].Category)
	}
}
