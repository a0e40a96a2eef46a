package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradescout/pkg/market"
)

func TestHTTPFetcher_GetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "token-123", r.Header.Get("X-Api-Key"))
		w.Write([]byte(`{"symbol":"AAPL","price":187.5}`))
	}))
	defer server.Close()

	f := NewHTTPFetcher("test", 2*time.Second)

	var out struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	err := f.GetJSON(context.Background(), server.URL,
		map[string]string{"X-Api-Key": "token-123"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", out.Symbol)
	assert.Equal(t, 187.5, out.Price)
}

func TestHTTPFetcher_UpstreamErrorsMapToUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := NewHTTPFetcher("test", 2*time.Second)

	var out map[string]interface{}
	err := f.GetJSON(context.Background(), server.URL, nil, &out)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestHTTPFetcher_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := NewHTTPFetcher("test", 2*time.Second)

	var out map[string]interface{}
	for i := 0; i < 5; i++ {
		err := f.GetJSON(context.Background(), server.URL, nil, &out)
		assert.ErrorIs(t, err, ErrProviderUnavailable)
	}

	// 连续失败后熔断打开，请求不再触达上游
	err := f.GetJSON(context.Background(), server.URL, nil, &out)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "circuit open")
}

func TestHTTPFetcher_BadJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{{{not json`))
	}))
	defer server.Close()

	f := NewHTTPFetcher("test", 2*time.Second)

	var out map[string]interface{}
	err := f.GetJSON(context.Background(), server.URL, nil, &out)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

const chartPayload = `{
  "chart": {
    "result": [{
      "meta": {
        "symbol": "AAPL",
        "regularMarketPrice": 187.5,
        "chartPreviousClose": 185.0,
        "regularMarketVolume": 52000000
      },
      "timestamp": [1700000000, 1700086400],
      "indicators": {
        "quote": [{
          "open":   [186.0, 187.0],
          "high":   [188.0, 189.0],
          "low":    [185.5, 186.5],
          "close":  [187.5, 188.2],
          "volume": [52000000, 48000000]
        }]
      }
    }],
    "error": null
  }
}`

func TestYFinance_FetchQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chartPayload))
	}))
	defer server.Close()

	y := NewYFinance(2 * time.Second)
	y.baseURL = server.URL

	result, err := y.Fetch(context.Background(),
		string(market.DataTypeCurrentQuotes), map[string]string{"symbol": "AAPL"})
	require.NoError(t, err)
	require.Equal(t, market.KindQuote, result.Kind)

	assert.Equal(t, "AAPL", result.Quote.Symbol)
	assert.Equal(t, 187.5, result.Quote.Price)
	assert.InDelta(t, 2.5, result.Quote.Change, 0.001)
	assert.Equal(t, "yfinance", result.Quote.Provider)
}

func TestYFinance_FetchSeries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chartPayload))
	}))
	defer server.Close()

	y := NewYFinance(2 * time.Second)
	y.baseURL = server.URL

	result, err := y.Fetch(context.Background(),
		string(market.DataTypeHistoricalPrices),
		map[string]string{"symbol": "AAPL", "interval": "1d", "period": "5d"})
	require.NoError(t, err)
	require.Equal(t, market.KindSeries, result.Kind)

	require.Len(t, result.Series, 2)
	assert.Equal(t, 187.5, result.Series[0].Close)
	assert.Equal(t, int64(48000000), result.Series[1].Volume)
	assert.Equal(t, "1d", result.Series[0].Interval)
}

func TestYFinance_UnsupportedDataType(t *testing.T) {
	y := NewYFinance(2 * time.Second)

	_, err := y.Fetch(context.Background(),
		string(market.DataTypeSocialSentiment), map[string]string{"symbol": "AAPL"})
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestFinnhub_FetchQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, "test-key", r.URL.Query().Get("token"))
		w.Write([]byte(`{"c":187.5,"d":2.5,"dp":1.35,"pc":185.0}`))
	}))
	defer server.Close()

	f := NewFinnhub("test-key", 2*time.Second)
	f.baseURL = server.URL

	result, err := f.Fetch(context.Background(),
		string(market.DataTypeCurrentQuotes), map[string]string{"symbol": "aapl"})
	require.NoError(t, err)
	require.Equal(t, market.KindQuote, result.Kind)
	assert.Equal(t, 187.5, result.Quote.Price)
	assert.Equal(t, 1.35, result.Quote.ChangePercent)
}

func TestFinnhub_UnknownSymbolIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"c":0,"d":0,"dp":0,"pc":0}`))
	}))
	defer server.Close()

	f := NewFinnhub("test-key", 2*time.Second)
	f.baseURL = server.URL

	result, err := f.Fetch(context.Background(),
		string(market.DataTypeCurrentQuotes), map[string]string{"symbol": "NOPE"})
	require.NoError(t, err)
	assert.True(t, result.IsEmpty())
}
