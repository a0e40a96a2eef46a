package provider

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"tradescout/pkg/market"
)

// YFinance Yahoo Finance 适配器。免费接口，无需凭证，
// 支持实时报价与历史 K 线。
type YFinance struct {
	fetcher *HTTPFetcher
	baseURL string
}

// NewYFinance 创建 Yahoo Finance 适配器
func NewYFinance(timeout time.Duration) *YFinance {
	return &YFinance{
		fetcher: NewHTTPFetcher("yfinance", timeout),
		baseURL: "https://query1.finance.yahoo.com",
	}
}

// ID 返回提供商标识
func (y *YFinance) ID() string { return "yfinance" }

// chartResponse Yahoo chart 接口的响应片段
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string  `json:"symbol"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				PreviousClose      float64 `json:"chartPreviousClose"`
				RegularMarketVol   int64   `json:"regularMarketVolume"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error interface{} `json:"error"`
	} `json:"chart"`
}

// Fetch 拉取数据。支持报价类与历史类数据类型
func (y *YFinance) Fetch(ctx context.Context, dataType string, params map[string]string) (market.Result, error) {
	symbol := params["symbol"]
	if symbol == "" {
		return market.Result{}, fmt.Errorf("%w: missing symbol", ErrEmptyResponse)
	}

	switch market.DataType(dataType) {
	case market.DataTypeCurrentQuotes, market.DataTypeExtendedHours:
		return y.fetchQuote(ctx, symbol)
	case market.DataTypeHistoricalPrices, market.DataTypeTechnicalIndicators, market.DataTypeVolumeAnalysis:
		return y.fetchSeries(ctx, symbol, params)
	default:
		return market.Result{}, ErrNotSupported
	}
}

func (y *YFinance) fetchQuote(ctx context.Context, symbol string) (market.Result, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", y.baseURL, url.PathEscape(symbol))

	var resp chartResponse
	if err := y.fetcher.GetJSON(ctx, endpoint, nil, &resp); err != nil {
		return market.Result{}, err
	}
	if len(resp.Chart.Result) == 0 {
		return market.Result{}, nil
	}

	meta := resp.Chart.Result[0].Meta
	quote := market.Quote{
		Symbol:        meta.Symbol,
		Price:         meta.RegularMarketPrice,
		PreviousClose: meta.PreviousClose,
		Change:        meta.RegularMarketPrice - meta.PreviousClose,
		Volume:        meta.RegularMarketVol,
		Timestamp:     time.Now(),
		Provider:      y.ID(),
	}
	if meta.PreviousClose != 0 {
		quote.ChangePercent = quote.Change / meta.PreviousClose * 100
	}
	return market.QuoteResult(y.ID(), &quote), nil
}

func (y *YFinance) fetchSeries(ctx context.Context, symbol string, params map[string]string) (market.Result, error) {
	interval := params["interval"]
	if interval == "" {
		interval = "1d"
	}
	period := params["period"]
	if period == "" {
		period = "1mo"
	}
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=%s&range=%s",
		y.baseURL, url.PathEscape(symbol), url.QueryEscape(interval), url.QueryEscape(period))

	var resp chartResponse
	if err := y.fetcher.GetJSON(ctx, endpoint, nil, &resp); err != nil {
		return market.Result{}, err
	}
	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
		return market.Result{}, nil
	}

	r := resp.Chart.Result[0]
	q := r.Indicators.Quote[0]
	bars := make([]market.PriceBar, 0, len(r.Timestamp))
	for i, ts := range r.Timestamp {
		if i >= len(q.Close) {
			break
		}
		bars = append(bars, market.PriceBar{
			Symbol:    symbol,
			Open:      at(q.Open, i),
			High:      at(q.High, i),
			Low:       at(q.Low, i),
			Close:     at(q.Close, i),
			Volume:    atInt(q.Volume, i),
			Interval:  interval,
			Timestamp: time.Unix(ts, 0),
		})
	}
	return market.SeriesResult(y.ID(), bars), nil
}

func at(vals []float64, i int) float64 {
	if i < len(vals) {
		return vals[i]
	}
	return 0
}

func atInt(vals []int64, i int) int64 {
	if i < len(vals) {
		return vals[i]
	}
	return 0
}

var _ Adapter = (*YFinance)(nil)
