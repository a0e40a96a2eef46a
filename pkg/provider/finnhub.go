package provider

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"tradescout/pkg/market"
)

// Finnhub Finnhub 适配器。需要 API Key，
// 支持实时报价与公司基本面。
type Finnhub struct {
	fetcher *HTTPFetcher
	baseURL string
	apiKey  string
}

// NewFinnhub 创建 Finnhub 适配器。apiKey 为空时从环境变量读取
func NewFinnhub(apiKey string, timeout time.Duration) *Finnhub {
	if apiKey == "" {
		apiKey = os.Getenv("FINNHUB_API_KEY")
	}
	return &Finnhub{
		fetcher: NewHTTPFetcher("finnhub", timeout),
		baseURL: "https://finnhub.io/api/v1",
		apiKey:  apiKey,
	}
}

// ID 返回提供商标识
func (f *Finnhub) ID() string { return "finnhub" }

// finnhubQuote /quote 接口响应
type finnhubQuote struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	ChangePercent float64 `json:"dp"`
	PreviousClose float64 `json:"pc"`
}

// finnhubProfile /stock/profile2 接口响应
type finnhubProfile struct {
	Name              string  `json:"name"`
	Industry          string  `json:"finnhubIndustry"`
	MarketCapMillions float64 `json:"marketCapitalization"`
}

// Fetch 拉取数据。支持报价类与基本面数据类型
func (f *Finnhub) Fetch(ctx context.Context, dataType string, params map[string]string) (market.Result, error) {
	symbol := strings.ToUpper(params["symbol"])
	if symbol == "" {
		return market.Result{}, fmt.Errorf("%w: missing symbol", ErrEmptyResponse)
	}

	switch market.DataType(dataType) {
	case market.DataTypeCurrentQuotes:
		return f.fetchQuote(ctx, symbol)
	case market.DataTypeCompanyFundamentals:
		return f.fetchProfile(ctx, symbol)
	default:
		return market.Result{}, ErrNotSupported
	}
}

func (f *Finnhub) fetchQuote(ctx context.Context, symbol string) (market.Result, error) {
	endpoint := fmt.Sprintf("%s/quote?symbol=%s&token=%s",
		f.baseURL, url.QueryEscape(symbol), url.QueryEscape(f.apiKey))

	var resp finnhubQuote
	if err := f.fetcher.GetJSON(ctx, endpoint, nil, &resp); err != nil {
		return market.Result{}, err
	}
	// Finnhub 对未知标的返回全零而非错误
	if resp.Current == 0 && resp.PreviousClose == 0 {
		return market.Result{}, nil
	}

	quote := market.Quote{
		Symbol:        symbol,
		Price:         resp.Current,
		PreviousClose: resp.PreviousClose,
		Change:        resp.Change,
		ChangePercent: resp.ChangePercent,
		Timestamp:     time.Now(),
		Provider:      f.ID(),
	}
	return market.QuoteResult(f.ID(), &quote), nil
}

func (f *Finnhub) fetchProfile(ctx context.Context, symbol string) (market.Result, error) {
	endpoint := fmt.Sprintf("%s/stock/profile2?symbol=%s&token=%s",
		f.baseURL, url.QueryEscape(symbol), url.QueryEscape(f.apiKey))

	var resp finnhubProfile
	if err := f.fetcher.GetJSON(ctx, endpoint, nil, &resp); err != nil {
		return market.Result{}, err
	}
	if resp.Name == "" {
		return market.Result{}, nil
	}

	fundamentals := market.Fundamentals{
		Symbol:      symbol,
		CompanyName: resp.Name,
		Sector:      resp.Industry,
		MarketCap:   int64(resp.MarketCapMillions * 1e6),
		Provider:    f.ID(),
	}
	return market.FundamentalsResult(f.ID(), &fundamentals), nil
}

var _ Adapter = (*Finnhub)(nil)
