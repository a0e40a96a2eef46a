// Package market 定义了聚合核心使用的市场数据值对象。
// 所有提供商适配器统一产出这些带标签的结果类型，替代无类型的字典结构。
package market

import "time"

// DataType 逻辑数据类型，决定请求被路由到哪些提供商
type DataType string

const (
	DataTypeCurrentQuotes        DataType = "current_quotes"
	DataTypeHistoricalPrices     DataType = "historical_prices"
	DataTypeExtendedHours        DataType = "extended_hours"
	DataTypeCompanyFundamentals  DataType = "company_fundamentals"
	DataTypeFinancialStatements  DataType = "financial_statements"
	DataTypeEarningsData         DataType = "earnings_data"
	DataTypeVolumeAnalysis       DataType = "volume_analysis"
	DataTypeTechnicalIndicators  DataType = "technical_indicators"
	DataTypeMarketMovers         DataType = "market_movers"
	DataTypeCompanyNews          DataType = "company_news"
	DataTypeMarketNews           DataType = "market_news"
	DataTypeSocialSentiment      DataType = "social_sentiment"
	DataTypeAnalystRatings       DataType = "analyst_ratings"
)

// Quote 单个标的的即时报价
type Quote struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	PreviousClose float64   `json:"previous_close"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Volume        int64     `json:"volume"`
	ExtendedHours bool      `json:"extended_hours"`
	Timestamp     time.Time `json:"timestamp"`
	Provider      string    `json:"provider"`
}

// PriceBar 历史价格序列中的一根K线
type PriceBar struct {
	Symbol    string    `json:"symbol"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	Interval  string    `json:"interval"` // "1d", "1h" 等
	Timestamp time.Time `json:"timestamp"`
}

// Fundamentals 公司基本面数据
type Fundamentals struct {
	Symbol        string  `json:"symbol"`
	CompanyName   string  `json:"company_name"`
	Sector        string  `json:"sector"`
	MarketCap     int64   `json:"market_cap"`
	PERatio       float64 `json:"pe_ratio"`
	EPS           float64 `json:"eps"`
	DividendYield float64 `json:"dividend_yield"`
	Provider      string  `json:"provider"`
}

// ResultKind 结果变体标签
type ResultKind string

const (
	// KindQuote 单个报价（标量操作）
	KindQuote ResultKind = "quote"
	// KindQuoteList 报价集合（merge-all 对标量操作的聚合形态）
	KindQuoteList ResultKind = "quote_list"
	// KindSeries 历史价格序列（列表操作）
	KindSeries ResultKind = "series"
	// KindFundamentals 基本面数据（标量操作）
	KindFundamentals ResultKind = "fundamentals"
)

// Result 提供商返回的带标签结果。
// 同一时间只有与 Kind 对应的字段有效。
type Result struct {
	Kind         ResultKind    `json:"kind"`
	Quote        *Quote        `json:"quote,omitempty"`
	Quotes       []Quote       `json:"quotes,omitempty"`
	Series       []PriceBar    `json:"series,omitempty"`
	Fundamentals *Fundamentals `json:"fundamentals,omitempty"`
	Provider     string        `json:"provider,omitempty"`
}

// IsEmpty 判断结果是否不含任何数据。
// 提供商可能无错误地返回空结果（该标的无数据），调用方需要与失败区分。
func (r Result) IsEmpty() bool {
	switch r.Kind {
	case KindQuote:
		return r.Quote == nil
	case KindQuoteList:
		return len(r.Quotes) == 0
	case KindSeries:
		return len(r.Series) == 0
	case KindFundamentals:
		return r.Fundamentals == nil
	default:
		return true
	}
}

// QuoteResult 构造单报价结果
func QuoteResult(provider string, q *Quote) Result {
	return Result{Kind: KindQuote, Quote: q, Provider: provider}
}

// SeriesResult 构造历史序列结果
func SeriesResult(provider string, bars []PriceBar) Result {
	return Result{Kind: KindSeries, Series: bars, Provider: provider}
}

// FundamentalsResult 构造基本面结果
func FundamentalsResult(provider string, f *Fundamentals) Result {
	return Result{Kind: KindFundamentals, Fundamentals: f, Provider: provider}
}

// MergeAll 将多个非空结果合并为一个聚合结果。
// 列表形态（序列、报价集合）做拼接，标量形态收集为集合。
func MergeAll(results []Result) Result {
	if len(results) == 0 {
		return Result{}
	}

	merged := Result{Kind: results[0].Kind}
	for _, r := range results {
		switch r.Kind {
		case KindSeries:
			merged.Kind = KindSeries
			merged.Series = append(merged.Series, r.Series...)
		case KindQuoteList:
			merged.Kind = KindQuoteList
			merged.Quotes = append(merged.Quotes, r.Quotes...)
		case KindQuote:
			merged.Kind = KindQuoteList
			if r.Quote != nil {
				merged.Quotes = append(merged.Quotes, *r.Quote)
			}
		case KindFundamentals:
			// 基本面无合并语义，保留第一个非空结果
			if merged.Fundamentals == nil {
				merged.Kind = KindFundamentals
				merged.Fundamentals = r.Fundamentals
				merged.Provider = r.Provider
			}
		}
	}
	return merged
}
