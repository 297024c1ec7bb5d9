package domain

import "time"

// ============================================================
// Savings analysis
// ============================================================

// ExpenseRecord is one expense transaction read from the ledger.
type ExpenseRecord struct {
	Date        time.Time `json:"date"`
	Amount      float64   `json:"amount"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
}

// DailyPoint is the total expense of one UTC calendar day.
type DailyPoint struct {
	Date    time.Time `json:"date"`
	Expense float64   `json:"expense"`
}

// SmoothedPoint is a DailyPoint with its exponentially weighted moving average.
type SmoothedPoint struct {
	Date    time.Time `json:"date"`
	Expense float64   `json:"expense"`
	EWMA    float64   `json:"ewma"`
}

// ForecastPoint is the predicted expense of a future day.
type ForecastPoint struct {
	Date            time.Time `json:"date"`
	ForecastExpense float64   `json:"forecast_expense"`
}

// Suggestion sources.
const (
	SuggestionRemote   = "remote"
	SuggestionFallback = "fallback"
	SuggestionNone     = "none"
)

// SpendingStats are computed over the raw daily series, never the smoothed one.
type SpendingStats struct {
	Total   float64 `json:"total_spent"`
	Average float64 `json:"average_daily_expense"`
	Max     float64 `json:"max_daily_expense"`
	Min     float64 `json:"min_daily_expense"`
}

// AnalysisResult is returned by GET /v1/savings/{userId}/analysis.
// It is rebuilt on every request. When Error is set only UserID and
// AnalysisDate are meaningful.
type AnalysisResult struct {
	UserID             string          `json:"user_id"`
	AnalysisPeriodDays int             `json:"analysis_period_days,omitempty"`
	TotalTransactions  int             `json:"total_transactions"`
	TotalSpent         float64         `json:"total_spent"`
	AverageDaily       float64         `json:"average_daily_expense"`
	MaxDaily           float64         `json:"max_daily_expense"`
	MinDaily           float64         `json:"min_daily_expense"`
	RecentExpenses     []SmoothedPoint `json:"recent_expenses"`
	Forecast           []ForecastPoint `json:"forecast"`
	AISuggestions      string          `json:"ai_suggestions"`
	SuggestionSource   string          `json:"suggestion_source,omitempty"`
	SampleData         bool            `json:"sample_data,omitempty"`
	AnalysisDate       string          `json:"analysis_date"`
	Error              string          `json:"error,omitempty"`
	Retryable          bool            `json:"retryable,omitempty"`
}

// SavingsSummary is the compact view returned by GET /v1/savings/{userId}/summary.
type SavingsSummary struct {
	UserID             string  `json:"user_id"`
	AnalysisPeriodDays int     `json:"analysis_period_days"`
	TotalSpent         float64 `json:"total_spent"`
	AverageDaily       float64 `json:"average_daily_expense"`
	MaxDaily           float64 `json:"max_daily_expense"`
	MinDaily           float64 `json:"min_daily_expense"`
	AISuggestions      string  `json:"ai_suggestions"`
	AnalysisDate       string  `json:"analysis_date"`
	Error              string  `json:"error,omitempty"`
	Retryable          bool    `json:"retryable,omitempty"`
}

// SuggestionInput carries everything the suggestion generator may use.
type SuggestionInput struct {
	UserID   string
	Series   []SmoothedPoint
	Stats    SpendingStats
	Forecast []ForecastPoint
}

// ForecastMean is the average predicted expense, 0 when there is no forecast.
func (in SuggestionInput) ForecastMean() float64 {
	if len(in.Forecast) == 0 {
		return 0
	}
	var sum float64
	for _, f := range in.Forecast {
		sum += f.ForecastExpense
	}
	return sum / float64(len(in.Forecast))
}

// Suggestion is the generated text plus where it came from.
type Suggestion struct {
	Text   string
	Source string
}
