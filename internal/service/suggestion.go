package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/boddenberg/iou-ledger-go/internal/forecast"
	"github.com/boddenberg/iou-ledger-go/internal/infra/cache"
	"github.com/boddenberg/iou-ledger-go/internal/infra/observability"
	"github.com/boddenberg/iou-ledger-go/internal/port"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// NoDataSuggestion is returned when there is nothing to analyse.
const NoDataSuggestion = "No expense data available for analysis."

// recentPoints is how many smoothed points the prompt and the result carry.
const recentPoints = 10

// ============================================================
// Prompt
// ============================================================

// BuildPrompt renders the generation prompt for in.
func BuildPrompt(in domain.SuggestionInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a smart savings assistant analyzing financial data for user %s.\n\n", in.UserID)

	b.WriteString("User's recent expense data (last 10 days, smoothed with EWMA):\n")
	if recent := forecast.Tail(in.Series, recentPoints); len(recent) > 0 {
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "date\texpense\tewma")
		for _, p := range recent {
			fmt.Fprintf(tw, "%s\t%.2f\t%.2f\n", p.Date.Format("2006-01-02"), p.Expense, p.EWMA)
		}
		tw.Flush()
	} else {
		b.WriteString("No recent expense data available\n")
	}

	fmt.Fprintf(&b, "\nSpending Statistics:\n")
	fmt.Fprintf(&b, "- Average daily expense: $%s\n", money(in.Stats.Average))
	fmt.Fprintf(&b, "- Maximum daily expense: $%s\n", money(in.Stats.Max))
	fmt.Fprintf(&b, "- Minimum daily expense: $%s\n", money(in.Stats.Min))
	fmt.Fprintf(&b, "- Total spent in period: $%s\n", money(in.Stats.Total))

	fmt.Fprintf(&b, "\nForecast for next %d days:\n", len(in.Forecast))
	if len(in.Forecast) > 0 {
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "date\tforecast_expense")
		for _, f := range in.Forecast {
			fmt.Fprintf(tw, "%s\t%.2f\n", f.Date.Format("2006-01-02"), f.ForecastExpense)
		}
		tw.Flush()
	} else {
		b.WriteString("No forecast data available\n")
	}
	fmt.Fprintf(&b, "- Average forecasted daily expense: $%s\n", money(in.ForecastMean()))

	b.WriteString(`
Based on this analysis, provide:
1. **Spending Pattern Analysis**: What patterns do you observe in their spending?
2. **Overspending Alerts**: Are there any concerning trends or spikes?
3. **Personalized Savings Tips**: 3-5 specific, actionable tips to reduce expenses
4. **Budget Recommendations**: Suggest a realistic daily/weekly budget
5. **Category Insights**: If category data is available, suggest areas to cut back

Keep the response concise, practical, and encouraging. Focus on actionable advice.
`)
	return b.String()
}

func money(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

// ============================================================
// Template (deterministic fallback)
// ============================================================

// TemplateSuggester renders rule-based advice. The output is a pure function
// of the statistics and the forecast mean.
type TemplateSuggester struct{}

func (TemplateSuggester) Suggest(_ context.Context, in domain.SuggestionInput) (string, error) {
	return FallbackSuggestion(in), nil
}

// FallbackSuggestion is the template text for in.
func FallbackSuggestion(in domain.SuggestionInput) string {
	if len(in.Series) == 0 {
		return NoDataSuggestion
	}

	avg := decimal.NewFromFloat(in.Stats.Average)
	avgS := avg.StringFixed(2)
	maxS := money(in.Stats.Max)
	minS := money(in.Stats.Min)

	var b strings.Builder
	b.WriteString("**Smart Savings Analysis**\n\n")

	b.WriteString("**📊 Spending Summary:**\n")
	fmt.Fprintf(&b, "- Average daily expense: $%s\n", avgS)
	fmt.Fprintf(&b, "- Highest daily expense: $%s\n", maxS)
	fmt.Fprintf(&b, "- Lowest daily expense: $%s\n", minS)
	fmt.Fprintf(&b, "- Total spent in period: $%s\n\n", money(in.Stats.Total))

	b.WriteString("**💡 Personalized Recommendations:**\n\n")
	fmt.Fprintf(&b, "1. **Budget Setting**: Based on your average daily spending of $%s, consider setting a daily budget of $%s to save 20%%.\n\n",
		avgS, avg.Mul(decimal.NewFromFloat(0.8)).StringFixed(2))
	fmt.Fprintf(&b, "2. **Spending Pattern**: Your spending varies between $%s and $%s daily. Look for patterns in your higher spending days.\n\n",
		minS, maxS)
	fmt.Fprintf(&b, "3. **Savings Goal**: If you reduce daily spending by 15%%, you could save $%s per month.\n\n",
		avg.Mul(decimal.NewFromFloat(0.15)).Mul(decimal.NewFromInt(30)).StringFixed(2))
	b.WriteString("4. **Action Items:**\n")
	b.WriteString("   - Track your highest spending days\n")
	b.WriteString("   - Set up automatic savings transfers\n")
	b.WriteString("   - Review recurring subscriptions\n")
	b.WriteString("   - Use cash for discretionary spending\n\n")
	fmt.Fprintf(&b, "5. **Forecast Alert**: Based on current trends, you're projected to spend $%s daily in the next week.\n\n",
		money(in.ForecastMean()))
	b.WriteString("*Note: This is an automated analysis. For personalized financial advice, consult a financial advisor.*\n")

	return b.String()
}

// ============================================================
// Remote (text generator with timeout and cache)
// ============================================================

// ErrEmptySuggestion is returned when the generator answers with blank text.
var ErrEmptySuggestion = errors.New("generator returned empty text")

// RemoteSuggester asks a TextGenerator for advice, bounded by timeout.
type RemoteSuggester struct {
	generator port.TextGenerator
	cache     port.Cache[string]
	timeout   time.Duration
	metrics   *observability.Metrics
}

// NewRemoteSuggester creates a RemoteSuggester. A nil cache disables caching.
func NewRemoteSuggester(generator port.TextGenerator, c port.Cache[string], timeout time.Duration, metrics *observability.Metrics) *RemoteSuggester {
	return &RemoteSuggester{
		generator: generator,
		cache:     c,
		timeout:   timeout,
		metrics:   metrics,
	}
}

type generation struct {
	text string
	err  error
}

// Suggest returns as soon as the timeout elapses, even when the generator
// does not honour context cancellation.
func (r *RemoteSuggester) Suggest(ctx context.Context, in domain.SuggestionInput) (string, error) {
	prompt := BuildPrompt(in)
	key := cache.Key("suggestion", prompt)

	if r.cache != nil {
		if text, ok := r.cache.Get(key); ok {
			r.metrics.IncrCacheHit("suggestion")
			return text, nil
		}
		r.metrics.IncrCacheMiss("suggestion")
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	done := make(chan generation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- generation{err: fmt.Errorf("text generator panic: %v", p)}
			}
		}()
		text, err := r.generator.Generate(ctx, prompt)
		done <- generation{text: text, err: err}
	}()

	var res generation
	select {
	case res = <-done:
	case <-ctx.Done():
		return "", &domain.ErrTimeout{Operation: "suggestion generation"}
	}

	if res.err != nil {
		return "", res.err
	}
	text := strings.TrimSpace(res.text)
	if text == "" {
		return "", ErrEmptySuggestion
	}

	if r.cache != nil {
		r.cache.Set(key, text)
	}
	return text, nil
}

// ============================================================
// SuggestionService
// ============================================================

// SuggestionService picks the remote suggester and falls back to the
// template on any error.
type SuggestionService struct {
	primary  port.Suggester
	fallback port.Suggester
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewSuggestionService creates the service. primary may be nil, in which
// case every suggestion comes from the template.
func NewSuggestionService(primary port.Suggester, metrics *observability.Metrics, logger *zap.Logger) *SuggestionService {
	return &SuggestionService{
		primary:  primary,
		fallback: TemplateSuggester{},
		metrics:  metrics,
		logger:   logger,
	}
}

// Suggest never fails; the worst case is the template text.
func (s *SuggestionService) Suggest(ctx context.Context, in domain.SuggestionInput) domain.Suggestion {
	ctx, span := tracer.Start(ctx, "SuggestionService.Suggest")
	defer span.End()

	if len(in.Series) == 0 {
		return domain.Suggestion{Text: NoDataSuggestion, Source: domain.SuggestionNone}
	}

	if s.primary != nil {
		text, err := s.primary.Suggest(ctx, in)
		if err == nil {
			s.metrics.IncrSuggestion(domain.SuggestionRemote)
			return domain.Suggestion{Text: text, Source: domain.SuggestionRemote}
		}
		s.logger.Warn("remote suggestion failed, using template",
			zap.String("user_id", in.UserID),
			zap.Error(err),
		)
		s.metrics.IncrExternalError("suggestion")
	}

	text, _ := s.fallback.Suggest(ctx, in)
	s.metrics.IncrSuggestion(domain.SuggestionFallback)
	return domain.Suggestion{Text: text, Source: domain.SuggestionFallback}
}
