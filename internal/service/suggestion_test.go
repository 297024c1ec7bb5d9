package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/boddenberg/iou-ledger-go/internal/infra/cache"
	"github.com/boddenberg/iou-ledger-go/internal/infra/observability"
	"github.com/boddenberg/iou-ledger-go/internal/port"
	"github.com/boddenberg/iou-ledger-go/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func sampleInput() domain.SuggestionInput {
	return domain.SuggestionInput{
		UserID: "u1",
		Series: []domain.SmoothedPoint{
			{Date: day0, Expense: 100, EWMA: 100},
			{Date: day0.AddDate(0, 0, 1), Expense: 200, EWMA: 125},
			{Date: day0.AddDate(0, 0, 2), Expense: 300, EWMA: 168.75},
		},
		Stats: domain.SpendingStats{Total: 600, Average: 200, Max: 300, Min: 100},
		Forecast: []domain.ForecastPoint{
			{Date: day0.AddDate(0, 0, 3), ForecastExpense: 400},
			{Date: day0.AddDate(0, 0, 4), ForecastExpense: 500},
		},
	}
}

func TestFallbackSuggestion_Content(t *testing.T) {
	text := service.FallbackSuggestion(sampleInput())

	assert.Contains(t, text, "**Smart Savings Analysis**")
	assert.Contains(t, text, "- Average daily expense: $200.00")
	assert.Contains(t, text, "- Highest daily expense: $300.00")
	assert.Contains(t, text, "- Lowest daily expense: $100.00")
	assert.Contains(t, text, "- Total spent in period: $600.00")
	assert.Contains(t, text, "consider setting a daily budget of $160.00 to save 20%.")
	assert.Contains(t, text, "varies between $100.00 and $300.00 daily")
	assert.Contains(t, text, "you could save $900.00 per month.")
	assert.Contains(t, text, "projected to spend $450.00 daily in the next week.")
}

func TestFallbackSuggestion_Pure(t *testing.T) {
	in := sampleInput()
	assert.Equal(t, service.FallbackSuggestion(in), service.FallbackSuggestion(in))

	// Only the statistics and the forecast mean matter, not the individual points.
	other := in
	other.Series = []domain.SmoothedPoint{{Date: day0, Expense: 1, EWMA: 1}}
	other.Forecast = []domain.ForecastPoint{{Date: day0, ForecastExpense: 450}}
	assert.Equal(t, service.FallbackSuggestion(in), service.FallbackSuggestion(other))

	otherUser := in
	otherUser.UserID = "u2"
	assert.Equal(t, service.FallbackSuggestion(in), service.FallbackSuggestion(otherUser))
}

func TestFallbackSuggestion_NoForecast(t *testing.T) {
	in := sampleInput()
	in.Forecast = nil
	assert.Contains(t, service.FallbackSuggestion(in), "projected to spend $0.00 daily")
}

func TestBuildPrompt_EmbedsData(t *testing.T) {
	p := service.BuildPrompt(sampleInput())

	assert.Contains(t, p, "user u1")
	assert.Contains(t, p, "2024-03-03")
	assert.Contains(t, p, "168.75")
	assert.Contains(t, p, "- Average daily expense: $200.00")
	assert.Contains(t, p, "- Average forecasted daily expense: $450.00")
}

func newSuggestions(gen *fakeGenerator, timeout time.Duration, c *cache.InMemory[string], metrics *observability.Metrics) *service.SuggestionService {
	var store port.Cache[string]
	if c != nil {
		store = c
	}
	remote := service.NewRemoteSuggester(gen, store, timeout, metrics)
	return service.NewSuggestionService(remote, metrics, zap.NewNop())
}

func TestSuggest_Remote(t *testing.T) {
	gen := &fakeGenerator{text: "  spend less on coffee  "}
	svc := newSuggestions(gen, time.Second, nil, observability.NewMetrics())

	got := svc.Suggest(context.Background(), sampleInput())
	assert.Equal(t, domain.SuggestionRemote, got.Source)
	assert.Equal(t, "spend less on coffee", got.Text)
}

func TestSuggest_NoDataSkipsGenerator(t *testing.T) {
	gen := &fakeGenerator{text: "x"}
	svc := newSuggestions(gen, time.Second, nil, observability.NewMetrics())

	got := svc.Suggest(context.Background(), domain.SuggestionInput{UserID: "u1"})
	assert.Equal(t, domain.SuggestionNone, got.Source)
	assert.Equal(t, service.NoDataSuggestion, got.Text)
	assert.Equal(t, 0, gen.Calls())
}

func TestSuggest_FallbackOnError(t *testing.T) {
	cases := map[string]*fakeGenerator{
		"error": {err: &domain.ErrExternalService{Service: "gemini", Err: errors.New("quota exceeded")}},
		"empty": {text: "   "},
		"panic": {panic: "nil map write"},
	}
	for name, gen := range cases {
		t.Run(name, func(t *testing.T) {
			metrics := observability.NewMetrics()
			svc := newSuggestions(gen, time.Second, nil, metrics)

			got := svc.Suggest(context.Background(), sampleInput())
			assert.Equal(t, domain.SuggestionFallback, got.Source)
			assert.Equal(t, service.FallbackSuggestion(sampleInput()), got.Text)
			assert.Equal(t, int64(1), metrics.JobsSnapshot().SuggestionsFallback)
		})
	}
}

func TestSuggest_TimeoutEvenWhenGeneratorIgnoresContext(t *testing.T) {
	gen := &fakeGenerator{text: "late", block: make(chan struct{})}
	defer close(gen.block)
	svc := newSuggestions(gen, 20*time.Millisecond, nil, observability.NewMetrics())

	start := time.Now()
	got := svc.Suggest(context.Background(), sampleInput())

	assert.Equal(t, domain.SuggestionFallback, got.Source)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSuggest_CachedPerPrompt(t *testing.T) {
	gen := &fakeGenerator{text: "cached advice"}
	c := cache.New[string](time.Minute)
	defer c.Close()
	metrics := observability.NewMetrics()
	svc := newSuggestions(gen, time.Second, c, metrics)

	first := svc.Suggest(context.Background(), sampleInput())
	second := svc.Suggest(context.Background(), sampleInput())

	assert.Equal(t, first, second)
	assert.Equal(t, 1, gen.Calls())
	assert.InDelta(t, 0.5, metrics.JobsSnapshot().SuggestionCacheRatio, 1e-9)

	other := sampleInput()
	other.UserID = "u2"
	svc.Suggest(context.Background(), other)
	assert.Equal(t, 2, gen.Calls())
}

func TestSuggest_WithoutRemote(t *testing.T) {
	svc := service.NewSuggestionService(nil, observability.NewMetrics(), zap.NewNop())

	got := svc.Suggest(context.Background(), sampleInput())
	require.Equal(t, domain.SuggestionFallback, got.Source)
}
