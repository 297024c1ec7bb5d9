package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/boddenberg/iou-ledger-go/internal/forecast"
	"github.com/boddenberg/iou-ledger-go/internal/infra/observability"
	"github.com/boddenberg/iou-ledger-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("service")

// SavingsConfig tunes the analysis pipeline.
type SavingsConfig struct {
	MinWindowDays int
	MaxWindowDays int
	Span          int
	FutureDays    int
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// SavingsService runs the savings analysis pipeline: ledger read, daily
// aggregation, smoothing, forecast and suggestion.
type SavingsService struct {
	ledger      port.LedgerReader
	suggestions *SuggestionService
	cfg         SavingsConfig
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// NewSavingsService creates the savings service with all dependencies injected.
func NewSavingsService(
	ledger port.LedgerReader,
	suggestions *SuggestionService,
	cfg SavingsConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *SavingsService {
	if cfg.Span <= 0 {
		cfg.Span = forecast.DefaultSpan
	}
	if cfg.FutureDays <= 0 {
		cfg.FutureDays = forecast.DefaultFutureDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SavingsService{
		ledger:      ledger,
		suggestions: suggestions,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger,
	}
}

func (s *SavingsService) validate(userID string, days int) error {
	if strings.TrimSpace(userID) == "" {
		return &domain.ErrValidation{Field: "user_id", Message: "is required"}
	}
	if days < s.cfg.MinWindowDays || days > s.cfg.MaxWindowDays {
		return &domain.ErrValidation{
			Field:   "days",
			Message: fmt.Sprintf("must be between %d and %d", s.cfg.MinWindowDays, s.cfg.MaxWindowDays),
		}
	}
	return nil
}

func (s *SavingsService) stamp() string {
	return s.cfg.Now().UTC().Format(time.RFC3339)
}

// Analyze builds the full analysis for userID over the last days days.
// Only invalid input is returned as an error; pipeline failures come back
// inside the result with Error set.
func (s *SavingsService) Analyze(ctx context.Context, userID string, days int) (*domain.AnalysisResult, error) {
	if err := s.validate(userID, days); err != nil {
		s.metrics.IncrAnalysis("invalid")
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "SavingsService.Analyze")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.Int("analysis.days", days),
	)

	start := time.Now()
	defer func() {
		s.metrics.RecordRequestDuration("savings_analysis", time.Since(start))
	}()

	res, err := s.run(ctx, userID, days)
	if err != nil {
		return s.failed(userID, err), nil
	}
	s.metrics.IncrAnalysis("success")
	return res, nil
}

// Summary is the statistics and suggestion subset of Analyze.
func (s *SavingsService) Summary(ctx context.Context, userID string, days int) (*domain.SavingsSummary, error) {
	res, err := s.Analyze(ctx, userID, days)
	if err != nil {
		return nil, err
	}
	return &domain.SavingsSummary{
		UserID:             res.UserID,
		AnalysisPeriodDays: days,
		TotalSpent:         res.TotalSpent,
		AverageDaily:       res.AverageDaily,
		MaxDaily:           res.MaxDaily,
		MinDaily:           res.MinDaily,
		AISuggestions:      res.AISuggestions,
		AnalysisDate:       res.AnalysisDate,
		Error:              res.Error,
		Retryable:          res.Retryable,
	}, nil
}

func (s *SavingsService) failed(userID string, err error) *domain.AnalysisResult {
	var su *domain.ErrStorageUnavailable
	retryable := errors.As(err, &su)

	s.logger.Error("savings analysis failed",
		zap.String("user_id", userID),
		zap.Bool("retryable", retryable),
		zap.Error(err),
	)
	s.metrics.IncrAnalysis("error")

	return &domain.AnalysisResult{
		UserID:         userID,
		RecentExpenses: []domain.SmoothedPoint{},
		Forecast:       []domain.ForecastPoint{},
		Error:          "Analysis failed: " + err.Error(),
		Retryable:      retryable,
		AnalysisDate:   s.stamp(),
	}
}

func (s *SavingsService) run(ctx context.Context, userID string, days int) (res *domain.AnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	now := s.cfg.Now().UTC()
	records, err := s.ledger.ListExpenses(ctx, userID, now.AddDate(0, 0, -days), now)
	if err != nil {
		return nil, fmt.Errorf("ledger read: %w", err)
	}

	daily := forecast.AggregateDaily(records)
	sample := false
	if len(daily) == 0 {
		daily = forecast.SampleSeries(days, now)
		sample = true
		s.logger.Info("no expenses in window, using sample series",
			zap.String("user_id", userID),
			zap.Int("days", days),
		)
	}

	smoothed := forecast.Smooth(daily, s.cfg.Span)
	projection := forecast.Extrapolate(daily, s.cfg.FutureDays)
	stats := forecast.Stats(daily)

	suggestion := s.suggestions.Suggest(ctx, domain.SuggestionInput{
		UserID:   userID,
		Series:   smoothed,
		Stats:    stats,
		Forecast: projection,
	})

	return &domain.AnalysisResult{
		UserID:             userID,
		AnalysisPeriodDays: days,
		TotalTransactions:  len(daily),
		TotalSpent:         stats.Total,
		AverageDaily:       stats.Average,
		MaxDaily:           stats.Max,
		MinDaily:           stats.Min,
		RecentExpenses:     forecast.Tail(smoothed, recentPoints),
		Forecast:           projection,
		AISuggestions:      suggestion.Text,
		SuggestionSource:   suggestion.Source,
		SampleData:         sample,
		AnalysisDate:       s.stamp(),
	}, nil
}
