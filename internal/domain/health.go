package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// JobMetrics is returned by GET /v1/metrics/jobs.
type JobMetrics struct {
	SweepsScheduled      int64   `json:"sweepsScheduled"`
	SweepsManual         int64   `json:"sweepsManual"`
	LoansMarkedOverdue   int64   `json:"loansMarkedOverdue"`
	NotificationsSent    int64   `json:"notificationsSent"`
	NotificationsFailed  int64   `json:"notificationsFailed"`
	SuggestionsRemote    int64   `json:"suggestionsRemote"`
	SuggestionsFallback  int64   `json:"suggestionsFallback"`
	FallbackRate         float64 `json:"fallbackRate"`
	SuggestionCacheRatio float64 `json:"suggestionCacheHitRate"`
	Period               string  `json:"period"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
