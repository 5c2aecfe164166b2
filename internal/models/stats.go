package models

import "time"

// GlobalStats represents global statistics
type GlobalStats struct {
	TotalRequests     int64             `json:"totalRequests"`
	TotalErrors       int64             `json:"totalErrors"`
	ActiveConnections int64             `json:"activeConnections"`
	TotalConnections  int64             `json:"totalConnections"`
	Generation        uint64            `json:"generation"`
	TotalScenarios    int               `json:"totalScenarios"`
	AvgResponseTimeMs float64           `json:"avgResponseTimeMs"`
	RequestsPerSecond float64           `json:"requestsPerSecond"`
	StartTime         time.Time         `json:"startTime"`
	Uptime            string            `json:"uptime"`
	Outcomes          map[Outcome]int64 `json:"outcomes"`
	TopScenarios      []ScenarioStat    `json:"topScenarios"`
	RecentErrors      []ErrorStat       `json:"recentErrors"`
	RequestsByHour    []HourlyStat      `json:"requestsByHour"`
}

// ScenarioStat represents statistics for a specific scenario. Unmatched
// requests are collected under an empty ScenarioID.
type ScenarioStat struct {
	ScenarioID        string            `json:"scenarioId"`
	Method            string            `json:"method"`
	Path              string            `json:"path"`
	TotalRequests     int64             `json:"totalRequests"`
	TotalErrors       int64             `json:"totalErrors"`
	Outcomes          map[Outcome]int64 `json:"outcomes"`
	AvgResponseTimeMs float64           `json:"avgResponseTimeMs"`
	MinResponseTimeMs float64           `json:"minResponseTimeMs"`
	MaxResponseTimeMs float64           `json:"maxResponseTimeMs"`
	LastRequestTime   string            `json:"lastRequestTime,omitempty"`
}

// ErrorStat represents an error occurrence
type ErrorStat struct {
	Timestamp  time.Time `json:"timestamp"`
	ScenarioID string    `json:"scenarioId,omitempty"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	StatusCode int       `json:"statusCode"`
	Error      string    `json:"error"`
}

// HourlyStat represents hourly request statistics
type HourlyStat struct {
	Hour     string `json:"hour"`
	Requests int64  `json:"requests"`
	Errors   int64  `json:"errors"`
}
