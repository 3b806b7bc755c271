package api

import "github.com/exteriorp/designex/internal/styles"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	StylesLoaded  int    `json:"styles_loaded"`
	RegionsLoaded int    `json:"regions_loaded"`
}

// StylesResponse is returned by GET /api/styles.
type StylesResponse struct {
	Styles []string `json:"styles"`
}

// RegionsResponse is returned by GET /api/styles/regions.
type RegionsResponse struct {
	Regions []string `json:"regions"`
}

// RecommendationsResponse is returned by GET /api/styles/{style}/regions/{region}.
type RecommendationsResponse struct {
	Style           string                  `json:"style"`
	Region          string                  `json:"region"`
	Recommendations []styles.Recommendation `json:"recommendations"`
}
