package api

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/exteriorp/designex/internal/pipeline"
	"github.com/exteriorp/designex/internal/runner"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		StylesLoaded:  len(s.index.AllStyles()),
		RegionsLoaded: len(s.index.AllRegionTypes()),
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCreateDesign handles POST /api/designs.
// Multipart fields: image (file, required), style (required),
// blend_alpha (optional float in [0, 1]).
func (s *Server) handleCreateDesign(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)

	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	style := strings.TrimSpace(r.FormValue("style"))
	if style == "" {
		s.writeError(w, http.StatusBadRequest, "style is required")
		return
	}

	var blendAlpha *float64
	if raw := strings.TrimSpace(r.FormValue("blend_alpha")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "blend_alpha must be a number")
			return
		}
		blendAlpha = &v
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()

	resp, err := s.pipeline.Generate(r.Context(), pipeline.Request{
		Style:      style,
		BlendAlpha: blendAlpha,
		Image:      file,
	})
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// writePipelineError maps pipeline errors onto HTTP statuses. Worker exit
// codes and logs stay server-side.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	var jerr *pipeline.JobError
	switch {
	case errors.Is(err, pipeline.ErrUnknownStyle):
		s.writeError(w, http.StatusBadRequest, "unknown style")
	case errors.Is(err, pipeline.ErrInvalidBlendAlpha):
		s.writeError(w, http.StatusBadRequest, "blend_alpha must be within [0.0, 1.0]")
	case errors.Is(err, pipeline.ErrBusy):
		s.writeError(w, http.StatusServiceUnavailable, "service is at capacity, retry later")
	case errors.As(err, &jerr):
		s.logger.Error("design generation failed", "outcome", string(jerr.Outcome), "exit_code", jerr.ExitCode)
		if jerr.Outcome == runner.OutcomeTimedOut {
			s.writeError(w, http.StatusGatewayTimeout, "design generation timed out")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "design generation failed")
	default:
		s.logger.Error("design request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "design generation failed")
	}
}

// handleGetImage handles GET /api/designs/images/{filename}.
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")

	path, err := s.alloc.ArtifactPath(filename)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "image not found")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.writeError(w, http.StatusNotFound, "image not found")
			return
		}
		s.logger.Error("failed to open artifact", "filename", filename, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read image")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentTypeForExt(filepath.Ext(filename)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

func contentTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

// handleListStyles handles GET /api/styles.
func (s *Server) handleListStyles(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StylesResponse{Styles: s.index.AllStyles()})
}

// handleListRegions handles GET /api/styles/regions.
func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, RegionsResponse{Regions: s.index.AllRegionTypes()})
}

// handleRegionRecommendations handles GET /api/styles/{style}/regions/{region}.
// 404 when the combination has no recommendations.
func (s *Server) handleRegionRecommendations(w http.ResponseWriter, r *http.Request) {
	style := chi.URLParam(r, "style")
	region := chi.URLParam(r, "region")

	recs := s.index.RecommendationsFor(region, style)
	if len(recs) == 0 {
		s.writeError(w, http.StatusNotFound, "no recommendations for this style and region")
		return
	}

	respondJSON(w, http.StatusOK, RecommendationsResponse{
		Style:           style,
		Region:          region,
		Recommendations: recs,
	})
}

// respondJSON writes a JSON response with the given status code
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
