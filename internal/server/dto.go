package server

import (
	"sort"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/audit"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/domain"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/pii"
)

// Request payloads

type RedactRequest struct {
	Text              string `json:"text" minLength:"1"`
	SourceApplication string `json:"source_application,omitempty"`
}

type PipelineRunRequest struct {
	Day      string                   `json:"day" pattern:"^[0-9]{4}-[0-9]{2}-[0-9]{2}$"`
	Segments []domain.ActivitySegment `json:"segments"`
}

// Responses

type HealthResponse struct {
	Status  string   `json:"status"`
	Version string   `json:"version,omitempty"`
	Queue   string   `json:"queue"`
	Issues  []string `json:"issues,omitempty"`
}

type AuditListResponse struct {
	Items []audit.Entry `json:"items"`
}

type RedactResponse struct {
	Redacted    string   `json:"redacted"`
	Types       []string `json:"types"`
	Sensitivity string   `json:"sensitivity"`
	Cached      bool     `json:"cached"`
}

type FlagResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

func redactResponse(text string, res pii.Result) RedactResponse {
	seen := map[string]bool{}
	types := []string{}
	for _, e := range res.Entities {
		if !seen[string(e.Type)] {
			seen[string(e.Type)] = true
			types = append(types, string(e.Type))
		}
	}
	sort.Strings(types)
	return RedactResponse{
		Redacted:    pii.Apply(text, res.Entities),
		Types:       types,
		Sensitivity: res.OverallSensitivity.String(),
		Cached:      res.Cached,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
