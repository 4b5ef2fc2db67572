// Package backend reaches the generative service over one of two transports:
// a direct SDK call or a proxied event-stream endpoint. Both feed their
// output through the stream decoder so callers see one result shape.
package backend

import (
	"context"

	"github.com/parley-chat/parley/pkg/stream"
)

// Role values for history messages.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// HistoryMessage is one prior turn sent to the backend.
type HistoryMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Settings are the generation parameters for one request. They are sent to
// the proxied endpoint verbatim and mapped onto SDK config for the direct
// transport.
type Settings struct {
	Model           string  `json:"model"`
	SystemPrompt    string  `json:"systemPrompt,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int32   `json:"maxOutputTokens,omitempty"`
	IncludeThoughts bool    `json:"includeThoughts,omitempty"`
	// SafetyThreshold is a harm block threshold name (e.g. "BLOCK_NONE")
	// applied to all harm categories. Empty leaves backend defaults.
	SafetyThreshold string `json:"safetyThreshold,omitempty"`
}

// Request is one generation request.
type Request struct {
	Message              string
	History              []HistoryMessage
	PinnedHistoryIndices []int
	Settings             Settings
}

// Generator is implemented by both transports.
type Generator interface {
	Generate(ctx context.Context, req Request, opts stream.Options, cb stream.Callbacks) (*stream.Result, error)
}
