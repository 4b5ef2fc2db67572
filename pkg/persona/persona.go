// Package persona manages persona definitions: who the AI participants are,
// how they speak, and how eager they are to jump into a conversation.
package persona

import (
	"fmt"

	"github.com/google/uuid"
)

// Independence expresses how self-contained a persona is. Lower values make
// it more likely to chime in on its own: 0 replies to almost everything,
// 3 mostly waits to be addressed. Values outside [0,3] are clamped.
const (
	MinIndependence = 0
	MaxIndependence = 3
)

// Persona is one AI-driven chat participant.
type Persona struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
	Independence int     `json:"independence,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	Model        string  `json:"model,omitempty"`
}

// Validate checks the card's structural requirements. Persona IDs are UUIDs
// because the mention syntax addresses personas by UUID.
func (p *Persona) Validate() error {
	if p == nil {
		return fmt.Errorf("nil persona")
	}
	if _, err := uuid.Parse(p.ID); err != nil {
		return fmt.Errorf("persona id %q is not a UUID: %w", p.ID, err)
	}
	if p.Name == "" {
		return fmt.Errorf("persona %s has no name", p.ID)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("persona %s temperature %v out of range [0,2]", p.ID, p.Temperature)
	}
	return nil
}

// ClampedIndependence returns the independence clamped to [0,3].
func (p *Persona) ClampedIndependence() int {
	if p.Independence < MinIndependence {
		return MinIndependence
	}
	if p.Independence > MaxIndependence {
		return MaxIndependence
	}
	return p.Independence
}
