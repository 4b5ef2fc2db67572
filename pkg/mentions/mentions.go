// Package mentions resolves forced-participant pings embedded in message text.
package mentions

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// mentionPattern matches "@" followed by a canonical 8-4-4-4-12 UUID,
// optionally wrapped in angle brackets. Hex digits are case-insensitive. The
// trailing boundary keeps a UUID embedded in a longer hex run from matching
// as its 36-char prefix.
var mentionPattern = regexp.MustCompile(`(?i)@<?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})\b>?`)

// ExtractForcedParticipants scans text for @uuid mention tokens and returns
// the subset of participants that were mentioned. Duplicate mentions collapse
// to one entry and the result preserves the order of the participants slice,
// so callers get deterministic output for the same inputs.
func ExtractForcedParticipants(text string, participants []string) []string {
	if text == "" || len(participants) == 0 {
		return nil
	}
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	mentioned := make(map[string]struct{}, len(matches))
	for _, match := range matches {
		mentioned[canonicalID(match[1])] = struct{}{}
	}

	var forced []string
	for _, participant := range participants {
		if _, ok := mentioned[canonicalID(participant)]; ok {
			forced = append(forced, participant)
		}
	}
	return forced
}

// canonicalID lowercases an identifier, using the UUID parser when the value
// is actually a UUID so mixed-case mentions compare equal.
func canonicalID(raw string) string {
	if parsed, err := uuid.Parse(raw); err == nil {
		return parsed.String()
	}
	return strings.ToLower(strings.TrimSpace(raw))
}
