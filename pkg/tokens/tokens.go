// Package tokens estimates token counts for prompt budgeting. A shared
// tiktoken encoder is cached per encoding name; when the tokenizer cannot be
// initialized the estimate falls back to a chars/4 heuristic so history
// pruning still works offline.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackCharsPerToken = 4

// Counter estimates token counts for text.
type Counter struct {
	once    sync.Once
	encoder *tiktoken.Tiktoken
}

// NewCounter returns a Counter backed by the cl100k_base encoding.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) init() {
	c.once.Do(func() {
		encoder, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return
		}
		c.encoder = encoder
	})
}

// Estimate returns the approximate token count of text.
func (c *Counter) Estimate(text string) int {
	if text == "" {
		return 0
	}
	c.init()
	if c.encoder == nil {
		return (len(text) + fallbackCharsPerToken - 1) / fallbackCharsPerToken
	}
	return len(c.encoder.Encode(text, nil, nil))
}

// Entry is one prunable history item.
type Entry struct {
	Text   string
	Pinned bool
}

// PruneToBudget drops the oldest unpinned entries until the total estimate
// fits the budget. Pinned entries are always kept. It returns the indices of
// retained entries in their original order. A budget <= 0 keeps everything.
func (c *Counter) PruneToBudget(entries []Entry, budget int) []int {
	keep := make([]int, 0, len(entries))
	if budget <= 0 {
		for i := range entries {
			keep = append(keep, i)
		}
		return keep
	}

	costs := make([]int, len(entries))
	total := 0
	for i, entry := range entries {
		costs[i] = c.Estimate(entry.Text)
		total += costs[i]
	}

	dropped := make([]bool, len(entries))
	for i := 0; total > budget && i < len(entries); i++ {
		if entries[i].Pinned {
			continue
		}
		dropped[i] = true
		total -= costs[i]
	}
	for i := range entries {
		if !dropped[i] {
			keep = append(keep, i)
		}
	}
	return keep
}
