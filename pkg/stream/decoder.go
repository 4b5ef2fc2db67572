// Package stream decodes the event-framed generation protocol used by the
// proxied backend transport. Events arrive as blank-line-terminated blocks
// with an optional event name and one or more data lines. The default payload
// schema is a generation chunk; after a fallback event the payload switches
// to a chat-completion-style delta.
package stream

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"google.golang.org/genai"
)

// ErrAborted marks a generation stopped by cancellation rather than failure.
// Callers distinguish it with errors.Is.
var ErrAborted = errors.New("generation aborted")

// AbortMode controls what the decoder does when the cancellation signal
// fires mid-stream.
type AbortMode string

const (
	// AbortModeThrow raises an ErrAborted-wrapped error.
	AbortModeThrow AbortMode = "throw"
	// AbortModeReturn returns the accumulated state with Aborted set.
	AbortModeReturn AbortMode = "return"
)

// Options configures one decode pass.
type Options struct {
	// IncludeThoughts enables accumulation of thought parts. When false,
	// thought deltas are dropped.
	IncludeThoughts bool
	AbortMode       AbortMode
}

// Image is one inline image delivered mid-stream.
type Image struct {
	MIMEType         string
	Data             []byte
	ThoughtSignature string
	Thought          bool
}

// FallbackMeta is the payload of a fallback event.
type FallbackMeta struct {
	// Mode is "restart" (discard accumulated text/thinking) or "continue"
	// (keep them). An empty mode behaves like "continue".
	Mode string `json:"mode,omitempty"`
}

// Callbacks receive incremental output as it is decoded. Any callback may be
// nil.
type Callbacks struct {
	OnText          func(delta string)
	OnThinking      func(delta string)
	OnImage         func(img Image)
	OnFinishReason  func(reason string)
	OnGrounding     func(rendered string)
	OnFallbackStart func(meta FallbackMeta)
}

// Result is the accumulated state of one generation.
type Result struct {
	Text                string
	Thinking            string
	TextSignature       string
	FinishReason        string
	GroundingContent    string
	Images              []Image
	Aborted             bool
	FallbackModeEngaged bool
}

// Decoder accumulates one generation's output. It is also used directly by
// the SDK transport, which feeds generation chunks through ProcessChunk
// without any event framing.
type Decoder struct {
	opts Options
	cb   Callbacks
	res  Result

	fallbackMode      bool
	signatureCaptured bool
}

func NewDecoder(opts Options, cb Callbacks) *Decoder {
	if opts.AbortMode == "" {
		opts.AbortMode = AbortModeThrow
	}
	return &Decoder{opts: opts, cb: cb}
}

// Result returns the state accumulated so far.
func (d *Decoder) Result() *Result {
	return &d.res
}

// Decode consumes the event stream until done, error, or EOF. The
// cancellation signal is checked once per read iteration, before blocking on
// the next line; a buffered event is never interrupted mid-parse.
func (d *Decoder) Decode(ctx context.Context, body io.Reader) (*Result, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var eventName string
	var dataLines []string
	for {
		if ctx.Err() != nil {
			return d.Abort()
		}
		if !scanner.Scan() {
			if ctx.Err() != nil {
				return d.Abort()
			}
			break
		}
		line := scanner.Text()
		switch {
		case line == "":
			done, err := d.flushEvent(eventName, dataLines)
			eventName, dataLines = "", nil
			if err != nil {
				return nil, err
			}
			if done {
				return &d.res, nil
			}
		case strings.HasPrefix(line, ":"):
			// Comment/keepalive line.
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return d.Abort()
		}
		return nil, fmt.Errorf("stream read failed: %w", err)
	}
	// Tolerate a final event without a trailing blank line.
	if _, err := d.flushEvent(eventName, dataLines); err != nil {
		return nil, err
	}
	return &d.res, nil
}

// Abort resolves the decoder according to its abort mode: either the
// accumulated state with Aborted set, or an ErrAborted-wrapped error.
func (d *Decoder) Abort() (*Result, error) {
	if d.opts.AbortMode == AbortModeReturn {
		d.res.Aborted = true
		return &d.res, nil
	}
	return nil, fmt.Errorf("stream read stopped: %w", ErrAborted)
}

// flushEvent dispatches one complete event. It reports done=true when the
// stream signalled completion and any further content should be ignored.
func (d *Decoder) flushEvent(name string, dataLines []string) (done bool, err error) {
	if name == "" && len(dataLines) == 0 {
		return false, nil
	}
	data := strings.Join(dataLines, "\n")
	switch name {
	case "", "message":
		if d.fallbackMode {
			return false, d.processFallbackDelta(data)
		}
		return false, d.processGenerationChunk(data)
	case "error":
		return false, fmt.Errorf("backend error: %s", strings.TrimSpace(data))
	case "done":
		return true, nil
	case "fallback":
		return false, d.engageFallback(data)
	default:
		// Unknown event names are skipped so protocol additions stay
		// backwards compatible.
		return false, nil
	}
}

func (d *Decoder) processGenerationChunk(data string) error {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" {
		return nil
	}
	var chunk genai.GenerateContentResponse
	if err := json.Unmarshal([]byte(trimmed), &chunk); err != nil {
		return fmt.Errorf("malformed generation chunk: %w", err)
	}
	d.ProcessChunk(&chunk)
	return nil
}

// ProcessChunk folds one generation chunk into the accumulated state, firing
// the incremental callbacks. Used both by the framed decode loop and by the
// SDK transport, which receives chunks already parsed.
func (d *Decoder) ProcessChunk(chunk *genai.GenerateContentResponse) {
	if chunk == nil {
		return
	}
	for _, candidate := range chunk.Candidates {
		if candidate == nil {
			continue
		}
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				d.processPart(part)
			}
		}
		if candidate.FinishReason != "" && d.res.FinishReason == "" {
			d.res.FinishReason = string(candidate.FinishReason)
			if d.cb.OnFinishReason != nil {
				d.cb.OnFinishReason(d.res.FinishReason)
			}
		}
		if d.res.GroundingContent == "" {
			if rendered := groundingRenderedContent(candidate.GroundingMetadata); rendered != "" {
				d.res.GroundingContent = rendered
				if d.cb.OnGrounding != nil {
					d.cb.OnGrounding(rendered)
				}
			}
		}
	}
}

func (d *Decoder) processPart(part *genai.Part) {
	if part == nil {
		return
	}
	switch {
	case part.Thought && part.Text != "":
		if !d.opts.IncludeThoughts {
			return
		}
		d.res.Thinking += part.Text
		if d.cb.OnThinking != nil {
			d.cb.OnThinking(part.Text)
		}
	case part.Text != "":
		d.res.Text += part.Text
		if !d.signatureCaptured && len(part.ThoughtSignature) > 0 {
			d.res.TextSignature = base64.StdEncoding.EncodeToString(part.ThoughtSignature)
			d.signatureCaptured = true
		}
		if d.cb.OnText != nil {
			d.cb.OnText(part.Text)
		}
	case part.InlineData != nil:
		img := Image{
			MIMEType: part.InlineData.MIMEType,
			Data:     part.InlineData.Data,
			Thought:  part.Thought,
		}
		if len(part.ThoughtSignature) > 0 {
			img.ThoughtSignature = base64.StdEncoding.EncodeToString(part.ThoughtSignature)
		}
		d.res.Images = append(d.res.Images, img)
		if d.cb.OnImage != nil {
			d.cb.OnImage(img)
		}
	}
}

// engageFallback switches the decoder to the fallback delta schema. A
// restart discards accumulated text/thinking because the backend regenerates
// from scratch; finish reason, grounding, and images always reset since they
// belong to the abandoned generation phase.
func (d *Decoder) engageFallback(data string) error {
	var meta FallbackMeta
	trimmed := strings.TrimSpace(data)
	if trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &meta); err != nil {
			return fmt.Errorf("malformed fallback event: %w", err)
		}
	}
	d.fallbackMode = true
	d.res.FallbackModeEngaged = true
	if meta.Mode == "restart" {
		d.res.Text = ""
		d.res.Thinking = ""
		d.res.TextSignature = ""
		d.signatureCaptured = false
	}
	d.res.FinishReason = ""
	d.res.GroundingContent = ""
	d.res.Images = nil
	if d.cb.OnFallbackStart != nil {
		d.cb.OnFallbackStart(meta)
	}
	return nil
}

// fallbackDelta is the chat-completion-style payload schema used after a
// fallback event.
type fallbackDelta struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
		} `json:"delta"`
	} `json:"choices"`
}

func (d *Decoder) processFallbackDelta(data string) error {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" || trimmed == "[DONE]" || trimmed == "{}" {
		return nil
	}
	var delta fallbackDelta
	if err := json.Unmarshal([]byte(trimmed), &delta); err != nil {
		return fmt.Errorf("malformed fallback delta: %w", err)
	}
	if len(delta.Choices) == 0 {
		return nil
	}
	choice := delta.Choices[0].Delta
	if choice.Reasoning != "" && d.opts.IncludeThoughts {
		d.res.Thinking += choice.Reasoning
		if d.cb.OnThinking != nil {
			d.cb.OnThinking(choice.Reasoning)
		}
	}
	if choice.Content != "" {
		d.res.Text += choice.Content
		if d.cb.OnText != nil {
			d.cb.OnText(choice.Content)
		}
	}
	return nil
}

func groundingRenderedContent(meta *genai.GroundingMetadata) string {
	if meta == nil || meta.SearchEntryPoint == nil {
		return ""
	}
	return meta.SearchEntryPoint.RenderedContent
}
