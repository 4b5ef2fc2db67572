package backend

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"google.golang.org/genai"

	"github.com/parley-chat/parley/pkg/stream"
)

// DirectClient is transport A: the SDK streaming call.
type DirectClient struct {
	client *genai.Client
	log    zerolog.Logger
}

// NewDirectClient creates the SDK transport. baseURL is optional and routes
// requests through a proxy host.
func NewDirectClient(ctx context.Context, apiKey, baseURL string, log zerolog.Logger) (*DirectClient, error) {
	config := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		config.HTTPOptions = genai.HTTPOptions{
			BaseURL: baseURL,
		}
	}
	client, err := genai.NewClient(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create SDK client: %w", err)
	}
	return &DirectClient{
		client: client,
		log:    log.With().Str("transport", "direct").Logger(),
	}, nil
}

// Generate streams one response through the SDK, folding every chunk into a
// stream decoder so callbacks and the result match the proxied transport.
// Cancellation follows the decoder's abort mode and is checked once per
// received chunk.
func (c *DirectClient) Generate(ctx context.Context, req Request, opts stream.Options, cb stream.Callbacks) (*stream.Result, error) {
	contents := toContents(req)
	config := buildConfig(req.Settings, opts)

	decoder := stream.NewDecoder(opts, cb)
	for chunk, err := range c.client.Models.GenerateContentStream(ctx, req.Settings.Model, contents, config) {
		if ctx.Err() != nil {
			return decoder.Abort()
		}
		if err != nil {
			return nil, fmt.Errorf("generation stream failed: %w", err)
		}
		decoder.ProcessChunk(chunk)
	}
	return decoder.Result(), nil
}

func toContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, msg := range req.History {
		role := genai.RoleUser
		if msg.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Text}},
		})
	}
	if req.Message != "" {
		contents = append(contents, &genai.Content{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: req.Message}},
		})
	}
	return contents
}

var safetyCategories = []genai.HarmCategory{
	genai.HarmCategoryHarassment,
	genai.HarmCategoryHateSpeech,
	genai.HarmCategorySexuallyExplicit,
	genai.HarmCategoryDangerousContent,
}

func buildConfig(settings Settings, opts stream.Options) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if settings.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: settings.SystemPrompt}},
		}
	}
	if settings.Temperature > 0 {
		config.Temperature = ptr.Ptr(float32(settings.Temperature))
	}
	if settings.MaxOutputTokens > 0 {
		config.MaxOutputTokens = settings.MaxOutputTokens
	}
	if settings.SafetyThreshold != "" {
		threshold := genai.HarmBlockThreshold(settings.SafetyThreshold)
		for _, category := range safetyCategories {
			config.SafetySettings = append(config.SafetySettings, &genai.SafetySetting{
				Category:  category,
				Threshold: threshold,
			})
		}
	}
	if opts.IncludeThoughts || settings.IncludeThoughts {
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
		}
	}
	return config
}
