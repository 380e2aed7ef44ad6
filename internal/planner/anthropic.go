package planner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stephengodman/ios-agent-runner/internal/action"
	"github.com/stephengodman/ios-agent-runner/internal/config"
	"github.com/stephengodman/ios-agent-runner/internal/device"
)

const anthropicVersion = "2023-06-01"

// Anthropic is the production Planner backed by the Messages API.
type Anthropic struct {
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
	tools     []anthropicTool
	client    *http.Client
	logger    *slog.Logger
}

// NewAnthropic builds a planner from config. The API key is required here
// because only the online path constructs a planner.
func NewAnthropic(cfg config.Config, geom device.Geometry, logger *slog.Logger) (*Anthropic, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("planner: ANTHROPIC_API_KEY is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Anthropic{
		apiKey:    cfg.AnthropicAPIKey,
		baseURL:   strings.TrimRight(cfg.AnthropicBaseURL, "/"),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		tools:     encodeTools(buildTools(geom)),
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		logger:    logger,
	}, nil
}

// Wire types for the Messages API. The x-api-key header and the separate
// system field distinguish it from OpenAI-shaped APIs.
type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string             `json:"type"` // text, image, tool_use, tool_result
	Text      string             `json:"text,omitempty"`
	ID        string             `json:"id,omitempty"`
	Name      string             `json:"name,omitempty"`
	Input     json.RawMessage    `json:"input,omitempty"`
	ToolUseID string             `json:"tool_use_id,omitempty"`
	Content   []anthropicContent `json:"content,omitempty"` // tool_result payload
	Source    *anthropicImage    `json:"source,omitempty"`
}

type anthropicImage struct {
	Type      string `json:"type"` // base64
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Plan sends the conversation and decodes the model's verdict.
func (a *Anthropic) Plan(ctx context.Context, history []Message) (Decision, error) {
	req := anthropicRequest{
		Model:     a.model,
		Messages:  encodeHistory(history),
		System:    systemPrompt,
		MaxTokens: a.maxTokens,
		Tools:     a.tools,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("planner: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("planner: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Decision{}, fmt.Errorf("planner: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Decision{}, fmt.Errorf("planner: read response: %w", err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Decision{}, fmt.Errorf("planner: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return Decision{}, fmt.Errorf("planner: api status %d: %s", resp.StatusCode, msg)
	}

	a.logger.Debug("planner: model response",
		"latency_ms", time.Since(start).Milliseconds(),
		"stop_reason", parsed.StopReason)

	return decodeDecision(parsed)
}

func decodeDecision(resp anthropicResponse) (Decision, error) {
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "tool_use":
			var params action.Params
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &params); err != nil {
					return Decision{}, fmt.Errorf("planner: decode tool input for %s: %w", block.Name, err)
				}
			}
			return Decision{Call: &action.Call{
				Name:      action.Name(block.Name),
				Params:    params,
				ID:        block.ID,
				Reasoning: strings.TrimSpace(text.String()),
			}}, nil
		case "text":
			if text.Len() > 0 {
				text.WriteByte('\n')
			}
			text.WriteString(block.Text)
		}
	}
	return Decision{Text: strings.TrimSpace(text.String())}, nil
}

func encodeHistory(history []Message) []anthropicMessage {
	var out []anthropicMessage
	for _, m := range history {
		switch {
		case m.Call != nil:
			input, _ := json.Marshal(m.Call.Params)
			content := []anthropicContent{}
			if m.Call.Reasoning != "" {
				content = append(content, anthropicContent{Type: "text", Text: m.Call.Reasoning})
			}
			content = append(content, anthropicContent{
				Type:  "tool_use",
				ID:    m.Call.ID,
				Name:  string(m.Call.Name),
				Input: input,
			})
			out = append(out, anthropicMessage{Role: RoleAssistant, Content: content})
		case m.Result != nil:
			payload := []anthropicContent{{Type: "text", Text: m.Result.Text}}
			if len(m.Result.Image) > 0 {
				payload = append(payload, imageContent(m.Result.Image))
			}
			out = append(out, anthropicMessage{Role: RoleUser, Content: []anthropicContent{{
				Type:      "tool_result",
				ToolUseID: m.Result.CallID,
				Content:   payload,
			}}})
		default:
			content := []anthropicContent{{Type: "text", Text: m.Text}}
			if len(m.Image) > 0 {
				content = append(content, imageContent(m.Image))
			}
			out = append(out, anthropicMessage{Role: m.Role, Content: content})
		}
	}
	return out
}

func imageContent(png []byte) anthropicContent {
	return anthropicContent{
		Type: "image",
		Source: &anthropicImage{
			Type:      "base64",
			MediaType: "image/png",
			Data:      base64.StdEncoding.EncodeToString(png),
		},
	}
}

// jsonSchema is the minimal object-schema shape the tools API accepts.
type jsonSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]jsonSchemaProp `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

type jsonSchemaProp struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

func encodeTools(specs []toolSpec) []anthropicTool {
	out := make([]anthropicTool, 0, len(specs))
	for _, spec := range specs {
		schema := jsonSchema{Type: "object", Properties: map[string]jsonSchemaProp{}}
		for name, prop := range spec.Properties {
			schema.Properties[name] = jsonSchemaProp{
				Type:        prop.Type,
				Description: prop.Description,
				Enum:        prop.Enum,
			}
		}
		schema.Required = spec.Required
		raw, _ := json.Marshal(schema)
		out = append(out, anthropicTool{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: raw,
		})
	}
	return out
}
