package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	. "github.com/loopworks/relay/internal/logging"
	. "github.com/loopworks/relay/internal/metrics"
	"github.com/loopworks/relay/internal/types"
)

// GeminiDefaultBaseURL is the Google generative language endpoint.
const GeminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

const (
	connectTimeout = 30 * time.Second
	// Large models emit their first token slowly; the read timeout covers
	// the full request.
	defaultReadTimeout = 600 * time.Second
)

// newHTTPClient builds the shared adapter HTTP client: 30s connect,
// 600s (or per-provider override) overall.
func newHTTPClient(timeoutSeconds int) *http.Client {
	readTimeout := defaultReadTimeout
	if timeoutSeconds > 0 {
		readTimeout = time.Duration(timeoutSeconds) * time.Second
	}
	return &http.Client{
		Timeout: readTimeout,
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: readTimeout,
		},
	}
}

// GeminiProvider speaks the Gemini generateContent wire shape over plain
// HTTP. The whole conversation is collapsed into a single user content
// (SYSTEM CONTEXT blob + latest user text); only the newest message keeps
// its images, older ones degrade to a caption marker.
type GeminiProvider struct {
	name          string
	model         string
	apiKey        string
	baseURL       string
	cfg           ProviderConfig
	maxTokens     int
	contextTokens int
	client        *http.Client
	meta          *Metadata
	metricPrefix  string
}

// NewGeminiProvider creates a Gemini-family adapter.
func NewGeminiProvider(name string, cfg ProviderConfig, model string, meta *Metadata) *GeminiProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = GeminiDefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if meta == nil {
		meta = DefaultMetadata()
	}

	return &GeminiProvider{
		name:          name,
		model:         model,
		apiKey:        cfg.APIKey,
		baseURL:       baseURL,
		cfg:           cfg,
		maxTokens:     meta.MaxTokensFor(model, cfg.MaxTokens),
		contextTokens: meta.ContextWindowFor(model, cfg.ContextTokens),
		client:        newHTTPClient(cfg.TimeoutSeconds),
		meta:          meta,
		metricPrefix:  fmt.Sprintf("llm/%s/%s/%s", FamilyGemini, name, model),
	}
}

func (p *GeminiProvider) Name() string   { return p.name }
func (p *GeminiProvider) Family() string { return FamilyGemini }
func (p *GeminiProvider) Model() string  { return p.model }

// WithModel returns a copy bound to a different model, sharing the client.
func (p *GeminiProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	clone.maxTokens = p.meta.MaxTokensFor(model, p.cfg.MaxTokens)
	clone.contextTokens = p.meta.ContextWindowFor(model, p.cfg.ContextTokens)
	clone.metricPrefix = fmt.Sprintf("llm/%s/%s/%s", FamilyGemini, p.name, model)
	return &clone
}

func (p *GeminiProvider) ContextTokens() int { return p.contextTokens }
func (p *GeminiProvider) MaxTokens() int     { return p.maxTokens }

// --- Wire shapes ---

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // "user" or "model"
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata geminiUsage       `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content      *geminiContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Complete sends one generateContent request.
func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (*Response, error) {
	start := time.Now()

	blob, images := p.collapseMessages(req.System, req.Messages)

	parts := []geminiPart{{Text: blob}}
	for _, img := range images {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: img.MimeType,
			Data:     img.Data,
		}})
	}

	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
	}
	if p.maxTokens > 0 {
		body.GenerationConfig = &geminiGenConfig{MaxOutputTokens: p.maxTokens}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, p.model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	L_debug("gemini: request", "provider", p.name, "model", p.model, "blobChars", len(blob), "images", len(images))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		MetricFailWithReason(p.metricPrefix, "complete", "http")
		return nil, fmt.Errorf("gemini: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		MetricFailWithReason(p.metricPrefix, "complete", "read_body")
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		var apiErr geminiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		MetricFailWithReason(p.metricPrefix, "complete", fmt.Sprintf("http_%d", resp.StatusCode))
		return nil, fmt.Errorf("gemini: status %d: %s", resp.StatusCode, msg)
	}

	if len(raw) == 0 {
		MetricFailWithReason(p.metricPrefix, "complete", "empty_body")
		return nil, fmt.Errorf("gemini: empty response body")
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("gemini: parse response: %w", err)
	}

	if len(parsed.Candidates) == 0 {
		MetricFailWithReason(p.metricPrefix, "complete", "no_candidates")
		return nil, fmt.Errorf("gemini: no candidates in response")
	}

	cand := parsed.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		MetricFailWithReason(p.metricPrefix, "complete", "no_content")
		return nil, fmt.Errorf("gemini: empty response (finishReason: %s)", cand.FinishReason)
	}

	text := cand.Content.Parts[0].Text
	if text == "" {
		MetricFailWithReason(p.metricPrefix, "complete", "no_content")
		return nil, fmt.Errorf("gemini: empty response (finishReason: %s)", cand.FinishReason)
	}

	if req.OnDelta != nil {
		// Non-streaming family: the whole text arrives as one delta
		req.OnDelta(text)
	}

	inputTokens := parsed.UsageMetadata.PromptTokenCount
	outputTokens := parsed.UsageMetadata.CandidatesTokenCount
	if inputTokens == 0 {
		inputTokens = EstimateTokens(blob)
	}
	if outputTokens == 0 {
		outputTokens = EstimateTokens(text)
	}

	MetricDuration(p.metricPrefix, "complete", time.Since(start))
	MetricAdd(p.metricPrefix, "input_tokens", int64(inputTokens))
	MetricAdd(p.metricPrefix, "output_tokens", int64(outputTokens))
	MetricSuccess(p.metricPrefix, "complete")
	if cand.FinishReason != "" {
		MetricOutcome(p.metricPrefix, "finish_reason", cand.FinishReason)
	}

	L_debug("gemini: response",
		"provider", p.name,
		"model", p.model,
		"chars", len(text),
		"inputTokens", inputTokens,
		"outputTokens", outputTokens,
		"finishReason", cand.FinishReason,
	)

	return &Response{
		Text:         text,
		FinishReason: cand.FinishReason,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}, nil
}

// collapseMessages folds the system prompt and all non-last messages into a
// single SYSTEM CONTEXT text blob ending with the latest user text. Images
// survive only on the last message; earlier ones become caption markers.
func (p *GeminiProvider) collapseMessages(system string, messages []types.Message) (string, []types.ImageAttachment) {
	var b strings.Builder

	if system != "" {
		b.WriteString("SYSTEM CONTEXT: ")
		b.WriteString(system)
	}

	last := len(messages) - 1
	for i, m := range messages {
		if i == last {
			break
		}
		line := m.Content
		if m.HasImages() {
			line += " [image attached]"
		}
		switch m.Role {
		case types.RoleAssistant:
			b.WriteString("\nAssistant: ")
		case types.RoleSystem:
			b.WriteString("\n")
		default:
			b.WriteString("\nUser: ")
		}
		b.WriteString(line)
	}

	b.WriteString("\n\nUser: ")
	var images []types.ImageAttachment
	if last >= 0 {
		b.WriteString(messages[last].Content)
		images = messages[last].Images
	}

	return b.String(), images
}
