package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	. "github.com/loopworks/relay/internal/logging"
	. "github.com/loopworks/relay/internal/metrics"
	"github.com/loopworks/relay/internal/types"
)

const (
	// deltaBatchSize groups streamed tokens before emission so delta
	// consumers are not called per-token.
	deltaBatchSize = 8

	// nvidiaColdStartRetries rides out 502/503/504 while the backend
	// spins a cold model up.
	nvidiaColdStartRetries = 2
	nvidiaColdStartSleep   = 10 * time.Second

	// localTrimRatio is the share of the context window local models may
	// fill before oldest messages are dropped.
	localTrimRatio = 0.8
)

// openRouterTransport adds attribution headers to OpenRouter requests.
type openRouterTransport struct {
	base http.RoundTripper
}

func (t *openRouterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("HTTP-Referer", "https://github.com/loopworks/relay")
	req.Header.Set("X-Title", "Relay")
	if t.base == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.base.RoundTrip(req)
}

// extrasTransport merges per-model extra request fields into outgoing chat
// completion bodies. Backends like NVIDIA take thinking-mode switches as
// top-level JSON fields the client library has no knobs for, so they are
// configured as providers.<id>.extras.<model> and injected here.
type extrasTransport struct {
	base   http.RoundTripper
	extras map[string]map[string]any
}

func (t *extrasTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.extras) > 0 && req.Body != nil && strings.HasSuffix(req.URL.Path, "/chat/completions") {
		if body, err := io.ReadAll(req.Body); err == nil {
			req.Body.Close()
			body = t.inject(body)
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
			req.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(body)), nil
			}
		}
	}
	if t.base == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.base.RoundTrip(req)
}

func (t *extrasTransport) inject(body []byte) []byte {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}
	model, _ := payload["model"].(string)
	extra, ok := t.extras[model]
	if !ok || len(extra) == 0 {
		return body
	}
	for k, v := range extra {
		payload[k] = v
	}
	merged, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	L_trace("openai: injected request extras", "model", model, "fields", len(extra))
	return merged
}

// OpenAIProvider implements the Provider interface for chat-completions
// compatible APIs: OpenAI, NVIDIA, Groq, Mistral, Cerebras, OpenRouter,
// HuggingFace, Kimi, Z.ai, MiniMax, Ollama, xAI and friends via BaseURL.
type OpenAIProvider struct {
	name          string
	client        *openai.Client
	model         string
	cfg           ProviderConfig
	maxTokens     int
	contextTokens int
	meta          *Metadata
	metricPrefix  string
	isNvidia      bool
}

// NewOpenAIProvider creates a chat-completions adapter. The API key is
// optional for local servers (Ollama, LM Studio).
func NewOpenAIProvider(name string, cfg ProviderConfig, model string, meta *Metadata) *OpenAIProvider {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "not-needed"
	}

	if meta == nil {
		meta = DefaultMetadata()
	}

	baseURL := cfg.BaseURL
	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		clientCfg.BaseURL = baseURL
	}

	httpClient := newHTTPClient(cfg.TimeoutSeconds)
	var transport http.RoundTripper = httpClient.Transport
	if strings.Contains(strings.ToLower(baseURL), "openrouter") {
		transport = &openRouterTransport{base: transport}
		L_debug("openai: using OpenRouter attribution headers", "provider", name)
	}
	if len(cfg.Extras) > 0 {
		transport = &extrasTransport{base: transport, extras: cfg.Extras}
	}
	httpClient.Transport = transport
	clientCfg.HTTPClient = httpClient

	return &OpenAIProvider{
		name:          name,
		client:        openai.NewClientWithConfig(clientCfg),
		model:         model,
		cfg:           cfg,
		maxTokens:     meta.MaxTokensFor(model, cfg.MaxTokens),
		contextTokens: meta.ContextWindowFor(model, cfg.ContextTokens),
		meta:          meta,
		metricPrefix:  fmt.Sprintf("llm/%s/%s/%s", FamilyOpenAIChat, name, model),
		isNvidia:      strings.Contains(strings.ToLower(baseURL), "nvidia"),
	}
}

func (p *OpenAIProvider) Name() string   { return p.name }
func (p *OpenAIProvider) Family() string { return FamilyOpenAIChat }
func (p *OpenAIProvider) Model() string  { return p.model }

// WithModel returns a clone bound to a different model, sharing the client.
func (p *OpenAIProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	clone.maxTokens = p.meta.MaxTokensFor(model, p.cfg.MaxTokens)
	clone.contextTokens = p.meta.ContextWindowFor(model, p.cfg.ContextTokens)
	clone.metricPrefix = fmt.Sprintf("llm/%s/%s/%s", FamilyOpenAIChat, p.name, model)
	return &clone
}

func (p *OpenAIProvider) ContextTokens() int { return p.contextTokens }
func (p *OpenAIProvider) MaxTokens() int     { return p.maxTokens }

// Complete sends one chat completion. NVIDIA endpoints get two extra
// attempts when the backend is cold-starting.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (*Response, error) {
	attempts := 1
	if p.isNvidia {
		attempts += nvidiaColdStartRetries
	}

	var resp *Response
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err = p.completeAttempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		if attempt < attempts-1 && isColdStartError(err) {
			L_warn("openai: cold-start response, retrying",
				"provider", p.name,
				"model", p.model,
				"attempt", attempt+1,
				"error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(nvidiaColdStartSleep):
			}
			continue
		}
		break
	}
	return resp, err
}

// isColdStartError reports whether the error looks like a gateway-level
// failure from a backend that has not finished loading the model.
func isColdStartError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.HTTPStatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return containsAny(strings.ToLower(err.Error()), "502", "503", "504", "bad gateway", "gateway timeout")
}

func (p *OpenAIProvider) completeAttempt(ctx context.Context, req CompletionRequest) (*Response, error) {
	startTime := time.Now()

	messages := req.Messages
	if req.TrimContext && p.cfg.IsLocal {
		budget := int(float64(p.contextTokens) * localTrimRatio)
		var dropped int
		messages, dropped = TrimToContext(req.System, messages, budget)
		if dropped > 0 {
			L_info("openai: trimmed oldest messages to fit local context",
				"provider", p.name,
				"model", p.model,
				"dropped", dropped,
				"budget", budget)
		}
	}

	openaiMessages := convertOpenAIMessages(req.System, messages)

	estimatedInput := EstimateMessages(req.System, messages)
	maxTokens := CapMaxTokens(p.maxTokens, p.contextTokens, estimatedInput, 100)
	if p.contextTokens > 0 {
		MetricThreshold(p.metricPrefix, "context_fill",
			float64(estimatedInput)*SafetyMargin, float64(p.contextTokens))
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: maxTokens,
		Messages:  openaiMessages,
	}

	L_debug("openai: request",
		"provider", p.name,
		"model", p.model,
		"messages", len(openaiMessages),
		"maxTokens", maxTokens)

	var resp *Response
	var err error
	if req.NoStream || p.cfg.StreamingDisabled(p.model) {
		resp, err = p.completeOnce(ctx, chatReq, req.OnDelta)
	} else {
		resp, err = p.streamOnce(ctx, chatReq, req.OnDelta)
	}
	if err != nil {
		MetricDuration(p.metricPrefix, "complete", time.Since(startTime))
		MetricFailWithReason(p.metricPrefix, "complete", "request_error")
		return nil, err
	}

	// Local reasoning models sometimes put everything in reasoning_content
	if resp.Text == "" && resp.Thinking != "" {
		resp.Text = "[Reasoning] " + resp.Thinking
	}

	if resp.Text == "" {
		MetricFailWithReason(p.metricPrefix, "complete", "no_content")
		return nil, fmt.Errorf("openai: empty response (finishReason: %s)", resp.FinishReason)
	}

	if resp.InputTokens == 0 {
		resp.InputTokens = estimatedInput
	}
	if resp.OutputTokens == 0 {
		resp.OutputTokens = EstimateTokens(resp.Text)
	}

	duration := time.Since(startTime)
	MetricDuration(p.metricPrefix, "complete", duration)
	MetricAdd(p.metricPrefix, "input_tokens", int64(resp.InputTokens))
	MetricAdd(p.metricPrefix, "output_tokens", int64(resp.OutputTokens))
	MetricSuccess(p.metricPrefix, "complete")
	if resp.FinishReason != "" {
		MetricOutcome(p.metricPrefix, "finish_reason", resp.FinishReason)
	}

	L_info("openai: request completed",
		"provider", p.name,
		"duration", duration.Round(time.Millisecond),
		"inputTokens", resp.InputTokens,
		"outputTokens", resp.OutputTokens)

	return resp, nil
}

// streamOnce reads the SSE stream, batching text deltas in groups of
// deltaBatchSize and accumulating incremental tool_call fragments.
func (p *OpenAIProvider) streamOnce(ctx context.Context, chatReq openai.ChatCompletionRequest, onDelta func(string)) (*Response, error) {
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: stream error: %w", describeAPIError(err))
	}
	defer stream.Close()

	response := &Response{}
	var text strings.Builder
	var thinking strings.Builder
	var toolCalls []openai.ToolCall
	var deltaBuf strings.Builder
	deltaCount := 0

	flush := func() {
		if deltaBuf.Len() > 0 && onDelta != nil {
			onDelta(deltaBuf.String())
		}
		deltaBuf.Reset()
		deltaCount = 0
	}

	for {
		chunk, recvErr := stream.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("openai: stream error: %w", describeAPIError(recvErr))
		}

		if chunk.ID != "" {
			response.GenerationID = chunk.ID
		}
		if chunk.Usage != nil {
			response.InputTokens = chunk.Usage.PromptTokens
			response.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]

		if choice.Delta.ReasoningContent != "" {
			thinking.WriteString(choice.Delta.ReasoningContent)
		}

		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			deltaBuf.WriteString(choice.Delta.Content)
			deltaCount++
			if deltaCount >= deltaBatchSize {
				flush()
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, openai.ToolCall{})
			}
			if tc.ID != "" && toolCalls[idx].ID == "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" && toolCalls[idx].Function.Name == "" {
				toolCalls[idx].Function.Name = tc.Function.Name
			}
			toolCalls[idx].Function.Arguments += tc.Function.Arguments
		}

		if choice.FinishReason != "" {
			response.FinishReason = string(choice.FinishReason)
		}
	}
	flush()

	response.Text = text.String()
	response.Thinking = thinking.String()

	// When the backend answered with a native tool call instead of text,
	// synthesize the tool-call JSON the orchestrator's extractor reads
	if response.Text == "" && len(toolCalls) > 0 {
		response.Text = synthesizeToolCall(toolCalls[0])
		L_debug("openai: synthesized tool call from stream",
			"provider", p.name,
			"tool", toolCalls[0].Function.Name)
	}

	return response, nil
}

// completeOnce runs the non-streaming fallback path.
func (p *OpenAIProvider) completeOnce(ctx context.Context, chatReq openai.ChatCompletionRequest, onDelta func(string)) (*Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", describeAPIError(err))
	}

	response := &Response{GenerationID: resp.ID}
	response.InputTokens = resp.Usage.PromptTokens
	response.OutputTokens = resp.Usage.CompletionTokens

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty response (no choices)")
	}

	choice := resp.Choices[0]
	response.Text = choice.Message.Content
	response.Thinking = choice.Message.ReasoningContent
	response.FinishReason = string(choice.FinishReason)

	// Native tool calls short-circuit into the text protocol
	if response.Text == "" && len(choice.Message.ToolCalls) > 0 {
		response.Text = synthesizeToolCall(choice.Message.ToolCalls[0])
		L_debug("openai: synthesized tool call from response",
			"provider", p.name,
			"tool", choice.Message.ToolCalls[0].Function.Name)
	}

	if response.Text != "" && onDelta != nil {
		onDelta(response.Text)
	}
	return response, nil
}

// synthesizeToolCall renders a native tool_call as the {"tool": …,
// "args": …} text form the extractor understands.
func synthesizeToolCall(tc openai.ToolCall) string {
	var args any
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			args = tc.Function.Arguments
		}
	} else {
		args = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{
		"tool": tc.Function.Name,
		"args": args,
	})
	if err != nil {
		return fmt.Sprintf(`{"tool": %q, "args": {}}`, tc.Function.Name)
	}
	return string(payload)
}

// describeAPIError unwraps the client library's error types so status codes
// and messages survive into the classifier.
func describeAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("status %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("status %d: %v", reqErr.HTTPStatusCode, reqErr.Err)
	}
	return err
}

// convertOpenAIMessages maps session messages to chat-completions form.
// The message list passes through verbatim; images become data-URI
// image_url parts on a multimodal content array.
func convertOpenAIMessages(system string, messages []types.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		switch msg.Role {
		case types.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case types.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}

		if msg.HasImages() {
			var parts []openai.ChatMessagePart
			for _, img := range msg.Images {
				dataURL := fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data)
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURL,
						Detail: openai.ImageURLDetailAuto,
					},
				})
			}
			if msg.Content != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: msg.Content,
				})
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:         role,
				MultiContent: parts,
			})
			continue
		}

		if msg.Content == "" {
			continue
		}
		result = append(result, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}

	return result
}
