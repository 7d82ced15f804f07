package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	. "github.com/loopworks/relay/internal/logging"
	. "github.com/loopworks/relay/internal/metrics"
	"github.com/loopworks/relay/internal/types"
)

// oauthKeyPrefix marks OAuth bearer tokens. They use Authorization: Bearer
// plus a beta header instead of x-api-key.
const (
	oauthKeyPrefix  = "sk-ant-oat"
	oauthBetaHeader = "oauth-2025-04-20"
)

// AnthropicProvider implements the Provider interface over the Anthropic
// Messages API. Also works with Messages-compatible endpoints via BaseURL.
type AnthropicProvider struct {
	name          string
	client        *anthropic.Client
	model         string
	cfg           ProviderConfig
	maxTokens     int
	contextTokens int
	promptCaching bool
	meta          *Metadata
	metricPrefix  string
}

// NewAnthropicProvider creates an Anthropic-family adapter. OAuth tokens
// (sk-ant-oat prefix) switch the auth mode automatically.
func NewAnthropicProvider(name string, cfg ProviderConfig, model string, meta *Metadata) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key not configured for provider %q", name)
	}

	if meta == nil {
		meta = DefaultMetadata()
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(newHTTPClient(cfg.TimeoutSeconds)),
	}
	if strings.HasPrefix(cfg.APIKey, oauthKeyPrefix) {
		opts = append(opts,
			option.WithAuthToken(cfg.APIKey),
			option.WithHeader("anthropic-beta", oauthBetaHeader),
		)
		L_debug("anthropic: using OAuth bearer auth", "provider", name)
	} else {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{
		name:          name,
		client:        &client,
		model:         model,
		cfg:           cfg,
		maxTokens:     meta.MaxTokensFor(model, cfg.MaxTokens),
		contextTokens: meta.ContextWindowFor(model, cfg.ContextTokens),
		promptCaching: cfg.PromptCaching,
		meta:          meta,
		metricPrefix:  fmt.Sprintf("llm/%s/%s/%s", FamilyAnthropic, name, model),
	}, nil
}

func (p *AnthropicProvider) Name() string   { return p.name }
func (p *AnthropicProvider) Family() string { return FamilyAnthropic }
func (p *AnthropicProvider) Model() string  { return p.model }

// WithModel returns a clone bound to a different model, sharing the client.
func (p *AnthropicProvider) WithModel(model string) Provider {
	clone := *p
	clone.model = model
	clone.maxTokens = p.meta.MaxTokensFor(model, p.cfg.MaxTokens)
	clone.contextTokens = p.meta.ContextWindowFor(model, p.cfg.ContextTokens)
	clone.metricPrefix = fmt.Sprintf("llm/%s/%s/%s", FamilyAnthropic, p.name, model)
	return &clone
}

func (p *AnthropicProvider) ContextTokens() int { return p.contextTokens }
func (p *AnthropicProvider) MaxTokens() int     { return p.maxTokens }

// Complete sends one Messages request, streaming unless the model is in the
// provider's streamingOff list.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*Response, error) {
	startTime := time.Now()

	anthropicMessages := convertAnthropicMessages(req.Messages)

	estimatedInput := EstimateMessages(req.System, req.Messages)
	maxTokens := CapMaxTokens(p.maxTokens, p.contextTokens, estimatedInput, 100)
	if p.contextTokens > 0 {
		MetricThreshold(p.metricPrefix, "context_fill",
			float64(estimatedInput)*SafetyMargin, float64(p.contextTokens))
	}
	if maxTokens != p.maxTokens {
		L_debug("anthropic: capped max_tokens to fit context",
			"provider", p.name,
			"original", p.maxTokens,
			"capped", maxTokens,
			"contextWindow", p.contextTokens,
			"estimatedInput", estimatedInput)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages:  anthropicMessages,
	}

	if req.System != "" {
		block := anthropic.TextBlockParam{Text: req.System}
		if p.promptCaching {
			// System prompt is stable across turns; caching it cuts input cost
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = []anthropic.TextBlockParam{block}
	}

	L_debug("anthropic: request", "provider", p.name, "model", p.model, "messages", len(anthropicMessages), "maxTokens", maxTokens)

	var resp *Response
	var err error
	if req.NoStream || p.cfg.StreamingDisabled(p.model) {
		resp, err = p.completeOnce(ctx, params, req.OnDelta)
	} else {
		resp, err = p.streamOnce(ctx, params, req.OnDelta)
	}
	if err != nil {
		MetricDuration(p.metricPrefix, "complete", time.Since(startTime))
		MetricFailWithReason(p.metricPrefix, "complete", "request_error")
		return nil, err
	}

	if resp.Text == "" {
		MetricFailWithReason(p.metricPrefix, "complete", "no_content")
		return nil, fmt.Errorf("anthropic: empty response (stopReason: %s)", resp.FinishReason)
	}

	duration := time.Since(startTime)
	MetricDuration(p.metricPrefix, "complete", duration)
	MetricAdd(p.metricPrefix, "input_tokens", int64(resp.InputTokens))
	MetricAdd(p.metricPrefix, "output_tokens", int64(resp.OutputTokens))
	MetricSuccess(p.metricPrefix, "complete")
	if resp.FinishReason != "" {
		MetricOutcome(p.metricPrefix, "finish_reason", resp.FinishReason)
	}
	if p.promptCaching {
		if resp.cacheReadTokens > 0 {
			MetricHit(p.metricPrefix, "prompt_cache")
		} else {
			MetricMiss(p.metricPrefix, "prompt_cache")
		}
	}

	L_info("anthropic: request completed",
		"provider", p.name,
		"duration", duration.Round(time.Millisecond),
		"inputTokens", resp.InputTokens,
		"outputTokens", resp.OutputTokens)

	return resp, nil
}

// streamOnce runs the streaming path, accumulating deltas as they arrive.
func (p *AnthropicProvider) streamOnce(ctx context.Context, params anthropic.MessageNewParams, onDelta func(string)) (*Response, error) {
	stream := p.client.Messages.NewStreaming(ctx, params)

	response := &Response{}
	message := anthropic.Message{}
	var text strings.Builder
	var thinking strings.Builder

	for stream.Next() {
		event := stream.Current()

		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic: accumulate error: %w", err)
		}

		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if onDelta != nil {
					onDelta(deltaVariant.Text)
				}
				text.WriteString(deltaVariant.Text)
			case anthropic.ThinkingDelta:
				thinking.WriteString(deltaVariant.Thinking)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: stream error: %w", err)
	}

	response.Text = text.String()
	if response.Text == "" {
		// Compatible endpoints occasionally skip delta events; fall back to
		// the accumulated content blocks
		response.Text = concatTextBlocks(message.Content)
	}
	response.Thinking = thinking.String()
	response.FinishReason = string(message.StopReason)
	response.InputTokens = int(message.Usage.InputTokens)
	response.OutputTokens = int(message.Usage.OutputTokens)
	response.cacheReadTokens = int(message.Usage.CacheReadInputTokens)

	return response, nil
}

// completeOnce runs the non-streaming path.
func (p *AnthropicProvider) completeOnce(ctx context.Context, params anthropic.MessageNewParams, onDelta func(string)) (*Response, error) {
	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}

	response := &Response{
		Text:            concatTextBlocks(message.Content),
		FinishReason:    string(message.StopReason),
		InputTokens:     int(message.Usage.InputTokens),
		OutputTokens:    int(message.Usage.OutputTokens),
		cacheReadTokens: int(message.Usage.CacheReadInputTokens),
	}
	if response.Text != "" && onDelta != nil {
		onDelta(response.Text)
	}
	return response, nil
}

// concatTextBlocks joins all text blocks of a Messages response.
func concatTextBlocks(blocks []anthropic.ContentBlockUnion) string {
	var b strings.Builder
	for _, block := range blocks {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(variant.Text)
		}
	}
	return b.String()
}

// convertAnthropicMessages maps session messages to Messages API params.
// System messages are folded into the request's System field by the caller,
// consecutive same-role messages are merged, and a sentinel user message is
// inserted when the conversation would otherwise start with the assistant.
func convertAnthropicMessages(messages []types.Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == types.RoleSystem {
			continue
		}
		if msg.Content == "" && !msg.HasImages() {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if msg.Role == types.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}

		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, img := range msg.Images {
			blocks = append(blocks, anthropic.NewImageBlockBase64(img.MimeType, img.Data))
		}

		// The API rejects consecutive same-role messages; merge blocks into
		// the previous one
		if len(result) > 0 && result[len(result)-1].Role == role {
			last := &result[len(result)-1]
			last.Content = append(last.Content, blocks...)
			continue
		}

		result = append(result, anthropic.MessageParam{Role: role, Content: blocks})
	}

	if len(result) > 0 && result[0].Role != anthropic.MessageParamRoleUser {
		sentinel := anthropic.NewUserMessage(anthropic.NewTextBlock("."))
		result = append([]anthropic.MessageParam{sentinel}, result...)
	}

	return result
}
