package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loopworks/relay/internal/types"
)

func newGeminiTestProvider(t *testing.T, handler http.Handler) *GeminiProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := ProviderConfig{Family: FamilyGemini, APIKey: "test-key", BaseURL: srv.URL, MaxTokens: 512}
	return NewGeminiProvider("gemini", cfg, "gemini-2.5-flash", nil)
}

func TestGeminiComplete(t *testing.T) {
	var gotPath, gotKey, gotContentType string
	var gotBody geminiRequest

	p := newGeminiTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "The answer is 4."}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 42, "candidatesTokenCount": 7}
		}`))
	}))

	var deltas []string
	resp, err := p.Complete(context.Background(), CompletionRequest{
		System: "be brief",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "warmup"},
			{Role: types.RoleAssistant, Content: "ready"},
			{Role: types.RoleUser, Content: "what is 2+2?", Images: []types.ImageAttachment{{Data: "aGVsbG8=", MimeType: "image/png"}}},
		},
		OnDelta: func(s string) { deltas = append(deltas, s) },
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	if gotPath != "/models/gemini-2.5-flash:generateContent" {
		t.Errorf("path = %q, want /models/gemini-2.5-flash:generateContent", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("key = %q, want test-key", gotKey)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}

	if len(gotBody.Contents) != 1 || gotBody.Contents[0].Role != "user" {
		t.Fatalf("contents = %+v, want a single user content", gotBody.Contents)
	}
	parts := gotBody.Contents[0].Parts
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want text + image", len(parts))
	}
	if !strings.HasPrefix(parts[0].Text, "SYSTEM CONTEXT: be brief") {
		t.Errorf("blob = %q, want SYSTEM CONTEXT prefix", parts[0].Text)
	}
	if !strings.HasSuffix(parts[0].Text, "\n\nUser: what is 2+2?") {
		t.Errorf("blob = %q, want the latest user text last", parts[0].Text)
	}
	if parts[1].InlineData == nil || parts[1].InlineData.MimeType != "image/png" || parts[1].InlineData.Data != "aGVsbG8=" {
		t.Errorf("image part = %+v, want inline png data", parts[1])
	}
	if gotBody.GenerationConfig == nil || gotBody.GenerationConfig.MaxOutputTokens != 512 {
		t.Errorf("generationConfig = %+v, want maxOutputTokens 512", gotBody.GenerationConfig)
	}

	if resp.Text != "The answer is 4." {
		t.Errorf("Text = %q, want the candidate text", resp.Text)
	}
	if resp.FinishReason != "STOP" {
		t.Errorf("FinishReason = %q, want STOP", resp.FinishReason)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 7 {
		t.Errorf("tokens = %d/%d, want 42/7", resp.InputTokens, resp.OutputTokens)
	}
	if len(deltas) != 1 || deltas[0] != "The answer is 4." {
		t.Errorf("deltas = %v, want the whole text as one delta", deltas)
	}
}

func TestGeminiCompleteAPIError(t *testing.T) {
	p := newGeminiTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"code": 429, "message": "quota exhausted", "status": "RESOURCE_EXHAUSTED"}}`))
	}))

	_, err := p.Complete(context.Background(), CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("Complete() returned nil error on 429")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "quota exhausted") {
		t.Errorf("error = %q, want status and API message surfaced", err)
	}
	if got := ClassifyError(err); got != ErrRateLimit {
		t.Errorf("ClassifyError = %v, want %v", got, ErrRateLimit)
	}
}

func TestGeminiCompleteNoCandidates(t *testing.T) {
	p := newGeminiTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	}))

	_, err := p.Complete(context.Background(), CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("Complete() returned nil error on empty candidates")
	}
	if got := ClassifyError(err); got != ErrEmptyResponse {
		t.Errorf("ClassifyError = %v, want %v", got, ErrEmptyResponse)
	}
}

func TestGeminiCompleteBlockedContent(t *testing.T) {
	p := newGeminiTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": [{"finishReason": "SAFETY"}]}`))
	}))

	_, err := p.Complete(context.Background(), CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("Complete() returned nil error for a contentless candidate")
	}
	if !strings.Contains(err.Error(), "SAFETY") {
		t.Errorf("error = %q, want the finish reason surfaced", err)
	}
}

func TestGeminiCompleteTokenEstimateFallback(t *testing.T) {
	// No usageMetadata in the response; the adapter estimates instead.
	p := newGeminiTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "fine"}]}, "finishReason": "STOP"}]}`))
	}))

	resp, err := p.Complete(context.Background(), CompletionRequest{
		Messages: []types.Message{{Role: types.RoleUser, Content: "a perfectly ordinary question"}},
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.InputTokens <= 0 || resp.OutputTokens <= 0 {
		t.Errorf("tokens = %d/%d, want estimates > 0", resp.InputTokens, resp.OutputTokens)
	}
}

func TestGeminiCollapseMessages(t *testing.T) {
	p := NewGeminiProvider("gemini", ProviderConfig{APIKey: "k"}, "gemini-2.5-flash", nil)

	blob, images := p.collapseMessages("sys", []types.Message{
		{Role: types.RoleUser, Content: "hello", Images: []types.ImageAttachment{{Data: "eA==", MimeType: "image/png"}}},
		{Role: types.RoleAssistant, Content: "hi"},
		{Role: types.RoleSystem, Content: "note"},
		{Role: types.RoleUser, Content: "final", Images: []types.ImageAttachment{{Data: "Zg==", MimeType: "image/png"}}},
	})

	want := "SYSTEM CONTEXT: sys\nUser: hello [image attached]\nAssistant: hi\nnote\n\nUser: final"
	if blob != want {
		t.Errorf("blob = %q, want %q", blob, want)
	}
	if len(images) != 1 || images[0].Data != "Zg==" {
		t.Errorf("images = %+v, want only the last message's image", images)
	}
}

func TestGeminiCollapseMessagesBare(t *testing.T) {
	p := NewGeminiProvider("gemini", ProviderConfig{APIKey: "k"}, "gemini-2.5-flash", nil)

	blob, images := p.collapseMessages("", []types.Message{{Role: types.RoleUser, Content: "hi"}})
	if blob != "\n\nUser: hi" {
		t.Errorf("blob = %q, want %q", blob, "\n\nUser: hi")
	}
	if images != nil {
		t.Errorf("images = %+v, want none", images)
	}
}

func TestGeminiWithModel(t *testing.T) {
	p := NewGeminiProvider("gemini", ProviderConfig{APIKey: "k"}, "gemini-2.5-flash", nil)

	q := p.WithModel("gemini-2.5-pro")
	if q.Model() != "gemini-2.5-pro" {
		t.Errorf("clone model = %q, want gemini-2.5-pro", q.Model())
	}
	if p.Model() != "gemini-2.5-flash" {
		t.Errorf("original model = %q, want unchanged", p.Model())
	}
	if q.Name() != "gemini" || q.Family() != FamilyGemini {
		t.Errorf("clone identity = %s/%s, want gemini/%s", q.Name(), q.Family(), FamilyGemini)
	}
}
