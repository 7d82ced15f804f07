package llm

import "testing"

func TestModelsConfigDefaults(t *testing.T) {
	var c ModelsConfig

	if !c.GetAutoFallback() {
		t.Error("GetAutoFallback default = false, want true")
	}
	if !c.GetStreaming() {
		t.Error("GetStreaming default = false, want true")
	}
	if got := c.GetMaxTurns(); got != 50 {
		t.Errorf("GetMaxTurns default = %d, want 50", got)
	}
	if got := c.GetSpeakTimeout(); got != 600 {
		t.Errorf("GetSpeakTimeout default = %d, want 600", got)
	}
	if got := c.GetErrorThreshold(); got != 3 {
		t.Errorf("GetErrorThreshold default = %d, want 3", got)
	}
	if got := c.GetRecoveryTime(); got != 300 {
		t.Errorf("GetRecoveryTime default = %d, want 300", got)
	}

	off := false
	c.AutoFallback = &off
	c.Streaming = &off
	c.MaxTurns = 8
	c.SpeakTimeout = 120
	c.ErrorThreshold = 5
	c.RecoveryTimeSeconds = 60

	if c.GetAutoFallback() {
		t.Error("GetAutoFallback = true, want explicit false")
	}
	if c.GetStreaming() {
		t.Error("GetStreaming = true, want explicit false")
	}
	if got := c.GetMaxTurns(); got != 8 {
		t.Errorf("GetMaxTurns = %d, want 8", got)
	}
	if got := c.GetSpeakTimeout(); got != 120 {
		t.Errorf("GetSpeakTimeout = %d, want 120", got)
	}
	if got := c.GetErrorThreshold(); got != 5 {
		t.Errorf("GetErrorThreshold = %d, want 5", got)
	}
	if got := c.GetRecoveryTime(); got != 60 {
		t.Errorf("GetRecoveryTime = %d, want 60", got)
	}
}

func TestProviderConfigStreamingDisabled(t *testing.T) {
	c := ProviderConfig{StreamingOff: []string{"broken-model", "other"}}

	if !c.StreamingDisabled("broken-model") {
		t.Error("StreamingDisabled(broken-model) = false, want true")
	}
	if c.StreamingDisabled("fine-model") {
		t.Error("StreamingDisabled(fine-model) = true, want false")
	}
	if (&ProviderConfig{}).StreamingDisabled("any") {
		t.Error("StreamingDisabled with empty list = true, want false")
	}
}

func TestProviderConfigExtrasFor(t *testing.T) {
	c := ProviderConfig{
		Extras: map[string]map[string]any{
			"deepseek-ai/deepseek-r1": {"chat_template_kwargs": map[string]any{"thinking": true}},
		},
	}

	if got := c.ExtrasFor("deepseek-ai/deepseek-r1"); got == nil {
		t.Error("ExtrasFor(known) = nil, want the configured map")
	}
	if got := c.ExtrasFor("other"); got != nil {
		t.Errorf("ExtrasFor(unknown) = %v, want nil", got)
	}
	if got := (&ProviderConfig{}).ExtrasFor("any"); got != nil {
		t.Errorf("ExtrasFor with no extras = %v, want nil", got)
	}
}

func TestModelSelectionRef(t *testing.T) {
	sel := ModelSelection{Provider: "openrouter", Model: "anthropic/claude-sonnet-4"}
	if got := sel.Ref(); got != "openrouter/anthropic/claude-sonnet-4" {
		t.Errorf("Ref = %q", got)
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"empty", "", "NONE"},
		{"short", "abc", "***abc"},
		{"exactly eight", "12345678", "***12345678"},
		{"long", "sk-or-v1-0123456789abcdef", "***89abcdef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskKey(tt.key); got != tt.want {
				t.Errorf("MaskKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}

	sel := ModelSelection{APIKey: "sk-or-v1-0123456789abcdef"}
	if got := sel.MaskedKey(); got != "***89abcdef" {
		t.Errorf("MaskedKey = %q, want ***89abcdef", got)
	}
}

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		name         string
		ref          string
		wantProvider string
		wantModel    string
		wantErr      bool
	}{
		{"simple", "gemini/gemini-2.5-flash", "gemini", "gemini-2.5-flash", false},
		{"model with slashes", "openrouter/anthropic/claude-sonnet-4", "openrouter", "anthropic/claude-sonnet-4", false},
		{"no slash", "gemini", "", "", true},
		{"empty provider", "/model", "", "", true},
		{"empty model", "provider/", "", "", true},
		{"empty", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, model, err := ParseModelRef(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseModelRef(%q) error = %v, wantErr %v", tt.ref, err, tt.wantErr)
			}
			if provider != tt.wantProvider || model != tt.wantModel {
				t.Errorf("ParseModelRef(%q) = (%q, %q), want (%q, %q)",
					tt.ref, provider, model, tt.wantProvider, tt.wantModel)
			}
		})
	}
}
