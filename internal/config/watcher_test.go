package config

import (
	"context"
	"testing"
	"time"

	"github.com/loopworks/relay/internal/bus"
)

func subscribeReloads(t *testing.T) <-chan *Config {
	t.Helper()
	reloaded := make(chan *Config, 4)
	id := bus.SubscribeEvent("config.reloaded", func(ev bus.Event) {
		if cfg, ok := ev.Data.(*Config); ok {
			reloaded <- cfg
		}
	})
	t.Cleanup(func() { bus.UnsubscribeEvent(id) })
	return reloaded
}

func startWatcher(t *testing.T, path string) {
	t.Helper()
	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(w.Stop)
}

func TestWatcherPublishesReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"models": {"primary_provider": "gemini", "primary_model": "gemini-2.5-flash"},
		"providers": {"gemini": {"family": "gemini", "api_key": "k"}}
	}`)

	reloaded := subscribeReloads(t)
	startWatcher(t, path)

	writeConfig(t, dir, `{
		"models": {"primary_provider": "gemini", "primary_model": "gemini-2.5-pro"},
		"providers": {"gemini": {"family": "gemini", "api_key": "k"}}
	}`)

	select {
	case cfg := <-reloaded:
		if cfg.Models.PrimaryModel != "gemini-2.5-pro" {
			t.Errorf("reloaded primary model = %q, want gemini-2.5-pro", cfg.Models.PrimaryModel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config.reloaded event within 5s")
	}
}

func TestWatcherSkipsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"models": {"primary_provider": "gemini", "primary_model": "gemini-2.5-flash"},
		"providers": {"gemini": {"family": "gemini", "api_key": "k"}}
	}`)

	reloaded := subscribeReloads(t)
	startWatcher(t, path)

	// A half-saved file must not publish anything.
	writeConfig(t, dir, `{"models": `)
	select {
	case cfg := <-reloaded:
		t.Fatalf("event published for invalid config: %+v", cfg)
	case <-time.After(900 * time.Millisecond):
	}

	// The watcher survives the bad save and picks up the next good one.
	writeConfig(t, dir, `{
		"models": {"primary_provider": "gemini", "primary_model": "gemini-2.5-pro"},
		"providers": {"gemini": {"family": "gemini", "api_key": "k"}}
	}`)
	select {
	case cfg := <-reloaded:
		if cfg.Models.PrimaryModel != "gemini-2.5-pro" {
			t.Errorf("reloaded primary model = %q, want gemini-2.5-pro", cfg.Models.PrimaryModel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not recover after an invalid save")
	}
}
