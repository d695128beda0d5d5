// Copyright (c) 2025 Abusufiyan Jahagirdar
// SPDX-License-Identifier: AGPL-3.0-or-later

package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sufiyansj/mag/internal/model"
	"github.com/sufiyansj/mag/internal/secret"
	"github.com/sufiyansj/mag/internal/storage"
)

const testAPIKey = "sk-or-test-abcdefghijklmnopqrstuvwxyz0123456789"

// newTestClient builds a client pointed at a test server, with env keys
// cleared so ambient configuration can't leak in.
func newTestClient(t *testing.T, serverURL string) (*Client, storage.KV) {
	t.Helper()
	t.Setenv("MAG_OPENROUTER_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")

	kv := storage.NewMemStore()
	client := NewClient(kv).WithBaseURL(serverURL)
	if err := client.SetAPIKey(testAPIKey); err != nil {
		t.Fatalf("SetAPIKey failed: %v", err)
	}
	return client, kv
}

func TestCreateCompletionAppliesRequestDefaults(t *testing.T) {
	var captured ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","choices":[{"message":{"role":"assistant","content":"4"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)

	resp, err := client.CreateCompletion(context.Background(), []ChatMessage{NewUserMessage("2+2?")}, CompletionOptions{})
	if err != nil {
		t.Fatalf("CreateCompletion failed: %v", err)
	}
	if resp.GetContent() != "4" {
		t.Errorf("GetContent = %q, want %q", resp.GetContent(), "4")
	}

	if captured.Model == "" {
		t.Error("Model default was not applied")
	}
	if captured.Temperature != DefaultRequestTemperature {
		t.Errorf("Temperature = %v, want %v", captured.Temperature, DefaultRequestTemperature)
	}
	if captured.MaxTokens != DefaultRequestMaxTokens {
		t.Errorf("MaxTokens = %v, want %v", captured.MaxTokens, DefaultRequestMaxTokens)
	}
	if captured.TopP != DefaultRequestTopP {
		t.Errorf("TopP = %v, want %v", captured.TopP, DefaultRequestTopP)
	}
	if captured.FrequencyPenalty != DefaultRequestFrequencyPenalty {
		t.Errorf("FrequencyPenalty = %v, want %v", captured.FrequencyPenalty, DefaultRequestFrequencyPenalty)
	}
	if captured.Stream {
		t.Error("Non-streaming request must set stream=false")
	}
}

func TestGenerateTitleUsesFirstExchange(t *testing.T) {
	var captured ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","choices":[{"message":{"role":"assistant","content":"Quick Arithmetic"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)

	title := client.GenerateTitle(context.Background(), "2+2?", "4")
	if title != "Quick Arithmetic" {
		t.Errorf("Title = %q", title)
	}
	if captured.MaxTokens != titleMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", captured.MaxTokens, titleMaxTokens)
	}
	if len(captured.Messages) != 1 {
		t.Fatalf("Wire messages = %d", len(captured.Messages))
	}
	prompt := captured.Messages[0].Content
	if !strings.Contains(prompt, "2+2?") || !strings.Contains(prompt, "4") {
		t.Errorf("Title prompt should carry both turns of the first exchange, got %q", prompt)
	}
}

func TestGenerateTitleFallsBackOnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)
	client.WithMaxRetries(1)

	if title := client.GenerateTitle(context.Background(), "hello", "hi"); title != model.DefaultTitle {
		t.Errorf("Title = %q, want the default on failure", title)
	}
}

func TestCreateCompletionNotConfigured(t *testing.T) {
	t.Setenv("MAG_OPENROUTER_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")

	client := NewClient(storage.NewMemStore())
	_, err := client.CreateCompletion(context.Background(), []ChatMessage{NewUserMessage("hi")}, CompletionOptions{})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Expected ErrNotConfigured, got %v", err)
	}
}

func TestCreateCompletionAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":401,"message":"Invalid API key"}}`))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)

	_, err := client.CreateCompletion(context.Background(), []ChatMessage{NewUserMessage("hi")}, CompletionOptions{})
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed, got %v", err)
	}
}

func TestCreateCompletionRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"code":500,"message":"upstream hiccup"}}`))
			return
		}
		w.Write([]byte(`{"id":"x","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)

	resp, err := client.CreateCompletion(context.Background(), []ChatMessage{NewUserMessage("hi")}, CompletionOptions{})
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if resp.GetContent() != "ok" {
		t.Errorf("GetContent = %q", resp.GetContent())
	}
	if attempts.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts.Load())
	}
}

func TestCreateCompletionDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":404,"message":"No such model"}}`))
	}))
	defer server.Close()

	client, _ := newTestClient(t, server.URL)

	_, err := client.CreateCompletion(context.Background(), []ChatMessage{NewUserMessage("hi")}, CompletionOptions{})
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("Expected ErrModelNotFound, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("Client errors must not be retried, got %d attempts", attempts.Load())
	}
}

func TestSetAPIKeyPersistsEncrypted(t *testing.T) {
	t.Setenv("MAG_OPENROUTER_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")

	kv := storage.NewMemStore()
	client := NewClient(kv)
	if err := client.SetAPIKey(testAPIKey); err != nil {
		t.Fatalf("SetAPIKey failed: %v", err)
	}

	stored, ok, err := kv.Get(storage.KeyAPIKey)
	if err != nil || !ok {
		t.Fatalf("Key not persisted: ok=%v err=%v", ok, err)
	}
	if !secret.IsSealed(stored) {
		t.Error("Persisted API key must be encrypted")
	}
	if stored == testAPIKey {
		t.Error("API key stored as plaintext")
	}

	// A new client over the same store must pick the key back up.
	reloaded := NewClient(kv)
	if !reloaded.IsConfigured() {
		t.Error("Reloaded client should be configured from the store")
	}
	if reloaded.KeyFingerprint() != client.KeyFingerprint() {
		t.Error("Reloaded key fingerprint mismatch")
	}
}

func TestClearAPIKey(t *testing.T) {
	t.Setenv("MAG_OPENROUTER_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")

	kv := storage.NewMemStore()
	client := NewClient(kv)
	if err := client.SetAPIKey(testAPIKey); err != nil {
		t.Fatalf("SetAPIKey failed: %v", err)
	}
	if err := client.ClearAPIKey(); err != nil {
		t.Fatalf("ClearAPIKey failed: %v", err)
	}

	if client.IsConfigured() {
		t.Error("Client should not be configured after clear")
	}
	if _, ok, _ := kv.Get(storage.KeyAPIKey); ok {
		t.Error("Key should be removed from the store")
	}
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{testAPIKey, true},
		{"sk-or-short", false},
		{"sk-ant-REDACTED", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidateAPIKey(tt.key); got != tt.want {
			t.Errorf("ValidateAPIKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestListModelsFallsBackWhenUnreachable(t *testing.T) {
	t.Setenv("MAG_OPENROUTER_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")

	client := NewClient(storage.NewMemStore()).WithBaseURL("http://127.0.0.1:1")

	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels must fall back, got error: %v", err)
	}
	if len(models) == 0 {
		t.Fatal("Fallback model list is empty")
	}
	found := false
	for _, m := range models {
		if m.ID == "minimax/minimax-m2:free" {
			found = true
		}
	}
	if !found {
		t.Error("Fallback list should include the default model")
	}
}
