package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateSendsTranscriptAndReturnsText(t *testing.T) {
	var received generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": "Bonjour"}}}},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", "gemini-1.5-flash", time.Second)
	text, err := client.Generate(context.Background(), []Turn{
		{Role: RoleUser, Text: "Salut"},
		{Role: RoleModel, Text: "Oui?"},
		{Role: RoleUser, Text: "Question"},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "Bonjour" {
		t.Fatalf("expected Bonjour, got %q", text)
	}
	if len(received.Contents) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(received.Contents))
	}
	if received.Contents[1].Role != RoleModel {
		t.Fatalf("turn order lost: %+v", received.Contents)
	}
	if received.GenerationConfig.MaxOutputTokens != 500 {
		t.Fatalf("expected maxOutputTokens 500, got %d", received.GenerationConfig.MaxOutputTokens)
	}
}

func TestGenerateSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "quota exceeded"},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", "gemini-1.5-flash", time.Second)
	_, err := client.Generate(context.Background(), []Turn{{Role: RoleUser, Text: "x"}})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestGenerateTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", "gemini-1.5-flash", 50*time.Millisecond)
	_, err := client.Generate(context.Background(), []Turn{{Role: RoleUser, Text: "x"}})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream on timeout, got %v", err)
	}
}

func TestGenerateRejectsEmptyCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", "gemini-1.5-flash", time.Second)
	_, err := client.Generate(context.Background(), []Turn{{Role: RoleUser, Text: "x"}})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestContextStoreBoundsWindow(t *testing.T) {
	store := NewContextStore()
	for i := 0; i < maxTranscriptTurns; i++ {
		store.Append("cht_1", Turn{Role: RoleUser, Text: "old"})
	}
	store.Append("cht_1", Turn{Role: RoleUser, Text: "newest"})

	turns := store.Transcript("cht_1")
	if len(turns) != maxTranscriptTurns {
		t.Fatalf("expected window of %d, got %d", maxTranscriptTurns, len(turns))
	}
	if turns[len(turns)-1].Text != "newest" {
		t.Fatalf("expected newest turn retained, got %q", turns[len(turns)-1].Text)
	}
}

func TestContextStoreIsolatesChats(t *testing.T) {
	store := NewContextStore()
	store.Append("cht_1", Turn{Role: RoleUser, Text: "a"})
	store.Append("cht_2", Turn{Role: RoleUser, Text: "b"})

	if got := store.Transcript("cht_1"); len(got) != 1 || got[0].Text != "a" {
		t.Fatalf("chat 1 transcript wrong: %+v", got)
	}
	store.Clear("cht_1")
	if got := store.Transcript("cht_1"); got != nil {
		t.Fatalf("expected cleared transcript, got %+v", got)
	}
	if got := store.Transcript("cht_2"); len(got) != 1 {
		t.Fatalf("chat 2 transcript lost: %+v", got)
	}
}
