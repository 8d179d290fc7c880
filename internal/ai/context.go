package ai

import (
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
)

const (
	// transcriptTTL keeps an idle chat's transcript for 30 minutes.
	transcriptTTL = 30 * time.Minute
	// maxTranscriptTurns bounds the window fed back to the model.
	maxTranscriptTurns = 40
)

// ContextStore holds the per-chat conversation transcripts. Transcripts live
// only for the process lifetime; a restart starts every chat fresh.
type ContextStore struct {
	mu    sync.Mutex
	cache *cache.Cache
}

func NewContextStore() *ContextStore {
	return &ContextStore{
		cache: cache.New(transcriptTTL, 10*time.Minute),
	}
}

// Transcript returns a copy of the chat's stored turns, oldest first.
// Reading refreshes the TTL.
func (s *ContextStore) Transcript(chatID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.cache.Get(chatID)
	if !ok {
		return nil
	}
	turns := stored.([]Turn)
	s.cache.SetDefault(chatID, turns)

	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Append adds turns to the chat's transcript, trimming to the most recent
// window.
func (s *ContextStore) Append(chatID string, turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing []Turn
	if stored, ok := s.cache.Get(chatID); ok {
		existing = stored.([]Turn)
	}
	merged := append(append([]Turn(nil), existing...), turns...)
	if len(merged) > maxTranscriptTurns {
		merged = merged[len(merged)-maxTranscriptTurns:]
	}
	s.cache.SetDefault(chatID, merged)
}

// Clear drops the chat's transcript.
func (s *ContextStore) Clear(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(chatID)
}
