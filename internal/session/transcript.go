package session

import (
	"strings"
	"sync"
	"time"

	"github.com/ligvox/ligvox/pkg/types"
)

// Transcript accumulates the conversation history of one call. The session
// goroutine is the only writer; the control API may snapshot concurrently,
// hence the mutex.
type Transcript struct {
	mu      sync.Mutex
	entries []types.TranscriptEntry
}

// AddUser appends a caller utterance.
func (t *Transcript) AddUser(text string, at time.Time) {
	t.add(types.TranscriptEntry{Role: "user", Content: text, Timestamp: at})
}

// AddAssistant appends an agent utterance with the played audio length.
func (t *Transcript) AddAssistant(text string, audioMs int, at time.Time) {
	t.add(types.TranscriptEntry{Role: "assistant", Content: text, AudioMs: audioMs, Timestamp: at})
}

// AddDTMF records a keypad press as its own entry so it shows up in call
// history between utterances.
func (t *Transcript) AddDTMF(digit string, at time.Time) {
	t.add(types.TranscriptEntry{Role: "dtmf", Content: digit, Timestamp: at})
}

func (t *Transcript) add(e types.TranscriptEntry) {
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()
}

// Entries returns a copy of the transcript so far.
func (t *Transcript) Entries() []types.TranscriptEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.TranscriptEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Messages converts the spoken entries into LLM chat messages. DTMF entries
// are surfaced to the model as bracketed user input.
func (t *Transcript) Messages() []types.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Message, 0, len(t.entries))
	for _, e := range t.entries {
		switch e.Role {
		case "user", "assistant":
			out = append(out, types.Message{Role: e.Role, Content: e.Content})
		case "dtmf":
			out = append(out, types.Message{Role: "user", Content: "[pressed " + e.Content + "]"})
		}
	}
	return out
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// TruncateSpoken trims full to the prefix the caller plausibly heard before
// interrupting, based on how much of the synthesized audio was delivered.
// The cut lands on the preceding word boundary so the stored transcript
// never ends mid-word. A zero generated count means nothing was synthesized
// yet, so nothing was heard.
func TruncateSpoken(full string, deliveredFrames, generatedFrames int) string {
	if generatedFrames <= 0 || deliveredFrames <= 0 {
		return ""
	}
	if deliveredFrames >= generatedFrames {
		return full
	}
	runes := []rune(full)
	keep := len(runes) * deliveredFrames / generatedFrames
	if keep >= len(runes) {
		return full
	}
	cut := string(runes[:keep])
	if i := strings.LastIndexAny(cut, " \t\n"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
