package tts

import "strings"

// DefaultMaxSentenceLen is the forced flush length for text that never
// reaches a sentence boundary.
const DefaultMaxSentenceLen = 120

// BatchSentences re-chunks a stream of text fragments (typically LLM token
// deltas) into complete sentences. A sentence ends at '.', '!', or '?'
// followed by whitespace or end of buffer; text that accumulates maxLen runes
// without a boundary is flushed as-is so synthesis never stalls on a
// run-on reply. Whatever remains when in closes is flushed as the last
// sentence.
//
// The returned channel is closed after the flush. A maxLen of zero selects
// [DefaultMaxSentenceLen]. Providers without streaming input use this to
// synthesize sentence by sentence; callers may also use it to pre-chunk text
// for latency.
func BatchSentences(in <-chan string, maxLen int) <-chan string {
	if maxLen <= 0 {
		maxLen = DefaultMaxSentenceLen
	}

	out := make(chan string, 8)
	go func() {
		defer close(out)

		var buf strings.Builder
		for frag := range in {
			buf.WriteString(frag)

			for {
				s := buf.String()
				end := sentenceBoundary(s)
				if end < 0 {
					if len([]rune(s)) < maxLen {
						break
					}
					// Forced flush: cut at the last space inside the budget
					// so a word is never split mid-rune.
					cut := forcedCut(s, maxLen)
					out <- strings.TrimSpace(s[:cut])
					rest := strings.TrimLeft(s[cut:], " \t\n\r")
					buf.Reset()
					buf.WriteString(rest)
					continue
				}
				sentence := strings.TrimSpace(s[:end])
				rest := strings.TrimLeft(s[end:], " \t\n\r")
				buf.Reset()
				buf.WriteString(rest)
				if sentence != "" {
					out <- sentence
				}
			}
		}

		if tail := strings.TrimSpace(buf.String()); tail != "" {
			out <- tail
		}
	}()
	return out
}

// sentenceBoundary returns the index just past the first sentence-ending
// punctuation in s, or -1 when s holds no complete sentence. Punctuation only
// counts when followed by whitespace or the end of the buffer, so decimals
// like "1.5" mid-stream do not split.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 == len(s) || isSpace(s[i+1]) {
				return i + 1
			}
		}
	}
	return -1
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// forcedCut returns a byte index at which to split s when it exceeds the
// sentence budget: the last space within the first maxLen runes, or the
// maxLen rune boundary when the text has no space at all.
func forcedCut(s string, maxLen int) int {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return len(s)
	}
	limit := len(string(runes[:maxLen]))
	if i := strings.LastIndexAny(s[:limit], " \t\n\r"); i > 0 {
		return i
	}
	return limit
}
