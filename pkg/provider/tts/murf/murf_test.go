package murf

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ligvox/ligvox/pkg/audio"
	"github.com/ligvox/ligvox/pkg/types"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

// newTestServer serves the generate endpoint, a WAV download endpoint, and a
// voices endpoint. It records the generate request bodies it saw.
func newTestServer(t *testing.T, pcm []byte) (*httptest.Server, *[]generateRequest) {
	t.Helper()

	var mu sync.Mutex
	var reqs []generateRequest

	mux := http.NewServeMux()
	mux.HandleFunc("POST /generate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var gr generateRequest
		if err := json.NewDecoder(r.Body).Decode(&gr); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		reqs = append(reqs, gr)
		mu.Unlock()
		fmt.Fprintf(w, `{"audioFile":%q,"audioLengthInSeconds":0.5}`, "http://"+r.Host+"/audio.wav")
	})
	mux.HandleFunc("GET /audio.wav", func(w http.ResponseWriter, r *http.Request) {
		w.Write(buildWAV(pcm))
	})
	mux.HandleFunc("GET /voices", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"voiceId":"pt-BR-isadora","displayName":"Isadora","locale":"pt-BR","gender":"Female"}]`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()

	p, err := New("test-key",
		WithHTTPClient(srv.Client()),
		WithEndpoints(srv.URL+"/generate", srv.URL+"/voices"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestSynthesizeStreamPerSentence(t *testing.T) {
	t.Parallel()

	pcm := bytes.Repeat([]byte{1, 2}, 160)
	srv, reqs := newTestServer(t, pcm)
	p := newTestProvider(t, srv)

	text := make(chan string, 4)
	text <- "Olá, tudo bem? "
	text <- "Podemos falar."
	close(text)

	ch, err := p.SynthesizeStream(context.Background(), text, types.VoiceProfile{ID: "pt-BR-isadora"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var got [][]byte
	deadline := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case chunk, ok := <-ch:
			if !ok {
				open = false
				break
			}
			got = append(got, chunk)
		case <-deadline:
			t.Fatal("audio channel never closed")
		}
	}

	if len(got) != 2 {
		t.Fatalf("got %d audio chunks, want 2 (one per sentence)", len(got))
	}
	for _, chunk := range got {
		if !bytes.Equal(chunk, pcm) {
			t.Fatal("audio chunk does not match WAV payload")
		}
	}

	if len(*reqs) != 2 {
		t.Fatalf("got %d generate requests, want 2", len(*reqs))
	}
	first := (*reqs)[0]
	if first.Text != "Olá, tudo bem?" {
		t.Errorf("first sentence = %q", first.Text)
	}
	if first.VoiceID != "pt-BR-isadora" || first.Format != "WAV" ||
		first.SampleRate != audio.SampleRate || first.ChannelType != "MONO" {
		t.Errorf("unexpected generate request: %+v", first)
	}
}

func TestSynthesizeStreamCancellation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, []byte{0, 0})
	p := newTestProvider(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	text := make(chan string)

	ch, err := p.SynthesizeStream(ctx, text, types.VoiceProfile{ID: "v"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	cancel()
	close(text)

	select {
	case _, ok := <-ch:
		if ok {
			// A chunk may have raced the cancel; the channel must still close.
			for range ch {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio channel not closed after cancellation")
	}
}

func TestSynthesizeStreamRequiresVoice(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	p := newTestProvider(t, srv)

	if _, err := p.SynthesizeStream(context.Background(), make(chan string), types.VoiceProfile{}); err == nil {
		t.Fatal("expected error for empty voice ID")
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	p := newTestProvider(t, srv)

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 {
		t.Fatalf("got %d voices, want 1", len(voices))
	}
	v := voices[0]
	if v.ID != "pt-BR-isadora" || v.Name != "Isadora" || v.Provider != "murf" || v.Language != "pt-BR" {
		t.Errorf("unexpected voice: %+v", v)
	}
}

// buildWAV assembles a minimal RIFF/WAVE file around pcm.
func buildWAV(pcm []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(audio.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(audio.SampleRate*audio.BytesPerSample))
	binary.Write(&buf, binary.LittleEndian, uint16(audio.BytesPerSample))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
