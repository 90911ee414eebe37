package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ligvox/ligvox/pkg/audio"
	"github.com/ligvox/ligvox/pkg/provider/llm"
	llmmock "github.com/ligvox/ligvox/pkg/provider/llm/mock"
	"github.com/ligvox/ligvox/pkg/provider/stt"
	sttmock "github.com/ligvox/ligvox/pkg/provider/stt/mock"
	ttsmock "github.com/ligvox/ligvox/pkg/provider/tts/mock"
	"github.com/ligvox/ligvox/pkg/types"
)

// fakeMedia is an in-memory MediaStream double. A non-zero sendDelay paces
// Send like the real transport, keeping playbacks in flight long enough for
// tests to interrupt them.
type fakeMedia struct {
	frames    chan []byte
	controls  chan ControlEvent
	sendDelay time.Duration

	mu        sync.Mutex
	sent      int
	cleared   int
	closedWith string
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		frames:   make(chan []byte, 64),
		controls: make(chan ControlEvent, 8),
	}
}

func (m *fakeMedia) Frames() <-chan []byte          { return m.frames }
func (m *fakeMedia) Controls() <-chan ControlEvent  { return m.controls }

func (m *fakeMedia) Send(ctx context.Context, _ []byte) error {
	if m.sendDelay > 0 {
		select {
		case <-time.After(m.sendDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) ClearOutbound() {
	m.mu.Lock()
	m.cleared++
	m.mu.Unlock()
}

func (m *fakeMedia) Close(reason string) error {
	m.mu.Lock()
	m.closedWith = reason
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) sentFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

func (m *fakeMedia) clearedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleared
}

func testConfig(sttP *sttmock.Provider, llmP *llmmock.Provider, ttsP *ttsmock.Provider) Config {
	return Config{
		CallID:       "call-1",
		Direction:    types.DirectionInbound,
		CallerNumber: "5511999990000",
		STT:          sttP,
		LLM:          llmP,
		TTS:          ttsP,
		Prompt: types.PromptSnapshot{
			SystemPrompt: "Você é um atendente.",
			Model:        "gpt-4.1-nano",
		},
		ConnectTimeout:    2 * time.Second,
		InactivityTimeout: time.Minute,
	}
}

func waitState(t *testing.T, s *Session, want types.CallState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func TestConnectTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig(&sttmock.Provider{Session: sttmock.NewSession()}, &llmmock.Provider{}, &ttsmock.Provider{})
	cfg.ConnectTimeout = 50 * time.Millisecond

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go s.Run(context.Background())
	waitDone(t, s)

	res := s.Result()
	if res.Outcome != "failed" || res.Reason != "connect_timeout" {
		t.Errorf("result = %+v, want failed/connect_timeout", res)
	}
}

func TestFullTurnAndCallerHangup(t *testing.T) {
	t.Parallel()

	sttSess := sttmock.NewSession()
	sttP := &sttmock.Provider{Session: sttSess}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Olá! "},
			{Text: "Como posso ajudar?", FinishReason: "stop"},
		},
	}
	ttsP := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{
			make([]byte, audio.FrameBytes),
			make([]byte, audio.FrameBytes),
			make([]byte, audio.FrameBytes),
			make([]byte, audio.FrameBytes),
		},
		ChunkInterval: 25 * time.Millisecond,
	}

	s, err := New(testConfig(sttP, llmP, ttsP))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go s.Run(context.Background())

	media := newFakeMedia()
	if err := s.AttachMedia(media); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	// No greeting text, so the session goes straight to listening.
	waitState(t, s, types.StateListening)

	sttSess.FinalsCh <- types.Transcript{Text: "Oi, tudo bem?", IsFinal: true}
	sttSess.UtteranceEndsCh <- struct{}{}

	waitState(t, s, types.StateSpeaking)
	waitState(t, s, types.StateListening)

	entries := s.Transcript().Entries()
	if len(entries) != 2 {
		t.Fatalf("transcript entries = %d, want 2: %+v", len(entries), entries)
	}
	if entries[0].Role != "user" || entries[0].Content != "Oi, tudo bem?" {
		t.Errorf("user entry = %+v", entries[0])
	}
	if entries[1].Role != "assistant" || entries[1].Content != "Olá! Como posso ajudar?" {
		t.Errorf("assistant entry = %+v", entries[1])
	}
	if media.sentFrames() == 0 {
		t.Error("no audio frames reached the media stream")
	}

	media.controls <- ControlEvent{Kind: ControlHangup}
	waitDone(t, s)

	res := s.Result()
	if res.Outcome != "completed" || res.Reason != "caller_hangup" {
		t.Errorf("result = %+v, want completed/caller_hangup", res)
	}
	if !res.Conversed {
		t.Error("Conversed = false, want true")
	}
}

func TestBargeInInterruptsSpeech(t *testing.T) {
	t.Parallel()

	sttSess := sttmock.NewSession()
	sttP := &sttmock.Provider{Session: sttSess}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Esta é uma resposta bastante longa que será interrompida.", FinishReason: "stop"},
		},
	}
	// Enough slow chunks to keep the agent speaking while we interrupt.
	chunks := make([][]byte, 40)
	for i := range chunks {
		chunks[i] = make([]byte, audio.FrameBytes)
	}
	ttsP := &ttsmock.Provider{SynthesizeChunks: chunks, ChunkInterval: 20 * time.Millisecond}

	s, err := New(testConfig(sttP, llmP, ttsP))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go s.Run(context.Background())

	media := newFakeMedia()
	if err := s.AttachMedia(media); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	waitState(t, s, types.StateListening)

	sttSess.FinalsCh <- types.Transcript{Text: "Me explica o plano", IsFinal: true}
	sttSess.UtteranceEndsCh <- struct{}{}
	waitState(t, s, types.StateSpeaking)

	// Caller speaks over the agent.
	sttSess.PartialsCh <- types.Transcript{Text: "espera um momento"}
	waitState(t, s, types.StateListening)

	if media.clearedCount() == 0 {
		t.Error("outbound queue was not cleared on barge-in")
	}
	for _, e := range s.Transcript().Entries() {
		if e.Role == "assistant" && e.Content == "Esta é uma resposta bastante longa que será interrompida." {
			t.Error("assistant entry was not truncated after barge-in")
		}
	}

	media.controls <- ControlEvent{Kind: ControlHangup}
	waitDone(t, s)
}

func TestShortPartialDoesNotBargeIn(t *testing.T) {
	t.Parallel()

	sttSess := sttmock.NewSession()
	sttP := &sttmock.Provider{Session: sttSess}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Resposta.", FinishReason: "stop"}},
	}
	chunks := make([][]byte, 30)
	for i := range chunks {
		chunks[i] = make([]byte, audio.FrameBytes)
	}
	ttsP := &ttsmock.Provider{SynthesizeChunks: chunks, ChunkInterval: 20 * time.Millisecond}

	s, err := New(testConfig(sttP, llmP, ttsP))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go s.Run(context.Background())

	media := newFakeMedia()
	if err := s.AttachMedia(media); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	waitState(t, s, types.StateListening)

	sttSess.FinalsCh <- types.Transcript{Text: "Pergunta", IsFinal: true}
	sttSess.UtteranceEndsCh <- struct{}{}
	waitState(t, s, types.StateSpeaking)

	// "uh" is below the barge-in threshold; the agent keeps talking.
	sttSess.PartialsCh <- types.Transcript{Text: "uh"}
	time.Sleep(100 * time.Millisecond)
	if got := s.State(); got != types.StateSpeaking {
		t.Errorf("state after short partial = %s, want speaking", got)
	}
	if media.clearedCount() != 0 {
		t.Error("short partial cleared the outbound queue")
	}

	media.controls <- ControlEvent{Kind: ControlHangup}
	waitDone(t, s)
}

func TestGreetingPlaysBeforeListening(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Session: sttmock.NewSession()}
	llmP := &llmmock.Provider{}
	ttsP := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{make([]byte, 3*audio.FrameBytes)},
	}

	cfg := testConfig(sttP, llmP, ttsP)
	cfg.Prompt.GreetingText = "Bom dia, aqui é a Ana."
	cfg.Greetings = NewGreetingCache(ttsP)

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go s.Run(context.Background())

	media := newFakeMedia()
	if err := s.AttachMedia(media); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	waitState(t, s, types.StateListening)

	if media.sentFrames() != 3 {
		t.Errorf("greeting frames sent = %d, want 3", media.sentFrames())
	}

	media.controls <- ControlEvent{Kind: ControlHangup}
	waitDone(t, s)
}

func TestDTMFRecordedInTranscript(t *testing.T) {
	t.Parallel()

	sttP := &sttmock.Provider{Session: sttmock.NewSession()}
	s, err := New(testConfig(sttP, &llmmock.Provider{}, &ttsmock.Provider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go s.Run(context.Background())

	media := newFakeMedia()
	if err := s.AttachMedia(media); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	waitState(t, s, types.StateListening)

	media.controls <- ControlEvent{Kind: ControlDTMF, Digit: "5"}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.Transcript().Len() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	entries := s.Transcript().Entries()
	if len(entries) != 1 || entries[0].Role != "dtmf" || entries[0].Content != "5" {
		t.Errorf("transcript = %+v, want one dtmf entry", entries)
	}

	media.controls <- ControlEvent{Kind: ControlHangup}
	waitDone(t, s)
}

func TestSecondAttachConflicts(t *testing.T) {
	t.Parallel()

	s, err := New(testConfig(&sttmock.Provider{Session: sttmock.NewSession()}, &llmmock.Provider{}, &ttsmock.Provider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go s.Run(context.Background())

	if err := s.AttachMedia(newFakeMedia()); err != nil {
		t.Fatalf("first AttachMedia: %v", err)
	}
	waitState(t, s, types.StateListening)
	if err := s.AttachMedia(newFakeMedia()); err == nil {
		t.Error("second AttachMedia should fail")
	}

	s.Hangup("test_over")
	waitDone(t, s)
}

func TestApologyPlayedWhenModelFails(t *testing.T) {
	t.Parallel()

	sttSess := sttmock.NewSession()
	sttP := &sttmock.Provider{Session: sttSess}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "model exploded", FinishReason: "error"}},
	}
	ttsP := &ttsmock.Provider{}

	cfg := testConfig(sttP, llmP, ttsP)
	cfg.ApologyClip = [][]byte{make([]byte, audio.FrameBytes), make([]byte, audio.FrameBytes)}

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go s.Run(context.Background())

	media := newFakeMedia()
	if err := s.AttachMedia(media); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	waitState(t, s, types.StateListening)

	sttSess.FinalsCh <- types.Transcript{Text: "Oi, quem fala?", IsFinal: true}
	sttSess.UtteranceEndsCh <- struct{}{}

	// The model errors out before any reply audio; the caller hears the
	// apology instead of silence and the session keeps listening.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && media.sentFrames() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if media.sentFrames() < 2 {
		t.Errorf("apology frames sent = %d, want 2", media.sentFrames())
	}
	if got := s.State(); got != types.StateListening {
		t.Errorf("state = %s, want listening", got)
	}

	media.controls <- ControlEvent{Kind: ControlHangup}
	waitDone(t, s)
}

// restartSTTProvider hands out a fresh mock stream per StartStream call so
// tests can kill one stream and observe the session reconnect.
type restartSTTProvider struct {
	mu       sync.Mutex
	sessions []*sttmock.Session

	// failFrom, when > 0, makes StartStream fail once that many streams
	// have already been handed out.
	failFrom int
}

func (p *restartSTTProvider) StartStream(_ context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFrom > 0 && len(p.sessions) >= p.failFrom {
		return nil, errors.New("stt unavailable")
	}
	sess := sttmock.NewSession()
	p.sessions = append(p.sessions, sess)
	return sess, nil
}

func (p *restartSTTProvider) session(i int) *sttmock.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.sessions) {
		return nil
	}
	return p.sessions[i]
}

func (p *restartSTTProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func waitStreamCount(t *testing.T, p *restartSTTProvider, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stt streams started = %d, want %d", p.count(), want)
}

func TestSTTStreamRestartsInPlace(t *testing.T) {
	t.Parallel()

	sttP := &restartSTTProvider{}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Claro, posso ajudar.", FinishReason: "stop"}},
	}
	ttsP := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{make([]byte, audio.FrameBytes)},
	}

	cfg := testConfig(&sttmock.Provider{}, llmP, ttsP)
	cfg.STT = sttP

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go s.Run(context.Background())

	media := newFakeMedia()
	if err := s.AttachMedia(media); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	waitState(t, s, types.StateListening)

	// Kill the first stream; the session reconnects instead of failing.
	sttP.session(0).Close()
	waitStreamCount(t, sttP, 2)

	second := sttP.session(1)
	second.FinalsCh <- types.Transcript{Text: "Quero saber do plano", IsFinal: true}
	second.UtteranceEndsCh <- struct{}{}
	waitState(t, s, types.StateSpeaking)
	waitState(t, s, types.StateListening)

	entries := s.Transcript().Entries()
	if len(entries) != 2 || entries[0].Content != "Quero saber do plano" {
		t.Errorf("transcript after restart = %+v, want user turn + reply", entries)
	}

	media.controls <- ControlEvent{Kind: ControlHangup}
	waitDone(t, s)

	if res := s.Result(); res.Outcome != "completed" {
		t.Errorf("result = %+v, want completed", res)
	}
}

func TestSecondSTTDeathIsFatal(t *testing.T) {
	t.Parallel()

	sttP := &restartSTTProvider{}
	s, err := New(func() Config {
		cfg := testConfig(&sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
		cfg.STT = sttP
		return cfg
	}())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go s.Run(context.Background())

	media := newFakeMedia()
	if err := s.AttachMedia(media); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	waitState(t, s, types.StateListening)

	sttP.session(0).Close()
	waitStreamCount(t, sttP, 2)
	// A second death right after the restart exhausts the recovery budget.
	sttP.session(1).Close()
	waitDone(t, s)

	res := s.Result()
	if res.Outcome != "failed" || res.Reason != "stt_closed" {
		t.Errorf("result = %+v, want failed/stt_closed", res)
	}
}

func TestSTTRestartFailureIsFatal(t *testing.T) {
	t.Parallel()

	sttP := &restartSTTProvider{failFrom: 1}
	s, err := New(func() Config {
		cfg := testConfig(&sttmock.Provider{}, &llmmock.Provider{}, &ttsmock.Provider{})
		cfg.STT = sttP
		return cfg
	}())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go s.Run(context.Background())

	media := newFakeMedia()
	if err := s.AttachMedia(media); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	waitState(t, s, types.StateListening)

	sttP.session(0).Close()
	waitDone(t, s)

	res := s.Result()
	if res.Outcome != "failed" || res.Reason != "stt_closed" {
		t.Errorf("result = %+v, want failed/stt_closed", res)
	}
}

func TestTruncateSpoken(t *testing.T) {
	t.Parallel()

	full := "uma resposta com várias palavras para cortar no meio"
	tests := []struct {
		name      string
		delivered int
		generated int
		want      string
	}{
		{"nothing delivered", 0, 100, ""},
		{"nothing generated", 10, 0, ""},
		{"everything delivered", 100, 100, full},
		{"over-delivered", 120, 100, full},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := TruncateSpoken(full, tc.delivered, tc.generated); got != tc.want {
				t.Errorf("TruncateSpoken = %q, want %q", got, tc.want)
			}
		})
	}

	// Half delivered: result is a proper prefix ending on a word boundary.
	got := TruncateSpoken(full, 50, 100)
	if got == "" || got == full {
		t.Fatalf("half-delivered truncation = %q", got)
	}
	if !strings.HasPrefix(full, got) {
		t.Errorf("%q is not a prefix of the full text", got)
	}
	if strings.HasSuffix(got, " ") {
		t.Errorf("truncation %q has trailing space", got)
	}
}

func TestBargeInDuringGreeting(t *testing.T) {
	t.Parallel()

	sttSess := sttmock.NewSession()
	sttP := &sttmock.Provider{Session: sttSess}
	ttsP := &ttsmock.Provider{
		SynthesizeChunks: [][]byte{make([]byte, 40*audio.FrameBytes)},
	}

	cfg := testConfig(sttP, &llmmock.Provider{}, ttsP)
	cfg.Prompt.GreetingText = "Bom dia, aqui é a Ana, da central de atendimento."
	cfg.Greetings = NewGreetingCache(ttsP)

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go s.Run(context.Background())

	media := newFakeMedia()
	media.sendDelay = 20 * time.Millisecond
	if err := s.AttachMedia(media); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	waitState(t, s, types.StateGreeting)

	// The caller answers and starts talking over the greeting.
	sttSess.PartialsCh <- types.Transcript{Text: "alô, quem fala?"}
	waitState(t, s, types.StateListening)

	if media.clearedCount() == 0 {
		t.Error("outbound queue was not cleared when the caller spoke over the greeting")
	}
	if n := media.sentFrames(); n >= 40 {
		t.Errorf("greeting played all %d frames despite the interruption", n)
	}

	media.controls <- ControlEvent{Kind: ControlHangup}
	waitDone(t, s)
	if res := s.Result(); res.Outcome != "completed" || !res.Conversed {
		t.Errorf("result = %+v, want completed and conversed", res)
	}
}

// recordingHangupper collects switch hangup requests.
type recordingHangupper struct {
	mu    sync.Mutex
	uuids []string
}

func (h *recordingHangupper) HangupCall(_ context.Context, uuid string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uuids = append(h.uuids, uuid)
	return nil
}

func (h *recordingHangupper) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.uuids...)
}

func TestAgentHangupReleasesSwitchLeg(t *testing.T) {
	t.Parallel()

	rec := &recordingHangupper{}
	cfg := testConfig(&sttmock.Provider{Session: sttmock.NewSession()}, &llmmock.Provider{}, &ttsmock.Provider{})
	cfg.Direction = types.DirectionOutbound
	cfg.SwitchUUID = cfg.CallID
	cfg.Switch = rec

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go s.Run(context.Background())

	media := newFakeMedia()
	if err := s.AttachMedia(media); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	waitState(t, s, types.StateListening)

	s.Hangup("api_request")
	waitDone(t, s)

	if calls := rec.calls(); len(calls) != 1 || calls[0] != "call-1" {
		t.Errorf("switch hangups = %v, want exactly the call's own leg", calls)
	}
}

func TestCallerHangupSkipsSwitchRelease(t *testing.T) {
	t.Parallel()

	rec := &recordingHangupper{}
	cfg := testConfig(&sttmock.Provider{Session: sttmock.NewSession()}, &llmmock.Provider{}, &ttsmock.Provider{})
	cfg.Direction = types.DirectionOutbound
	cfg.SwitchUUID = cfg.CallID
	cfg.Switch = rec

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go s.Run(context.Background())

	media := newFakeMedia()
	if err := s.AttachMedia(media); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
	waitState(t, s, types.StateListening)

	// The switch already dropped this leg; hanging it up again is redundant.
	media.controls <- ControlEvent{Kind: ControlHangup}
	waitDone(t, s)

	if calls := rec.calls(); len(calls) != 0 {
		t.Errorf("switch hangups = %v, want none after caller hangup", calls)
	}
}
