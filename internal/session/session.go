package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ligvox/ligvox/internal/observe"
	"github.com/ligvox/ligvox/pkg/audio"
	"github.com/ligvox/ligvox/pkg/provider/llm"
	"github.com/ligvox/ligvox/pkg/provider/stt"
	"github.com/ligvox/ligvox/pkg/provider/tts"
	"github.com/ligvox/ligvox/pkg/types"
)

const (
	// llmFirstTokenTimeout aborts a turn when the model produces nothing.
	llmFirstTokenTimeout = 8 * time.Second

	// ttsFirstFrameWarn logs when synthesis is slow but not yet fatal.
	ttsFirstFrameWarn = 4 * time.Second

	// ttsFirstFrameTimeout aborts a turn when synthesis produces no audio.
	ttsFirstFrameTimeout = 10 * time.Second

	// fillerDelay is how long the model may stay silent before a filler
	// phrase is played to keep the caller engaged.
	fillerDelay = 1500 * time.Millisecond

	// inactivityPoll is how often the inactivity deadline is checked.
	inactivityPoll = 5 * time.Second

	// summaryTimeout bounds the post-call summary generation.
	summaryTimeout = 15 * time.Second

	// sttRestartWindow is the minimum spacing between in-place STT stream
	// restarts. A second stream death inside the window ends the call.
	sttRestartWindow = 5 * time.Second

	// textBufDepth is the buffer of the session → TTS text channel, sized to
	// absorb several sentences without blocking the event loop.
	textBufDepth = 16

	// maxReplyChars caps a single model reply. A runaway generation is cut
	// off at this point; whatever was synthesized plays out normally.
	maxReplyChars = 1200
)

// Config carries everything a Session needs. CallID, Direction, and the
// three providers are required; the rest defaults to inert implementations.
type Config struct {
	CallID       string
	SwitchUUID   string
	Direction    types.Direction
	CallerNumber string
	CalledNumber string
	CampaignID   int64 // 0 when the call is not part of a campaign
	Prompt       types.PromptSnapshot
	Voice        types.VoiceProfile
	Language     string

	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	Store     Gateway
	Events    Sink
	Metrics   *observe.Metrics
	Greetings *GreetingCache
	Switch    Hangupper
	Corrector Corrector
	Logger    *slog.Logger

	BargeInMinChars   int
	ConnectTimeout    time.Duration
	InactivityTimeout time.Duration

	// FillerClips are pre-synthesized phrases, each a list of PCM frames.
	FillerClips [][][]byte

	// ApologyClip is played when a turn fails before any reply audio reached
	// the caller, so a model or synthesis timeout is never dead air.
	ApologyClip [][]byte

	// FarewellClip is played before the session hangs up an idle call.
	FarewellClip [][]byte
}

// Result describes how a call ended.
type Result struct {
	// Outcome is "completed" or "failed".
	Outcome string
	// Reason is a short machine-readable cause ("caller_hangup",
	// "agent_hangup", "inactivity", "connect_timeout", "media_lost", ...).
	Reason string
	// Conversed reports whether the call reached the listening state, i.e.
	// the callee actually answered and heard the agent.
	Conversed bool
	// Duration is wall time from answer to end; zero if never answered.
	Duration time.Duration
}

// Session is the state machine for one phone call.
type Session struct {
	cfg Config

	state     atomic.Value // types.CallState
	startedAt time.Time
	answered  atomic.Value // time.Time

	attachCh chan MediaStream
	cmdCh    chan command
	done     chan struct{}

	transcript *Transcript
	result     Result

	// Loop-owned state below; never touched outside Run.
	media          MediaStream
	sttH           stt.SessionHandle
	cur            *turn
	greetPB        *playback
	utterance      []string
	lastActivity   time.Time
	lastSTTRestart time.Time
	conversed      bool
}

type command struct {
	kind   string // "hangup"
	reason string
}

// New validates cfg and builds a Session in the pending state.
func New(cfg Config) (*Session, error) {
	if cfg.CallID == "" {
		return nil, errors.New("session: CallID is required")
	}
	if cfg.STT == nil || cfg.LLM == nil || cfg.TTS == nil {
		return nil, errors.New("session: STT, LLM, and TTS providers are required")
	}
	if cfg.Events == nil {
		cfg.Events = NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With(slog.String("call_id", cfg.CallID))
	if cfg.BargeInMinChars <= 0 {
		cfg.BargeInMinChars = 3
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 45 * time.Second
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 30 * time.Second
	}

	s := &Session{
		cfg:        cfg,
		startedAt:  time.Now(),
		attachCh:   make(chan MediaStream, 1),
		cmdCh:      make(chan command, 4),
		done:       make(chan struct{}),
		transcript: &Transcript{},
	}
	s.state.Store(types.StatePending)
	s.answered.Store(time.Time{})
	return s, nil
}

// State returns the current call state. Safe for concurrent use.
func (s *Session) State() types.CallState {
	return s.state.Load().(types.CallState)
}

// Done is closed when the session has fully terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the terminal outcome. Valid only after Done is closed.
func (s *Session) Result() Result { return s.result }

// Transcript returns the live transcript accumulator.
func (s *Session) Transcript() *Transcript { return s.transcript }

// Info returns an API-facing snapshot of the call.
func (s *Session) Info() types.CallInfo {
	answered, _ := s.answered.Load().(time.Time)
	return types.CallInfo{
		CallID:       s.cfg.CallID,
		Direction:    s.cfg.Direction,
		State:        s.State(),
		CallerNumber: s.cfg.CallerNumber,
		CalledNumber: s.cfg.CalledNumber,
		CampaignID:   s.cfg.CampaignID,
		CreatedAt:    s.startedAt,
		AnsweredAt:   answered,
	}
}

// AttachMedia hands the switch media stream to the session. Only the first
// attach succeeds; later attempts report a conflict.
func (s *Session) AttachMedia(ms MediaStream) error {
	select {
	case s.attachCh <- ms:
		return nil
	default:
		return fmt.Errorf("session %s: media already attached", s.cfg.CallID)
	}
}

// Hangup requests a graceful termination. Non-blocking; duplicate requests
// after termination are ignored.
func (s *Session) Hangup(reason string) {
	select {
	case s.cmdCh <- command{kind: "hangup", reason: reason}:
	case <-s.done:
	default:
	}
}

// Run executes the call from dial to teardown. It returns after the call
// record is finalized; the returned error reports infrastructure failures,
// not call outcomes (a failed call with a clean teardown returns nil).
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	log := s.cfg.Logger
	if s.cfg.Store != nil {
		var promptID *int64
		if s.cfg.Prompt.PromptID != 0 {
			id := s.cfg.Prompt.PromptID
			promptID = &id
		}
		if err := s.cfg.Store.InsertCallRecord(ctx, s.cfg.CallID, s.cfg.SwitchUUID,
			s.cfg.Direction, s.cfg.CallerNumber, s.cfg.CalledNumber, promptID); err != nil {
			log.Error("insert call record failed", slog.Any("error", err))
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordCallStarted(ctx, string(s.cfg.Direction))
	}
	s.cfg.Events.Publish(ctx, EventCallStarted, s.Info())
	log.Info("call started", slog.String("direction", string(s.cfg.Direction)))

	// Phase 1: wait for the switch to connect the media stream.
	connectTimer := time.NewTimer(s.cfg.ConnectTimeout)
	defer connectTimer.Stop()

	select {
	case <-ctx.Done():
		return s.finish(ctx, "failed", "shutdown")
	case cmd := <-s.cmdCh:
		return s.finish(ctx, "failed", cmd.reason)
	case <-connectTimer.C:
		return s.finish(ctx, "failed", "connect_timeout")
	case ms := <-s.attachCh:
		s.media = ms
	}
	connectTimer.Stop()

	now := time.Now()
	s.answered.Store(now)
	s.lastActivity = now
	if s.cfg.Store != nil {
		if err := s.cfg.Store.MarkAnswered(ctx, s.cfg.CallID, now); err != nil {
			log.Error("mark answered failed", slog.Any("error", err))
		}
	}

	// Phase 2: open the transcription stream.
	sttH, err := s.cfg.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: audio.SampleRate,
		Channels:   1,
		Language:   s.cfg.Language,
	})
	if err != nil {
		log.Error("stt stream failed", slog.Any("error", err))
		s.recordProviderError(ctx, "stt")
		return s.finish(ctx, "failed", "stt_unavailable")
	}
	s.sttH = sttH
	// Closes whichever handle is current, accounting for in-place restarts.
	defer func() { s.sttH.Close() }()

	// Phase 3: greeting.
	s.setState(ctx, types.StateGreeting)
	if frames := s.greetingFrames(ctx); len(frames) > 0 {
		s.greetPB = s.startFramePlayback(ctx, frames)
	} else {
		s.setState(ctx, types.StateListening)
		s.conversed = true
	}

	// Phase 4: the conversation loop.
	outcome, reason := s.loop(ctx)
	return s.finish(ctx, outcome, reason)
}

// loop is the single event multiplexer. It returns the call outcome once a
// terminal condition is reached.
func (s *Session) loop(ctx context.Context) (outcome, reason string) {
	log := s.cfg.Logger
	inactivity := time.NewTicker(inactivityPoll)
	defer inactivity.Stop()

	for {
		// Channels vary with the phase; nil channels disable their cases.
		var (
			llmCh      <-chan llm.Chunk
			llmTimerCh <-chan time.Time
			ttsWarnCh  <-chan time.Time
			ttsTimerCh <-chan time.Time
			fillerCh   <-chan time.Time
			firstCh    <-chan struct{}
			pbDoneCh   <-chan playbackResult
			greetDone  <-chan playbackResult
		)
		if s.cur != nil {
			llmCh = s.cur.llmCh
			firstCh = s.cur.pbFirst()
			pbDoneCh = s.cur.pbDone()
			if s.cur.llmTimer != nil {
				llmTimerCh = s.cur.llmTimer.C
			}
			if s.cur.ttsWarnTimer != nil {
				ttsWarnCh = s.cur.ttsWarnTimer.C
			}
			if s.cur.ttsTimer != nil {
				ttsTimerCh = s.cur.ttsTimer.C
			}
			if s.cur.fillerTimer != nil {
				fillerCh = s.cur.fillerTimer.C
			}
		}
		if s.greetPB != nil {
			greetDone = s.greetPB.done
		}

		select {
		case <-ctx.Done():
			return "failed", "shutdown"

		case cmd := <-s.cmdCh:
			s.setState(ctx, types.StateHangingUp)
			if s.conversed {
				return "completed", cmd.reason
			}
			return "failed", cmd.reason

		case frame, ok := <-s.media.Frames():
			if !ok {
				if s.conversed {
					return "completed", "media_lost"
				}
				return "failed", "media_lost"
			}
			s.lastActivity = time.Now()
			if err := s.sttH.SendAudio(frame); err != nil {
				log.Error("stt send failed", slog.Any("error", err))
				if s.restartSTT(ctx) {
					continue
				}
				s.recordProviderError(ctx, "stt")
				return "failed", "stt_error"
			}

		case ev, ok := <-s.media.Controls():
			if !ok {
				continue
			}
			switch ev.Kind {
			case ControlHangup:
				s.setState(ctx, types.StateHangingUp)
				if s.conversed {
					return "completed", "caller_hangup"
				}
				return "failed", "caller_hangup"
			case ControlDTMF:
				s.lastActivity = time.Now()
				log.Info("dtmf received", slog.String("digit", ev.Digit))
				s.transcript.AddDTMF(ev.Digit, time.Now())
				s.persistEntry(ctx, types.TranscriptEntry{Role: "dtmf", Content: ev.Digit, Timestamp: time.Now()})
			case ControlMetadata:
				log.Debug("media metadata", slog.Any("metadata", ev.Metadata))
			}

		case t, ok := <-s.sttH.Partials():
			if !ok {
				if s.restartSTT(ctx) {
					continue
				}
				s.recordProviderError(ctx, "stt")
				return "failed", "stt_closed"
			}
			if t.Text == "" {
				continue
			}
			s.lastActivity = time.Now()
			if len(t.Text) > s.cfg.BargeInMinChars {
				switch s.State() {
				case types.StateSpeaking:
					s.bargeIn(ctx)
				case types.StateGreeting:
					s.bargeInGreeting(ctx)
				}
			}

		case t, ok := <-s.sttH.Finals():
			if !ok {
				if s.restartSTT(ctx) {
					continue
				}
				s.recordProviderError(ctx, "stt")
				return "failed", "stt_closed"
			}
			if t.Text != "" {
				s.lastActivity = time.Now()
				text := t.Text
				if s.cfg.Corrector != nil {
					if fixed, changed := s.cfg.Corrector.Correct(text); changed {
						s.cfg.Logger.Debug("transcript corrected",
							slog.String("from", text), slog.String("to", fixed))
						text = fixed
					}
				}
				s.utterance = append(s.utterance, text)
			}

		case _, ok := <-s.sttH.UtteranceEnds():
			if !ok {
				if s.restartSTT(ctx) {
					continue
				}
				s.recordProviderError(ctx, "stt")
				return "failed", "stt_closed"
			}
			if len(s.utterance) == 0 {
				continue
			}
			if s.State() != types.StateListening {
				// Turn still in flight; keep accumulating until it settles.
				continue
			}
			s.commitUserUtterance(ctx)
			s.startTurn(ctx)

		case chunk, ok := <-llmCh:
			if !ok {
				s.cur.llmFinished()
				continue
			}
			s.handleLLMChunk(ctx, chunk)

		case <-firstCh:
			// First synthesized audio reached the caller.
			s.cur.firstFrameSeen = true
			s.cur.stopTTSTimer()
			if s.cfg.Metrics != nil && !s.cur.startedAt.IsZero() {
				s.cfg.Metrics.TurnLatency.Record(ctx, time.Since(s.cur.startedAt).Seconds())
			}
			s.setState(ctx, types.StateSpeaking)

		case res := <-pbDoneCh:
			s.finishTurn(ctx, res)
			if len(s.utterance) > 0 {
				// The caller spoke while the agent was finishing; answer now.
				s.commitUserUtterance(ctx)
				s.startTurn(ctx)
			}

		case res := <-greetDone:
			s.greetPB = nil
			if res.err != nil && !errors.Is(res.err, context.Canceled) {
				s.cfg.Logger.Error("greeting playback failed", slog.Any("error", res.err))
			}
			s.setState(ctx, types.StateListening)
			s.conversed = true

		case <-llmTimerCh:
			log.Warn("model produced no tokens in time")
			s.recordProviderError(ctx, "llm")
			s.abortTurn(ctx)

		case <-ttsWarnCh:
			log.Warn("synthesis slow to produce first audio")
			s.cur.ttsWarnTimer = nil

		case <-ttsTimerCh:
			log.Warn("synthesis produced no audio in time")
			s.recordProviderError(ctx, "tts")
			s.abortTurn(ctx)

		case <-fillerCh:
			s.playFiller(ctx)

		case <-inactivity.C:
			if time.Since(s.lastActivity) >= s.cfg.InactivityTimeout {
				s.setState(ctx, types.StateHangingUp)
				if s.conversed {
					return "completed", "inactivity"
				}
				return "failed", "inactivity"
			}
		}
	}
}

// restartSTT replaces a dead transcription stream in place so a transient
// provider drop does not end the call. A second death inside
// sttRestartWindow, or a failed reopen, reports false and the call ends.
func (s *Session) restartSTT(ctx context.Context) bool {
	if !s.lastSTTRestart.IsZero() && time.Since(s.lastSTTRestart) < sttRestartWindow {
		return false
	}
	s.lastSTTRestart = time.Now()
	s.sttH.Close()

	h, err := s.cfg.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate: audio.SampleRate,
		Channels:   1,
		Language:   s.cfg.Language,
	})
	if err != nil {
		s.cfg.Logger.Error("stt restart failed", slog.Any("error", err))
		return false
	}
	s.cfg.Logger.Warn("stt stream restarted in place")
	s.sttH = h
	return true
}

// commitUserUtterance merges buffered finals into one user transcript entry.
func (s *Session) commitUserUtterance(ctx context.Context) {
	text := strings.Join(s.utterance, " ")
	s.utterance = s.utterance[:0]
	now := time.Now()
	s.transcript.AddUser(text, now)
	s.persistEntry(ctx, types.TranscriptEntry{Role: "user", Content: text, Timestamp: now})
	s.cfg.Logger.Info("caller said", slog.String("text", text))
}

// handleLLMChunk forwards model output to the synthesis stream.
func (s *Session) handleLLMChunk(ctx context.Context, chunk llm.Chunk) {
	t := s.cur
	if chunk.FinishReason == "error" {
		s.cfg.Logger.Error("model stream error", slog.String("error", chunk.Text))
		s.recordProviderError(ctx, "llm")
		s.abortTurn(ctx)
		return
	}

	if chunk.Text != "" {
		if !t.firstTokenSeen {
			t.firstTokenSeen = true
			t.stopLLMTimer()
			t.stopFillerTimer()
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.LLMFirstToken.Record(ctx, time.Since(t.startedAt).Seconds())
			}
		}
		t.text.WriteString(chunk.Text)
		select {
		case t.textCh <- chunk.Text:
		case <-t.ctx.Done():
		}
		if t.text.Len() > maxReplyChars {
			s.cfg.Logger.Warn("model reply too long, cutting off",
				slog.Int("chars", t.text.Len()))
			t.llmFinished()
			return
		}
	}

	if chunk.FinishReason != "" {
		t.llmFinished()
	}
}

// bargeIn interrupts agent speech: synthesis and generation are cancelled,
// queued audio is dropped, and the spoken portion of the reply is committed.
func (s *Session) bargeIn(ctx context.Context) {
	if s.cur == nil {
		return
	}
	s.cfg.Logger.Info("barge-in detected")
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.BargeIns.Add(ctx, 1)
	}
	s.media.ClearOutbound()
	res := s.cur.cancelAndWait()
	s.commitAssistant(ctx, s.cur.text.String(), res, true)
	s.cur = nil
	s.setState(ctx, types.StateListening)
}

// bargeInGreeting cuts the greeting short when the caller talks over it and
// moves straight to listening.
func (s *Session) bargeInGreeting(ctx context.Context) {
	if s.greetPB == nil {
		return
	}
	s.cfg.Logger.Info("barge-in detected during greeting")
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.BargeIns.Add(ctx, 1)
	}
	s.media.ClearOutbound()
	s.greetPB.cancel()
	<-s.greetPB.done
	s.greetPB = nil
	s.setState(ctx, types.StateListening)
	s.conversed = true
}

// abortTurn tears down a failed turn and returns to listening so the caller
// can try again. When the caller heard nothing of the reply, an apology
// phrase covers the gap.
func (s *Session) abortTurn(ctx context.Context) {
	if s.cur == nil {
		return
	}
	heardSomething := s.cur.firstFrameSeen
	s.media.ClearOutbound()
	s.cur.cancelAndWait()
	s.cur = nil
	if !heardSomething {
		s.playApology(ctx)
	}
	s.setState(ctx, types.StateListening)
}

// playApology fires the pre-synthesized apology clip at the caller.
// Best-effort and fire-and-forget.
func (s *Session) playApology(ctx context.Context) {
	if len(s.cfg.ApologyClip) == 0 {
		return
	}
	clip := s.cfg.ApologyClip
	go func() {
		for _, f := range clip {
			if err := s.media.Send(ctx, f); err != nil {
				return
			}
		}
	}()
}

// finishTurn commits the assistant reply after playback completed normally.
func (s *Session) finishTurn(ctx context.Context, res playbackResult) {
	t := s.cur
	s.cur = nil
	t.stopTimers()
	t.cancel()
	if !t.textClosed {
		t.textClosed = true
		close(t.textCh)
	}
	if res.err != nil && !errors.Is(res.err, context.Canceled) {
		s.cfg.Logger.Error("playback failed", slog.Any("error", res.err))
	}
	if t.text.Len() == 0 && res.delivered == 0 {
		// The model finished without saying anything; cover the gap.
		s.cfg.Logger.Warn("model produced an empty reply")
		s.playApology(ctx)
	}
	s.commitAssistant(ctx, t.text.String(), res, false)
	s.setState(ctx, types.StateListening)
}

// commitAssistant stores the agent's reply, truncated to what the caller
// heard when interrupted.
func (s *Session) commitAssistant(ctx context.Context, full string, res playbackResult, interrupted bool) {
	text := full
	if interrupted {
		text = TruncateSpoken(full, res.delivered, res.generated)
	}
	if text == "" {
		return
	}
	now := time.Now()
	audioMs := res.delivered * int(audio.FrameDuration.Milliseconds())
	s.transcript.AddAssistant(text, audioMs, now)
	s.persistEntry(ctx, types.TranscriptEntry{Role: "assistant", Content: text, AudioMs: audioMs, Timestamp: now})
	s.cfg.Logger.Info("agent said", slog.String("text", text), slog.Bool("interrupted", interrupted))
}

// startTurn launches the LLM → TTS pipeline for the buffered conversation.
func (s *Session) startTurn(ctx context.Context) {
	s.setState(ctx, types.StateThinking)

	tctx, cancel := context.WithCancel(ctx)
	t := &turn{
		ctx:       tctx,
		cancel:    cancel,
		textCh:    make(chan string, textBufDepth),
		startedAt: time.Now(),
	}

	req := llm.CompletionRequest{
		SystemPrompt: s.cfg.Prompt.SystemPrompt,
		Messages:     s.transcript.Messages(),
		Model:        s.cfg.Prompt.Model,
		Temperature:  s.cfg.Prompt.Temperature,
	}
	llmCh, err := s.cfg.LLM.StreamCompletion(tctx, req)
	if err != nil {
		s.cfg.Logger.Error("model stream failed", slog.Any("error", err))
		s.recordProviderError(ctx, "llm")
		cancel()
		s.setState(ctx, types.StateListening)
		return
	}
	t.llmCh = llmCh

	audioCh, err := s.cfg.TTS.SynthesizeStream(tctx, t.textCh, s.cfg.Voice)
	if err != nil {
		s.cfg.Logger.Error("synthesis stream failed", slog.Any("error", err))
		s.recordProviderError(ctx, "tts")
		cancel()
		s.setState(ctx, types.StateListening)
		return
	}

	t.pb = s.startChunkPlayback(tctx, audioCh)
	t.llmTimer = time.NewTimer(llmFirstTokenTimeout)
	t.ttsWarnTimer = time.NewTimer(ttsFirstFrameWarn)
	t.ttsTimer = time.NewTimer(ttsFirstFrameTimeout)
	if len(s.cfg.FillerClips) > 0 {
		t.fillerTimer = time.NewTimer(fillerDelay)
	}
	s.cur = t
}

// playFiller streams a random pre-synthesized phrase while the model is
// still thinking. Fire-and-forget: the clip is short and the real reply's
// audio queues behind it.
func (s *Session) playFiller(ctx context.Context) {
	if len(s.cfg.FillerClips) == 0 || s.cur == nil {
		return
	}
	clip := s.cfg.FillerClips[rand.IntN(len(s.cfg.FillerClips))]
	tctx := s.cur.ctx
	s.cfg.Logger.Debug("playing filler", slog.Int("frames", len(clip)))
	go func() {
		for _, f := range clip {
			if err := s.media.Send(tctx, f); err != nil {
				return
			}
		}
	}()
}

// greetingFrames fetches (and lazily synthesizes) the greeting audio.
func (s *Session) greetingFrames(ctx context.Context) [][]byte {
	if s.cfg.Greetings == nil || s.cfg.Prompt.GreetingText == "" {
		return nil
	}
	frames, dur, err := s.cfg.Greetings.Get(ctx, s.cfg.Voice, s.cfg.Prompt.GreetingText)
	if err != nil {
		s.cfg.Logger.Error("greeting unavailable", slog.Any("error", err))
		s.recordProviderError(ctx, "tts")
		return nil
	}
	s.cfg.Logger.Debug("greeting ready", slog.Duration("duration", dur))
	return frames
}

// setState transitions the FSM and publishes the change.
func (s *Session) setState(ctx context.Context, to types.CallState) {
	from := s.State()
	if from == to {
		return
	}
	s.state.Store(to)
	s.cfg.Logger.Debug("state changed",
		slog.String("from", string(from)), slog.String("to", string(to)))
	s.cfg.Events.Publish(ctx, EventCallStateChanged, StateChange{
		CallID: s.cfg.CallID, From: from, To: to, Occurred: time.Now(),
	})
}

// finish tears everything down, finalizes persistence, and emits the
// terminal event.
func (s *Session) finish(ctx context.Context, outcome, reason string) error {
	log := s.cfg.Logger

	if s.cur != nil {
		res := s.cur.cancelAndWait()
		s.commitAssistant(ctx, s.cur.text.String(), res, true)
		s.cur = nil
	}
	if s.greetPB != nil {
		s.greetPB.cancel()
		s.greetPB = nil
	}
	if s.media != nil && reason == "inactivity" && len(s.cfg.FarewellClip) > 0 {
		s.playFarewell(ctx)
	}
	if s.media != nil {
		_ = s.media.Close(reason)
	}
	if s.cfg.Switch != nil && s.cfg.SwitchUUID != "" && reason != "caller_hangup" {
		hctx, hcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.cfg.Switch.HangupCall(hctx, s.cfg.SwitchUUID); err != nil {
			log.Warn("switch hangup failed", slog.Any("error", err))
		}
		hcancel()
	}

	now := time.Now()
	var dur time.Duration
	if answered, _ := s.answered.Load().(time.Time); !answered.IsZero() {
		dur = now.Sub(answered)
	}
	s.result = Result{Outcome: outcome, Reason: reason, Conversed: s.conversed, Duration: dur}
	if st := s.State(); st != types.StateHangingUp && st != types.StateEnded {
		s.setState(ctx, types.StateHangingUp)
	}
	s.setState(ctx, types.StateEnded)

	// Persist and publish with a context that survives server shutdown.
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer pcancel()

	if s.cfg.Store != nil {
		if err := s.cfg.Store.FinalizeCall(pctx, s.cfg.CallID, outcome, now, dur); err != nil {
			log.Error("finalize call failed", slog.Any("error", err))
		}
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordCallEnded(pctx, string(s.cfg.Direction), outcome, dur.Seconds())
	}

	event := EventCallEnded
	if outcome == "failed" {
		event = EventCallFailed
	}
	s.cfg.Events.Publish(pctx, event, map[string]any{
		"call_id":     s.cfg.CallID,
		"direction":   s.cfg.Direction,
		"outcome":     outcome,
		"reason":      reason,
		"duration_ms": dur.Milliseconds(),
	})
	log.Info("call ended",
		slog.String("outcome", outcome),
		slog.String("reason", reason),
		slog.Duration("duration", dur))

	s.generateSummary(pctx)
	return nil
}

// playFarewell speaks the goodbye phrase and waits for the paced queue to
// drain, so an idle caller hears a close instead of a dead line.
func (s *Session) playFarewell(ctx context.Context) {
	clip := s.cfg.FarewellClip
	clipDur := time.Duration(len(clip)) * audio.FrameDuration
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clipDur+2*time.Second)
	defer cancel()

	for _, f := range clip {
		if err := s.media.Send(pctx, f); err != nil {
			return
		}
	}
	// Send blocks on the paced queue, so at most the queue depth remains
	// unplayed after the last frame is accepted.
	drain := time.NewTimer(500 * time.Millisecond)
	defer drain.Stop()
	select {
	case <-pctx.Done():
	case <-drain.C:
	}
}

// generateSummary asks the model for a short post-call summary. Best-effort:
// failures are logged, never propagated.
func (s *Session) generateSummary(ctx context.Context) {
	if s.cfg.Store == nil || s.transcript.Len() == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	msgs := s.transcript.Messages()
	msgs = append(msgs, types.Message{
		Role:    "user",
		Content: "Resuma esta ligação em uma ou duas frases, incluindo o resultado.",
	})
	resp, err := s.cfg.LLM.Complete(sctx, llm.CompletionRequest{
		SystemPrompt: "Você resume transcrições de ligações telefônicas de forma objetiva.",
		Messages:     msgs,
		Model:        s.cfg.Prompt.Model,
	})
	if err != nil || resp == nil || resp.Content == "" {
		s.cfg.Logger.Warn("summary generation failed", slog.Any("error", err))
		return
	}
	if err := s.cfg.Store.SetCallSummary(sctx, s.cfg.CallID, resp.Content); err != nil {
		s.cfg.Logger.Warn("summary persist failed", slog.Any("error", err))
	}
}

func (s *Session) persistEntry(ctx context.Context, e types.TranscriptEntry) {
	if s.cfg.Store == nil {
		return
	}
	if err := s.cfg.Store.AppendMessage(ctx, s.cfg.CallID, e); err != nil {
		s.cfg.Logger.Error("append message failed", slog.Any("error", err))
	}
}

func (s *Session) recordProviderError(ctx context.Context, kind string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordProviderError(ctx, kind, kind)
	}
}
