package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ligvox/ligvox/internal/campaign"
	"github.com/ligvox/ligvox/internal/schedule"
	"github.com/ligvox/ligvox/internal/session"
	"github.com/ligvox/ligvox/internal/store"
	"github.com/ligvox/ligvox/internal/switchio"
	"github.com/ligvox/ligvox/pkg/types"
)

// ErrOutboundDisabled is returned for dial attempts when no switch control
// channel is configured.
var ErrOutboundDisabled = errors.New("app: outbound dialing is not configured")

// dialAdhoc is the server.DialFunc behind POST /calls/dial.
func (a *App) dialAdhoc(ctx context.Context, callID, number string, promptID *int64) error {
	_, err := a.launchOutbound(ctx, callID, number, promptID, 0, 0)
	return err
}

// launchCampaignCall adapts launchOutbound to the campaign runner.
func (a *App) launchCampaignCall(ctx context.Context, callID, number string, promptID *int64, campaignID int64, campaignLimit int) (campaign.Call, error) {
	s, err := a.launchOutbound(ctx, callID, number, promptID, campaignID, campaignLimit)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// launchScheduledCall adapts launchOutbound to the schedule runner.
func (a *App) launchScheduledCall(ctx context.Context, callID, number string, promptID *int64) (schedule.Call, error) {
	s, err := a.launchOutbound(ctx, callID, number, promptID, 0, 0)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// launchOutbound is the shared outbound dial path: normalize the number,
// build and admit the session, originate through the switch, and start the
// session loop on the app context. The session is removed from the registry
// when it terminates.
func (a *App) launchOutbound(ctx context.Context, callID, number string, promptID *int64, campaignID int64, campaignLimit int) (*session.Session, error) {
	if a.dialer == nil {
		return nil, ErrOutboundDisabled
	}

	normalized, err := switchio.NormalizeNumber(number)
	if err != nil {
		return nil, err
	}

	prompt, err := a.resolvePrompt(ctx, promptID)
	if err != nil {
		return nil, err
	}

	s, err := session.New(a.sessionConfig(sessionParams{
		callID:       callID,
		direction:    types.DirectionOutbound,
		switchUUID:   callID,
		calledNumber: normalized,
		campaignID:   campaignID,
		prompt:       prompt,
	}))
	if err != nil {
		return nil, err
	}
	if err := a.registry.Admit(s, campaignLimit); err != nil {
		return nil, err
	}

	if err := a.dialer.Dial(ctx, callID, normalized); err != nil {
		a.registry.Remove(callID)
		return nil, fmt.Errorf("app: originate %s: %w", callID, err)
	}

	a.startSession(s, callID)
	return s, nil
}

// acceptInbound is the switchio.InboundFactory: a media connection arrived
// for a call ID nothing dialed and identified itself with a metadata frame,
// so the switch routed an inbound call to us.
func (a *App) acceptInbound(ctx context.Context, callID string, meta map[string]string) (*session.Session, error) {
	prompt, err := a.resolvePrompt(ctx, nil)
	if err != nil {
		return nil, err
	}

	s, err := session.New(a.sessionConfig(sessionParams{
		callID:       callID,
		direction:    types.DirectionInbound,
		switchUUID:   callID,
		callerNumber: meta["caller"],
		calledNumber: meta["called"],
		prompt:       prompt,
	}))
	if err != nil {
		return nil, err
	}
	if err := a.registry.Admit(s, 0); err != nil {
		return nil, err
	}

	a.startSession(s, callID)
	return s, nil
}

// startSession runs the session loop on the app lifetime context so API
// request cancellation never tears down a live call.
func (a *App) startSession(s *session.Session, callID string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.registry.Remove(callID)
		if err := s.Run(a.ctx); err != nil {
			a.logger.Error("session loop failed",
				slog.String("call_id", callID), slog.Any("error", err))
		}
	}()
}

type sessionParams struct {
	callID       string
	direction    types.Direction
	switchUUID   string
	callerNumber string
	calledNumber string
	campaignID   int64
	prompt       types.PromptSnapshot
}

// sessionConfig builds a session.Config from the app's shared components and
// the per-call parameters. Voice precedence: prompt voice, then the
// default_voice_id setting, then the provider config.
func (a *App) sessionConfig(p sessionParams) session.Config {
	snap := a.settings.Current()

	voice := a.defaultVoice()
	if p.prompt.VoiceID != "" {
		voice.ID = p.prompt.VoiceID
	}

	var hangup session.Hangupper
	if a.control != nil {
		hangup = a.control
	}
	var corrector session.Corrector
	if a.corrector != nil {
		corrector = a.corrector
	}

	return session.Config{
		CallID:       p.callID,
		SwitchUUID:   p.switchUUID,
		Direction:    p.direction,
		CallerNumber: p.callerNumber,
		CalledNumber: p.calledNumber,
		CampaignID:   p.campaignID,
		Prompt:       p.prompt,
		Voice:        voice,
		Language:     a.cfg.Providers.STT.Language,

		STT: a.sttP,
		LLM: a.llmP,
		TTS: a.ttsP,

		Store:     a.store,
		Events:    a.events,
		Metrics:   a.metrics,
		Greetings: a.greetings,
		Switch:    hangup,
		Corrector: corrector,
		Logger:    a.logger,

		BargeInMinChars:   snap.BargeInMinChars,
		ConnectTimeout:    a.cfg.Calls.ConnectTimeout.Std(),
		InactivityTimeout: a.cfg.Calls.InactivityTimeout.Std(),

		FillerClips:  a.fillers,
		ApologyClip:  a.apology,
		FarewellClip: a.farewell,
	}
}

// resolvePrompt loads the requested prompt, or the active prompt when none
// is named. A missing active prompt is not an error; the session runs with
// an empty snapshot and the provider defaults.
func (a *App) resolvePrompt(ctx context.Context, promptID *int64) (types.PromptSnapshot, error) {
	if promptID != nil {
		p, err := a.store.GetPrompt(ctx, *promptID)
		if err != nil {
			return types.PromptSnapshot{}, err
		}
		return p.Snapshot(), nil
	}

	p, err := a.store.ActivePrompt(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return types.PromptSnapshot{}, nil
	}
	if err != nil {
		return types.PromptSnapshot{}, err
	}
	return p.Snapshot(), nil
}
