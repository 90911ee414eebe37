package switchio

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// countryCode is prepended to national numbers during normalisation.
const countryCode = "55"

// ErrBadNumber is returned for phone numbers that cannot be normalised.
var ErrBadNumber = errors.New("switchio: invalid phone number")

// Originator issues originate commands. *ControlClient satisfies it.
type Originator interface {
	Originate(ctx context.Context, cmd string) error
}

// Dialer builds and issues outbound call originations. The switch is told to
// connect the answered call's audio back to the media WebSocket endpoint
// under the same call ID, so the session created by the dial path and the
// media stream meet without extra correlation state.
type Dialer struct {
	ctl         Originator
	gateway     string
	dialPrefix  string
	mediaWSBase string
}

// NewDialer creates a Dialer. mediaWSBase is the media endpoint as reachable
// from the switch host, without a trailing slash.
func NewDialer(ctl Originator, gateway, dialPrefix, mediaWSBase string) *Dialer {
	return &Dialer{
		ctl:         ctl,
		gateway:     gateway,
		dialPrefix:  dialPrefix,
		mediaWSBase: strings.TrimRight(mediaWSBase, "/"),
	}
}

// Dial originates a call to number with the given call ID. The switch leg is
// created with the call ID as its UUID, so hangup and media attachment need
// no mapping table.
func (d *Dialer) Dial(ctx context.Context, callID, number string) error {
	normalized, err := NormalizeNumber(number)
	if err != nil {
		return err
	}
	return d.ctl.Originate(ctx, OriginateCommand(callID, normalized, d.gateway, d.dialPrefix, d.mediaWSBase))
}

// OriginateCommand renders the switch originate command for one call.
// ignore_early_media keeps ringback from triggering the answer hook; the
// call parks after answer while the audio fork feeds the media endpoint.
func OriginateCommand(callID, number, gateway, dialPrefix, mediaWSBase string) string {
	return fmt.Sprintf(
		"originate {origination_uuid=%s,ignore_early_media=true,api_on_answer='uuid_audio_fork %s start %s/%s mono 8000'}sofia/gateway/%s/%s%s &park",
		callID, callID, mediaWSBase, callID, gateway, dialPrefix, number,
	)
}

// NormalizeNumber reduces raw to dialable digits: formatting characters are
// stripped, the length checked, and the country code prepended to national
// numbers. Returns ErrBadNumber for anything that cannot be a phone number.
func NormalizeNumber(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == '-' || r == '(' || r == ')' || r == ' ' || r == '.':
			// Formatting only.
		default:
			return "", fmt.Errorf("%w: unexpected character %q in %q", ErrBadNumber, r, raw)
		}
	}
	digits := b.String()

	if len(digits) < 10 || len(digits) > 13 {
		return "", fmt.Errorf("%w: %q has %d digits, want 10-13", ErrBadNumber, raw, len(digits))
	}
	if !strings.HasPrefix(digits, countryCode) || len(digits) <= 11 {
		// National format: DDD + number. Prepend the country code.
		if len(digits) > 11 {
			return "", fmt.Errorf("%w: %q is too long for a national number", ErrBadNumber, raw)
		}
		digits = countryCode + digits
	}
	return digits, nil
}
