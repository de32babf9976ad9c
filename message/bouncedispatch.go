package message

import (
	"context"

	"github.com/mailroom/mailroom/router"
)

// BounceTo wraps fn so that a message already recognized as a probable
// bounce (IsBounce) is diverted to soft or hard instead of fn, based on
// bounce.Analysis.IsSoft/IsHard. Non-bounce messages, and messages that are
// not a *MailRequest at all, fall through to fn unchanged.
//
// Grounded on salmon's bounce.bounce_to decorator, with its warning carried
// over verbatim: bounce handlers should return router.FirstState, since the
// bounce email came from a mail daemon, not the original sender, and the
// router's state machine is keyed on the envelope sender.
func BounceTo(soft, hard, fn router.HandlerFunc) router.HandlerFunc {
	return func(ctx context.Context, msg router.Envelope, captures map[string]string) (*router.HandlerRef, error) {
		req, ok := anyToMailRequest(msg)
		if !ok {
			return fn(ctx, msg, captures)
		}

		if !req.IsBounce() {
			return fn(ctx, msg, captures)
		}
		analysis, err := req.Bounce()
		if err != nil {
			return fn(ctx, msg, captures)
		}
		if analysis.IsSoft() {
			return soft(ctx, msg, captures)
		}
		return hard(ctx, msg, captures)
	}
}

func anyToMailRequest(msg router.Envelope) (*MailRequest, bool) {
	if re, ok := msg.(routerEnvelope); ok {
		return re.MailRequest, true
	}
	req, ok := msg.(*MailRequest)
	return req, ok
}
