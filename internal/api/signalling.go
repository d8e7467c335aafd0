package api

import (
	"context"
	"errors"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
	"github.com/Tajbir23/quick-meet-sub002/internal/calls"
	"github.com/Tajbir23/quick-meet-sub002/internal/events"
	"github.com/Tajbir23/quick-meet-sub002/internal/guard"
	"github.com/Tajbir23/quick-meet-sub002/internal/security"
)

// handleOffer redeems the call token and forwards the offer to the bound
// target. Group tokens carry no session and are forwarded as is.
func (g *Gateway) handleOffer(_ context.Context, conn guard.Conn, ev events.Event) error {
	offer := ev.(events.CallOffer)

	if err := g.deps.SDP.ValidateDescription(offer.SDP); err != nil {
		return guard.Violation(err)
	}

	data, err := g.deps.Calls.Consume(offer.CallToken, conn.Identity())
	if err != nil {
		if errors.Is(err, calls.ErrTokenMismatch) {
			g.deps.Detector.AddThreat(conn.RemoteIP(), security.ThreatImpersonation)
			return guard.Violation(err)
		}
		return err
	}

	if data.Target != offer.To || string(data.Kind) != offer.Kind ||
		(offer.SessionID != "" && offer.SessionID != data.SessionID) {
		return guard.Violation(errors.New("offer does not match call token"))
	}

	delivered := g.deliver(data.Target, TypeCallOffer, map[string]any{
		"from":      conn.Identity(),
		"sessionId": data.SessionID,
		"kind":      string(data.Kind),
		"sdp":       offer.SDP,
	})
	if delivered == 0 {
		if data.SessionID != "" {
			g.deps.Calls.EndSession(data.SessionID)
		}
		return errRecipientAway
	}

	conn.Notify(TypeCallOfferSent, map[string]any{
		"sessionId": data.SessionID,
		"to":        data.Target,
		"delivered": delivered,
	})
	return nil
}

func (g *Gateway) handleAnswer(_ context.Context, conn guard.Conn, ev events.Event) error {
	answer := ev.(events.CallAnswer)

	if err := g.deps.SDP.ValidateDescription(answer.SDP); err != nil {
		return guard.Violation(err)
	}

	session, err := g.sessionFor(conn, answer.SessionID, answer.To)
	if err != nil {
		return err
	}
	if conn.Identity() != session.Responder {
		return guard.Violation(errors.New("only the callee may answer"))
	}
	if !session.MutuallyVerified() {
		return errNotVerified
	}

	g.deliver(session.Initiator, TypeCallAnswer, map[string]any{
		"from":      conn.Identity(),
		"sessionId": session.ID,
		"sdp":       answer.SDP,
	})
	return nil
}

func (g *Gateway) handleCandidate(_ context.Context, conn guard.Conn, ev events.Event) error {
	cand := ev.(events.ICECandidate)

	if err := g.deps.SDP.ValidateCandidate(cand.Candidate); err != nil {
		return guard.Violation(err)
	}

	session, err := g.sessionFor(conn, cand.SessionID, cand.To)
	if err != nil {
		return err
	}
	if !session.MutuallyVerified() {
		return errNotVerified
	}

	g.deliver(session.Peer(conn.Identity()), TypeICECandidate, map[string]any{
		"from":      conn.Identity(),
		"sessionId": session.ID,
		"candidate": cand.Candidate,
	})
	return nil
}

func (g *Gateway) handleEnd(_ context.Context, conn guard.Conn, ev events.Event) error {
	end := ev.(events.CallEnd)

	if end.SessionID == "" {
		g.deliver(end.To, TypeCallEnd, map[string]any{
			"from":   conn.Identity(),
			"reason": end.Reason,
		})
		return nil
	}

	session, err := g.sessionFor(conn, end.SessionID, end.To)
	if err != nil {
		return err
	}
	g.deps.Calls.EndSession(session.ID)
	g.deliver(session.Peer(conn.Identity()), TypeCallEnd, map[string]any{
		"from":      conn.Identity(),
		"sessionId": session.ID,
		"reason":    end.Reason,
	})
	return nil
}

func (g *Gateway) handleVerify(_ context.Context, conn guard.Conn, ev events.Event) error {
	verify := ev.(events.CallVerify)

	role := calls.Role(verify.Role)
	if role != calls.RoleCaller && role != calls.RoleCallee {
		return errors.New("role must be caller or callee")
	}

	if session, ok := g.deps.Calls.Session(verify.SessionID); ok && !session.Has(conn.Identity()) {
		g.deps.Detector.AddThreat(conn.RemoteIP(), security.ThreatImpersonation)
	}
	if !g.deps.Calls.VerifyParticipant(verify.SessionID, conn.Identity(), role) {
		return guard.Violation(errors.New("participant verification rejected"))
	}

	session, ok := g.deps.Calls.Session(verify.SessionID)
	if !ok {
		return nil
	}
	result := map[string]any{
		"sessionId": session.ID,
		"identity":  conn.Identity(),
		"role":      string(role),
		"mutual":    session.MutuallyVerified(),
	}
	conn.Notify(TypeCallVerified, result)
	g.deliver(session.Peer(conn.Identity()), TypeCallVerified, result)
	return nil
}

func (g *Gateway) handleMessage(_ context.Context, conn guard.Conn, ev events.Event) error {
	msg := ev.(events.MessageSend)

	delivered := g.deliver(msg.To, TypeMessageNew, map[string]any{
		"from":     conn.Identity(),
		"to":       msg.To,
		"content":  msg.Content,
		"clientId": msg.ClientID,
	})
	conn.Notify(TypeMessageSent, map[string]any{
		"clientId":  msg.ClientID,
		"to":        msg.To,
		"delivered": delivered,
	})
	return nil
}

func (g *Gateway) handleTyping(_ context.Context, conn guard.Conn, ev events.Event) error {
	typing := ev.(events.Typing)
	g.deliver(typing.To, TypeTyping, map[string]any{
		"from":   conn.Identity(),
		"active": typing.Active,
	})
	return nil
}

// sessionFor loads a 1:1 session and checks that conn is one of its parties
// and that to, when given, is the other one.
func (g *Gateway) sessionFor(conn guard.Conn, sessionID, to string) (calls.CallSession, error) {
	if sessionID == "" {
		return calls.CallSession{}, errSessionRequired
	}
	session, ok := g.deps.Calls.Session(sessionID)
	if !ok {
		return calls.CallSession{}, errors.New("call session not found")
	}
	if !session.Has(conn.Identity()) {
		g.deps.Recorder.Record("gateway", "session_impersonation", audit.SeverityCritical, map[string]any{
			"session_id": sessionID,
			"identity":   conn.Identity(),
			"ip":         conn.RemoteIP(),
		})
		g.deps.Detector.AddThreat(conn.RemoteIP(), security.ThreatImpersonation)
		return calls.CallSession{}, guard.Violation(errors.New("not a participant of the call session"))
	}
	if to != "" && to != session.Peer(conn.Identity()) {
		return calls.CallSession{}, guard.Violation(errors.New("recipient is not the call peer"))
	}
	return session, nil
}
