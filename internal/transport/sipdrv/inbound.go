package sipdrv

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/flowpbx/flowqueue/internal/transport"
)

// handleInvite terminates an inbound INVITE as a caller leg and hands it to
// the installed call handler. The 200 OK is withheld until the engine
// bridges the caller to an answered member.
func (d *Driver) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	d.logger.Info("invite received",
		"call_id", callID,
		"from", req.From().Address.User,
		"to", req.To().Address.User,
		"source", req.Source(),
	)

	// 100 Trying immediately to stop UAC retransmissions.
	d.respond(req, tx, 100, "Trying")

	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler == nil {
		d.logger.Warn("invite with no call handler installed", "call_id", callID)
		d.respond(req, tx, 503, "Service Unavailable")
		return
	}

	exten := req.Recipient.User
	cid := transport.PartyID{}
	if from := req.From(); from != nil {
		cid.Name = from.DisplayName
		cid.Number = from.Address.User
	}
	if callID == "" {
		callID = uuid.NewString()
	}

	n := d.seq.Add(1)
	ch := &SIPChannel{
		drv:       d,
		id:        uuid.NewString(),
		name:      fmt.Sprintf("SIP/%s-%08x", cid.Number, n),
		exten:     exten,
		callID:    callID,
		role:      legCaller,
		state:     transport.StateUp,
		callerID:  cid,
		vars:      make(map[string]string),
		inviteReq: req,
		inviteTx:  tx,
	}
	d.registerChannel(ch)

	// The handler owns the leg from here; it returns when the caller is
	// done with the queue.
	go func() {
		defer d.unregisterChannel(ch)
		handler(ch)
		// Close out a leg the engine returned without answering or
		// tearing down, so the caller is not left ringing forever.
		if ch.State() != transport.StateHungup {
			ch.mu.Lock()
			answered := ch.answerSent
			ch.mu.Unlock()
			if !answered {
				d.respond(req, tx, 480, "Temporarily Unavailable")
			} else {
				d.sendBye(ch)
			}
			ch.die(16)
		}
	}()
}

// handleACK confirms the dialog after our 200 OK. The dialog is already
// tracked by Call-ID; nothing further to do.
func (d *Driver) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	d.logger.Debug("sip ack received",
		"call_id", callID,
		"source", req.Source(),
	)
}

// handleBye tears down the matching leg from the far end.
func (d *Driver) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	d.respond(req, tx, 200, "OK")

	ch := d.channelByCallID(callID)
	if ch == nil {
		d.logger.Debug("bye for unknown call", "call_id", callID)
		return
	}
	d.logger.Info("bye received", "call_id", callID, "channel", ch.name)
	ch.die(16)
}

// handleCancel aborts a still-ringing caller leg with 487.
func (d *Driver) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	d.respond(req, tx, 200, "OK")

	ch := d.channelByCallID(callID)
	if ch == nil || ch.role != legCaller {
		return
	}
	ch.mu.Lock()
	answered := ch.answerSent
	ch.mu.Unlock()
	if answered {
		// CANCEL after answer is a no-op per RFC 3261.
		return
	}
	d.logger.Info("caller cancelled", "call_id", callID, "channel", ch.name)
	d.respond(ch.inviteReq, ch.inviteTx, 487, "Request Terminated")
	ch.die(16)
}

// handleOptions answers keepalive pings.
func (d *Driver) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, INFO, REFER"))
	if err := tx.Respond(res); err != nil {
		d.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo surfaces out-of-band DTMF (application/dtmf-relay and
// application/dtmf bodies) as digit frames on the matching leg.
func (d *Driver) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	d.respond(req, tx, 200, "OK")

	ct := req.ContentType()
	if ct == nil {
		return
	}
	digit, ok := parseInfoDTMF(ct.Value(), req.Body())
	if !ok {
		d.logger.Debug("sip info with unsupported content type",
			"content_type", ct.Value(),
			"call_id", callID,
		)
		return
	}

	ch := d.channelByCallID(callID)
	if ch == nil {
		return
	}
	d.logger.Debug("sip info dtmf", "digit", string(digit), "call_id", callID)
	ch.push(&transport.Frame{Kind: transport.FrameDTMF, Digit: digit})
}

// handleRefer records a transfer request from an answered member. The
// bridge observes the transfer target and winds the call down as a
// transfer rather than a hangup.
func (d *Driver) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	referTo := req.GetHeader("Refer-To")
	if referTo == nil {
		d.respond(req, tx, 400, "Bad Request")
		return
	}

	target := referTarget(referTo.Value())

	ch := d.channelByCallID(callID)
	if ch == nil {
		d.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	d.respond(req, tx, 202, "Accepted")
	d.logger.Info("refer received", "call_id", callID, "target", target)

	ch.mu.Lock()
	ch.transferTarget = target
	ch.mu.Unlock()
	d.ringBell()
}

// referTarget extracts the user@host part of a Refer-To header value.
func referTarget(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "<")
	if i := strings.IndexByte(v, '>'); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimPrefix(v, "sip:")
	v = strings.TrimPrefix(v, "sips:")
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return v
}

// parseInfoDTMF extracts a digit from a SIP INFO body. Supported content
// types are application/dtmf-relay (Signal=<digit> lines) and
// application/dtmf (bare digit).
func parseInfoDTMF(contentType string, body []byte) (rune, bool) {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	var signal string
	switch ct {
	case "application/dtmf-relay":
		for _, line := range strings.Split(string(body), "\n") {
			line = strings.TrimSpace(line)
			if rest, ok := strings.CutPrefix(line, "Signal="); ok {
				signal = strings.TrimSpace(rest)
				break
			}
		}
	case "application/dtmf":
		signal = strings.TrimSpace(string(body))
	default:
		return 0, false
	}

	if len(signal) != 1 {
		return 0, false
	}
	c := rune(signal[0])
	switch {
	case c >= '0' && c <= '9', c == '*', c == '#', c >= 'A' && c <= 'D':
		return c, true
	}
	return 0, false
}
