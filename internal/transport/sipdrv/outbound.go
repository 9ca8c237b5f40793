package sipdrv

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/flowpbx/flowqueue/internal/device"
	"github.com/flowpbx/flowqueue/internal/transport"
)

// Call implements transport.Driver. It sends the INVITE for a leg allocated
// by Request and starts the response collector that translates SIP
// responses into frames.
func (d *Driver) Call(ctx context.Context, ch transport.Channel, address string) error {
	sc, ok := ch.(*SIPChannel)
	if !ok || sc.role != legMember {
		return fmt.Errorf("sipdrv: foreign channel %s", ch.ID())
	}

	req := sip.NewRequest(sip.INVITE, sc.recipient)
	req.SetTransport(sc.sipTransport)

	// SDP passthrough from the caller leg; the endpoints exchange media
	// directly once bridged.
	if sc.originator != nil && sc.originator.inviteReq != nil {
		orig := sc.originator.inviteReq
		if len(orig.Body()) > 0 {
			req.SetBody(orig.Body())
			if ct := orig.ContentType(); ct != nil {
				req.AppendHeader(sip.NewHeader("Content-Type", ct.Value()))
			}
		}
	}

	req.AppendHeader(sip.NewHeader("Call-ID", sc.callID))

	sc.mu.Lock()
	cid := sc.connected
	if cid.Name == "" && cid.Number == "" {
		cid = sc.callerID
	}
	sc.mu.Unlock()
	if cid.Name != "" || cid.Number != "" {
		req.AppendHeader(sip.NewHeader("X-Caller-Name", cid.Name))
		req.AppendHeader(sip.NewHeader("X-Caller-Num", cid.Number))
	}

	tx, err := d.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sipdrv: sending invite to %s: %w", address, err)
	}

	collectCtx, cancel := context.WithCancel(context.Background())

	sc.mu.Lock()
	sc.state = transport.StateRinging
	sc.outReq = req
	sc.outTx = tx
	sc.cancelCollect = cancel
	sc.mu.Unlock()

	d.registerChannel(sc)
	d.setDeviceStatus(sc.stateKey, device.StatusRinging)

	d.logger.Info("invite sent",
		"call_id", sc.callID,
		"channel", sc.name,
		"address", address,
	)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.unregisterChannel(sc)
		d.collectResponses(collectCtx, sc, req, tx, false)
	}()
	return nil
}

// collectResponses drains one INVITE client transaction and translates its
// responses into frames on the leg. A 401/407 challenge is answered once
// with the account's digest credentials.
func (d *Driver) collectResponses(ctx context.Context, sc *SIPChannel, req *sip.Request, tx sip.ClientTransaction, authed bool) {
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			return
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				d.logger.Debug("invite transaction error",
					"call_id", sc.callID,
					"error", err,
				)
				sc.push(&transport.Frame{Kind: transport.FrameControl, Control: transport.ControlCongestion})
			}
			return
		case res = <-tx.Responses():
		}

		d.logger.Debug("invite response",
			"call_id", sc.callID,
			"channel", sc.name,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			sc.push(&transport.Frame{Kind: transport.FrameControl, Control: transport.ControlRinging})

		case res.StatusCode == 401 || res.StatusCode == 407:
			tx.Terminate()
			if authed {
				d.logger.Warn("invite re-challenged after auth",
					"call_id", sc.callID,
					"user", sc.authUser,
				)
				sc.push(&transport.Frame{Kind: transport.FrameControl, Control: transport.ControlCongestion})
				return
			}
			authReq, authTx, err := d.answerChallenge(ctx, sc, req, res)
			if err != nil {
				d.logger.Warn("invite auth failed",
					"call_id", sc.callID,
					"user", sc.authUser,
					"error", err,
				)
				sc.push(&transport.Frame{Kind: transport.FrameControl, Control: transport.ControlCongestion})
				return
			}
			d.collectResponses(ctx, sc, authReq, authTx, true)
			return

		case res.StatusCode >= 200 && res.StatusCode < 300:
			ack := buildACKFor2xx(req, res)
			if err := d.client.WriteRequest(ack); err != nil {
				d.logger.Error("failed to send ack",
					"call_id", sc.callID,
					"error", err,
				)
			}
			sc.mu.Lock()
			sc.outReq = req
			sc.outTx = tx
			sc.okRes = res
			sc.mu.Unlock()
			d.setDeviceStatus(sc.stateKey, device.StatusInUse)
			sc.answer()
			return

		case res.StatusCode == 301 || res.StatusCode == 302:
			target := ""
			if contact := res.Contact(); contact != nil {
				target = techSIP + "/" + contact.Address.User
			}
			tx.Terminate()
			if target == "" {
				sc.push(&transport.Frame{Kind: transport.FrameControl, Control: transport.ControlCongestion})
				return
			}
			sc.push(&transport.Frame{Kind: transport.FrameControl, Control: transport.ControlCallForward, Forward: target})
			return

		case res.StatusCode == 486 || res.StatusCode == 600:
			tx.Terminate()
			sc.push(&transport.Frame{Kind: transport.FrameControl, Control: transport.ControlBusy})
			return

		case res.StatusCode == 487:
			// Expected after our own CANCEL.
			tx.Terminate()
			return

		case res.StatusCode >= 500:
			tx.Terminate()
			sc.push(&transport.Frame{Kind: transport.FrameControl, Control: transport.ControlCongestion})
			return

		case res.StatusCode >= 300:
			tx.Terminate()
			cause := causeFromStatus(res.StatusCode)
			sc.push(&transport.Frame{Kind: transport.FrameControl, Control: transport.ControlHangup, Cause: cause})
			sc.die(cause)
			return
		}
	}
}

// answerChallenge re-sends the INVITE with digest credentials for the
// account the leg was requested against.
func (d *Driver) answerChallenge(ctx context.Context, sc *SIPChannel, origReq *sip.Request, challenge *sip.Response) (*sip.Request, sip.ClientTransaction, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	h := challenge.GetHeader(authHeader)
	if h == nil {
		return nil, nil, fmt.Errorf("challenge without %s header", authHeader)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing challenge: %w", err)
	}

	password, ok := d.cfg.Accounts[sc.authUser]
	if !ok {
		return nil, nil, fmt.Errorf("no credentials for %q", sc.authUser)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   origReq.Method.String(),
		URI:      origReq.Recipient.String(),
		Username: sc.authUser,
		Password: password,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := origReq.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := d.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("re-sending invite: %w", err)
	}
	return authReq, tx, nil
}

// sendCancel aborts a ringing outbound leg. When the call was answered
// elsewhere the CANCEL carries the RFC 3326 reason so the device suppresses
// its missed-call entry.
func (d *Driver) sendCancel(sc *SIPChannel, answeredElsewhere bool) {
	sc.mu.Lock()
	req := sc.outReq
	tx := sc.outTx
	sc.mu.Unlock()
	if req == nil {
		return
	}

	cancelReq := sip.NewRequest(sip.CANCEL, req.Recipient)
	cancelReq.SetTransport(req.Transport())
	if cid := req.CallID(); cid != nil {
		cancelReq.AppendHeader(sip.NewHeader("Call-ID", cid.Value()))
	}
	if answeredElsewhere {
		cancelReq.AppendHeader(sip.NewHeader("Reason", `SIP;cause=200;text="Call completed elsewhere"`))
	}

	cancelTx, err := d.client.TransactionRequest(context.Background(), cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		d.logger.Debug("failed to send cancel",
			"call_id", sc.callID,
			"error", err,
		)
	} else {
		cancelTx.Terminate()
	}
	if tx != nil {
		tx.Terminate()
	}
}

// sendBye ends an answered leg with an in-dialog BYE.
func (d *Driver) sendBye(sc *SIPChannel) {
	sc.mu.Lock()
	var bye *sip.Request
	switch sc.role {
	case legMember:
		if sc.outReq != nil && sc.okRes != nil {
			bye = buildBye(sc.outReq, sc.okRes)
		}
	case legCaller:
		if sc.inviteReq != nil && sc.okRes != nil {
			bye = buildUASBye(sc.inviteReq, sc.okRes)
		}
	}
	sc.mu.Unlock()
	if bye == nil {
		return
	}

	tx, err := d.client.TransactionRequest(context.Background(), bye, sipgo.ClientRequestAddVia)
	if err != nil {
		d.logger.Debug("failed to send bye",
			"call_id", sc.callID,
			"error", err,
		)
		return
	}
	// Let the transaction run out its retransmissions in the background.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		t := time.NewTimer(32 * time.Second)
		defer t.Stop()
		select {
		case <-tx.Done():
		case <-tx.Responses():
		case <-t.C:
		}
		tx.Terminate()
	}()
}

// buildBye creates the in-dialog BYE for a leg we originated (UAC side).
func buildBye(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = inviteReq.SipVersion

	if h := inviteReq.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cseq := &sip.CSeqHeader{SeqNo: h.SeqNo + 1, MethodName: sip.BYE}
		bye.AppendHeader(cseq)
	}
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(inviteReq.Transport())
	return bye
}

// buildUASBye creates the in-dialog BYE for a leg we answered (UAS side):
// From and To swap relative to the original INVITE.
func buildUASBye(inviteReq *sip.Request, okRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteReq.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = inviteReq.SipVersion

	if h := okRes.To(); h != nil {
		from := &sip.FromHeader{
			DisplayName: h.DisplayName,
			Address:     *h.Address.Clone(),
			Params:      h.Params.Clone(),
		}
		bye.AppendHeader(from)
	}
	if h := inviteReq.From(); h != nil {
		to := &sip.ToHeader{
			DisplayName: h.DisplayName,
			Address:     *h.Address.Clone(),
			Params:      h.Params.Clone(),
		}
		bye.AppendHeader(to)
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cseq := &sip.CSeqHeader{SeqNo: h.SeqNo + 1, MethodName: sip.BYE}
		bye.AppendHeader(cseq)
	}
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(inviteReq.Transport())
	return bye
}

// buildACKFor2xx creates the ACK for a 2xx response to an INVITE. Per RFC
// 3261 the ACK for a 2xx is generated by the UAC core, not the transaction
// layer; the Request-URI comes from the response Contact when present.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())
	return ack
}

// causeFromStatus maps a SIP final status to an ISDN-style hangup cause.
func causeFromStatus(status int) int {
	switch status {
	case 404, 485, 604:
		return 1 // unallocated number
	case 408:
		return 102 // recovery on timer expiry
	case 480, 410:
		return 19 // no answer
	case 483:
		return 25 // exchange routing error
	case 486, 600:
		return 17 // user busy
	case 488, 606:
		return 58 // bearer capability not available
	case 502:
		return 38 // network out of order
	case 503:
		return 34 // circuit congestion
	default:
		if status >= 500 {
			return 38
		}
		return 21 // call rejected
	}
}
