package sipdrv

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowqueue/internal/transport"
)

// Bridge implements transport.Driver. The caller's held INVITE is answered
// with the member's SDP so the endpoints exchange media directly, then the
// bridge blocks until either leg hangs up, the member transfers the caller
// away with REFER, or the context is cancelled.
func (d *Driver) Bridge(ctx context.Context, caller, peer transport.Channel, cfg transport.BridgeConfig) (transport.BridgeResult, error) {
	cc, ok1 := caller.(*SIPChannel)
	pc, ok2 := peer.(*SIPChannel)
	if !ok1 || !ok2 {
		return transport.BridgeResult{}, fmt.Errorf("sipdrv: bridge requires sip channels")
	}

	if err := d.answerCaller(cc, pc); err != nil {
		return transport.BridgeResult{}, err
	}

	d.logger.Info("call bridged",
		"caller", cc.name,
		"member", pc.name,
		"call_id", cc.callID,
	)

	for {
		bell := d.bellC()

		if cfg.AllowTransfer {
			pc.mu.Lock()
			target := pc.transferTarget
			pc.mu.Unlock()
			if target != "" {
				return transport.BridgeResult{Transferred: true, TransferTarget: target}, nil
			}
		}
		if cc.State() == transport.StateHungup || pc.State() == transport.StateHungup {
			return transport.BridgeResult{}, nil
		}

		select {
		case <-ctx.Done():
			return transport.BridgeResult{}, ctx.Err()
		case <-bell:
		}
	}
}

// answerCaller sends the deferred 200 OK on the caller's INVITE, relaying
// the member's SDP. A caller already answered (re-bridge after an agent
// dump) is left alone.
func (d *Driver) answerCaller(cc, pc *SIPChannel) error {
	cc.mu.Lock()
	if cc.answerSent {
		cc.mu.Unlock()
		return nil
	}
	cc.answerSent = true
	req := cc.inviteReq
	tx := cc.inviteTx
	cc.mu.Unlock()

	var body []byte
	pc.mu.Lock()
	if pc.okRes != nil {
		body = pc.okRes.Body()
	}
	pc.mu.Unlock()

	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("sipdrv: answering caller: %w", err)
	}

	cc.mu.Lock()
	cc.okRes = res
	cc.mu.Unlock()
	return nil
}
