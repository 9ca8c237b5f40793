package sipdrv

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/flowqueue/internal/transport"
)

// legRole distinguishes the two kinds of legs the driver manages: inbound
// caller legs (we hold the INVITE server transaction) and outbound member
// legs (we hold the INVITE client transaction).
type legRole int

const (
	legCaller legRole = iota
	legMember
)

// SIPChannel is the sipgo-backed transport.Channel. Frames produced by the
// signaling collectors are queued here and drained by the engine through
// Driver.Read.
type SIPChannel struct {
	drv    *Driver
	id     string
	name   string
	exten  string
	callID string
	role   legRole

	mu                sync.Mutex
	state             transport.State
	frames            []*transport.Frame
	cause             int
	answeredElsewhere bool
	callerID          transport.PartyID
	connected         transport.PartyID
	redirecting       transport.PartyID
	vars              map[string]string

	// Caller leg: the inbound INVITE and its server transaction. The 200 OK
	// is deferred until Bridge so the answered member's SDP can be relayed.
	inviteReq   *sip.Request
	inviteTx    sip.ServerTransaction
	ringingSent bool
	answerSent  bool

	// Member leg: the outbound INVITE, its transaction, and the 200 OK that
	// carries the dialog parameters needed for ACK and BYE.
	recipient     sip.Uri
	sipTransport  string
	authUser      string
	stateKey      string
	originator    *SIPChannel
	outReq        *sip.Request
	outTx         sip.ClientTransaction
	okRes         *sip.Response
	cancelCollect context.CancelFunc

	// Set by the REFER handler when the far end transfers the call away.
	transferTarget string
}

// ID implements transport.Channel.
func (c *SIPChannel) ID() string { return c.id }

// Name implements transport.Channel.
func (c *SIPChannel) Name() string { return c.name }

// State implements transport.Channel.
func (c *SIPChannel) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CallerID implements transport.Channel.
func (c *SIPChannel) CallerID() transport.PartyID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callerID
}

// ConnectedLine implements transport.Channel.
func (c *SIPChannel) ConnectedLine() transport.PartyID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetConnectedLine implements transport.Channel.
func (c *SIPChannel) SetConnectedLine(p transport.PartyID) {
	c.mu.Lock()
	c.connected = p
	c.mu.Unlock()
}

// Redirecting implements transport.Channel.
func (c *SIPChannel) Redirecting() transport.PartyID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redirecting
}

// SetRedirecting implements transport.Channel.
func (c *SIPChannel) SetRedirecting(p transport.PartyID) {
	c.mu.Lock()
	c.redirecting = p
	c.mu.Unlock()
}

// Exten implements transport.Channel.
func (c *SIPChannel) Exten() string { return c.exten }

// Variables implements transport.Channel.
func (c *SIPChannel) Variables() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// Variable implements transport.Channel.
func (c *SIPChannel) Variable(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vars[key]
}

// SetVariable implements transport.Channel.
func (c *SIPChannel) SetVariable(key, value string) {
	c.mu.Lock()
	c.vars[key] = value
	c.mu.Unlock()
}

// HangupCause implements transport.Channel.
func (c *SIPChannel) HangupCause() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// push queues a frame and wakes waiters. Frames pushed after hangup are
// dropped.
func (c *SIPChannel) push(f *transport.Frame) {
	c.mu.Lock()
	if c.state == transport.StateHungup {
		c.mu.Unlock()
		return
	}
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	c.drv.ringBell()
}

// answer marks the leg up and delivers the Answer control frame.
func (c *SIPChannel) answer() {
	c.mu.Lock()
	if c.state == transport.StateHungup {
		c.mu.Unlock()
		return
	}
	c.state = transport.StateUp
	c.frames = append(c.frames, &transport.Frame{Kind: transport.FrameControl, Control: transport.ControlAnswer})
	c.mu.Unlock()
	c.drv.ringBell()
}

// die transitions the leg to hungup with the given cause. Already-dead legs
// keep their original cause.
func (c *SIPChannel) die(cause int) {
	c.mu.Lock()
	if c.state == transport.StateHungup {
		c.mu.Unlock()
		return
	}
	c.state = transport.StateHungup
	c.cause = cause
	c.mu.Unlock()
	c.drv.ringBell()
}

// ready reports whether Read would return something, or the leg is dead.
func (c *SIPChannel) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames) > 0 || c.state == transport.StateHungup
}

var _ transport.Channel = (*SIPChannel)(nil)
