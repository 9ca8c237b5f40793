package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Loopback is an in-process Driver used by the engine tests and by local
// deployments that terminate calls inside the same process. Endpoints are
// registered by address; placed calls either follow a scripted behavior
// (answer after a delay, busy, congestion, forward) or are handed to the
// test for manual control.
type Loopback struct {
	mu        sync.Mutex
	bell      chan struct{}
	endpoints map[string]*Endpoint
	seq       atomic.Int64
}

// NewLoopback creates an empty loopback driver.
func NewLoopback() *Loopback {
	return &Loopback{
		bell:      make(chan struct{}),
		endpoints: make(map[string]*Endpoint),
	}
}

// ringBell wakes every WaitFor and Bridge waiter. Waiters grab the current
// bell channel before inspecting state, so a wakeup is never lost.
func (d *Loopback) ringBell() {
	d.mu.Lock()
	close(d.bell)
	d.bell = make(chan struct{})
	d.mu.Unlock()
}

func (d *Loopback) bellC() <-chan struct{} {
	d.mu.Lock()
	c := d.bell
	d.mu.Unlock()
	return c
}

// endpointMode scripts what an endpoint does when called.
type endpointMode int

const (
	modeManual endpointMode = iota
	modeAnswerAfter
	modeBusy
	modeCongestion
	modeForward
)

// Endpoint is a dialable loopback destination.
type Endpoint struct {
	d    *Loopback
	addr string

	mu            sync.Mutex
	refuseRequest bool
	failCall      bool
	mode          endpointMode
	answerDelay   time.Duration
	forwardTo     string
	calls         chan *LoopChannel
}

// AddEndpoint registers a dialable endpoint under a "tech/location" address.
func (d *Loopback) AddEndpoint(addr string) *Endpoint {
	ep := &Endpoint{
		d:     d,
		addr:  addr,
		calls: make(chan *LoopChannel, 16),
	}
	d.mu.Lock()
	d.endpoints[addr] = ep
	d.mu.Unlock()
	return ep
}

// Calls delivers every channel placed to this endpoint, in call order.
func (ep *Endpoint) Calls() <-chan *LoopChannel { return ep.calls }

// RefuseRequest makes Driver.Request fail for this endpoint.
func (ep *Endpoint) RefuseRequest(v bool) {
	ep.mu.Lock()
	ep.refuseRequest = v
	ep.mu.Unlock()
}

// FailCall makes Driver.Call return an error for this endpoint.
func (ep *Endpoint) FailCall(v bool) {
	ep.mu.Lock()
	ep.failCall = v
	ep.mu.Unlock()
}

// AnswerAfter scripts the endpoint to answer after the given ring time.
func (ep *Endpoint) AnswerAfter(delay time.Duration) {
	ep.mu.Lock()
	ep.mode, ep.answerDelay = modeAnswerAfter, delay
	ep.mu.Unlock()
}

// RespondBusy scripts a busy response to every call.
func (ep *Endpoint) RespondBusy() {
	ep.mu.Lock()
	ep.mode = modeBusy
	ep.mu.Unlock()
}

// RespondCongestion scripts a congestion response to every call.
func (ep *Endpoint) RespondCongestion() {
	ep.mu.Lock()
	ep.mode = modeCongestion
	ep.mu.Unlock()
}

// ForwardTo scripts a call-forward indication to the given address.
func (ep *Endpoint) ForwardTo(addr string) {
	ep.mu.Lock()
	ep.mode, ep.forwardTo = modeForward, addr
	ep.mu.Unlock()
}

// Manual clears any scripted behavior; calls just ring until the test
// drives the channel it receives from Calls.
func (ep *Endpoint) Manual() {
	ep.mu.Lock()
	ep.mode = modeManual
	ep.mu.Unlock()
}

// LoopChannel is the loopback Channel implementation. Tests drive the far
// end through its mutators (Answer, PushDTMF, HangupWithCause, ...).
type LoopChannel struct {
	d        *Loopback
	id       string
	name     string
	exten    string
	callerID PartyID

	mu                sync.Mutex
	state             State
	frames            []*Frame
	cause             int
	answeredElsewhere bool
	connected         PartyID
	redirecting       PartyID
	vars              map[string]string
	dialed            string
	transferTo        string
}

// NewCaller creates an answered inbound channel, as a caller entering the
// queue would present.
func (d *Loopback) NewCaller(name, exten string, cid PartyID) *LoopChannel {
	return &LoopChannel{
		d:        d,
		id:       fmt.Sprintf("loop-%d", d.seq.Add(1)),
		name:     name,
		exten:    exten,
		callerID: cid,
		state:    StateUp,
		vars:     make(map[string]string),
	}
}

// ID implements Channel.
func (c *LoopChannel) ID() string { return c.id }

// Name implements Channel.
func (c *LoopChannel) Name() string { return c.name }

// State implements Channel.
func (c *LoopChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CallerID implements Channel.
func (c *LoopChannel) CallerID() PartyID { return c.callerID }

// ConnectedLine implements Channel.
func (c *LoopChannel) ConnectedLine() PartyID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetConnectedLine implements Channel.
func (c *LoopChannel) SetConnectedLine(p PartyID) {
	c.mu.Lock()
	c.connected = p
	c.mu.Unlock()
}

// Redirecting implements Channel.
func (c *LoopChannel) Redirecting() PartyID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redirecting
}

// SetRedirecting implements Channel.
func (c *LoopChannel) SetRedirecting(p PartyID) {
	c.mu.Lock()
	c.redirecting = p
	c.mu.Unlock()
}

// Exten implements Channel.
func (c *LoopChannel) Exten() string { return c.exten }

// Variables implements Channel.
func (c *LoopChannel) Variables() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// Variable implements Channel.
func (c *LoopChannel) Variable(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vars[key]
}

// SetVariable implements Channel.
func (c *LoopChannel) SetVariable(key, value string) {
	c.mu.Lock()
	c.vars[key] = value
	c.mu.Unlock()
}

// HangupCause implements Channel.
func (c *LoopChannel) HangupCause() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// DialedAddress returns the address passed to Driver.Call, for assertions.
func (c *LoopChannel) DialedAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialed
}

// AnsweredElsewhere reports whether the engine hung this channel up with
// the answered-elsewhere flag.
func (c *LoopChannel) AnsweredElsewhere() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answeredElsewhere
}

// IsHungup reports whether the channel is dead.
func (c *LoopChannel) IsHungup() bool { return c.State() == StateHungup }

// push queues a frame and wakes waiters. Frames pushed after hangup are
// dropped.
func (c *LoopChannel) push(f *Frame) {
	c.mu.Lock()
	if c.state == StateHungup {
		c.mu.Unlock()
		return
	}
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	c.d.ringBell()
}

// Answer transitions the channel up and delivers an Answer control frame.
func (c *LoopChannel) Answer() {
	c.mu.Lock()
	if c.state == StateHungup {
		c.mu.Unlock()
		return
	}
	c.state = StateUp
	c.frames = append(c.frames, &Frame{Kind: FrameControl, Control: ControlAnswer})
	c.mu.Unlock()
	c.d.ringBell()
}

// PushDTMF delivers one dialed digit.
func (c *LoopChannel) PushDTMF(digit rune) {
	c.push(&Frame{Kind: FrameDTMF, Digit: digit})
}

// PushControl delivers a bare control frame.
func (c *LoopChannel) PushControl(kind ControlKind) {
	c.push(&Frame{Kind: FrameControl, Control: kind})
}

// PushVoice delivers a voice frame.
func (c *LoopChannel) PushVoice() {
	c.push(&Frame{Kind: FrameVoice})
}

// PushConnectedLine delivers a connected-line update.
func (c *LoopChannel) PushConnectedLine(p PartyID) {
	c.push(&Frame{Kind: FrameControl, Control: ControlConnectedLine, Party: &p})
}

// PushRedirecting delivers a redirecting update.
func (c *LoopChannel) PushRedirecting(p PartyID) {
	c.push(&Frame{Kind: FrameControl, Control: ControlRedirecting, Party: &p})
}

// PushForward delivers a call-forward indication toward dest.
func (c *LoopChannel) PushForward(dest string) {
	c.push(&Frame{Kind: FrameControl, Control: ControlCallForward, Forward: dest})
}

// PushAOC delivers an advice-of-charge rate list.
func (c *LoopChannel) PushAOC(encoded string) {
	c.push(&Frame{Kind: FrameControl, Control: ControlAOC, AOC: encoded})
}

// HangupWithCause kills the channel from the far end.
func (c *LoopChannel) HangupWithCause(cause int) {
	c.mu.Lock()
	if c.state == StateHungup {
		c.mu.Unlock()
		return
	}
	c.state = StateHungup
	c.cause = cause
	c.mu.Unlock()
	c.d.ringBell()
}

// ScriptTransfer makes a future Bridge involving this channel end as an
// attended transfer to target.
func (c *LoopChannel) ScriptTransfer(target string) {
	c.mu.Lock()
	c.transferTo = target
	c.mu.Unlock()
	c.d.ringBell()
}

// ready reports whether Read would return something, or the channel is dead.
func (c *LoopChannel) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames) > 0 || c.state == StateHungup
}

// Request implements Driver.
func (d *Loopback) Request(ctx context.Context, tech, location string, originator Channel) (Channel, error) {
	addr := tech + "/" + location
	d.mu.Lock()
	ep := d.endpoints[addr]
	d.mu.Unlock()
	if ep == nil {
		return nil, fmt.Errorf("loopback: no endpoint %q", addr)
	}
	ep.mu.Lock()
	refuse := ep.refuseRequest
	ep.mu.Unlock()
	if refuse {
		return nil, fmt.Errorf("loopback: endpoint %q refused request", addr)
	}

	n := d.seq.Add(1)
	ch := &LoopChannel{
		d:     d,
		id:    fmt.Sprintf("loop-%d", n),
		name:  fmt.Sprintf("%s-%08x", addr, n),
		state: StateDown,
		vars:  make(map[string]string),
	}
	if originator != nil {
		ch.vars = originator.Variables()
		ch.callerID = originator.CallerID()
	}
	return ch, nil
}

// Call implements Driver. The scripted endpoint behavior runs here.
func (d *Loopback) Call(ctx context.Context, ch Channel, address string) error {
	lc, ok := ch.(*LoopChannel)
	if !ok {
		return fmt.Errorf("loopback: foreign channel %s", ch.ID())
	}
	d.mu.Lock()
	ep := d.endpoints[address]
	d.mu.Unlock()
	if ep == nil {
		return fmt.Errorf("loopback: no endpoint %q", address)
	}

	ep.mu.Lock()
	failCall := ep.failCall
	mode := ep.mode
	delay := ep.answerDelay
	fwd := ep.forwardTo
	ep.mu.Unlock()

	if failCall {
		return fmt.Errorf("loopback: endpoint %q rejected call", address)
	}

	lc.mu.Lock()
	lc.state = StateRinging
	lc.dialed = address
	lc.mu.Unlock()

	select {
	case ep.calls <- lc:
	default:
	}

	switch mode {
	case modeAnswerAfter:
		if delay <= 0 {
			lc.Answer()
		} else {
			time.AfterFunc(delay, lc.Answer)
		}
	case modeBusy:
		lc.PushControl(ControlBusy)
	case modeCongestion:
		lc.PushControl(ControlCongestion)
	case modeForward:
		lc.PushForward(fwd)
	case modeManual:
		lc.PushControl(ControlRinging)
	}
	return nil
}

// Hangup implements Driver.
func (d *Loopback) Hangup(ch Channel, answeredElsewhere bool) {
	lc, ok := ch.(*LoopChannel)
	if !ok {
		return
	}
	lc.mu.Lock()
	if lc.state != StateHungup {
		lc.state = StateHungup
		lc.cause = 16
		lc.answeredElsewhere = answeredElsewhere
	}
	lc.mu.Unlock()
	d.ringBell()
}

// WaitFor implements Driver.
func (d *Loopback) WaitFor(chans []Channel, timeout time.Duration) (Channel, time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		bell := d.bellC()
		for _, ch := range chans {
			if lc, ok := ch.(*LoopChannel); ok && lc.ready() {
				rem := time.Until(deadline)
				if rem < 0 {
					rem = 0
				}
				return ch, rem
			}
		}
		rem := time.Until(deadline)
		if rem <= 0 {
			return nil, 0
		}
		t := time.NewTimer(rem)
		select {
		case <-bell:
			t.Stop()
		case <-t.C:
		}
	}
}

// Read implements Driver. It returns nil once the channel is hung up and
// its frame queue is drained.
func (d *Loopback) Read(ch Channel) *Frame {
	lc, ok := ch.(*LoopChannel)
	if !ok {
		return nil
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if len(lc.frames) == 0 {
		return nil
	}
	f := lc.frames[0]
	lc.frames = lc.frames[1:]
	return f
}

// Indicate implements Driver. The loopback has no media path, so
// indications are recorded as channel variables for test inspection.
func (d *Loopback) Indicate(ch Channel, kind ControlKind) {
	ch.SetVariable("LOOPBACK_INDICATION", kind.String())
}

// Bridge implements Driver. It blocks until either party hangs up, the
// peer performs a scripted transfer, or the context is cancelled.
func (d *Loopback) Bridge(ctx context.Context, caller, peer Channel, cfg BridgeConfig) (BridgeResult, error) {
	lcCaller, ok1 := caller.(*LoopChannel)
	lcPeer, ok2 := peer.(*LoopChannel)
	if !ok1 || !ok2 {
		return BridgeResult{}, fmt.Errorf("loopback: bridge requires loopback channels")
	}
	for {
		bell := d.bellC()
		lcPeer.mu.Lock()
		target := lcPeer.transferTo
		lcPeer.mu.Unlock()
		if target != "" && cfg.AllowTransfer {
			return BridgeResult{Transferred: true, TransferTarget: target}, nil
		}
		if lcCaller.IsHungup() || lcPeer.IsHungup() {
			return BridgeResult{}, nil
		}
		select {
		case <-ctx.Done():
			return BridgeResult{}, ctx.Err()
		case <-bell:
		}
	}
}

var _ Driver = (*Loopback)(nil)
