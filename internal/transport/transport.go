// Package transport defines the channel-driver contract the queue engine
// dials through. A Driver allocates outbound channels, places calls, and
// surfaces frames (voice, DTMF, control events) read back from the wire.
// The engine never talks to a signaling stack directly; it only consumes
// this interface.
package transport

import (
	"context"
	"time"
)

// State is the lifecycle state of a channel.
type State int

const (
	// StateDown is an allocated channel that has not been dialed yet.
	StateDown State = iota
	// StateRinging means the call has been placed and the far end is
	// being alerted.
	StateRinging
	// StateUp means the far end answered.
	StateUp
	// StateHungup means the channel is dead; Read drains any queued
	// frames and then returns nil.
	StateHungup
)

// String returns the state name used in logs.
func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateRinging:
		return "ringing"
	case StateUp:
		return "up"
	case StateHungup:
		return "hungup"
	default:
		return "unknown"
	}
}

// FrameKind discriminates the frames a channel can deliver.
type FrameKind int

const (
	// FrameVoice is media; the engine ignores the payload but a voice
	// frame proves the channel is alive.
	FrameVoice FrameKind = iota
	// FrameDTMF carries a single dialed digit.
	FrameDTMF
	// FrameControl carries a signaling event; see ControlKind.
	FrameControl
)

// ControlKind enumerates the control events the engine consumes, plus the
// indication kinds it can send back via Driver.Indicate.
type ControlKind int

const (
	ControlAnswer ControlKind = iota
	ControlBusy
	ControlCongestion
	ControlRinging
	ControlHangup
	ControlOffHook
	ControlConnectedLine
	ControlRedirecting
	ControlCallForward
	ControlAOC

	// ControlStopRinging is indicate-only: stop a previously indicated
	// ringback toward the caller.
	ControlStopRinging
	// ControlMOHStart and ControlMOHStop are indicate-only: start or stop
	// hold music toward the caller.
	ControlMOHStart
	ControlMOHStop
)

// String returns the control kind name used in logs.
func (k ControlKind) String() string {
	switch k {
	case ControlAnswer:
		return "answer"
	case ControlBusy:
		return "busy"
	case ControlCongestion:
		return "congestion"
	case ControlRinging:
		return "ringing"
	case ControlHangup:
		return "hangup"
	case ControlOffHook:
		return "offhook"
	case ControlConnectedLine:
		return "connected_line"
	case ControlRedirecting:
		return "redirecting"
	case ControlCallForward:
		return "call_forward"
	case ControlAOC:
		return "aoc"
	case ControlStopRinging:
		return "stop_ringing"
	case ControlMOHStart:
		return "moh_start"
	case ControlMOHStop:
		return "moh_stop"
	default:
		return "unknown"
	}
}

// PartyID identifies one party on a call for caller-ID style data.
type PartyID struct {
	Name   string
	Number string
}

// Frame is one unit read from a channel.
type Frame struct {
	Kind    FrameKind
	Digit   rune        // FrameDTMF
	Control ControlKind // FrameControl
	Cause   int         // ControlHangup: ISDN-style cause code
	Party   *PartyID    // ControlConnectedLine / ControlRedirecting
	Forward string      // ControlCallForward: tech/location destination
	AOC     string      // ControlAOC: opaque encoded rate list
}

// Channel is one allocated call leg. Implementations must be safe for
// concurrent use: the dispatcher reads frames while management surfaces
// inspect state.
type Channel interface {
	// ID is a unique identifier for the channel, stable for its lifetime.
	ID() string
	// Name is the human-readable channel name (tech/location-suffix).
	Name() string
	// State returns the current lifecycle state.
	State() State
	// CallerID returns the calling party presented on this channel.
	CallerID() PartyID
	// ConnectedLine returns the current connected-line party.
	ConnectedLine() PartyID
	// SetConnectedLine replaces the connected-line party.
	SetConnectedLine(PartyID)
	// Redirecting returns the redirecting (forwarded-from) party.
	Redirecting() PartyID
	// SetRedirecting replaces the redirecting party.
	SetRedirecting(PartyID)
	// Exten is the dialplan extension the channel entered on; used to
	// populate forwarded-from data when a member forwards the call.
	Exten() string
	// Variables returns a copy of the channel variable map.
	Variables() map[string]string
	// Variable returns one channel variable ("" when unset).
	Variable(key string) string
	// SetVariable sets a channel variable. Variables are inherited by
	// channels requested with this channel as originator.
	SetVariable(key, value string)
	// HangupCause returns the hangup cause code, 0 while the channel is up.
	HangupCause() int
}

// BridgeConfig carries the feature flags for a two-party bridge.
type BridgeConfig struct {
	// AllowCallerDisconnect lets the caller end the bridge with a DTMF
	// feature code.
	AllowCallerDisconnect bool
	// AllowTransfer lets the answered member transfer the caller away.
	AllowTransfer bool
}

// BridgeResult reports how a bridge ended.
type BridgeResult struct {
	// Transferred is true when the member moved the caller elsewhere
	// instead of either party hanging up.
	Transferred bool
	// TransferTarget is the destination of the transfer, if known.
	TransferTarget string
}

// Driver is the narrow surface the engine requires from a channel driver.
//
// Request allocates an outbound channel without placing the call; the
// originator's variables are inherited by the new channel. Call places the
// call. WaitFor blocks until any of the given channels has a frame ready
// (or is hung up), or the timeout elapses; it returns the ready channel
// (nil on timeout) and the unconsumed remainder of the timeout. Read pops
// the next frame from a channel, returning nil once the channel is hung up
// and drained.
type Driver interface {
	Request(ctx context.Context, tech, location string, originator Channel) (Channel, error)
	Call(ctx context.Context, ch Channel, address string) error
	Hangup(ch Channel, answeredElsewhere bool)
	WaitFor(chans []Channel, timeout time.Duration) (Channel, time.Duration)
	Read(ch Channel) *Frame
	Indicate(ch Channel, kind ControlKind)
	Bridge(ctx context.Context, caller, peer Channel, cfg BridgeConfig) (BridgeResult, error)
}

// SplitAddress splits a "tech/location" dial string. ok is false when the
// separator is missing.
func SplitAddress(addr string) (tech, location string, ok bool) {
	for i := 0; i < len(addr); i++ {
		if addr[i] == '/' {
			return addr[:i], addr[i+1:], true
		}
	}
	return addr, "", false
}
