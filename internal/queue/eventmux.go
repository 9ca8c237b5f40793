package queue

import (
	"context"
	"time"

	"github.com/flowpbx/flowqueue/internal/transport"
)

// busyRingDelay is the minimum time that must remain in a ring cycle for
// a rejected attempt to be replaced by the next candidate. Rejections
// arriving closer to the deadline end the cycle instead of starting a
// ring that cannot complete.
const busyRingDelay = 500 * time.Millisecond

// waitForAnswer watches the caller and every live attempt until a member
// answers, the caller leaves, or the ring timeout elapses. Exactly one of
// the returns is meaningful: winner on answer, exit on a caller-side
// departure, timedOut otherwise.
func (e *Engine) waitForAnswer(ctx context.Context, c *Caller, set *AttemptSet, timeout time.Duration) (winner *Attempt, exit *callerExit, timedOut bool) {
	cfg := c.queue.Config()
	deadline := e.now().Add(timeout)

	for {
		if ctx.Err() != nil {
			return nil, nil, false
		}
		live := set.live()
		if len(live) == 0 {
			// Every attempt rejected or failed; the cycle is over early.
			return nil, nil, false
		}

		remain := deadline.Sub(e.now())
		if remain <= 0 {
			return nil, nil, true
		}
		watch := make([]transport.Channel, 0, len(live)+1)
		watch = append(watch, c.ch)
		for _, a := range live {
			a.watching = true
			watch = append(watch, a.ch)
		}

		ready, _ := e.driver.WaitFor(watch, remain)
		if ready == nil {
			return nil, nil, true
		}

		if ready == c.ch {
			for {
				f := e.driver.Read(c.ch)
				if exit := e.handleCallerFrame(c, f); exit != nil {
					return nil, exit, false
				}
				if f == nil {
					break
				}
			}
			continue
		}

		a := attemptFor(set, ready)
		if a == nil {
			continue
		}
		won, restart := e.consumeAttemptFrames(c, set, a, deadline)
		if won {
			return a, nil, false
		}
		if restart && cfg.TimeoutRestart {
			deadline = e.now().Add(timeout)
		}
	}
}

// attemptFor maps a ready channel back to its attempt.
func attemptFor(set *AttemptSet, ch transport.Channel) *Attempt {
	for _, a := range set.attempts {
		if a.ch == ch {
			return a
		}
	}
	return nil
}

// consumeAttemptFrames drains one attempt's ready frames. won reports the
// member answered; restart reports the far end started ringing, which may
// restart the cycle timeout. The win is declared only once the frame
// queue is empty, so updates queued around the answer (AOC rates,
// connected line, redirecting) are consumed rather than dropped.
func (e *Engine) consumeAttemptFrames(c *Caller, set *AttemptSet, a *Attempt, deadline time.Time) (won, restart bool) {
	for {
		f := e.driver.Read(a.ch)
		if f == nil {
			if won || (a.ch != nil && a.ch.State() == transport.StateUp) {
				return true, restart
			}
			if a.ch != nil && a.ch.State() == transport.StateHungup {
				// Hung up before answering; treat like a rejection.
				e.attemptRejected(c, set, a, deadline)
			}
			return false, restart
		}

		switch f.Kind {
		case transport.FrameControl:
			switch f.Control {
			case transport.ControlAnswer:
				won = true

			case transport.ControlBusy, transport.ControlCongestion:
				e.logger.Debug("member rejected call",
					"queue", c.queue.Name(),
					"interface", a.Member().Interface(),
					"control", f.Control.String(),
				)
				e.attemptRejected(c, set, a, deadline)
				return false, restart

			case transport.ControlRinging:
				restart = true
				if c.opts.RingOnRinging && !c.ringIndicated {
					if c.mohStarted {
						e.driver.Indicate(c.ch, transport.ControlMOHStop)
						c.mohStarted = false
					}
					e.driver.Indicate(c.ch, transport.ControlRinging)
					c.ringIndicated = true
				}

			case transport.ControlCallForward:
				if !e.followForward(c, a, f.Forward) {
					e.attemptRejected(c, set, a, deadline)
					return false, restart
				}

			case transport.ControlConnectedLine:
				if f.Party != nil {
					e.propagateParty(c, set, a, *f.Party, false)
				}
			case transport.ControlRedirecting:
				if f.Party != nil {
					e.propagateParty(c, set, a, *f.Party, true)
				}

			case transport.ControlAOC:
				if f.AOC != "" {
					a.aocRates = append(a.aocRates, f.AOC)
				}

			case transport.ControlHangup:
				// A hangup after the answer is the winner bailing out,
				// which the bridge path handles.
				if won {
					return true, restart
				}
				e.attemptRejected(c, set, a, deadline)
				return false, restart
			}

		case transport.FrameVoice, transport.FrameDTMF:
			// Early media and pre-answer digits from the member are
			// irrelevant to selection.
		}
	}
}

// attemptRejected retires a failed attempt and, outside ring-all, lines
// up the next best candidate so the cycle keeps going. A replacement is
// rung only while more than busyRingDelay remains before the cycle
// deadline.
func (e *Engine) attemptRejected(c *Caller, set *AttemptSet, a *Attempt, deadline time.Time) {
	a.retire(e.driver, false)
	if c.queue.Config().Strategy == StrategyRingAll {
		return
	}
	if deadline.Sub(e.now()) <= busyRingDelay {
		return
	}
	e.ringOne(c, set)
}

// propagateParty routes a connected-line or redirecting update: with a
// single live attempt it is applied to the caller right away, under a
// ring-all race it is parked on the attempt and applied only if that
// attempt wins.
func (e *Engine) propagateParty(c *Caller, set *AttemptSet, a *Attempt, p transport.PartyID, redirecting bool) {
	if c.opts.NoConnectedLineUpdates {
		return
	}
	if len(set.live()) > 1 {
		if redirecting {
			a.pendingRedirecting = &p
		} else {
			a.pendingConnected = &p
		}
		return
	}
	if redirecting {
		c.ch.SetRedirecting(p)
	} else {
		c.ch.SetConnectedLine(p)
	}
}

// followForward redirects an attempt to a member's forward target. The
// old leg is hung up and a fresh channel dialed to the target, carrying
// redirecting data naming the member that forwarded. Forwards are refused
// when disabled, malformed, or pointing back into the set of interfaces
// already dialed for this caller (a forwarding loop).
func (e *Engine) followForward(c *Caller, a *Attempt, target string) bool {
	cfg := c.queue.Config()
	m := a.Member()

	if c.opts.IgnoreForwards {
		e.logger.Debug("ignoring call forward",
			"queue", cfg.Name,
			"interface", m.Interface(),
			"target", target,
		)
		return false
	}
	tech, location, ok := transport.SplitAddress(target)
	if !ok {
		e.logger.Warn("malformed forward target",
			"queue", cfg.Name,
			"interface", m.Interface(),
			"target", target,
		)
		return false
	}
	if c.dialed[target] {
		e.logger.Warn("forward loop refused",
			"queue", cfg.Name,
			"interface", m.Interface(),
			"target", target,
		)
		return false
	}

	old := a.ch
	a.ch = nil
	e.driver.Hangup(old, false)

	ch, err := e.driver.Request(context.Background(), tech, location, c.ch)
	if err != nil {
		e.logger.Warn("forward request failed",
			"queue", cfg.Name,
			"target", target,
			"error", err,
		)
		return false
	}
	ch.SetConnectedLine(c.ch.CallerID())
	ch.SetRedirecting(transport.PartyID{
		Name:   m.DisplayName(),
		Number: old.Exten(),
	})
	if err := e.driver.Call(context.Background(), ch, target); err != nil {
		e.logger.Warn("forward dial failed",
			"queue", cfg.Name,
			"target", target,
			"error", err,
		)
		e.driver.Hangup(ch, false)
		return false
	}

	c.dialed[target] = true
	a.ch = ch
	e.logger.Debug("following call forward",
		"queue", cfg.Name,
		"interface", m.Interface(),
		"target", target,
	)
	return true
}
