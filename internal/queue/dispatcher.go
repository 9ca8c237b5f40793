package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/flowpbx/flowqueue/internal/audit"
	"github.com/flowpbx/flowqueue/internal/events"
	"github.com/flowpbx/flowqueue/internal/transport"
)

// Outcome is what Run hands back to the embedding application. An empty
// Result means the caller was bridged to a member and the call completed;
// any other value names why the caller left unserved.
type Outcome struct {
	Result Result
	// Digits holds the collected DTMF when the caller exited by dialing
	// into the queue's exit context.
	Digits string
	// Transferred reports that the member transferred the caller away.
	Transferred    bool
	TransferTarget string
}

// callerExit is an internal exit decision carried out of the wait and
// ring loops.
type callerExit struct {
	result Result
	digits string
}

// pollStep bounds one wait slice so announcements and timeouts are
// checked at a steady cadence even when nothing happens on the wire.
const pollStep = time.Second

// Run enters ch into the named queue and drives it until it is bridged
// to a member or exits. It blocks for the caller's whole stay; the
// embedding application calls it once per inbound call, on its own
// goroutine.
func (e *Engine) Run(ctx context.Context, queueName string, ch transport.Channel, p RunParams) (Outcome, error) {
	q := e.FindQueue(queueName)
	if q == nil {
		return Outcome{Result: ResultUnknown}, ErrNoQueue
	}
	cfg := q.Config()
	now := e.now()

	if cfg.MaxLen > 0 && q.data.waitingCount() >= cfg.MaxLen {
		e.logger.Info("caller refused, queue full",
			"queue", queueName,
			"channel", ch.Name(),
			"maxlen", cfg.MaxLen,
		)
		return Outcome{Result: ResultFull}, nil
	}

	c := &Caller{
		UID:        ch.ID(),
		queue:      q,
		data:       q.data,
		ch:         ch,
		opts:       p.Options,
		prio:       p.Priority,
		start:      now,
		minPenalty: p.MinPenalty,
		maxPenalty: p.MaxPenalty,
		dialed:     make(map[string]bool),
	}
	if p.Timeout > 0 {
		c.expire = now.Add(p.Timeout)
	}
	ruleName := p.RuleOverride
	if ruleName == "" {
		ruleName = cfg.DefaultRule
	}
	if ruleName != "" {
		if rs := e.RuleSet(ruleName); rs != nil {
			c.rules = rs.pending(0)
		} else {
			e.logger.Warn("unknown penalty rule set",
				"queue", queueName,
				"rule", ruleName,
			)
		}
	}

	if empty, noMembers := e.emptyStatus(c, cfg.JoinEmpty); empty {
		res := ResultJoinUnavail
		if noMembers {
			res = ResultJoinEmpty
		}
		e.logger.Info("caller refused, queue empty",
			"queue", queueName,
			"channel", ch.Name(),
			"result", string(res),
		)
		return Outcome{Result: res}, nil
	}

	q.data.insertCaller(c, p.Position)
	e.record(queueName, c.UID, "", audit.TagEnterQueue, p.URL, ch.CallerID().Number)
	e.publish(events.KindJoin, map[string]string{
		"queue":    queueName,
		"uid":      c.UID,
		"channel":  ch.Name(),
		"position": strconv.Itoa(c.Position()),
		"count":    strconv.Itoa(q.data.waitingCount()),
	})
	e.logger.Info("caller joined",
		"queue", queueName,
		"channel", ch.Name(),
		"position", c.Position(),
	)
	e.driver.Indicate(ch, transport.ControlMOHStart)
	c.mohStarted = true
	c.lastAnnounce = now
	c.lastPeriodicAnnounce = now

	out, err := e.serve(ctx, c, p)

	e.publish(events.KindLeave, map[string]string{
		"queue":    queueName,
		"uid":      c.UID,
		"channel":  ch.Name(),
		"count":    strconv.Itoa(q.data.waitingCount()),
		"result":   string(out.Result),
	})
	return out, err
}

// serve is the wait-and-ring loop for one caller. The caller is already
// in the waiting list; serve removes it on every exit path.
func (e *Engine) serve(ctx context.Context, c *Caller, p RunParams) (Outcome, error) {
	cfg := c.queue.Config()
	defer c.data.removeCaller(c)

	for {
		if err := ctx.Err(); err != nil {
			return Outcome{Result: ResultUnknown}, err
		}
		now := e.now()
		e.applyPenaltyRules(c, now)

		if c.expired(now) {
			e.record(cfg.Name, c.UID, "", audit.TagExitWithTimeout,
				strconv.Itoa(c.Position()),
				strconv.Itoa(c.origPos),
				strconv.Itoa(c.waitSeconds(now)),
			)
			return Outcome{Result: ResultTimeout}, nil
		}
		if empty, noMembers := e.emptyStatus(c, cfg.LeaveEmpty); empty {
			res := ResultLeaveUnavail
			if noMembers {
				res = ResultLeaveEmpty
			}
			e.record(cfg.Name, c.UID, "", audit.TagExitEmpty,
				strconv.Itoa(c.Position()),
				strconv.Itoa(c.origPos),
				strconv.Itoa(c.waitSeconds(now)),
			)
			return Outcome{Result: res}, nil
		}

		if exit := e.maybeAnnounce(ctx, c); exit != nil {
			return e.finishExit(c, exit), nil
		}

		if !e.isOurTurn(c) {
			if exit := e.waitCaller(c, pollStep); exit != nil {
				return e.finishExit(c, exit), nil
			}
			continue
		}

		done, out, err := e.tryCalling(ctx, c, p)
		if done || err != nil {
			return out, err
		}

		// Nothing answered this cycle; hold the caller through the retry
		// pause, still consuming caller frames.
		if exit := e.waitCaller(c, cfg.Retry); exit != nil {
			return e.finishExit(c, exit), nil
		}
	}
}

// finishExit applies the side effects of a caller-initiated exit and
// shapes the outcome.
func (e *Engine) finishExit(c *Caller, exit *callerExit) Outcome {
	cfg := c.queue.Config()
	now := e.now()
	switch exit.result {
	case ResultAbandoned:
		c.data.recordAbandoned()
		e.record(cfg.Name, c.UID, "", audit.TagAbandon,
			strconv.Itoa(c.Position()),
			strconv.Itoa(c.origPos),
			strconv.Itoa(c.waitSeconds(now)),
		)
		e.publish(events.KindCallerAbandon, map[string]string{
			"queue":            cfg.Name,
			"uid":              c.UID,
			"position":         strconv.Itoa(c.Position()),
			"originalposition": strconv.Itoa(c.origPos),
			"holdtime":         strconv.Itoa(c.waitSeconds(now)),
		})
		e.logger.Info("caller abandoned",
			"queue", cfg.Name,
			"channel", c.ch.Name(),
			"wait", c.waitSeconds(now),
		)
	case ResultContinue:
		e.record(cfg.Name, c.UID, "", audit.TagExitWithKey,
			exit.digits,
			strconv.Itoa(c.Position()),
			strconv.Itoa(c.origPos),
			strconv.Itoa(c.waitSeconds(now)),
		)
		e.logger.Info("caller exited with key",
			"queue", cfg.Name,
			"channel", c.ch.Name(),
			"digits", exit.digits,
		)
	}
	return Outcome{Result: exit.result, Digits: exit.digits}
}

// applyPenaltyRules fires every pending rule whose time has come,
// narrowing or widening the caller's penalty window. Firing is
// idempotent: fired rules are dropped from the caller's cursor.
func (e *Engine) applyPenaltyRules(c *Caller, now time.Time) {
	elapsed := now.Sub(c.start)
	for len(c.rules) > 0 && c.rules[0].Time <= elapsed {
		r := c.rules[0]
		c.rules = c.rules[1:]
		oldMin, oldMax := c.minPenalty, c.maxPenalty
		c.minPenalty, c.maxPenalty = r.apply(c.minPenalty, c.maxPenalty)
		e.logger.Debug("penalty rule fired",
			"queue", c.queue.Name(),
			"uid", c.UID,
			"min", c.minPenalty,
			"max", c.maxPenalty,
			"oldmin", oldMin,
			"oldmax", oldMax,
		)
	}
}

// waitCaller parks the caller for up to d, consuming its frames. A
// non-nil return means the caller left the queue.
func (e *Engine) waitCaller(c *Caller, d time.Duration) *callerExit {
	deadline := e.now().Add(d)
	for {
		remain := deadline.Sub(e.now())
		if remain <= 0 {
			return nil
		}
		if remain > pollStep {
			remain = pollStep
		}
		ready, _ := e.driver.WaitFor([]transport.Channel{c.ch}, remain)
		if ready == nil {
			if c.expired(e.now()) {
				return nil
			}
			continue
		}
		for {
			f := e.driver.Read(c.ch)
			if exit := e.handleCallerFrame(c, f); exit != nil {
				return exit
			}
			if f == nil {
				break
			}
		}
	}
}

// handleCallerFrame consumes one frame from the waiting caller. A nil
// frame with a hung-up channel is the abandon signal.
func (e *Engine) handleCallerFrame(c *Caller, f *transport.Frame) *callerExit {
	if f == nil {
		if c.ch.State() == transport.StateHungup {
			return &callerExit{result: ResultAbandoned}
		}
		return nil
	}
	switch f.Kind {
	case transport.FrameDTMF:
		return e.handleCallerDigit(c, f.Digit)
	case transport.FrameControl:
		if f.Control == transport.ControlHangup {
			return &callerExit{result: ResultAbandoned}
		}
	}
	return nil
}

// handleCallerDigit folds one caller DTMF digit into the exit logic:
// '*' disconnects when permitted, anything else accumulates toward the
// exit context.
func (e *Engine) handleCallerDigit(c *Caller, d rune) *callerExit {
	if d == 0 {
		return nil
	}
	if d == '*' && c.opts.AllowCallerDisconnect {
		return &callerExit{result: ResultAbandoned}
	}
	cfg := c.queue.Config()
	if cfg.ExitContext == "" {
		return nil
	}
	c.digits += string(d)
	if e.dialplan.CanMatch(cfg.ExitContext, c.digits) {
		return &callerExit{result: ResultContinue, digits: c.digits}
	}
	return nil
}

// maybeAnnounce plays the position/holdtime and periodic announcements
// when their cadence is due. Hold music is suspended around a prompt. A
// digit pressed during playback feeds the normal digit handling.
func (e *Engine) maybeAnnounce(ctx context.Context, c *Caller) *callerExit {
	cfg := c.queue.Config()
	now := e.now()

	if cfg.AnnounceFrequency > 0 && now.Sub(c.lastAnnounce) >= cfg.AnnounceFrequency {
		c.lastAnnounce = now
		if exit := e.playPositionAnnounce(ctx, c); exit != nil {
			return exit
		}
	}
	if cfg.PeriodicAnnounceFrequency > 0 && len(cfg.PeriodicAnnounce) > 0 &&
		now.Sub(c.lastPeriodicAnnounce) >= cfg.PeriodicAnnounceFrequency {
		c.lastPeriodicAnnounce = now
		prompt := cfg.PeriodicAnnounce[c.periodicIdx%len(cfg.PeriodicAnnounce)]
		c.periodicIdx++
		if exit := e.playPrompt(ctx, c, prompt); exit != nil {
			return exit
		}
	}
	return nil
}

// playPositionAnnounce voices the caller's position and the rounded
// average holdtime, per the queue's announce flags.
func (e *Engine) playPositionAnnounce(ctx context.Context, c *Caller) *callerExit {
	cfg := c.queue.Config()
	if cfg.AnnouncePosition {
		var prompts []string
		if c.Position() == 1 {
			prompts = []string{"queue-youarenext"}
		} else {
			prompts = []string{"queue-thereare", "queue-callswaiting"}
		}
		for _, name := range prompts {
			if exit := e.playPrompt(ctx, c, name); exit != nil {
				return exit
			}
		}
	}
	if cfg.AnnounceHoldtime {
		avg := time.Duration(c.data.stats().Holdtime) * time.Second
		if cfg.HoldtimeRounding > 0 {
			avg = avg.Round(cfg.HoldtimeRounding)
		}
		if avg >= time.Minute {
			for _, name := range []string{"queue-holdtime", "queue-minutes"} {
				if exit := e.playPrompt(ctx, c, name); exit != nil {
					return exit
				}
			}
		}
	}
	return e.playPrompt(ctx, c, "queue-thankyou")
}

// playPrompt plays one prompt to the caller with hold music suspended.
func (e *Engine) playPrompt(ctx context.Context, c *Caller, name string) *callerExit {
	if c.mohStarted {
		e.driver.Indicate(c.ch, transport.ControlMOHStop)
	}
	digit, err := e.prompts.PlayFile(ctx, c.ch, name)
	if c.mohStarted {
		e.driver.Indicate(c.ch, transport.ControlMOHStart)
	}
	if err != nil {
		e.logger.Warn("announcement failed",
			"queue", c.queue.Name(),
			"prompt", name,
			"error", err,
		)
		if c.ch.State() == transport.StateHungup {
			return &callerExit{result: ResultAbandoned}
		}
		return nil
	}
	return e.handleCallerDigit(c, digit)
}

// tryCalling runs one full ring cycle: build the attempt set, place
// candidates, wait for an answer, then either bridge the winner or tear
// the cycle down. done is true when the caller's stay ended, for better
// or worse.
func (e *Engine) tryCalling(ctx context.Context, c *Caller, p RunParams) (done bool, out Outcome, err error) {
	cfg := c.queue.Config()

	set := e.buildAttempts(c)
	c.attempts = set
	defer func() { c.attempts = nil }()

	if set.Len() == 0 {
		e.storeNextCursor(c, nil)
		return false, Outcome{}, nil
	}
	if !e.ringOne(c, set) {
		e.storeNextCursor(c, set.pendingBest())
		set.Release(e.driver, nil, c.opts.MarkAnsweredElsewhere)
		return false, Outcome{}, nil
	}

	timeout := cfg.RingTimeout
	if !c.expire.IsZero() {
		if remain := c.expire.Sub(e.now()); remain < timeout {
			timeout = remain
		}
	}

	winner, exit, _ := e.waitForAnswer(ctx, c, set, timeout)
	e.storeNextCursor(c, set.pendingBest())

	if exit != nil {
		set.Release(e.driver, nil, c.opts.MarkAnsweredElsewhere)
		return true, e.finishExit(c, exit), nil
	}
	if winner == nil {
		e.ringNoAnswer(c, set)
		set.Release(e.driver, nil, false)
		return false, Outcome{}, nil
	}

	set.Release(e.driver, winner, c.opts.MarkAnsweredElsewhere)
	out, err = e.bridgeCall(ctx, c, winner, p)
	return true, out, err
}

// ringNoAnswer books the cycle's unanswered rings: audit record, event
// and autopause per member that was actually alerted.
func (e *Engine) ringNoAnswer(c *Caller, set *AttemptSet) {
	cfg := c.queue.Config()
	ringMS := strconv.FormatInt(cfg.RingTimeout.Milliseconds(), 10)
	for _, a := range set.attempts {
		if !a.rang {
			continue
		}
		m := a.Member()
		e.record(cfg.Name, c.UID, m.Interface(), audit.TagRingNoAnswer, ringMS)
		e.publish(events.KindAgentRingNoAnswer, map[string]string{
			"queue":     cfg.Name,
			"uid":       c.UID,
			"interface": m.Interface(),
			"ringtime":  ringMS,
		})
		e.logger.Debug("ring no answer",
			"queue", cfg.Name,
			"interface", m.Interface(),
		)
		e.autopause(c.queue, m)
	}
}

// ringEntry places one attempt: precondition gates, device reservation,
// channel request, dial. A false return means the attempt is spent and
// the selector should move on.
func (e *Engine) ringEntry(c *Caller, a *Attempt) bool {
	cfg := c.queue.Config()
	m := a.Member()

	if paused, _ := m.Paused(); paused || m.isDead() || m.inWrapup(e.now()) ||
		!statusDialable(cfg, m) || e.outweighed(cfg, m.Interface()) {
		a.stillGoing = false
		return false
	}

	a.reserve()

	tech, location, ok := transport.SplitAddress(m.Interface())
	if !ok {
		e.logger.Warn("member interface not dialable",
			"queue", cfg.Name,
			"interface", m.Interface(),
		)
		a.stillGoing = false
		a.release()
		return false
	}

	ctx := context.Background()
	ch, err := e.driver.Request(ctx, tech, location, c.ch)
	if err != nil {
		e.logger.Debug("channel request failed",
			"queue", cfg.Name,
			"interface", m.Interface(),
			"error", err,
		)
		a.stillGoing = false
		a.release()
		e.advanceCursorOnFailure(c)
		return false
	}
	ch.SetConnectedLine(c.ch.CallerID())

	if err := e.driver.Call(ctx, ch, m.Interface()); err != nil {
		e.logger.Debug("dial failed",
			"queue", cfg.Name,
			"interface", m.Interface(),
			"error", err,
		)
		e.driver.Hangup(ch, false)
		a.stillGoing = false
		a.release()
		e.advanceCursorOnFailure(c)
		return false
	}

	a.ch = ch
	a.rang = true
	e.publish(events.KindAgentCalled, map[string]string{
		"queue":     cfg.Name,
		"uid":       c.UID,
		"interface": m.Interface(),
		"channel":   ch.Name(),
	})
	e.logger.Debug("ringing member",
		"queue", cfg.Name,
		"interface", m.Interface(),
		"channel", ch.Name(),
	)
	return true
}

// bridgeCall connects the caller to the winning member and accounts the
// completed call.
func (e *Engine) bridgeCall(ctx context.Context, c *Caller, winner *Attempt, p RunParams) (Outcome, error) {
	cfg := c.queue.Config()
	m := winner.Member()
	now := e.now()
	holdtime := now.Sub(c.start)

	winner.activate()
	c.data.removeCaller(c)

	if c.mohStarted {
		e.driver.Indicate(c.ch, transport.ControlMOHStop)
		c.mohStarted = false
	}
	if c.ringIndicated {
		e.driver.Indicate(c.ch, transport.ControlStopRinging)
		c.ringIndicated = false
	}

	e.record(cfg.Name, c.UID, m.Interface(), audit.TagConnect,
		strconv.Itoa(int(holdtime.Seconds())),
		winner.ch.ID(),
	)
	e.publish(events.KindAgentConnect, map[string]string{
		"queue":     cfg.Name,
		"uid":       c.UID,
		"interface": m.Interface(),
		"channel":   winner.ch.Name(),
		"holdtime":  strconv.Itoa(int(holdtime.Seconds())),
	})
	e.logger.Info("caller connected",
		"queue", cfg.Name,
		"channel", c.ch.Name(),
		"interface", m.Interface(),
		"holdtime", holdtime.Seconds(),
	)

	if !c.opts.NoConnectedLineUpdates {
		if winner.pendingConnected != nil {
			c.ch.SetConnectedLine(*winner.pendingConnected)
		}
		if winner.pendingRedirecting != nil {
			c.ch.SetRedirecting(*winner.pendingRedirecting)
		}
	}
	for i, rate := range winner.aocRates {
		c.ch.SetVariable("QUEUE_AOC_RATE_"+strconv.Itoa(i), rate)
	}
	if p.URL != "" {
		winner.ch.SetVariable("QUEUE_URL", p.URL)
	}
	winner.ch.SetVariable("QUEUE_NAME", cfg.Name)
	winner.ch.SetVariable("QUEUE_MEMBER", m.Interface())

	if cfg.MemberDelay > 0 {
		time.Sleep(cfg.MemberDelay)
	}
	announce := cfg.Announce
	if p.AnnounceOverride != "" {
		announce = p.AnnounceOverride
	}
	if announce != "" {
		if _, err := e.prompts.PlayFile(ctx, winner.ch, announce); err != nil {
			e.logger.Warn("member announcement failed",
				"queue", cfg.Name,
				"prompt", announce,
				"error", err,
			)
		}
	}

	// The member may hang up before or during the pre-bridge phase; that
	// is a dump, not a completed call.
	if winner.ch.State() == transport.StateHungup {
		e.record(cfg.Name, c.UID, m.Interface(), audit.TagAgentDump)
		e.publish(events.KindAgentDump, map[string]string{
			"queue":     cfg.Name,
			"uid":       c.UID,
			"interface": m.Interface(),
		})
		winner.retire(e.driver, false)
		// The caller goes back into the waiting list at the front.
		c.data.insertCaller(c, 1)
		e.driver.Indicate(c.ch, transport.ControlMOHStart)
		c.mohStarted = true
		return e.serve(ctx, c, p)
	}

	if p.PostConnectHook != "" {
		if err := e.dialplan.RunHook(ctx, winner.ch, p.PostConnectHook); err != nil {
			e.logger.Warn("post-connect hook failed",
				"queue", cfg.Name,
				"hook", p.PostConnectHook,
				"error", err,
			)
		}
	}

	bridgeStart := e.now()
	res, err := e.driver.Bridge(ctx, c.ch, winner.ch, transport.BridgeConfig{
		AllowCallerDisconnect: c.opts.AllowCallerDisconnect,
		AllowTransfer:         c.opts.AllowTransfer,
	})
	end := e.now()
	talktime := end.Sub(bridgeStart)

	m.CompleteCall(end, cfg.Wrapup)
	inSL := cfg.ServiceLevel > 0 && holdtime <= cfg.ServiceLevel
	c.data.recordCompleted(holdtime, talktime, inSL)

	ht := strconv.Itoa(int(holdtime.Seconds()))
	tt := strconv.Itoa(int(talktime.Seconds()))
	op := strconv.Itoa(c.origPos)

	var tag, reason string
	switch {
	case err == nil && res.Transferred:
		tag, reason = audit.TagTransfer, "transfer"
		e.record(cfg.Name, c.UID, m.Interface(), tag, res.TransferTarget, ht, tt, op)
	case c.ch.State() == transport.StateHungup && winner.ch.State() != transport.StateHungup:
		tag, reason = audit.TagCompleteCaller, "caller"
		e.record(cfg.Name, c.UID, m.Interface(), tag, ht, tt, op)
	default:
		tag, reason = audit.TagCompleteAgent, "agent"
		e.record(cfg.Name, c.UID, m.Interface(), tag, ht, tt, op)
	}
	e.publish(events.KindAgentComplete, map[string]string{
		"queue":     cfg.Name,
		"uid":       c.UID,
		"interface": m.Interface(),
		"holdtime":  ht,
		"talktime":  tt,
		"reason":    reason,
	})
	e.logger.Info("call completed",
		"queue", cfg.Name,
		"channel", c.ch.Name(),
		"interface", m.Interface(),
		"talktime", talktime.Seconds(),
		"reason", reason,
	)

	winner.retire(e.driver, false)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Transferred: res.Transferred, TransferTarget: res.TransferTarget}, nil
}
