// Package sipdrv is the sipgo-backed channel driver. It terminates inbound
// INVITEs as caller legs, places outbound INVITEs to registered member
// devices, and relays SDP between the legs when a call is bridged. The
// driver is signaling-only: media flows directly between the endpoints.
package sipdrv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/flowpbx/flowqueue/internal/device"
	"github.com/flowpbx/flowqueue/internal/transport"
)

// techSIP is the only channel technology this driver serves.
const techSIP = "SIP"

// Config carries the driver's listen addresses and the account directory
// member devices register against.
type Config struct {
	// BindIP is the local address the UDP and TCP listeners bind to.
	BindIP string
	// Port is the SIP listen port for both transports.
	Port int
	// Hostname is advertised in the User-Agent hostname and Contact.
	Hostname string
	// Accounts maps a device username to its SIP password. The same
	// credential authenticates the device's REGISTER and answers digest
	// challenges the device sends back on our INVITEs.
	Accounts map[string]string
}

// CallHandler receives each inbound caller leg. The dialed user part of the
// Request-URI is available as Channel.Exten.
type CallHandler func(ch transport.Channel)

// Driver implements transport.Driver on top of sipgo.
type Driver struct {
	cfg     Config
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	logger  *slog.Logger
	devices *device.Registry

	registrar *registrar
	auth      *authenticator

	mu       sync.Mutex
	bell     chan struct{}
	channels map[string]*SIPChannel // caller legs by Call-ID
	handler  CallHandler
	seq      atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the driver and its sipgo stack. Start must be called before
// any calls can be placed or received.
func New(cfg Config, devices *device.Registry, logger *slog.Logger) (*Driver, error) {
	logger = logger.With("subsystem", "sipdrv")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("FlowQueue"),
		sipgo.WithUserAgentHostname(cfg.Hostname),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	d := &Driver{
		cfg:      cfg,
		ua:       ua,
		srv:      srv,
		client:   client,
		logger:   logger,
		devices:  devices,
		bell:     make(chan struct{}),
		channels: make(map[string]*SIPChannel),
	}
	d.auth = newAuthenticator(cfg.Accounts, logger)
	d.registrar = newRegistrar(d, logger)

	srv.OnInvite(d.handleInvite)
	srv.OnRegister(d.registrar.handleRegister)
	srv.OnAck(d.handleACK)
	srv.OnBye(d.handleBye)
	srv.OnCancel(d.handleCancel)
	srv.OnOptions(d.handleOptions)
	srv.OnInfo(d.handleInfo)
	srv.OnRefer(d.handleRefer)

	return d, nil
}

// OnCall installs the handler invoked for each inbound caller leg. Install
// it before Start; INVITEs arriving with no handler are rejected 503.
func (d *Driver) OnCall(h CallHandler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// Start brings up the UDP and TCP listeners and the registration expiry
// sweep. It returns immediately; listeners run until Stop.
func (d *Driver) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("%s:%d", d.cfg.BindIP, d.cfg.Port)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Info("sip udp listener starting", "addr", addr)
		if err := d.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			d.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Info("sip tcp listener starting", "addr", addr)
		if err := d.srv.ListenAndServe(ctx, "tcp", addr); err != nil {
			d.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.registrar.runExpirySweep(ctx)
	}()

	return nil
}

// Stop shuts down the listeners and waits for the driver's goroutines.
func (d *Driver) Stop() {
	d.logger.Info("stopping sip driver")
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.client.Close()
	d.srv.Close()
	d.ua.Close()
	d.logger.Info("sip driver stopped")
}

// ringBell wakes every WaitFor and Bridge waiter. Waiters grab the current
// bell channel before inspecting state, so a wakeup is never lost.
func (d *Driver) ringBell() {
	d.mu.Lock()
	close(d.bell)
	d.bell = make(chan struct{})
	d.mu.Unlock()
}

func (d *Driver) bellC() <-chan struct{} {
	d.mu.Lock()
	c := d.bell
	d.mu.Unlock()
	return c
}

// Request implements transport.Driver. It resolves the member's current
// registration and allocates the outbound leg without sending the INVITE.
func (d *Driver) Request(ctx context.Context, tech, location string, originator transport.Channel) (transport.Channel, error) {
	if !strings.EqualFold(tech, techSIP) {
		return nil, fmt.Errorf("sipdrv: unsupported technology %q", tech)
	}
	user := location
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}

	reg := d.registrar.lookup(user)
	if reg == nil {
		return nil, fmt.Errorf("sipdrv: no registration for %q", user)
	}

	var recipient sip.Uri
	if err := sip.ParseUri(reg.ContactURI, &recipient); err != nil {
		return nil, fmt.Errorf("sipdrv: parsing contact uri %q: %w", reg.ContactURI, err)
	}
	// The device may sit behind NAT; dial the source address it registered
	// from rather than the Contact host.
	if reg.SourceIP != "" && reg.SourcePort > 0 {
		recipient.Host = reg.SourceIP
		recipient.Port = reg.SourcePort
	}

	n := d.seq.Add(1)
	ch := &SIPChannel{
		drv:          d,
		id:           uuid.NewString(),
		name:         fmt.Sprintf("SIP/%s-%08x", user, n),
		callID:       uuid.NewString(),
		role:         legMember,
		state:        transport.StateDown,
		vars:         make(map[string]string),
		recipient:    recipient,
		sipTransport: strings.ToUpper(reg.Transport),
		authUser:     user,
		stateKey:     techSIP + "/" + user,
	}
	if originator != nil {
		ch.vars = originator.Variables()
		ch.callerID = originator.CallerID()
		if orig, ok := originator.(*SIPChannel); ok {
			ch.originator = orig
		}
	}
	return ch, nil
}

// Hangup implements transport.Driver. Ringing member legs are cancelled,
// answered legs get an in-dialog BYE, and unanswered caller legs a final
// response.
func (d *Driver) Hangup(ch transport.Channel, answeredElsewhere bool) {
	sc, ok := ch.(*SIPChannel)
	if !ok {
		return
	}

	sc.mu.Lock()
	state := sc.state
	sc.answeredElsewhere = answeredElsewhere
	sc.mu.Unlock()
	if state == transport.StateHungup {
		return
	}

	switch sc.role {
	case legMember:
		if sc.cancelCollect != nil {
			sc.cancelCollect()
		}
		switch state {
		case transport.StateRinging:
			d.sendCancel(sc, answeredElsewhere)
		case transport.StateUp:
			d.sendBye(sc)
		}
		d.setMemberDeviceIdle(sc)
	case legCaller:
		if state != transport.StateUp || !sc.answerSent {
			d.respond(sc.inviteReq, sc.inviteTx, 480, "Temporarily Unavailable")
		} else {
			d.sendBye(sc)
		}
	}

	cause := 16
	if answeredElsewhere {
		cause = 26
	}
	sc.die(cause)
}

// WaitFor implements transport.Driver.
func (d *Driver) WaitFor(chans []transport.Channel, timeout time.Duration) (transport.Channel, time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		bell := d.bellC()
		for _, ch := range chans {
			if sc, ok := ch.(*SIPChannel); ok && sc.ready() {
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

// Read implements transport.Driver.
func (d *Driver) Read(ch transport.Channel) *transport.Frame {
	sc, ok := ch.(*SIPChannel)
	if !ok {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if len(sc.frames) == 0 {
		return nil
	}
	f := sc.frames[0]
	sc.frames = sc.frames[1:]
	return f
}

// Indicate implements transport.Driver. Only caller legs have anything to
// indicate toward; ringback maps to a provisional response on the held
// INVITE transaction. Hold music is a media concern the signaling driver
// cannot render, so the MOH indications are logged and dropped.
func (d *Driver) Indicate(ch transport.Channel, kind transport.ControlKind) {
	sc, ok := ch.(*SIPChannel)
	if !ok || sc.role != legCaller {
		return
	}

	switch kind {
	case transport.ControlRinging:
		sc.mu.Lock()
		send := !sc.ringingSent && !sc.answerSent
		sc.ringingSent = true
		sc.mu.Unlock()
		if send {
			d.respond(sc.inviteReq, sc.inviteTx, 180, "Ringing")
		}
	case transport.ControlMOHStart, transport.ControlMOHStop, transport.ControlStopRinging:
		d.logger.Debug("indication has no media path", "kind", kind.String(), "channel", sc.name)
	}
}

// respond sends a response on a server transaction, logging failures.
func (d *Driver) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		d.logger.Error("failed to send response",
			"code", code,
			"error", err,
		)
	}
}

// setMemberDeviceIdle restores a member device's status after its leg ends:
// back to not-in-use while the registration is live, unavailable otherwise.
func (d *Driver) setMemberDeviceIdle(sc *SIPChannel) {
	if d.devices == nil || sc.stateKey == "" {
		return
	}
	if d.registrar.lookup(sc.authUser) != nil {
		d.devices.SetStatus(sc.stateKey, device.StatusNotInUse)
	} else {
		d.devices.SetStatus(sc.stateKey, device.StatusUnavailable)
	}
}

// setDeviceStatus forwards a device status change to the registry.
func (d *Driver) setDeviceStatus(key string, st device.Status) {
	if d.devices == nil {
		return
	}
	d.devices.SetStatus(key, st)
}

// registerChannel indexes a caller leg by Call-ID for BYE/CANCEL/INFO
// routing.
func (d *Driver) registerChannel(sc *SIPChannel) {
	d.mu.Lock()
	d.channels[sc.callID] = sc
	d.mu.Unlock()
}

// unregisterChannel drops the Call-ID index entry.
func (d *Driver) unregisterChannel(sc *SIPChannel) {
	d.mu.Lock()
	delete(d.channels, sc.callID)
	d.mu.Unlock()
}

// channelByCallID returns the caller leg for a Call-ID, or nil.
func (d *Driver) channelByCallID(callID string) *SIPChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[callID]
}

var _ transport.Driver = (*Driver)(nil)
