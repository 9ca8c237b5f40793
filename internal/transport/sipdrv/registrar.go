package sipdrv

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/flowpbx/flowqueue/internal/device"
)

const (
	authRealm   = "flowqueue"
	nonceExpiry = 5 * time.Minute
	authAlgoMD5 = "MD5"

	defaultExpiry     = 3600
	minExpiry         = 60
	maxExpiry         = 86400
	expirySweepPeriod = 30 * time.Second
)

// registration is one device's live contact binding.
type registration struct {
	User       string
	ContactURI string
	Transport  string
	SourceIP   string
	SourcePort int
	UserAgent  string
	Expires    time.Time
}

// registrar stores contact bindings for the configured accounts and feeds
// registration state into the device registry: a registered account reads
// not-in-use, an expired or unregistered one unavailable.
type registrar struct {
	drv    *Driver
	logger *slog.Logger

	mu       sync.Mutex
	bindings map[string]*registration
}

func newRegistrar(drv *Driver, logger *slog.Logger) *registrar {
	return &registrar{
		drv:      drv,
		logger:   logger.With("subsystem", "registrar"),
		bindings: make(map[string]*registration),
	}
}

// lookup returns the live binding for a user, or nil when the user never
// registered or the binding expired.
func (r *registrar) lookup(user string) *registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.bindings[user]
	if reg == nil || time.Now().After(reg.Expires) {
		return nil
	}
	return reg
}

// handleRegister authenticates and stores a contact binding. Queue member
// devices are single endpoints, so a re-register replaces the previous
// binding for the account.
func (r *registrar) handleRegister(req *sip.Request, tx sip.ServerTransaction) {
	r.logger.Debug("register request received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	user := r.drv.auth.authenticate(req, tx)
	if user == "" {
		return
	}

	contact := req.Contact()
	if contact == nil {
		r.logger.Warn("register missing contact header",
			"user", user,
			"source", req.Source(),
		)
		r.drv.respond(req, tx, 400, "Bad Request")
		return
	}

	expiry := parseExpiry(req)

	if expiry == 0 || contact.Address.Wildcard {
		r.remove(user)
		r.logger.Info("account unregistered", "user", user)
		r.drv.respond(req, tx, 200, "OK")
		return
	}
	if expiry < minExpiry {
		expiry = minExpiry
	}
	if expiry > maxExpiry {
		expiry = maxExpiry
	}

	sourceIP, sourcePort := parseSource(req)
	userAgent := ""
	if ua := req.GetHeader("User-Agent"); ua != nil {
		userAgent = ua.Value()
	}

	reg := &registration{
		User:       user,
		ContactURI: contact.Address.String(),
		Transport:  parseTransport(req),
		SourceIP:   sourceIP,
		SourcePort: sourcePort,
		UserAgent:  userAgent,
		Expires:    time.Now().Add(time.Duration(expiry) * time.Second),
	}

	r.mu.Lock()
	r.bindings[user] = reg
	r.mu.Unlock()

	r.drv.setDeviceStatus(techSIP+"/"+user, device.StatusNotInUse)

	r.logger.Info("account registered",
		"user", user,
		"contact", reg.ContactURI,
		"transport", reg.Transport,
		"expires", expiry,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: contact.Address})
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register response", "error", err)
	}
}

// remove drops a binding and marks the device unavailable.
func (r *registrar) remove(user string) {
	r.mu.Lock()
	delete(r.bindings, user)
	r.mu.Unlock()
	r.drv.setDeviceStatus(techSIP+"/"+user, device.StatusUnavailable)
}

// runExpirySweep periodically expires stale bindings and nonces.
func (r *registrar) runExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(expirySweepPeriod)
	defer ticker.Stop()

	r.logger.Info("registration expiry sweep started", "interval", expirySweepPeriod.String())

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registration expiry sweep stopped")
			return
		case <-ticker.C:
			now := time.Now()
			var expired []string
			r.mu.Lock()
			for user, reg := range r.bindings {
				if now.After(reg.Expires) {
					delete(r.bindings, user)
					expired = append(expired, user)
				}
			}
			r.mu.Unlock()
			for _, user := range expired {
				r.logger.Info("registration expired", "user", user)
				r.drv.setDeviceStatus(techSIP+"/"+user, device.StatusUnavailable)
			}
			r.drv.auth.cleanExpiredNonces()
		}
	}
}

// parseExpiry reads the expiry from the Contact params or Expires header.
func parseExpiry(req *sip.Request) int {
	if contact := req.Contact(); contact != nil {
		if val, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(val); err == nil {
				return exp
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(h.Value()); err == nil {
			return exp
		}
	}
	return defaultExpiry
}

// parseSource splits the request source into IP and port.
func parseSource(req *sip.Request) (string, int) {
	source := req.Source()
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// parseTransport reads the transport from the top Via header.
func parseTransport(req *sip.Request) string {
	if via := req.Via(); via != nil {
		if t := strings.ToLower(via.Transport); t != "" {
			return t
		}
	}
	return "udp"
}

// authenticator performs SIP digest authentication against the static
// account directory.
type authenticator struct {
	accounts map[string]string
	logger   *slog.Logger
	nonces   sync.Map // nonce -> time.Time issued
}

func newAuthenticator(accounts map[string]string, logger *slog.Logger) *authenticator {
	return &authenticator{
		accounts: accounts,
		logger:   logger.With("subsystem", "auth"),
	}
}

// challenge sends a 401 with a fresh nonce.
func (a *authenticator) challenge(req *sip.Request, tx sip.ServerTransaction) {
	nonce := a.generateNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     authRealm,
		Nonce:     nonce,
		Opaque:    "flowqueue",
		Algorithm: authAlgoMD5,
	}

	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// authenticate validates the Authorization header. It returns the verified
// account username, or "" after having sent the appropriate response.
func (a *authenticator) authenticate(req *sip.Request, tx sip.ServerTransaction) string {
	source := req.Source()

	h := req.GetHeader("Authorization")
	if h == nil {
		a.challenge(req, tx)
		return ""
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("failed to parse authorization header",
			"error", err,
			"source", source,
		)
		a.respondError(req, tx, 400, "Bad Request")
		return ""
	}

	nonceTime, ok := a.nonces.Load(cred.Nonce)
	if !ok || time.Since(nonceTime.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		a.challenge(req, tx)
		return ""
	}

	password, ok := a.accounts[cred.Username]
	if !ok {
		a.logger.Warn("unknown sip account",
			"username", cred.Username,
			"source", source,
		)
		a.respondError(req, tx, 403, "Forbidden")
		return ""
	}

	chal := digest.Challenge{
		Realm:     authRealm,
		Nonce:     cred.Nonce,
		Opaque:    "flowqueue",
		Algorithm: authAlgoMD5,
	}
	expected, err := digest.Digest(&chal, digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: cred.Username,
		Password: password,
	})
	if err != nil {
		a.logger.Error("failed to compute digest",
			"username", cred.Username,
			"error", err,
		)
		a.respondError(req, tx, 500, "Internal Server Error")
		return ""
	}

	if cred.Response != expected.Response {
		a.logger.Warn("digest auth failed",
			"username", cred.Username,
			"source", source,
		)
		a.challenge(req, tx)
		return ""
	}

	a.nonces.Delete(cred.Nonce)
	return cred.Username
}

// cleanExpiredNonces drops nonces past the expiry window.
func (a *authenticator) cleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
}

func (a *authenticator) generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (a *authenticator) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
