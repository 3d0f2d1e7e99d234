package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"agoramesh/internal/config"
	"agoramesh/pkg/logging"
)

// PaymentVerifier validates an opaque micropayment credential and
// returns the payer subject. Implementations are injected; a nil
// verifier disables the scheme.
type PaymentVerifier interface {
	Verify(payment string) (subject string, err error)
}

var freeTagPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Request carries the pieces of an inbound request the authenticator
// needs. Method and Path feed the DID signature payload.
type Request struct {
	Authorization string
	Payment       string // X-Payment header, if any
	Method        string
	Path          string
}

// Authenticator turns request credentials into caller identities. It is
// safe for concurrent use.
type Authenticator struct {
	requireAuth     bool
	anonymousPolicy config.AnonymousPolicy
	apiToken        string
	replay          *ReplayGuard
	payments        PaymentVerifier
	now             func() time.Time
}

func NewAuthenticator(cfg config.BridgeConfig, replay *ReplayGuard, payments PaymentVerifier) *Authenticator {
	return &Authenticator{
		requireAuth:     cfg.RequireAuth,
		anonymousPolicy: cfg.AnonymousPolicy,
		apiToken:        cfg.APIToken,
		replay:          replay,
		payments:        payments,
		now:             time.Now,
	}
}

// Authenticate classifies and verifies the request credential. The
// returned error, when non-nil, is always *Error.
func (a *Authenticator) Authenticate(req Request) (Identity, error) {
	if req.Payment != "" {
		return a.verifyPayment(req.Payment)
	}
	if req.Authorization == "" {
		return a.anonymous()
	}

	scheme, value, found := strings.Cut(req.Authorization, " ")
	if !found || value == "" {
		return Identity{}, errMalformed("authorization header must be <scheme> <credential>")
	}

	switch scheme {
	case "FreeTier":
		return a.verifyFreeTier(value)
	case "DID":
		return a.verifyDID(value, req.Method, req.Path)
	case "Bearer":
		return a.verifyBearer(value)
	default:
		return Identity{}, errUnrecognized(scheme)
	}
}

func (a *Authenticator) anonymous() (Identity, error) {
	if a.requireAuth || a.anonymousPolicy == config.AnonymousReject {
		return Identity{}, ErrRequired
	}
	return Anonymous, nil
}

func (a *Authenticator) verifyFreeTier(tag string) (Identity, error) {
	if !freeTagPattern.MatchString(tag) {
		return Identity{}, errMalformed("free-tier tag must be 1-64 characters of [A-Za-z0-9_-]")
	}
	if a.requireAuth {
		// Self-asserted tags do not satisfy mandatory auth.
		return Identity{}, ErrRequired
	}
	return Identity{Scheme: SchemeFree, Subject: tag, Class: ClassAnonymousFree}, nil
}

func (a *Authenticator) verifyDID(value, method, path string) (Identity, error) {
	cred, aerr := parseDIDCredential(value)
	if aerr != nil {
		return Identity{}, aerr
	}

	nowSec := a.now().Unix()
	skew := nowSec - cred.timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > maxClockSkewSec {
		return Identity{}, errStale("timestamp %d outside %ds window", cred.timestamp, maxClockSkewSec)
	}

	if aerr := verifyDIDSignature(cred, method, path); aerr != nil {
		return Identity{}, aerr
	}

	// Replay is checked after the signature so an attacker cannot burn a
	// victim's nonce with a garbage signature.
	if !a.replay.Check(cred.did, cred.timestamp, nowSec) {
		return Identity{}, errReplay("timestamp already used for this DID")
	}

	logging.Debug("Authenticator", "Authenticated DID %s", logging.TruncateSubject(cred.did))
	return Identity{Scheme: SchemeDID, Subject: cred.did, Class: ClassCredentialedFree}, nil
}

func (a *Authenticator) verifyBearer(token string) (Identity, error) {
	if a.apiToken == "" {
		return Identity{}, errInvalid("bearer authentication is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.apiToken)) != 1 {
		return Identity{}, errInvalid("bearer token rejected")
	}
	// The subject is a digest so the token value never reaches logs or
	// rate-state keys.
	sum := sha256.Sum256([]byte(token))
	return Identity{Scheme: SchemeBearer, Subject: hex.EncodeToString(sum[:8]), Class: ClassPaid}, nil
}

func (a *Authenticator) verifyPayment(payment string) (Identity, error) {
	if a.payments == nil {
		return Identity{}, errUnrecognized("X-Payment")
	}
	subject, err := a.payments.Verify(payment)
	if err != nil {
		return Identity{}, errInvalid("payment verification failed: %v", err)
	}
	return Identity{Scheme: SchemeMicropayment, Subject: subject, Class: ClassPaid}, nil
}
