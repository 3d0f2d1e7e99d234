package auth

// Scheme is the credential scheme a caller presented.
type Scheme string

const (
	SchemeFree         Scheme = "free"
	SchemeDID          Scheme = "did"
	SchemeBearer       Scheme = "bearer"
	SchemeMicropayment Scheme = "micropayment"
)

// Class partitions identities by how much the server trusts the
// credential behind them. Quota enforcement keys off this.
type Class string

const (
	// ClassPaid identities bypass daily quotas entirely.
	ClassPaid Class = "paid"

	// ClassCredentialedFree identities proved control of a key but have
	// not paid. They are quota-limited by trust tier.
	ClassCredentialedFree Class = "credentialed-free"

	// ClassAnonymousFree identities are self-asserted tags (or the shared
	// anonymous subject). Quota-limited like credentialed-free.
	ClassAnonymousFree Class = "anonymous-free"
)

// Identity is the caller identity derived from a request credential.
// It is computed per request and never persisted; all rate state is
// keyed by Key().
type Identity struct {
	Scheme  Scheme
	Subject string
	Class   Class
}

// Key returns the stable "<scheme>:<subject>" key under which all quota
// and trust state for this identity is stored.
func (id Identity) Key() string {
	return string(id.Scheme) + ":" + id.Subject
}

// Paid reports whether the identity bypasses quota enforcement.
func (id Identity) Paid() bool {
	return id.Class == ClassPaid
}

// Anonymous is the shared identity used for unauthenticated callers
// when the anonymous policy is "shared".
var Anonymous = Identity{Scheme: SchemeFree, Subject: "anonymous", Class: ClassAnonymousFree}
