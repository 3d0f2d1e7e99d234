package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
)

// didKeyPattern matches did:key identifiers carrying an Ed25519 public
// key. The z6Mk prefix is the base58btc encoding of the multicodec
// ed25519-pub header.
var didKeyPattern = regexp.MustCompile(`^did:key:z6Mk[1-9A-HJ-NP-Za-km-z]+$`)

// maxClockSkewSec bounds |now - timestamp| for signed DID requests.
const maxClockSkewSec = 300

// didCredential is the parsed form of a "DID <did>:<ts>:<sig>" header.
type didCredential struct {
	did       string
	timestamp int64
	signature []byte
}

// parseDIDCredential splits the header value into DID, timestamp, and
// signature. DIDs contain colons, so the value is split from the right.
func parseDIDCredential(value string) (didCredential, *Error) {
	sigIdx := strings.LastIndexByte(value, ':')
	if sigIdx < 0 {
		return didCredential{}, errMalformed("DID credential must be <did>:<timestamp>:<signature>")
	}
	tsIdx := strings.LastIndexByte(value[:sigIdx], ':')
	if tsIdx < 0 {
		return didCredential{}, errMalformed("DID credential must be <did>:<timestamp>:<signature>")
	}

	did := value[:tsIdx]
	tsStr := value[tsIdx+1 : sigIdx]
	sigStr := value[sigIdx+1:]

	if !didKeyPattern.MatchString(did) {
		return didCredential{}, errMalformed("unsupported DID %q, expected did:key with Ed25519 key", did)
	}
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return didCredential{}, errMalformed("invalid timestamp %q", tsStr)
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigStr)
	if err != nil {
		// Tolerate padded input from clients that use standard base64url.
		sig, err = base64.URLEncoding.DecodeString(sigStr)
		if err != nil {
			return didCredential{}, errMalformed("signature is not base64url")
		}
	}
	if len(sig) != ed25519.SignatureSize {
		return didCredential{}, errMalformed("signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	return didCredential{did: did, timestamp: ts, signature: sig}, nil
}

// publicKeyFromDID decodes the Ed25519 public key embedded in a
// did:key identifier.
func publicKeyFromDID(did string) (ed25519.PublicKey, error) {
	// Strip "did:key:" and the multibase prefix 'z' (base58btc).
	encoded := did[len("did:key:z"):]
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}
	// Multicodec header for ed25519-pub.
	if len(raw) != ed25519.PublicKeySize+2 || raw[0] != 0xED || raw[1] != 0x01 {
		return nil, fmt.Errorf("DID does not carry an Ed25519 public key")
	}
	return ed25519.PublicKey(raw[2:]), nil
}

// verifyDIDSignature checks the Ed25519 signature over the canonical
// payload "<timestamp>:<METHOD>:<path>".
func verifyDIDSignature(cred didCredential, method, path string) *Error {
	pub, err := publicKeyFromDID(cred.did)
	if err != nil {
		return errInvalid("cannot decode DID key: %v", err)
	}
	payload := fmt.Sprintf("%d:%s:%s", cred.timestamp, method, path)
	if !ed25519.Verify(pub, []byte(payload), cred.signature) {
		return errInvalid("signature verification failed")
	}
	return nil
}
