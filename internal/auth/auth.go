// Package auth verifies caller credentials and produces the AuthContext
// carried on every envelope.
//
// Only PSK verification is active in this revision. Passport and mTLS
// credentials are parsed into the context but not cryptographically
// verified; that is a designated extension point.
package auth

import (
	"crypto/subtle"

	"github.com/aetherpro/fabric/internal/fabric"
)

// Credential is the raw material a transport extracted from the caller.
type Credential struct {
	// Bearer is the token from an Authorization: Bearer header.
	Bearer string
	// Passport is a parsed agent-passport document, if presented.
	Passport map[string]any
	// Local marks callers on the local JSON front, which carries no
	// credentials by design.
	Local bool
}

// Verifier validates credentials against gateway configuration.
type Verifier struct {
	psk string
}

// NewVerifier creates a verifier. An empty psk disables PSK checking:
// every caller authenticates as anonymous (development mode).
func NewVerifier(psk string) *Verifier {
	return &Verifier{psk: psk}
}

// Required reports whether the verifier enforces credentials.
func (v *Verifier) Required() bool { return v.psk != "" }

// Verify produces an AuthContext or a fabric auth error.
func (v *Verifier) Verify(cred Credential) (fabric.AuthContext, error) {
	if cred.Local {
		return fabric.AuthContext{Mode: fabric.AuthNone, PrincipalID: "local"}, nil
	}
	if cred.Passport != nil {
		return v.verifyPassport(cred.Passport)
	}
	return v.verifyPSK(cred.Bearer)
}

// verifyPSK performs a constant-time comparison against the shared secret.
// No I/O happens on this path.
func (v *Verifier) verifyPSK(token string) (fabric.AuthContext, error) {
	if v.psk == "" {
		return fabric.AuthContext{Mode: fabric.AuthNone, PrincipalID: "anonymous"}, nil
	}
	if token == "" {
		return fabric.AuthContext{}, fabric.E(fabric.ErrAuthDenied, "no authentication token provided")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.psk)) != 1 {
		return fabric.AuthContext{}, fabric.E(fabric.ErrAuthDenied, "invalid authentication token")
	}
	return fabric.AuthContext{Mode: fabric.AuthPSK, PrincipalID: "psk-client"}, nil
}

// verifyPassport parses the passport structure into the context. Signature
// verification (Ed25519), expiry, and delegation scope checks are reserved
// for the passport revision; AUTH_EXPIRED is reserved for that path.
func (v *Verifier) verifyPassport(passport map[string]any) (fabric.AuthContext, error) {
	principal, ok := passport["principal_id"].(string)
	if !ok || principal == "" {
		return fabric.AuthContext{}, fabric.E(fabric.ErrAuthInvalid, "passport missing principal_id")
	}
	ac := fabric.AuthContext{
		Mode:        fabric.AuthPassport,
		PrincipalID: principal,
	}
	if id, ok := passport["agent_passport_id"].(string); ok {
		ac.AgentPassportID = id
	}
	if sig, ok := passport["signature"].(string); ok {
		ac.Signature = sig
	}
	if kid, ok := passport["key_id"].(string); ok {
		ac.KeyID = kid
	}
	return ac, nil
}
