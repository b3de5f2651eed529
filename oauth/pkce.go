package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE challenge methods per RFC 7636.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// VerifyPKCE checks a presented verifier against the challenge stored at
// code issuance. For S256 the challenge is BASE64URL(SHA256(verifier))
// without padding. Any other method, "plain" included, falls back to direct
// comparison; unknown methods are deliberately not rejected so clients that
// negotiated an unrecognized method at authorize time can still complete
// the exchange.
func VerifyPKCE(method, verifier, challenge string) bool {
	computed := verifier
	if method == MethodS256 {
		sum := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(sum[:])
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
