package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestVerifyPKCE(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	s256Challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	tests := []struct {
		name      string
		method    string
		verifier  string
		challenge string
		want      bool
	}{
		{"s256 match", MethodS256, verifier, s256Challenge, true},
		{"s256 mismatch", MethodS256, "wrong-verifier", s256Challenge, false},
		{"s256 challenge is not the verifier", MethodS256, verifier, verifier, false},
		{"plain match", MethodPlain, "abc123", "abc123", true},
		{"plain mismatch", MethodPlain, "abc123", "xyz789", false},
		{"unknown method falls back to direct comparison", "S512", "abc123", "abc123", true},
		{"empty method falls back to direct comparison", "", "abc123", "abc123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyPKCE(tt.method, tt.verifier, tt.challenge); got != tt.want {
				t.Errorf("VerifyPKCE(%q, %q, %q) = %v, want %v", tt.method, tt.verifier, tt.challenge, got, tt.want)
			}
		})
	}
}
