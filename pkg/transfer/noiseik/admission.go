package noiseik

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"time"
)

// PSKConfig is a pre-shared-key pairing secret two repositories agree on
// out of band, proven during the handshake without ever sending the key
// itself.
type PSKConfig struct {
	PSK  []byte
	Hint string
}

// NewPSKConfig builds a PSKConfig, zero-padding psk to 32 bytes if shorter.
func NewPSKConfig(psk []byte, hint string) *PSKConfig {
	if len(psk) < 32 {
		padded := make([]byte, 32)
		copy(padded, psk)
		psk = padded
	}
	return &PSKConfig{PSK: psk, Hint: hint}
}

// GenerateProof returns an HMAC-SHA256 proof of message under the PSK.
func (pc *PSKConfig) GenerateProof(message []byte) []byte {
	h := hmac.New(sha256.New, pc.PSK)
	h.Write(message)
	return h.Sum(nil)
}

// VerifyProof checks an HMAC-SHA256 proof of message under the PSK.
func (pc *PSKConfig) VerifyProof(message []byte, proof []byte) bool {
	return hmac.Equal(pc.GenerateProof(message), proof)
}

// TokenInfo describes one admission token a peer may present to push or
// pull against a repository's transfer endpoint.
type TokenInfo struct {
	Token  string
	Expiry uint64 // unix seconds
}

// AdmissionConfig holds the set of tokens a transfer endpoint accepts.
type AdmissionConfig struct {
	RequireToken bool
	ValidTokens  map[string]TokenInfo
}

// NewAdmissionConfig returns an AdmissionConfig with token checks disabled.
func NewAdmissionConfig() *AdmissionConfig {
	return &AdmissionConfig{ValidTokens: make(map[string]TokenInfo)}
}

// AddToken registers a token as valid until expiry.
func (ac *AdmissionConfig) AddToken(token string, expiry uint64) error {
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	ac.ValidTokens[token] = TokenInfo{Token: token, Expiry: expiry}
	return nil
}

// GenerateTokenProof signs token bound to repoID and the token's recorded
// expiry, so a proof cannot be replayed against a different repository.
func (ac *AdmissionConfig) GenerateTokenProof(token, repoID string, signingKey ed25519.PrivateKey) []byte {
	info, ok := ac.ValidTokens[token]
	if !ok {
		return nil
	}
	message := fmt.Sprintf("%s:%s:%d", token, repoID, info.Expiry)
	return ed25519.Sign(signingKey, []byte(message))
}

// ValidateToken checks token is known, unexpired, and proof verifies.
func (ac *AdmissionConfig) ValidateToken(token, repoID string, proof []byte, publicKey ed25519.PublicKey) bool {
	info, ok := ac.ValidTokens[token]
	if !ok {
		return false
	}
	if uint64(time.Now().Unix()) > info.Expiry {
		return false
	}
	message := fmt.Sprintf("%s:%s:%d", token, repoID, info.Expiry)
	return ed25519.Verify(publicKey, []byte(message), proof)
}

// RemoveExpiredTokens prunes tokens whose expiry has passed.
func (ac *AdmissionConfig) RemoveExpiredTokens() {
	now := uint64(time.Now().Unix())
	for token, info := range ac.ValidTokens {
		if now > info.Expiry {
			delete(ac.ValidTokens, token)
		}
	}
}

// HandshakeConfig combines a handshake's optional PSK pairing secret and
// admission-token requirement.
type HandshakeConfig struct {
	PSKConfig       *PSKConfig
	AdmissionConfig *AdmissionConfig
	ClientToken     string
	TokenSigningKey ed25519.PrivateKey
	TokenPublicKey  ed25519.PublicKey
}

// NewHandshakeConfig returns an empty HandshakeConfig (no PSK, no
// admission requirement).
func NewHandshakeConfig() *HandshakeConfig {
	return &HandshakeConfig{}
}

// WithPSK attaches a pairing secret.
func (hc *HandshakeConfig) WithPSK(psk []byte, hint string) *HandshakeConfig {
	hc.PSKConfig = NewPSKConfig(psk, hint)
	return hc
}

// WithAdmissionControl requires callers to present a valid admission token.
func (hc *HandshakeConfig) WithAdmissionControl(requireToken bool) *HandshakeConfig {
	hc.AdmissionConfig = NewAdmissionConfig()
	hc.AdmissionConfig.RequireToken = requireToken
	return hc
}

// WithClientToken sets the token this handshake presents as a client.
func (hc *HandshakeConfig) WithClientToken(token string, signingKey ed25519.PrivateKey) *HandshakeConfig {
	hc.ClientToken = token
	hc.TokenSigningKey = signingKey
	return hc
}

// WithTokenValidator sets the public key used to verify presented tokens.
func (hc *HandshakeConfig) WithTokenValidator(publicKey ed25519.PublicKey) *HandshakeConfig {
	hc.TokenPublicKey = publicKey
	return hc
}

// ValidatePSK checks a peer's PSK hint/proof against the configured PSK,
// if any is configured.
func (hc *HandshakeConfig) ValidatePSK(message []byte, pskHint *string, pskProof []byte) error {
	if hc.PSKConfig == nil {
		if pskHint != nil || len(pskProof) > 0 {
			return fmt.Errorf("PSK provided but not configured")
		}
		return nil
	}
	if pskHint == nil || len(pskProof) == 0 {
		return fmt.Errorf("PSK required but not provided")
	}
	if *pskHint != hc.PSKConfig.Hint {
		return fmt.Errorf("PSK hint mismatch")
	}
	if !hc.PSKConfig.VerifyProof(message, pskProof) {
		return fmt.Errorf("PSK proof verification failed")
	}
	return nil
}

// ValidateAdmissionToken checks a peer's admission token, if one is required.
func (hc *HandshakeConfig) ValidateAdmissionToken(repoID string, token *string, tokenProof []byte) error {
	if hc.AdmissionConfig == nil || !hc.AdmissionConfig.RequireToken {
		return nil
	}
	if token == nil || len(tokenProof) == 0 {
		return fmt.Errorf("admission token required but not provided")
	}
	if !hc.AdmissionConfig.ValidateToken(*token, repoID, tokenProof, hc.TokenPublicKey) {
		return fmt.Errorf("admission token validation failed")
	}
	return nil
}

// GenerateAdmissionTokenProof produces this handshake's client token,
// proof, and expiry, or zero values if no client token is configured.
func (hc *HandshakeConfig) GenerateAdmissionTokenProof(repoID string) (string, []byte, uint64) {
	if hc.AdmissionConfig == nil || hc.ClientToken == "" {
		return "", nil, 0
	}
	info, ok := hc.AdmissionConfig.ValidTokens[hc.ClientToken]
	if !ok {
		return "", nil, 0
	}
	proof := hc.AdmissionConfig.GenerateTokenProof(hc.ClientToken, repoID, hc.TokenSigningKey)
	return hc.ClientToken, proof, info.Expiry
}
