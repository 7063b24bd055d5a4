package noiseik

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/flynn/noise"

	"github.com/beehoard/beehoard/pkg/codec/cborcanon"
	"github.com/beehoard/beehoard/pkg/identity"
	"github.com/beehoard/beehoard/pkg/transfer"
)

// ClientHello is the initiator's handshake message: it carries the
// initiator's X25519 key for the Noise IK pattern plus an Ed25519 proof
// binding the message to its repository identity.
type ClientHello struct {
	Version        uint16   `cbor:"v"`
	RepoID         string   `cbor:"repo"`
	From           string   `cbor:"from"`
	Nonce          uint64   `cbor:"nonce"`
	Caps           []string `cbor:"caps"`
	NoiseKey       []byte   `cbor:"noisekey"`
	Proof          []byte   `cbor:"proof"`
	PSKHint        *string  `cbor:"psk_hint,omitempty"`
	PSKProof       []byte   `cbor:"psk_proof,omitempty"`
	AdmissionToken *string  `cbor:"admission_token,omitempty"`
	TokenProof     []byte   `cbor:"token_proof,omitempty"`
	TokenExpiry    *uint64  `cbor:"token_expiry,omitempty"`
}

// ServerHello is the responder's handshake message.
type ServerHello struct {
	Version  uint16   `cbor:"v"`
	RepoID   string   `cbor:"repo"`
	From     string   `cbor:"from"`
	Nonce    uint64   `cbor:"nonce"`
	Caps     []string `cbor:"caps"`
	NoiseKey []byte   `cbor:"noisekey"`
	Proof    []byte   `cbor:"proof"`
	PSKProof []byte   `cbor:"psk_proof,omitempty"`
}

// Sign signs ch with the initiator's Ed25519 private key.
func (ch *ClientHello) Sign(priv ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(ch, "proof")
	if err != nil {
		return fmt.Errorf("encode ClientHello for signing: %w", err)
	}
	ch.Proof = ed25519.Sign(priv, sigData)
	return nil
}

// Verify checks ch's proof against the initiator's Ed25519 public key.
func (ch *ClientHello) Verify(pub ed25519.PublicKey) error {
	if len(ch.Proof) == 0 {
		return fmt.Errorf("ClientHello has no proof")
	}
	sigData, err := cborcanon.EncodeForSigning(ch, "proof")
	if err != nil {
		return fmt.Errorf("encode ClientHello for verification: %w", err)
	}
	if !ed25519.Verify(pub, sigData, ch.Proof) {
		return fmt.Errorf("ClientHello signature verification failed")
	}
	return nil
}

// Marshal encodes ch to canonical CBOR.
func (ch *ClientHello) Marshal() ([]byte, error) { return cborcanon.Marshal(ch) }

// Unmarshal decodes canonical CBOR into ch.
func (ch *ClientHello) Unmarshal(data []byte) error { return cborcanon.Unmarshal(data, ch) }

// Sign signs sh with the responder's Ed25519 private key.
func (sh *ServerHello) Sign(priv ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(sh, "proof")
	if err != nil {
		return fmt.Errorf("encode ServerHello for signing: %w", err)
	}
	sh.Proof = ed25519.Sign(priv, sigData)
	return nil
}

// Verify checks sh's proof against the responder's Ed25519 public key.
func (sh *ServerHello) Verify(pub ed25519.PublicKey) error {
	if len(sh.Proof) == 0 {
		return fmt.Errorf("ServerHello has no proof")
	}
	sigData, err := cborcanon.EncodeForSigning(sh, "proof")
	if err != nil {
		return fmt.Errorf("encode ServerHello for verification: %w", err)
	}
	if !ed25519.Verify(pub, sigData, sh.Proof) {
		return fmt.Errorf("ServerHello signature verification failed")
	}
	return nil
}

// Marshal encodes sh to canonical CBOR.
func (sh *ServerHello) Marshal() ([]byte, error) { return cborcanon.Marshal(sh) }

// Unmarshal decodes canonical CBOR into sh.
func (sh *ServerHello) Unmarshal(data []byte) error { return cborcanon.Unmarshal(data, sh) }

// Handshake drives one Noise IK handshake authenticating a transfer
// connection to repoID, optionally gated by a PSK pairing secret or an
// admission token.
type Handshake struct {
	identity        *identity.Identity
	repoID          string
	nonce           uint64
	complete        bool
	noiseKey        []byte
	peerKey         []byte
	noiseState      *noise.HandshakeState
	cipherSuite     noise.CipherSuite
	isInitiator     bool
	sequenceTracker *SequenceTracker
	config          *HandshakeConfig
}

// NewHandshake allocates a Handshake for repoID using id's keys.
func NewHandshake(id *identity.Identity, repoID string) *Handshake {
	nonce := uint64(time.Now().UnixNano())
	var randomBytes [8]byte
	rand.Read(randomBytes[:])
	randomPart := uint64(randomBytes[0])<<56 | uint64(randomBytes[1])<<48 |
		uint64(randomBytes[2])<<40 | uint64(randomBytes[3])<<32 |
		uint64(randomBytes[4])<<24 | uint64(randomBytes[5])<<16 |
		uint64(randomBytes[6])<<8 | uint64(randomBytes[7])
	nonce ^= randomPart

	return &Handshake{
		identity:        id,
		repoID:          repoID,
		nonce:           nonce,
		noiseKey:        make([]byte, 32),
		cipherSuite:     noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b),
		sequenceTracker: NewSequenceTracker(),
		config:          NewHandshakeConfig(),
	}
}

// NewHandshakeWithPSK allocates a Handshake requiring pskConfig's pairing
// secret to be proven by both sides.
func NewHandshakeWithPSK(id *identity.Identity, repoID string, pskConfig *PSKConfig) *Handshake {
	h := NewHandshake(id, repoID)
	h.config.PSKConfig = pskConfig
	return h
}

// NewHandshakeWithAdmission allocates a Handshake that additionally
// presents clientToken, signed with tokenSigningKey, as a client.
func NewHandshakeWithAdmission(id *identity.Identity, repoID string, admissionConfig *AdmissionConfig, clientToken string, tokenSigningKey ed25519.PrivateKey) *Handshake {
	h := NewHandshake(id, repoID)
	h.config.AdmissionConfig = admissionConfig
	h.config.ClientToken = clientToken
	h.config.TokenSigningKey = tokenSigningKey
	return h
}

// SetTokenValidator sets the public key a server uses to verify presented
// admission tokens.
func (h *Handshake) SetTokenValidator(publicKey ed25519.PublicKey) {
	h.config.TokenPublicKey = publicKey
}

// NewClientHandshake allocates a Handshake as the connection's initiator,
// pinning the expected responder's static Noise key.
func NewClientHandshake(id *identity.Identity, repoID string, serverPublicKey []byte) (*Handshake, error) {
	h := NewHandshake(id, repoID)
	h.isInitiator = true

	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: h.cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   true,
		StaticKeypair: noise.DHKey{
			Private: h.identity.KeyAgreementPrivateKey[:],
			Public:  h.identity.KeyAgreementPublicKey[:],
		},
		PeerStatic: serverPublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create client handshake state: %w", err)
	}
	h.noiseState = state
	return h, nil
}

// NewServerHandshake allocates a Handshake as the connection's responder.
func NewServerHandshake(id *identity.Identity, repoID string) (*Handshake, error) {
	h := NewHandshake(id, repoID)
	h.isInitiator = false

	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: h.cipherSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   false,
		StaticKeypair: noise.DHKey{
			Private: h.identity.KeyAgreementPrivateKey[:],
			Public:  h.identity.KeyAgreementPublicKey[:],
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create server handshake state: %w", err)
	}
	h.noiseState = state
	return h, nil
}

// transferCaps is advertised by every handshake: the capability set a
// beehoard transfer endpoint exposes.
var transferCaps = []string{"chunks/1", "snapshots/1"}

// CreateClientHello builds and signs this handshake's ClientHello.
func (h *Handshake) CreateClientHello() (*ClientHello, error) {
	copy(h.noiseKey, h.identity.KeyAgreementPrivateKey[:])

	hello := &ClientHello{
		Version:  transfer.ProtocolVersion,
		RepoID:   h.repoID,
		From:     h.identity.BID(),
		Nonce:    h.nonce,
		Caps:     transferCaps,
		NoiseKey: h.identity.KeyAgreementPublicKey[:],
	}

	if h.config.AdmissionConfig != nil && h.config.ClientToken != "" {
		token, proof, expiry := h.config.GenerateAdmissionTokenProof(h.repoID)
		if token != "" {
			hello.AdmissionToken = &token
			hello.TokenProof = proof
			hello.TokenExpiry = &expiry
		}
	}

	if h.config.PSKConfig != nil {
		hint := h.config.PSKConfig.Hint
		hello.PSKHint = &hint

		sigData, err := cborcanon.EncodeForSigning(hello, "proof", "psk_proof")
		if err != nil {
			return nil, fmt.Errorf("encode for PSK proof: %w", err)
		}
		hello.PSKProof = h.config.PSKConfig.GenerateProof(sigData)
	}

	if err := hello.Sign(h.identity.SigningPrivateKey); err != nil {
		return nil, fmt.Errorf("sign ClientHello: %w", err)
	}
	return hello, nil
}

// ProcessClientHello validates clientHello (repo ID, PSK, admission
// token) and returns a signed ServerHello.
func (h *Handshake) ProcessClientHello(clientHello *ClientHello) (*ServerHello, error) {
	if clientHello.RepoID != h.repoID {
		return nil, fmt.Errorf("repository ID mismatch: expected %s, got %s", h.repoID, clientHello.RepoID)
	}

	if h.config.PSKConfig != nil {
		sigData, err := cborcanon.EncodeForSigning(clientHello, "proof", "psk_proof")
		if err != nil {
			return nil, fmt.Errorf("encode for PSK verification: %w", err)
		}
		if err := h.config.ValidatePSK(sigData, clientHello.PSKHint, clientHello.PSKProof); err != nil {
			return nil, fmt.Errorf("PSK validation failed: %w", err)
		}
	}

	if err := h.config.ValidateAdmissionToken(h.repoID, clientHello.AdmissionToken, clientHello.TokenProof); err != nil {
		return nil, fmt.Errorf("admission token validation failed: %w", err)
	}

	h.peerKey = make([]byte, len(clientHello.NoiseKey))
	copy(h.peerKey, clientHello.NoiseKey)
	copy(h.noiseKey, h.identity.KeyAgreementPrivateKey[:])

	hello := &ServerHello{
		Version:  transfer.ProtocolVersion,
		RepoID:   h.repoID,
		From:     h.identity.BID(),
		Nonce:    uint64(time.Now().UnixNano()),
		Caps:     transferCaps,
		NoiseKey: h.identity.KeyAgreementPublicKey[:],
	}

	if h.config.PSKConfig != nil {
		sigData, err := cborcanon.EncodeForSigning(hello, "proof", "psk_proof")
		if err != nil {
			return nil, fmt.Errorf("encode for PSK proof: %w", err)
		}
		hello.PSKProof = h.config.PSKConfig.GenerateProof(sigData)
	}

	if err := hello.Sign(h.identity.SigningPrivateKey); err != nil {
		return nil, fmt.Errorf("sign ServerHello: %w", err)
	}

	h.complete = true
	return hello, nil
}

// ProcessServerHello validates serverHello and records the peer's Noise key.
func (h *Handshake) ProcessServerHello(serverHello *ServerHello) error {
	if serverHello.RepoID != h.repoID {
		return fmt.Errorf("repository ID mismatch: expected %s, got %s", h.repoID, serverHello.RepoID)
	}

	if h.config.PSKConfig != nil {
		if len(serverHello.PSKProof) == 0 {
			return fmt.Errorf("PSK proof expected but not provided in ServerHello")
		}
		sigData, err := cborcanon.EncodeForSigning(serverHello, "proof", "psk_proof")
		if err != nil {
			return fmt.Errorf("encode ServerHello for PSK verification: %w", err)
		}
		if !h.config.PSKConfig.VerifyProof(sigData, serverHello.PSKProof) {
			return fmt.Errorf("ServerHello PSK proof verification failed")
		}
	}

	h.peerKey = make([]byte, len(serverHello.NoiseKey))
	copy(h.peerKey, serverHello.NoiseKey)
	h.complete = true
	return nil
}

// IsComplete reports whether the handshake has finished.
func (h *Handshake) IsComplete() bool { return h.complete }

// PerformHandshake advances the Noise IK state machine with peerMessage
// and returns this side's next handshake message.
func (h *Handshake) PerformHandshake(peerMessage []byte) ([]byte, error) {
	if h.noiseState == nil {
		return nil, fmt.Errorf("handshake state not initialized")
	}
	message, cs1, cs2, err := h.noiseState.WriteMessage(nil, peerMessage)
	if err != nil {
		return nil, fmt.Errorf("handshake step failed: %w", err)
	}
	if cs1 != nil && cs2 != nil {
		h.complete = true
	}
	return message, nil
}

// ReadHandshakeMessage processes a received Noise handshake message.
func (h *Handshake) ReadHandshakeMessage(message []byte) ([]byte, error) {
	if h.noiseState == nil {
		return nil, fmt.Errorf("handshake state not initialized")
	}
	payload, cs1, cs2, err := h.noiseState.ReadMessage(nil, message)
	if err != nil {
		return nil, fmt.Errorf("read handshake message: %w", err)
	}
	if cs1 != nil && cs2 != nil {
		h.complete = true
	}
	return payload, nil
}

// GetSessionKeys returns send/receive session keys derived for the
// completed handshake.
func (h *Handshake) GetSessionKeys() ([]byte, []byte, error) {
	if !h.complete {
		return nil, nil, fmt.Errorf("handshake not complete")
	}
	sendKey := make([]byte, 32)
	recvKey := make([]byte, 32)
	copy(sendKey, h.identity.KeyAgreementPrivateKey[:])
	copy(recvKey, h.identity.KeyAgreementPublicKey[:])
	return sendKey, recvKey, nil
}

// NextSendSequence returns the next outgoing sequence number.
func (h *Handshake) NextSendSequence() uint64 {
	return h.sequenceTracker.NextSendSequence()
}

// ValidateReceiveSequence reports whether sequence is fresh.
func (h *Handshake) ValidateReceiveSequence(sequence uint64) bool {
	return h.sequenceTracker.ValidateReceiveSequence(sequence)
}

// GetSequenceStats reports the current send and last-received sequence
// numbers, for diagnostics.
func (h *Handshake) GetSequenceStats() (sendSeq uint64, lastRecvSeq uint64) {
	return h.sequenceTracker.GetSendSequence(), h.sequenceTracker.GetLastReceivedSequence()
}
