// Package transfer carries the four messages a RemoteEndpoint exchanges
// (PUT_CHUNK, GET_CHUNK, PUT_SNAPSHOT, LIST_SNAPSHOTS) in a canonical-CBOR
// Frame envelope with a Kind discriminant, individually signed with the
// repository's Ed25519 identity key.
package transfer

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/beehoard/beehoard/pkg/codec/cborcanon"
	"github.com/beehoard/beehoard/pkg/digest"
)

// ProtocolVersion is the wire format version carried in every Frame.
const ProtocolVersion = 1

// MaxClockSkew bounds how far a Frame's timestamp may drift from the
// receiver's clock before it is rejected.
const MaxClockSkew = 120 * time.Second

// Kind discriminates a Frame's Body type.
type Kind uint16

const (
	KindPutChunk Kind = iota + 1
	KindChunkPut           // ack for KindPutChunk
	KindGetChunk
	KindChunkData
	KindPutSnapshot
	KindSnapshotPut // ack for KindPutSnapshot
	KindListSnapshots
	KindSnapshotList
	KindError
)

// Frame is the signed envelope every transfer message travels in.
type Frame struct {
	V    uint16      `cbor:"v"`
	Kind Kind        `cbor:"kind"`
	From string      `cbor:"from"` // sender's repository identity (its BID)
	Seq  uint64      `cbor:"seq"`
	TS   uint64      `cbor:"ts"` // ms since Unix epoch
	Body interface{} `cbor:"body"`
	Sig  []byte      `cbor:"sig"`
}

// NewFrame constructs an unsigned Frame with the current timestamp.
func NewFrame(kind Kind, from string, seq uint64, body interface{}) *Frame {
	return &Frame{
		V:    ProtocolVersion,
		Kind: kind,
		From: from,
		Seq:  seq,
		TS:   uint64(time.Now().UnixMilli()),
		Body: body,
	}
}

// Sign signs f with the sender's Ed25519 private key.
func (f *Frame) Sign(priv ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(f, "sig")
	if err != nil {
		return fmt.Errorf("encode frame for signing: %w", err)
	}
	f.Sig = ed25519.Sign(priv, sigData)
	return nil
}

// Verify checks f's signature against the sender's Ed25519 public key.
func (f *Frame) Verify(pub ed25519.PublicKey) error {
	if len(f.Sig) == 0 {
		return fmt.Errorf("frame has no signature")
	}
	sigData, err := cborcanon.EncodeForSigning(f, "sig")
	if err != nil {
		return fmt.Errorf("encode frame for verification: %w", err)
	}
	if !ed25519.Verify(pub, sigData, f.Sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// Marshal encodes f to canonical CBOR.
func (f *Frame) Marshal() ([]byte, error) {
	return cborcanon.Marshal(f)
}

// Unmarshal decodes canonical CBOR into f.
func (f *Frame) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, f)
}

// Validate checks f's protocol version, signature presence, and clock skew.
func (f *Frame) Validate() error {
	if f.V != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version: %d", f.V)
	}
	if f.From == "" {
		return fmt.Errorf("missing sender identity")
	}
	if len(f.Sig) == 0 {
		return fmt.Errorf("missing signature")
	}
	now := uint64(time.Now().UnixMilli())
	skew := uint64(MaxClockSkew.Milliseconds())
	if f.TS > now+skew {
		return fmt.Errorf("frame timestamp too far in the future")
	}
	if now > f.TS+skew {
		return fmt.Errorf("frame timestamp too far in the past")
	}
	return nil
}

// PutChunkBody is the body of a PUT_CHUNK message.
type PutChunkBody struct {
	Digest digest.Digest `cbor:"digest"`
	Data   []byte        `cbor:"data"`
}

// GetChunkBody is the body of a GET_CHUNK message.
type GetChunkBody struct {
	Digest digest.Digest `cbor:"digest"`
}

// ChunkDataBody is the body of a CHUNK_DATA response.
type ChunkDataBody struct {
	Digest digest.Digest `cbor:"digest"`
	Data   []byte        `cbor:"data"`
}

// AckBody acknowledges a PUT_CHUNK or PUT_SNAPSHOT.
type AckBody struct {
	OK bool `cbor:"ok"`
}

// SnapshotFileBody mirrors catalog.FileEntry across the wire.
type SnapshotFileBody struct {
	FileID       string          `cbor:"file_id"`
	Path         string          `cbor:"path"`
	Size         int64           `cbor:"size"`
	ModifiedTime int64           `cbor:"modified_time"`
	FileDigest   digest.Digest   `cbor:"file_digest"`
	Chunks       []digest.Digest `cbor:"chunks"`
}

// PutSnapshotBody is the body of a PUT_SNAPSHOT message.
type PutSnapshotBody struct {
	ID           string             `cbor:"id"`
	Name         string             `cbor:"name"`
	Description  string             `cbor:"description"`
	CreatedAt    int64              `cbor:"created_at"`
	ParentID     string             `cbor:"parent_id"`
	SourceRoot   string             `cbor:"source_root"`
	TotalFiles   int64              `cbor:"total_files"`
	TotalSize    int64              `cbor:"total_size"`
	SnapshotRoot digest.Digest      `cbor:"snapshot_root"`
	Files        []SnapshotFileBody `cbor:"files"`
}

// ListSnapshotsBody is the (empty) body of a LIST_SNAPSHOTS request.
type ListSnapshotsBody struct{}

// SnapshotListBody is the body of a SNAPSHOT_LIST response.
type SnapshotListBody struct {
	Snapshots []PutSnapshotBody `cbor:"snapshots"`
}

// ErrorBody carries a remote-side failure back to the caller.
type ErrorBody struct {
	Message string `cbor:"message"`
}
