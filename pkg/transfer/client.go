package transfer

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync/atomic"

	"github.com/beehoard/beehoard/pkg/catalog"
	"github.com/beehoard/beehoard/pkg/codec/cborcanon"
	"github.com/beehoard/beehoard/pkg/digest"
	"github.com/beehoard/beehoard/pkg/identity"
)

// decodeBody re-encodes f's generically-decoded Body and decodes it into
// T, since Frame.Body is typed interface{} at the envelope level.
func decodeBody[T any](f *Frame) (T, error) {
	var out T
	raw, err := cborcanon.Marshal(f.Body)
	if err != nil {
		return out, fmt.Errorf("re-encode frame body: %w", err)
	}
	if err := cborcanon.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode frame body: %w", err)
	}
	return out, nil
}

// Client implements RemoteEndpoint over a Transport connection, exchanging
// signed Frames with a peer's Server.
type Client struct {
	conn     Conn
	identity *identity.Identity
	peerPub  ed25519.PublicKey
	seq      uint64
}

// Dial opens a connection to addr over t and returns a Client ready to
// exchange frames, signing outgoing frames with id's key and verifying
// incoming ones against peerPub.
func Dial(ctx context.Context, t Transport, addr string, tlsConfig *tls.Config, id *identity.Identity, peerPub ed25519.PublicKey) (*Client, error) {
	conn, err := t.Dial(ctx, addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s transport: %w", t.Name(), err)
	}
	return &Client{conn: conn, identity: id, peerPub: peerPub}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) nextSeq() uint64 { return atomic.AddUint64(&c.seq, 1) }

// roundTrip signs and sends a request Frame, then reads and verifies the
// response Frame. A KindError response is surfaced as a Go error.
func (c *Client) roundTrip(ctx context.Context, kind Kind, body interface{}) (*Frame, error) {
	req := NewFrame(kind, c.identity.BID(), c.nextSeq(), body)
	if err := req.Sign(c.identity.SigningPrivateKey); err != nil {
		return nil, fmt.Errorf("sign request frame: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	}
	if err := writeFrame(c.conn, req); err != nil {
		return nil, err
	}

	resp, err := readFrame(c.conn)
	if err != nil {
		return nil, err
	}
	if err := resp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid response frame: %w", err)
	}
	if len(c.peerPub) > 0 {
		if err := resp.Verify(c.peerPub); err != nil {
			return nil, fmt.Errorf("response frame signature: %w", err)
		}
	}
	if resp.Kind == KindError {
		body, bodyErr := decodeBody[ErrorBody](resp)
		if bodyErr == nil && body.Message != "" {
			return nil, fmt.Errorf("remote error: %s", body.Message)
		}
		return nil, fmt.Errorf("remote error")
	}
	return resp, nil
}

// PutChunk uploads d's bytes to the remote endpoint.
func (c *Client) PutChunk(ctx context.Context, d digest.Digest, data []byte) error {
	_, err := c.roundTrip(ctx, KindPutChunk, PutChunkBody{Digest: d, Data: data})
	return err
}

// GetChunk downloads d's bytes from the remote endpoint.
func (c *Client) GetChunk(ctx context.Context, d digest.Digest) ([]byte, error) {
	resp, err := c.roundTrip(ctx, KindGetChunk, GetChunkBody{Digest: d})
	if err != nil {
		return nil, err
	}
	body, err := decodeBody[ChunkDataBody](resp)
	if err != nil {
		return nil, err
	}
	got := digest.Sum(body.Data)
	if got != d {
		return nil, fmt.Errorf("remote chunk payload does not match requested digest %s", d)
	}
	return body.Data, nil
}

// PutSnapshot uploads meta and its files to the remote endpoint.
func (c *Client) PutSnapshot(ctx context.Context, meta catalog.SnapshotMeta, files []catalog.FileEntry) error {
	_, err := c.roundTrip(ctx, KindPutSnapshot, snapshotToBody(meta, files))
	return err
}

// ListSnapshots retrieves every snapshot the remote endpoint holds.
func (c *Client) ListSnapshots(ctx context.Context) ([]catalog.SnapshotMeta, error) {
	resp, err := c.roundTrip(ctx, KindListSnapshots, ListSnapshotsBody{})
	if err != nil {
		return nil, err
	}
	body, err := decodeBody[SnapshotListBody](resp)
	if err != nil {
		return nil, err
	}
	out := make([]catalog.SnapshotMeta, len(body.Snapshots))
	for i, s := range body.Snapshots {
		out[i] = bodyToSnapshot(s)
	}
	return out, nil
}

// snapshotToBody converts a catalog Snapshot and its files into their wire
// representation.
func snapshotToBody(meta catalog.SnapshotMeta, files []catalog.FileEntry) PutSnapshotBody {
	fileBodies := make([]SnapshotFileBody, len(files))
	for i, f := range files {
		fileBodies[i] = SnapshotFileBody{
			FileID:       f.FileID,
			Path:         f.Path,
			Size:         f.Size,
			ModifiedTime: f.ModifiedTime,
			FileDigest:   f.FileDigest,
			Chunks:       f.Chunks,
		}
	}
	return PutSnapshotBody{
		ID:           meta.ID,
		Name:         meta.Name,
		Description:  meta.Description,
		CreatedAt:    meta.CreatedAt,
		ParentID:     meta.ParentID,
		SourceRoot:   meta.SourceRoot,
		TotalFiles:   meta.TotalFiles,
		TotalSize:    meta.TotalSize,
		SnapshotRoot: meta.SnapshotRoot,
		Files:        fileBodies,
	}
}

// bodyToSnapshot converts a PutSnapshotBody's metadata (without its files)
// back into a catalog.SnapshotMeta.
func bodyToSnapshot(b PutSnapshotBody) catalog.SnapshotMeta {
	return catalog.SnapshotMeta{
		ID:           b.ID,
		Name:         b.Name,
		Description:  b.Description,
		CreatedAt:    b.CreatedAt,
		ParentID:     b.ParentID,
		SourceRoot:   b.SourceRoot,
		TotalFiles:   b.TotalFiles,
		TotalSize:    b.TotalSize,
		SnapshotRoot: b.SnapshotRoot,
	}
}

// bodyToFiles converts a PutSnapshotBody's file list into catalog.FileEntry
// values belonging to snapshotID.
func bodyToFiles(snapshotID string, b PutSnapshotBody) []catalog.FileEntry {
	out := make([]catalog.FileEntry, len(b.Files))
	for i, f := range b.Files {
		out[i] = catalog.FileEntry{
			FileID:       f.FileID,
			SnapshotID:   snapshotID,
			Path:         f.Path,
			Size:         f.Size,
			ModifiedTime: f.ModifiedTime,
			FileDigest:   f.FileDigest,
			Chunks:       f.Chunks,
		}
	}
	return out
}
