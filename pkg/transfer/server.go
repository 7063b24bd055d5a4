package transfer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/beehoard/beehoard/pkg/catalog"
	"github.com/beehoard/beehoard/pkg/digest"
	"github.com/beehoard/beehoard/pkg/identity"
)

// ChunkStore is the subset of pkg/store.Store a Server needs to answer
// PUT_CHUNK/GET_CHUNK requests.
type ChunkStore interface {
	Put(data []byte) (digest.Digest, error)
	Get(d digest.Digest) ([]byte, error)
	Exists(d digest.Digest) (bool, error)
}

// MetadataStore is the subset of pkg/catalog.Catalog a Server needs to
// answer PUT_SNAPSHOT/LIST_SNAPSHOTS requests.
type MetadataStore interface {
	DB() *sql.DB
	CreateSnapshot(tx *sql.Tx, s catalog.Snapshot) error
	RecordFile(tx *sql.Tx, f catalog.FileEntry) error
	ListSnapshots() ([]catalog.Snapshot, error)
}

// Server answers Frame requests against a local ChunkStore and
// MetadataStore, signing every response with id's key.
type Server struct {
	store    ChunkStore
	catalog  MetadataStore
	identity *identity.Identity
}

// NewServer constructs a Server that signs its responses as id.
func NewServer(store ChunkStore, catalog MetadataStore, id *identity.Identity) *Server {
	return &Server{store: store, catalog: catalog, identity: id}
}

// Serve accepts connections from l until ctx is cancelled or Accept fails,
// handling each on its own goroutine.
func (s *Server) Serve(ctx context.Context, l Listener) error {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn Conn) {
	defer conn.Close()
	for {
		req, err := readFrame(conn)
		if err != nil {
			return
		}
		resp := s.handleFrame(ctx, req)
		if err := resp.Sign(s.identity.SigningPrivateKey); err != nil {
			return
		}
		if err := writeFrame(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, req *Frame) *Frame {
	from := s.identity.BID()
	switch req.Kind {
	case KindPutChunk:
		body, err := decodeBody[PutChunkBody](req)
		if err != nil {
			return s.errorFrame(from, req.Seq, err)
		}
		if _, err := s.store.Put(body.Data); err != nil {
			return s.errorFrame(from, req.Seq, err)
		}
		return NewFrame(KindChunkPut, from, req.Seq, AckBody{OK: true})

	case KindGetChunk:
		body, err := decodeBody[GetChunkBody](req)
		if err != nil {
			return s.errorFrame(from, req.Seq, err)
		}
		data, err := s.store.Get(body.Digest)
		if err != nil {
			return s.errorFrame(from, req.Seq, err)
		}
		return NewFrame(KindChunkData, from, req.Seq, ChunkDataBody{Digest: body.Digest, Data: data})

	case KindPutSnapshot:
		return s.handlePutSnapshot(ctx, req, from)

	case KindListSnapshots:
		snaps, err := s.catalog.ListSnapshots()
		if err != nil {
			return s.errorFrame(from, req.Seq, err)
		}
		bodies := make([]PutSnapshotBody, len(snaps))
		for i, snap := range snaps {
			bodies[i] = snapshotToBody(snap, nil)
		}
		return NewFrame(KindSnapshotList, from, req.Seq, SnapshotListBody{Snapshots: bodies})

	default:
		return s.errorFrame(from, req.Seq, fmt.Errorf("unsupported frame kind %d", req.Kind))
	}
}

func (s *Server) handlePutSnapshot(ctx context.Context, req *Frame, from string) *Frame {
	body, err := decodeBody[PutSnapshotBody](req)
	if err != nil {
		return s.errorFrame(from, req.Seq, err)
	}
	meta := bodyToSnapshot(body)
	files := bodyToFiles(meta.ID, body)

	tx, err := s.catalog.DB().BeginTx(ctx, nil)
	if err != nil {
		return s.errorFrame(from, req.Seq, err)
	}
	if err := s.catalog.CreateSnapshot(tx, meta); err != nil {
		tx.Rollback()
		return s.errorFrame(from, req.Seq, err)
	}
	for _, f := range files {
		if err := s.catalog.RecordFile(tx, f); err != nil {
			tx.Rollback()
			return s.errorFrame(from, req.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.errorFrame(from, req.Seq, err)
	}
	return NewFrame(KindSnapshotPut, from, req.Seq, AckBody{OK: true})
}

func (s *Server) errorFrame(from string, seq uint64, err error) *Frame {
	return NewFrame(KindError, from, seq, ErrorBody{Message: err.Error()})
}
