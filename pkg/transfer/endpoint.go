package transfer

import (
	"context"

	"github.com/beehoard/beehoard/pkg/catalog"
	"github.com/beehoard/beehoard/pkg/digest"
)

// RemoteEndpoint is the thin collaborator the core engines depend on to
// exchange chunks and snapshots with a peer repository. Nothing in
// pkg/backup, pkg/restore, pkg/retention, or pkg/verify depends on a
// concrete transport — only this interface.
type RemoteEndpoint interface {
	PutChunk(ctx context.Context, d digest.Digest, data []byte) error
	GetChunk(ctx context.Context, d digest.Digest) ([]byte, error)
	PutSnapshot(ctx context.Context, meta catalog.SnapshotMeta, files []catalog.FileEntry) error
	ListSnapshots(ctx context.Context) ([]catalog.SnapshotMeta, error)
}
