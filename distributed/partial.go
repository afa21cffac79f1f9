package distributed

import (
	"sync"

	"github.com/microstitch/supertile/pyramid"
	"github.com/microstitch/supertile/supertile"
)

// PartialPyramid is the worker-side shard of a distributed pyramid: an
// ImagePyramid holding only the level-0 tiles this server owns.  Coarser
// levels are built later from the merged shards, not per worker.
type PartialPyramid struct {
	*pyramid.ImagePyramid

	// mu serializes tile updates; the worker's HTTP handlers run
	// concurrently and the acc/occ read-modify-write is not atomic.
	mu sync.Mutex

	chunk     ChunkShape
	serverIdx int
	nrServers int
}

// NewPartialPyramid wraps p as shard serverIdx of nrServers.
func NewPartialPyramid(p *pyramid.ImagePyramid, chunk ChunkShape, serverIdx, nrServers int) *PartialPyramid {
	if nrServers <= 0 {
		nrServers = 1
	}
	return &PartialPyramid{
		ImagePyramid: p,
		chunk:        chunk.orDefault(),
		serverIdx:    serverIdx,
		nrServers:    nrServers,
	}
}

// Owns reports whether this shard is responsible for tile (x, y).
func (pp *PartialPyramid) Owns(x, y int) bool {
	return ServerForChunk(x, y, 0, pp.chunk, pp.nrServers) == pp.serverIdx
}

// ApplyTileUpdate accumulates a received tile update into this shard.
// A tile arriving at the wrong shard is applied anyway, with a warning:
// accumulation stays correct, only locality is lost.  Safe for concurrent
// callers.
func (pp *PartialPyramid) ApplyTileUpdate(u TileUpdate) error {
	frameSlice, err := u.FrameArray()
	if err != nil {
		return err
	}
	weightsSlice, err := u.WeightsArray()
	if err != nil {
		return err
	}
	tx, ty := u.Coords[0], u.Coords[1]
	if !pp.Owns(tx, ty) {
		supertile.Warningf("shard %d received tile (%d,%d) owned by shard %d\n",
			pp.serverIdx, tx, ty, ServerForChunk(tx, ty, 0, pp.chunk, pp.nrServers))
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.GrowExtent(tx, ty)
	return pp.ApplyBaseTileSlices(0, tx, ty, u.Offset[0], u.Offset[1], frameSlice, weightsSlice)
}
