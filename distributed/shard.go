/*
Package distributed shards level-0 tile ownership across a set of worker
servers and ships frame contributions to the owners over HTTP.  Consistency
is eventual and best-effort: each worker serializes updates to its own tiles,
and because acc/occ accumulation is commutative and associative, the order in
which contributions arrive does not affect the final pyramid.
*/
package distributed

import (
	"encoding/binary"
	"hash/fnv"
)

// ChunkShape groups tiles into ownership chunks.  Tiles within one chunk
// always land on the same server, preserving spatial locality of writes.
// It is an immutable value; use DefaultChunkShape rather than a zero value.
type ChunkShape struct {
	X, Y, Z int
}

// DefaultChunkShape groups tiles into 8x8 blocks per server.
var DefaultChunkShape = ChunkShape{X: 8, Y: 8, Z: 1}

// orDefault substitutes defaults for unset dimensions so configs can omit
// the chunk shape entirely.
func (c ChunkShape) orDefault() ChunkShape {
	if c.X <= 0 {
		c.X = DefaultChunkShape.X
	}
	if c.Y <= 0 {
		c.Y = DefaultChunkShape.Y
	}
	if c.Z <= 0 {
		c.Z = DefaultChunkShape.Z
	}
	return c
}

// ServerForChunk returns the index of the server owning the chunk containing
// tile (x, y, z).  The hash is FNV-1a over the chunk coordinates modulo the
// server count: a deterministic integer scatter, not cryptographic.
func ServerForChunk(x, y, z int, chunk ChunkShape, nrServers int) int {
	if nrServers <= 1 {
		return 0
	}
	chunk = chunk.orDefault()
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(x/chunk.X))
	binary.BigEndian.PutUint32(buf[4:8], uint32(y/chunk.Y))
	binary.BigEndian.PutUint32(buf[8:12], uint32(z/chunk.Z))
	h := fnv.New32a()
	h.Write(buf[:])
	return int(h.Sum32() % uint32(nrServers))
}
