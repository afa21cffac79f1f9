package distributed

import "testing"

func TestServerForChunkDeterministic(t *testing.T) {
	chunk := DefaultChunkShape
	for x := 0; x < 20; x++ {
		for y := 0; y < 20; y++ {
			a := ServerForChunk(x, y, 0, chunk, 4)
			b := ServerForChunk(x, y, 0, chunk, 4)
			if a != b {
				t.Fatalf("Tile (%d,%d) hashed to %d then %d", x, y, a, b)
			}
			if a < 0 || a >= 4 {
				t.Fatalf("Tile (%d,%d) hashed to %d, outside [0,4)", x, y, a)
			}
		}
	}
}

func TestServerForChunkLocality(t *testing.T) {
	chunk := ChunkShape{X: 8, Y: 8, Z: 1}
	// All tiles within one 8x8 chunk share a server.
	owner := ServerForChunk(0, 0, 0, chunk, 5)
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			if s := ServerForChunk(x, y, 0, chunk, 5); s != owner {
				t.Fatalf("Tile (%d,%d) on server %d, expected chunk owner %d", x, y, s, owner)
			}
		}
	}
}

func TestServerForChunkSpread(t *testing.T) {
	chunk := ChunkShape{X: 1, Y: 1, Z: 1}
	seen := make(map[int]bool)
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			seen[ServerForChunk(x, y, 0, chunk, 4)] = true
		}
	}
	if len(seen) < 2 {
		t.Errorf("256 chunks all hashed to the same server out of 4")
	}
}

func TestServerForChunkSingleServer(t *testing.T) {
	if s := ServerForChunk(123, 456, 7, DefaultChunkShape, 1); s != 0 {
		t.Errorf("Single-server cluster hashed to %d, expected 0", s)
	}
	if s := ServerForChunk(123, 456, 7, DefaultChunkShape, 0); s != 0 {
		t.Errorf("Unset server count hashed to %d, expected 0", s)
	}
}

func TestChunkShapeDefaults(t *testing.T) {
	c := ChunkShape{}.orDefault()
	if c != DefaultChunkShape {
		t.Errorf("Zero chunk shape resolved to %v, expected %v", c, DefaultChunkShape)
	}
	partial := ChunkShape{X: 4}.orDefault()
	if partial.X != 4 || partial.Y != DefaultChunkShape.Y || partial.Z != DefaultChunkShape.Z {
		t.Errorf("Partial chunk shape resolved to %v", partial)
	}
}

func TestPartialPyramidOwnership(t *testing.T) {
	// With the shard hash fixed, every tile is owned by exactly one shard.
	const nrServers = 3
	chunk := DefaultChunkShape
	for x := 0; x < 32; x += 4 {
		for y := 0; y < 32; y += 4 {
			owners := 0
			for idx := 0; idx < nrServers; idx++ {
				pp := &PartialPyramid{chunk: chunk, serverIdx: idx, nrServers: nrServers}
				if pp.Owns(x, y) {
					owners++
				}
			}
			if owners != 1 {
				t.Errorf("Tile (%d,%d) has %d owners, expected exactly 1", x, y, owners)
			}
		}
	}
}
