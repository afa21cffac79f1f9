package pyramid

import (
	"errors"
	"math"
	"testing"

	"github.com/ctessum/sparse"

	"github.com/microstitch/supertile/storage"
)

func onesFrame(nx, ny int) *sparse.DenseArray {
	frame := sparse.ZerosDense(nx, ny)
	for i := range frame.Elements {
		frame.Elements[i] = 1
	}
	return frame
}

func rampFrame(nx, ny int) *sparse.DenseArray {
	frame := sparse.ZerosDense(nx, ny)
	for i := range frame.Elements {
		frame.Elements[i] = float64(i%16) + 1
	}
	return frame
}

func newTestPyramid(t *testing.T, c Config) *ImagePyramid {
	p, err := New(t.TempDir(), c)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

// Two all-ones 256px frames offset by half a tile: the overlap averages back
// to one, occupancy covers 384 columns, and a level-1 tile combines the two
// base tiles.
func TestTwoFrameOverlap(t *testing.T) {
	p := newTestPyramid(t, Config{TileSize: 256, Backend: storage.RawBackend})
	defer p.Close()

	frame := onesFrame(256, 256)
	weights := onesFrame(256, 256)
	if err := p.UpdateBaseTilesFromFrame(0, 0, frame, weights); err != nil {
		t.Fatal(err)
	}
	if err := p.UpdateBaseTilesFromFrame(128, 0, frame, weights); err != nil {
		t.Fatal(err)
	}
	if p.Valid() {
		t.Errorf("Expected pyramid to be invalid after ingesting frames")
	}

	if err := p.UpdatePyramid(); err != nil {
		t.Fatal(err)
	}
	if !p.Valid() {
		t.Errorf("Expected pyramid to be valid after UpdatePyramid")
	}

	// Tile (0,0): rows 0-127 saw one frame, rows 128-255 saw both.  The
	// weighted average is one everywhere either frame contributed.
	tile, err := p.GetTile(0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if tile == nil {
		t.Fatal("Missing base tile (0,0)")
	}
	for i := 0; i < 256; i += 31 {
		for j := 0; j < 256; j += 31 {
			if v := tile.Get(i, j); !near(v, 1) {
				t.Fatalf("Tile (0,0) pixel (%d,%d) = %g, expected 1", i, j, v)
			}
		}
	}

	// Tile (1,0): occupied only in rows 0-127 (columns 256-383 of the mosaic),
	// zero beyond where no frame reached.
	tile, err = p.GetTile(0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if tile == nil {
		t.Fatal("Missing base tile (1,0)")
	}
	if v := tile.Get(64, 64); !near(v, 1) {
		t.Errorf("Tile (1,0) pixel (64,64) = %g, expected 1", v)
	}
	if v := tile.Get(200, 64); v != 0 {
		t.Errorf("Tile (1,0) pixel (200,64) = %g, expected 0 outside coverage", v)
	}

	if p.Depth() < 1 {
		t.Errorf("Depth = %d, expected at least 1", p.Depth())
	}
	coarse, err := p.GetTile(1, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if coarse == nil {
		t.Fatal("Missing level-1 tile combining the base tiles")
	}
	// The downsampled (0,0) child lands in the first 128 rows.
	if v := coarse.Get(64, 64); !near(v, 1) {
		t.Errorf("Level-1 pixel (64,64) = %g, expected 1", v)
	}
}

// Accumulation is a running weighted average, so frame order must not matter.
func TestFrameOrderCommutes(t *testing.T) {
	type placed struct {
		x, y  int
		frame *sparse.DenseArray
	}
	frames := []placed{
		{0, 0, rampFrame(8, 8)},
		{4, 4, onesFrame(8, 8)},
		{12, 2, rampFrame(8, 8)},
		{7, 9, onesFrame(8, 8)},
	}
	weights := onesFrame(8, 8)

	build := func(order []int) *ImagePyramid {
		p := newTestPyramid(t, Config{TileSize: 16, Backend: storage.RawBackend})
		for _, i := range order {
			f := frames[i]
			if err := p.UpdateBaseTilesFromFrame(f.x, f.y, f.frame, weights); err != nil {
				t.Fatal(err)
			}
		}
		if err := p.UpdatePyramid(); err != nil {
			t.Fatal(err)
		}
		return p
	}
	forward := build([]int{0, 1, 2, 3})
	defer forward.Close()
	reversed := build([]int{3, 2, 1, 0})
	defer reversed.Close()

	coords, err := forward.LayerTileCoords(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(coords) == 0 {
		t.Fatal("No base tiles were materialized")
	}
	for _, c := range coords {
		a, err := forward.GetTile(0, c.X, c.Y)
		if err != nil {
			t.Fatal(err)
		}
		b, err := reversed.GetTile(0, c.X, c.Y)
		if err != nil {
			t.Fatal(err)
		}
		if b == nil {
			t.Fatalf("Tile %v missing from reversed-order pyramid", c)
		}
		for i := range a.Elements {
			if !near(a.Elements[i], b.Elements[i]) {
				t.Fatalf("Tile %v element %d differs between ingestion orders: %g vs %g",
					c, i, a.Elements[i], b.Elements[i])
			}
		}
	}
}

func TestNegativeOriginRejected(t *testing.T) {
	p := newTestPyramid(t, Config{TileSize: 16})
	defer p.Close()

	frame := onesFrame(8, 8)
	if err := p.UpdateBaseTilesFromFrame(-1, 0, frame, frame); !errors.Is(err, ErrNegativeOrigin) {
		t.Errorf("Expected ErrNegativeOrigin, got %v", err)
	}
	if err := p.UpdateBaseTilesFromFrame(0, -5, frame, frame); !errors.Is(err, ErrNegativeOrigin) {
		t.Errorf("Expected ErrNegativeOrigin, got %v", err)
	}

	// The rejected frames must not have left any partial tile writes.
	if err := p.UpdatePyramid(); err != nil {
		t.Fatal(err)
	}
	coords, err := p.LayerTileCoords(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(coords) != 0 {
		t.Errorf("Rejected frames materialized tiles at %v", coords)
	}
}

func TestShapeMismatchRejected(t *testing.T) {
	p := newTestPyramid(t, Config{TileSize: 16})
	defer p.Close()

	if err := p.UpdateBaseTilesFromFrame(0, 0, onesFrame(8, 8), onesFrame(8, 4)); err == nil {
		t.Errorf("Expected error for frame/weights shape mismatch")
	}
}

// A frame ingested after a rebuild deletes its tile's materialized ancestors
// so stale coarser tiles are never served.
func TestIngestInvalidatesAncestors(t *testing.T) {
	p := newTestPyramid(t, Config{TileSize: 16, Backend: storage.RawBackend})
	defer p.Close()

	frame := onesFrame(16, 16)
	// Two tiles in x so a level-1 tile gets built.
	if err := p.UpdateBaseTilesFromFrame(0, 0, frame, frame); err != nil {
		t.Fatal(err)
	}
	if err := p.UpdateBaseTilesFromFrame(16, 0, frame, frame); err != nil {
		t.Fatal(err)
	}
	if err := p.UpdatePyramid(); err != nil {
		t.Fatal(err)
	}
	if tile, err := p.GetTile(1, 0, 0); err != nil || tile == nil {
		t.Fatalf("Expected level-1 tile after rebuild (err %v)", err)
	}

	if err := p.UpdateBaseTilesFromFrame(0, 0, frame, frame); err != nil {
		t.Fatal(err)
	}
	if p.Valid() {
		t.Errorf("Expected pyramid invalid after new frame")
	}
	if tile, err := p.GetTile(0, 0, 0); err != nil || tile != nil {
		t.Errorf("Expected stale base image tile to be deleted (tile %v, err %v)", tile, err)
	}
	if tile, err := p.GetTile(1, 0, 0); err != nil || tile != nil {
		t.Errorf("Expected stale level-1 tile to be deleted (tile %v, err %v)", tile, err)
	}
	// The untouched neighbor keeps its materialized tile.
	if tile, err := p.GetTile(0, 1, 0); err != nil || tile == nil {
		t.Errorf("Expected untouched tile (1,0) to survive (err %v)", err)
	}

	if err := p.UpdatePyramid(); err != nil {
		t.Fatal(err)
	}
	tile, err := p.GetTile(0, 0, 0)
	if err != nil || tile == nil {
		t.Fatalf("Expected rebuilt base tile (err %v)", err)
	}
	// Three all-ones contributions still average to one.
	if v := tile.Get(8, 8); !near(v, 1) {
		t.Errorf("Rebuilt tile pixel = %g, expected 1", v)
	}
}

func TestLowOccupancyZeroed(t *testing.T) {
	p := newTestPyramid(t, Config{TileSize: 16, Backend: storage.RawBackend})
	defer p.Close()

	frame := onesFrame(4, 4)
	weights := sparse.ZerosDense(4, 4)
	for i := range weights.Elements {
		weights.Elements[i] = 0.05 // below the occupancy threshold
	}
	if err := p.UpdateBaseTilesFromFrame(0, 0, frame, weights); err != nil {
		t.Fatal(err)
	}
	if err := p.UpdatePyramid(); err != nil {
		t.Fatal(err)
	}
	tile, err := p.GetTile(0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if tile == nil {
		t.Fatal("Expected a materialized tile")
	}
	if v := tile.Get(0, 0); v != 0 {
		t.Errorf("Pixel with negligible occupancy = %g, expected 0", v)
	}
}

func TestDownsample2(t *testing.T) {
	in := sparse.ZerosDense(4, 4)
	for i := range in.Elements {
		in.Elements[i] = float64(i)
	}
	out := downsample2(in)
	if out.Shape[0] != 2 || out.Shape[1] != 2 {
		t.Fatalf("Downsampled shape %v, expected [2 2]", out.Shape)
	}
	// Mean of elements (0,0),(1,0),(0,1),(1,1) laid out row-major in x.
	want := (in.Get(0, 0) + in.Get(1, 0) + in.Get(0, 1) + in.Get(1, 1)) / 4
	if out.Get(0, 0) != want {
		t.Errorf("Downsampled (0,0) = %g, expected %g", out.Get(0, 0), want)
	}

	// A constant array downsamples to the same constant.
	flat := onesFrame(8, 8)
	down := downsample2(flat)
	for i, v := range down.Elements {
		if v != 1 {
			t.Errorf("Downsampled constant element %d = %g, expected 1", i, v)
		}
	}
}

func TestGetOversizeTile(t *testing.T) {
	p := newTestPyramid(t, Config{TileSize: 8, Backend: storage.RawBackend})
	defer p.Close()

	if err := p.UpdateBaseTilesFromFrame(0, 0, onesFrame(8, 8), onesFrame(8, 8)); err != nil {
		t.Fatal(err)
	}
	if err := p.UpdatePyramid(); err != nil {
		t.Fatal(err)
	}

	big, err := p.GetOversizeTile(0, 0, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if big.Shape[0] != 16 || big.Shape[1] != 16 {
		t.Fatalf("Oversize tile shape %v, expected [16 16]", big.Shape)
	}
	if v := big.Get(4, 4); !near(v, 1) {
		t.Errorf("Oversize pixel (4,4) = %g, expected 1", v)
	}
	// Neighbors without tiles are zero-filled.
	if v := big.Get(12, 12); v != 0 {
		t.Errorf("Oversize pixel (12,12) = %g, expected zero fill", v)
	}
}

func TestLoadExisting(t *testing.T) {
	dir := t.TempDir()
	p, err := New(dir, Config{TileSize: 32, X0: 5, Y0: 7, PixelSize: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	frame := onesFrame(32, 32)
	if err := p.UpdateBaseTilesFromFrame(0, 0, frame, frame); err != nil {
		t.Fatal(err)
	}
	if err := p.UpdateBaseTilesFromFrame(32, 32, frame, frame); err != nil {
		t.Fatal(err)
	}
	if err := p.UpdatePyramid(); err != nil {
		t.Fatal(err)
	}
	wantDepth := p.Depth()
	wantX, wantY := p.Extent()
	original, err := p.GetTile(0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SaveMetadata(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}

	p2, err := LoadExisting(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()

	if p2.TileSize() != 32 {
		t.Errorf("Reloaded tile size %d, expected 32", p2.TileSize())
	}
	if p2.Depth() != wantDepth {
		t.Errorf("Reloaded depth %d, expected %d", p2.Depth(), wantDepth)
	}
	if nx, ny := p2.Extent(); nx != wantX || ny != wantY {
		t.Errorf("Reloaded extent (%d,%d), expected (%d,%d)", nx, ny, wantX, wantY)
	}
	if x0, y0 := p2.Origin(); x0 != 5 || y0 != 7 {
		t.Errorf("Reloaded origin (%g,%g), expected (5,7)", x0, y0)
	}
	if p2.PixelSize() != 0.1 {
		t.Errorf("Reloaded pixel size %g, expected 0.1", p2.PixelSize())
	}
	if !p2.Valid() {
		t.Errorf("Expected freshly loaded pyramid to be valid")
	}

	tile, err := p2.GetTile(0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if tile == nil {
		t.Fatal("Base tile lost across reload")
	}
	for i := range tile.Elements {
		if !near(tile.Elements[i], original.Elements[i]) {
			t.Fatalf("Element %d differs after reload: %g vs %g", i, tile.Elements[i], original.Elements[i])
		}
	}
}

func TestLoadExistingMissingMetadata(t *testing.T) {
	if _, err := LoadExisting(t.TempDir()); err == nil {
		t.Errorf("Expected error loading pyramid without metadata")
	}
}

func TestFrameSlices(t *testing.T) {
	frame := rampFrame(8, 8)
	weights := onesFrame(8, 8)

	// A frame at (12, 2) with 16px tiles straddles tiles (0,0) and (1,0).
	fs, ws, ox, oy, ok := FrameSlices(16, 0, 0, 12, 2, frame, weights)
	if !ok {
		t.Fatal("Expected overlap with tile (0,0)")
	}
	if fs.Shape[0] != 4 || fs.Shape[1] != 8 {
		t.Errorf("Slice shape %v, expected [4 8]", fs.Shape)
	}
	if ox != 12 || oy != 2 {
		t.Errorf("Offset (%d,%d), expected (12,2)", ox, oy)
	}
	if ws.Shape[0] != fs.Shape[0] || ws.Shape[1] != fs.Shape[1] {
		t.Errorf("Weight slice shape %v differs from frame slice %v", ws.Shape, fs.Shape)
	}
	if fs.Get(0, 0) != frame.Get(0, 0) {
		t.Errorf("Slice (0,0) = %g, expected frame (0,0) = %g", fs.Get(0, 0), frame.Get(0, 0))
	}

	fs, _, ox, oy, ok = FrameSlices(16, 1, 0, 12, 2, frame, weights)
	if !ok {
		t.Fatal("Expected overlap with tile (1,0)")
	}
	if fs.Shape[0] != 4 || fs.Shape[1] != 8 {
		t.Errorf("Slice shape %v, expected [4 8]", fs.Shape)
	}
	if ox != 0 || oy != 2 {
		t.Errorf("Offset (%d,%d), expected (0,2)", ox, oy)
	}
	if fs.Get(0, 0) != frame.Get(4, 0) {
		t.Errorf("Slice (0,0) = %g, expected frame (4,0) = %g", fs.Get(0, 0), frame.Get(4, 0))
	}

	// No overlap with a distant tile.
	if _, _, _, _, ok := FrameSlices(16, 5, 5, 12, 2, frame, weights); ok {
		t.Errorf("Expected no overlap with tile (5,5)")
	}
}

// Applying per-tile slices must accumulate identically to whole-frame updates.
func TestApplyBaseTileSlicesEquivalence(t *testing.T) {
	frame := rampFrame(8, 8)
	weights := onesFrame(8, 8)
	const ts = 16

	whole := newTestPyramid(t, Config{TileSize: ts, Backend: storage.RawBackend})
	defer whole.Close()
	if err := whole.UpdateBaseTilesFromFrame(12, 2, frame, weights); err != nil {
		t.Fatal(err)
	}
	if err := whole.UpdatePyramid(); err != nil {
		t.Fatal(err)
	}

	sliced := newTestPyramid(t, Config{TileSize: ts, Backend: storage.RawBackend})
	defer sliced.Close()
	for tx := 0; tx <= 1; tx++ {
		fs, ws, ox, oy, ok := FrameSlices(ts, tx, 0, 12, 2, frame, weights)
		if !ok {
			continue
		}
		if err := sliced.ApplyBaseTileSlices(0, tx, 0, ox, oy, fs, ws); err != nil {
			t.Fatal(err)
		}
	}
	if err := sliced.UpdatePyramid(); err != nil {
		t.Fatal(err)
	}

	for tx := 0; tx <= 1; tx++ {
		a, err := whole.GetTile(0, tx, 0)
		if err != nil {
			t.Fatal(err)
		}
		b, err := sliced.GetTile(0, tx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if (a == nil) != (b == nil) {
			t.Fatalf("Tile (%d,0) presence differs between paths", tx)
		}
		if a == nil {
			continue
		}
		for i := range a.Elements {
			if !near(a.Elements[i], b.Elements[i]) {
				t.Fatalf("Tile (%d,0) element %d differs: %g vs %g", tx, i, a.Elements[i], b.Elements[i])
			}
		}
	}
}

func TestApplyBaseTileSlicesBounds(t *testing.T) {
	p := newTestPyramid(t, Config{TileSize: 16})
	defer p.Close()

	slice := onesFrame(8, 8)
	if err := p.ApplyBaseTileSlices(0, 0, 0, 12, 0, slice, slice); err == nil {
		t.Errorf("Expected error for slice exceeding tile bounds")
	}
	if err := p.ApplyBaseTileSlices(0, 0, 0, 0, 0, slice, onesFrame(8, 4)); err == nil {
		t.Errorf("Expected error for mismatched slice shapes")
	}
}
