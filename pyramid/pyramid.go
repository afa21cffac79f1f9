/*
Package pyramid builds and maintains multi-resolution image pyramids from
overlapping, irregularly-positioned camera frames.  Frame contributions are
accumulated into fixed-size tiles as a running weighted average (accumulator
plus occupancy); the materialized image tiles and all coarser levels are
derived data that can always be recomputed from the base accumulators.
*/
package pyramid

import (
	"errors"
	"fmt"
	"os"

	"github.com/ctessum/sparse"

	"github.com/microstitch/supertile/storage"
	"github.com/microstitch/supertile/supertile"
)

// DefaultTileSize is the tile edge length in pixels for new pyramids.
const DefaultTileSize = 256

// occThreshold is the occupancy below which a pixel is considered to have
// received no meaningful contribution.  Dividing the accumulator by a
// near-zero occupancy would only amplify noise, so those pixels are zeroed.
const occThreshold = 0.1

// occEpsilon guards the division even above the threshold.
const occEpsilon = 1e-9

// ErrNegativeOrigin is returned when a frame's base tile origin is negative.
var ErrNegativeOrigin = errors.New("base tile origin positions must be >= 0")

// Config holds the parameters for creating or reloading an ImagePyramid.
// The zero value gives a new empty pyramid with default tile size and backend.
type Config struct {
	TileSize  int
	NTilesX   int
	NTilesY   int
	Depth     int
	X0        float64
	Y0        float64
	PixelSize float64
	Backend   storage.Backend

	// Metadata seeds the pyramid's metadata document, e.g. with camera
	// calibration entries that should ride along with the tiles.
	Metadata supertile.Metadata
}

// ImagePyramid owns three parallel tile stores per layer: the accumulator
// (weighted intensity sums), the occupancy (weight sums), and the
// materialized image tiles derived from them.
type ImagePyramid struct {
	dir      string
	tileSize int
	backend  storage.Backend

	md supertile.Metadata

	nTilesX, nTilesY int
	depth            int
	x0, y0           float64
	pixelSize        float64

	// pyramidValid is false whenever base data has been ingested since the
	// last full rebuild.  Levels above 0 are stale until UpdatePyramid runs.
	pyramidValid bool

	imgs storage.TileStore
	acc  storage.TileStore
	occ  storage.TileStore
}

// New creates a pyramid rooted at dir, or opens the tile stores of an
// existing one when the Config carries reloaded metadata.
func New(dir string, c Config) (*ImagePyramid, error) {
	if c.TileSize <= 0 {
		c.TileSize = DefaultTileSize
	}
	if c.PixelSize == 0 {
		c.PixelSize = 1
	}
	if c.Backend == storage.UnknownBackend {
		c.Backend = storage.DefaultBackend
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	md := supertile.NewMetadata(c.Metadata)
	md.Set("Pyramid.TileSize", c.TileSize)
	md.Set("Pyramid.x0", c.X0)
	md.Set("Pyramid.y0", c.Y0)
	md.Set("Pyramid.PixelSize", c.PixelSize)
	md.Set("Pyramid.Backend", c.Backend.Extension())

	p := &ImagePyramid{
		dir:       dir,
		tileSize:  c.TileSize,
		backend:   c.Backend,
		md:        md,
		nTilesX:   c.NTilesX,
		nTilesY:   c.NTilesY,
		depth:     c.Depth,
		x0:        c.X0,
		y0:        c.Y0,
		pixelSize: c.PixelSize,
	}

	var err error
	if p.imgs, err = storage.NewTileStore(c.Backend, dir, "img"); err != nil {
		return nil, err
	}
	if p.acc, err = storage.NewTileStore(c.Backend, dir, "acc"); err != nil {
		p.imgs.Close()
		return nil, err
	}
	if p.occ, err = storage.NewTileStore(c.Backend, dir, "occ"); err != nil {
		p.imgs.Close()
		p.acc.Close()
		return nil, err
	}
	return p, nil
}

// LoadExisting reopens a pyramid from its directory, reading metadata.json
// and inferring the storage backend if the metadata doesn't name one.
func LoadExisting(dir string) (*ImagePyramid, error) {
	md, err := supertile.LoadMetadata(dir)
	if err != nil {
		return nil, err
	}

	var c Config
	if c.TileSize, err = md.GetInt("Pyramid.TileSize"); err != nil {
		return nil, err
	}
	if c.NTilesX, err = md.GetInt("Pyramid.NTilesX"); err != nil {
		return nil, err
	}
	if c.NTilesY, err = md.GetInt("Pyramid.NTilesY"); err != nil {
		return nil, err
	}
	if c.Depth, err = md.GetInt("Pyramid.Depth"); err != nil {
		return nil, err
	}
	if c.X0, err = md.GetFloat("Pyramid.x0"); err != nil {
		return nil, err
	}
	if c.Y0, err = md.GetFloat("Pyramid.y0"); err != nil {
		return nil, err
	}
	if c.PixelSize, err = md.GetFloat("Pyramid.PixelSize"); err != nil {
		return nil, err
	}
	if ext := md.GetStringOrDefault("Pyramid.Backend", ""); ext != "" {
		if c.Backend, err = storage.ParseBackend(ext); err != nil {
			return nil, err
		}
	} else if c.Backend, err = storage.InferBackend(dir); err != nil {
		return nil, err
	}
	c.Metadata = md

	p, err := New(dir, c)
	if err != nil {
		return nil, err
	}
	// A freshly loaded pyramid reflects its last full rebuild.
	p.pyramidValid = true
	return p, nil
}

// TileSize returns the tile edge length in pixels.
func (p *ImagePyramid) TileSize() int { return p.tileSize }

// Depth returns the number of levels above the base.
func (p *ImagePyramid) Depth() int { return p.depth }

// Extent returns the level-0 size in tile units.
func (p *ImagePyramid) Extent() (nTilesX, nTilesY int) { return p.nTilesX, p.nTilesY }

// Origin returns the pyramid origin in physical units.
func (p *ImagePyramid) Origin() (x0, y0 float64) { return p.x0, p.y0 }

// PixelSize returns the physical size of one pixel.
func (p *ImagePyramid) PixelSize() float64 { return p.pixelSize }

// Valid reports whether levels above 0 reflect all ingested base data.
func (p *ImagePyramid) Valid() bool { return p.pyramidValid }

// Dir returns the pyramid's root directory.
func (p *ImagePyramid) Dir() string { return p.dir }

// GrowExtent widens the level-0 extent counters to cover tile (tx, ty).
func (p *ImagePyramid) GrowExtent(tx, ty int) {
	if tx > p.nTilesX {
		p.nTilesX = tx
	}
	if ty > p.nTilesY {
		p.nTilesY = ty
	}
}

// Invalidate marks levels above 0 as stale until the next UpdatePyramid.
func (p *ImagePyramid) Invalidate() {
	p.pyramidValid = false
}

// GetTile returns the materialized image tile at (layer, x, y), or nil if
// no tile exists there.
func (p *ImagePyramid) GetTile(layer, x, y int) (*sparse.DenseArray, error) {
	return p.imgs.GetTile(layer, x, y)
}

// LayerTileCoords returns the coordinates of materialized tiles in a layer.
func (p *ImagePyramid) LayerTileCoords(layer int) ([]storage.TileCoord, error) {
	return p.imgs.LayerTileCoords(layer)
}

// GetOversizeTile assembles a span x span block of adjacent tiles into one
// array, for algorithms needing context across tile boundaries.  Missing
// neighbors are zero-filled.
func (p *ImagePyramid) GetOversizeTile(layer, x, y, span int) (*sparse.DenseArray, error) {
	ts := p.tileSize
	tile := sparse.ZerosDense(ts*span, ts*span)
	for i := 0; i < span; i++ {
		for j := 0; j < span; j++ {
			subtile, err := p.GetTile(layer, x+i, y+j)
			if err != nil {
				return nil, err
			}
			if subtile == nil {
				continue
			}
			for si := 0; si < ts; si++ {
				for sj := 0; sj < ts; sj++ {
					tile.Set(subtile.Get(si, sj), i*ts+si, j*ts+sj)
				}
			}
		}
	}
	return tile, nil
}

// UpdateBaseTilesFromFrame adds one frame's weighted contribution to every
// level-0 tile its bounding box overlaps.  The frame origin (x, y) is in
// pixels relative to the pyramid origin and must be non-negative.  Ingesting
// a frame invalidates the pyramid until the next UpdatePyramid.
func (p *ImagePyramid) UpdateBaseTilesFromFrame(x, y int, frame, weights *sparse.DenseArray) error {
	if x < 0 || y < 0 {
		return ErrNegativeOrigin
	}
	if len(frame.Shape) != 2 || len(weights.Shape) != 2 {
		return fmt.Errorf("frame and weights must be 2d, got shapes %v and %v", frame.Shape, weights.Shape)
	}
	if frame.Shape[0] != weights.Shape[0] || frame.Shape[1] != weights.Shape[1] {
		return fmt.Errorf("frame shape %v does not match weights shape %v", frame.Shape, weights.Shape)
	}
	frameSizeX, frameSizeY := frame.Shape[0], frame.Shape[1]

	txStart := x / p.tileSize
	txEnd := (x + frameSizeX) / p.tileSize
	tyStart := y / p.tileSize
	tyEnd := (y + frameSizeY) / p.tileSize

	if txEnd > p.nTilesX {
		p.nTilesX = txEnd
	}
	if tyEnd > p.nTilesY {
		p.nTilesY = tyEnd
	}

	for tx := txStart; tx <= txEnd; tx++ {
		for ty := tyStart; ty <= tyEnd; ty++ {
			if err := p.updateBaseTile(0, tx, ty, x, y, frame, weights); err != nil {
				return err
			}
		}
	}
	p.pyramidValid = false
	return nil
}

// updateBaseTile accumulates the frame slice overlapping tile (tx, ty) into
// that tile's acc/occ pair, then invalidates the materialized ancestors.
// (fx, fy) is the frame origin in pixels.
func (p *ImagePyramid) updateBaseTile(layer, tx, ty, fx, fy int, frame, weights *sparse.DenseArray) error {
	ts := p.tileSize
	frameSizeX, frameSizeY := frame.Shape[0], frame.Shape[1]

	// Frame-relative slice bounds and their tile-relative destinations.
	xs := max(tx*ts-fx, 0)
	xe := min((tx+1)*ts-fx, frameSizeX)
	ys := max(ty*ts-fy, 0)
	ye := min((ty+1)*ts-fy, frameSizeY)
	if xe <= xs || ye <= ys {
		// Frame boundary happened to align with a tile boundary.
		return nil
	}
	xst := max(fx-tx*ts, 0)
	yst := max(fy-ty*ts, 0)

	acc, err := p.acc.GetTile(layer, tx, ty)
	if err != nil {
		return err
	}
	occ, err := p.occ.GetTile(layer, tx, ty)
	if err != nil {
		return err
	}
	if acc == nil || occ == nil {
		acc = sparse.ZerosDense(ts, ts)
		occ = sparse.ZerosDense(ts, ts)
	}

	for i := 0; i < xe-xs; i++ {
		for j := 0; j < ye-ys; j++ {
			acc.AddVal(frame.Get(xs+i, ys+j), xst+i, yst+j)
			occ.AddVal(weights.Get(xs+i, ys+j), xst+i, yst+j)
		}
	}
	if err := p.acc.SaveTile(layer, tx, ty, acc); err != nil {
		return err
	}
	if err := p.occ.SaveTile(layer, tx, ty, occ); err != nil {
		return err
	}
	return p.cleanTiles(tx, ty)
}

// cleanTiles deletes the materialized tile at (0, x, y) and walks its
// ancestor chain upward, deleting until a level where no tile exists.
// This guarantees stale coarser tiles are never read as valid.
func (p *ImagePyramid) cleanTiles(x, y int) error {
	level := 0
	for {
		exists, err := p.imgs.TileExists(level, x, y)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		if err := p.imgs.DeleteTile(level, x, y); err != nil {
			return err
		}
		level++
		x /= 2
		y /= 2
	}
}

// rebuildBase materializes level-0 image tiles from the accumulator and
// occupancy stores wherever the image tile is missing.
func (p *ImagePyramid) rebuildBase() error {
	coords, err := p.occ.LayerTileCoords(0)
	if err != nil {
		return err
	}
	for _, c := range coords {
		exists, err := p.imgs.TileExists(0, c.X, c.Y)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		occ, err := p.occ.GetTile(0, c.X, c.Y)
		if err != nil {
			return err
		}
		acc, err := p.acc.GetTile(0, c.X, c.Y)
		if err != nil {
			return err
		}
		if occ == nil || acc == nil {
			continue
		}
		tile := sparse.ZerosDense(occ.Shape[0], occ.Shape[1])
		for i, o := range occ.Elements {
			if o > occThreshold {
				tile.Elements[i] = acc.Elements[i] / (o + occEpsilon)
			}
		}
		if err := p.imgs.SaveTile(0, c.X, c.Y, tile); err != nil {
			return err
		}
	}
	return nil
}

// makeLayer materializes level inputLevel+1 from level inputLevel.  Each
// coarse tile combines up to four finer tiles, each downsampled by two, into
// its quadrants; missing quadrants stay zero.  Coarse tiles that already
// exist are left alone.  Returns the number of distinct coarse coordinates.
func (p *ImagePyramid) makeLayer(inputLevel int) (int, error) {
	newLayer := inputLevel + 1
	supertile.Debugf("Making layer %d\n", newLayer)

	coords, err := p.imgs.LayerTileCoords(inputLevel)
	if err != nil {
		return 0, err
	}
	coarse := make(map[storage.TileCoord]struct{})
	for _, c := range coords {
		coarse[storage.TileCoord{X: c.X / 2, Y: c.Y / 2}] = struct{}{}
	}

	ts := p.tileSize
	qsize := ts / 2
	for c := range coarse {
		exists, err := p.imgs.TileExists(newLayer, c.X, c.Y)
		if err != nil {
			return 0, err
		}
		if exists {
			continue
		}
		tile := sparse.ZerosDense(ts, ts)
		for dx := 0; dx < 2; dx++ {
			for dy := 0; dy < 2; dy++ {
				child, err := p.GetTile(inputLevel, 2*c.X+dx, 2*c.Y+dy)
				if err != nil {
					return 0, err
				}
				if child == nil {
					continue
				}
				placeQuadrant(tile, downsample2(child), dx*qsize, dy*qsize)
			}
		}
		if err := p.imgs.SaveTile(newLayer, c.X, c.Y, tile); err != nil {
			return 0, err
		}
	}
	return len(coarse), nil
}

// downsample2 halves a 2d array by area-preserving interpolation: each output
// pixel is the mean of the 2x2 input block it covers.
func downsample2(in *sparse.DenseArray) *sparse.DenseArray {
	nx, ny := in.Shape[0]/2, in.Shape[1]/2
	out := sparse.ZerosDense(nx, ny)
	for i := 0; i < nx; i++ {
		for j := 0; j < ny; j++ {
			sum := in.Get(2*i, 2*j) + in.Get(2*i+1, 2*j) + in.Get(2*i, 2*j+1) + in.Get(2*i+1, 2*j+1)
			out.Set(sum/4, i, j)
		}
	}
	return out
}

// placeQuadrant copies src into dst with its corner at (ox, oy).
func placeQuadrant(dst, src *sparse.DenseArray, ox, oy int) {
	for i := 0; i < src.Shape[0]; i++ {
		for j := 0; j < src.Shape[1]; j++ {
			dst.Set(src.Get(i, j), ox+i, oy+j)
		}
	}
}

// UpdatePyramid rebuilds the materialized base from acc/occ and then builds
// coarser levels until one produces at most a single tile.  On completion
// the pyramid is valid and all stores are flushed.
func (p *ImagePyramid) UpdatePyramid() error {
	timelog := supertile.NewTimeLog()
	if err := p.rebuildBase(); err != nil {
		return err
	}
	// Build successively coarser levels until one fits in a single tile.
	// Depth ends up as the highest level holding any tile.
	inputLevel := 0
	for {
		n, err := p.makeLayer(inputLevel)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		inputLevel++
		if n <= 1 {
			break
		}
	}
	p.depth = inputLevel
	p.pyramidValid = true
	if err := p.Flush(); err != nil {
		return err
	}
	timelog.Infof("Updated pyramid to depth %d", p.depth)
	return nil
}

// Metadata returns the pyramid's metadata document including the mutable
// depth and extent fields.
func (p *ImagePyramid) Metadata() supertile.Metadata {
	md := supertile.NewMetadata(p.md)
	md.Set("Pyramid.Depth", p.depth)
	md.Set("Pyramid.NTilesX", p.nTilesX)
	md.Set("Pyramid.NTilesY", p.nTilesY)
	md.Set("Pyramid.PixelsX", p.nTilesX*p.tileSize)
	md.Set("Pyramid.PixelsY", p.nTilesY*p.tileSize)
	return md
}

// SaveMetadata persists the metadata document to the pyramid directory.
func (p *ImagePyramid) SaveMetadata() error {
	return p.Metadata().WriteFile(p.dir)
}

// Flush persists pending writes in all three tile stores.
func (p *ImagePyramid) Flush() error {
	if err := p.imgs.Flush(); err != nil {
		return err
	}
	if err := p.acc.Flush(); err != nil {
		return err
	}
	return p.occ.Flush()
}

// Close flushes and closes all three tile stores.
func (p *ImagePyramid) Close() error {
	errImgs := p.imgs.Close()
	errAcc := p.acc.Close()
	errOcc := p.occ.Close()
	if errImgs != nil {
		return errImgs
	}
	if errAcc != nil {
		return errAcc
	}
	return errOcc
}
