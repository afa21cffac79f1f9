package pyramid

import (
	"fmt"

	"github.com/ctessum/sparse"
)

// FrameSlices crops the portions of frame and weights that fall within tile
// (tx, ty) of the given tile size, for a frame whose origin is (fx, fy) in
// pixels.  It returns the slices plus the tile-relative offset at which they
// apply.  ok is false when the overlap is empty.
func FrameSlices(tileSize, tx, ty, fx, fy int, frame, weights *sparse.DenseArray) (frameSlice, weightsSlice *sparse.DenseArray, offsetX, offsetY int, ok bool) {
	frameSizeX, frameSizeY := frame.Shape[0], frame.Shape[1]

	xs := max(tx*tileSize-fx, 0)
	xe := min((tx+1)*tileSize-fx, frameSizeX)
	ys := max(ty*tileSize-fy, 0)
	ye := min((ty+1)*tileSize-fy, frameSizeY)
	if xe <= xs || ye <= ys {
		return nil, nil, 0, 0, false
	}
	offsetX = max(fx-tx*tileSize, 0)
	offsetY = max(fy-ty*tileSize, 0)

	frameSlice = sparse.ZerosDense(xe-xs, ye-ys)
	weightsSlice = sparse.ZerosDense(xe-xs, ye-ys)
	for i := 0; i < xe-xs; i++ {
		for j := 0; j < ye-ys; j++ {
			frameSlice.Set(frame.Get(xs+i, ys+j), i, j)
			weightsSlice.Set(weights.Get(xs+i, ys+j), i, j)
		}
	}
	return frameSlice, weightsSlice, offsetX, offsetY, true
}

// ApplyBaseTileSlices adds pre-cropped frame and weight slices to the acc/occ
// pair of one tile at the given tile-relative offset, then invalidates the
// tile's materialized ancestors.  This is the receiving half of the
// distributed update path; accumulation is commutative so arrival order
// between frames does not matter.
func (p *ImagePyramid) ApplyBaseTileSlices(layer, tx, ty, offsetX, offsetY int, frameSlice, weightsSlice *sparse.DenseArray) error {
	if frameSlice.Shape[0] != weightsSlice.Shape[0] || frameSlice.Shape[1] != weightsSlice.Shape[1] {
		return fmt.Errorf("frame slice shape %v does not match weights slice shape %v",
			frameSlice.Shape, weightsSlice.Shape)
	}
	ts := p.tileSize
	if offsetX < 0 || offsetY < 0 || offsetX+frameSlice.Shape[0] > ts || offsetY+frameSlice.Shape[1] > ts {
		return fmt.Errorf("slice of shape %v at offset (%d,%d) exceeds %dpx tile",
			frameSlice.Shape, offsetX, offsetY, ts)
	}

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
	for i := 0; i < frameSlice.Shape[0]; i++ {
		for j := 0; j < frameSlice.Shape[1]; j++ {
			acc.AddVal(frameSlice.Get(i, j), offsetX+i, offsetY+j)
			occ.AddVal(weightsSlice.Get(i, j), offsetX+i, offsetY+j)
		}
	}
	if err := p.acc.SaveTile(layer, tx, ty, acc); err != nil {
		return err
	}
	if err := p.occ.SaveTile(layer, tx, ty, occ); err != nil {
		return err
	}
	p.pyramidValid = false
	return p.cleanTiles(tx, ty)
}
