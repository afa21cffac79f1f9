package distributed

import (
	"fmt"

	"github.com/ctessum/sparse"
)

// TileUpdate is the JSON body of a distributed PUT request: one frame's
// contribution to one tile, pre-cropped by the sender.  Offset locates the
// slices within the destination tile.
type TileUpdate struct {
	FrameShape   []int     `json:"frame_shape"`
	FrameData    []float64 `json:"frame_data"`
	WeightsShape []int     `json:"weights_shape"`
	WeightsData  []float64 `json:"weights_data"`
	Coords       [2]int    `json:"coords"`
	Offset       [2]int    `json:"offset"`
}

// NewTileUpdate builds the wire payload for tile (tx, ty) from cropped
// frame and weight slices applying at tile-relative (offsetX, offsetY).
func NewTileUpdate(tx, ty, offsetX, offsetY int, frameSlice, weightsSlice *sparse.DenseArray) TileUpdate {
	return TileUpdate{
		FrameShape:   append([]int(nil), frameSlice.Shape...),
		FrameData:    append([]float64(nil), frameSlice.Elements...),
		WeightsShape: append([]int(nil), weightsSlice.Shape...),
		WeightsData:  append([]float64(nil), weightsSlice.Elements...),
		Coords:       [2]int{tx, ty},
		Offset:       [2]int{offsetX, offsetY},
	}
}

func arrayFrom(shape []int, data []float64, what string) (*sparse.DenseArray, error) {
	if len(shape) != 2 {
		return nil, fmt.Errorf("%s shape must be 2d, got %v", what, shape)
	}
	if shape[0] <= 0 || shape[1] <= 0 || shape[0]*shape[1] != len(data) {
		return nil, fmt.Errorf("%s shape %v does not match %d data elements", what, shape, len(data))
	}
	a := sparse.ZerosDense(shape[0], shape[1])
	copy(a.Elements, data)
	return a, nil
}

// FrameArray reconstructs the frame slice, validating its shape.
func (u TileUpdate) FrameArray() (*sparse.DenseArray, error) {
	return arrayFrom(u.FrameShape, u.FrameData, "frame")
}

// WeightsArray reconstructs the weights slice, validating its shape.
func (u TileUpdate) WeightsArray() (*sparse.DenseArray, error) {
	return arrayFrom(u.WeightsShape, u.WeightsData, "weights")
}
