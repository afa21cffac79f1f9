package distributed

import (
	"encoding/json"
	"testing"

	"github.com/ctessum/sparse"
)

func sliceOf(nx, ny int, value float64) *sparse.DenseArray {
	a := sparse.ZerosDense(nx, ny)
	for i := range a.Elements {
		a.Elements[i] = value
	}
	return a
}

func TestTileUpdateRoundTrip(t *testing.T) {
	update := NewTileUpdate(3, 4, 10, 20, sliceOf(2, 3, 1.5), sliceOf(2, 3, 1))

	b, err := json.Marshal(update)
	if err != nil {
		t.Fatal(err)
	}
	var returned TileUpdate
	if err := json.Unmarshal(b, &returned); err != nil {
		t.Fatal(err)
	}

	if returned.Coords != [2]int{3, 4} {
		t.Errorf("Coords %v, expected [3 4]", returned.Coords)
	}
	if returned.Offset != [2]int{10, 20} {
		t.Errorf("Offset %v, expected [10 20]", returned.Offset)
	}
	frame, err := returned.FrameArray()
	if err != nil {
		t.Fatal(err)
	}
	if frame.Shape[0] != 2 || frame.Shape[1] != 3 {
		t.Errorf("Frame shape %v, expected [2 3]", frame.Shape)
	}
	if frame.Get(1, 2) != 1.5 {
		t.Errorf("Frame element = %g, expected 1.5", frame.Get(1, 2))
	}
	weights, err := returned.WeightsArray()
	if err != nil {
		t.Fatal(err)
	}
	if weights.Get(0, 0) != 1 {
		t.Errorf("Weights element = %g, expected 1", weights.Get(0, 0))
	}
}

func TestTileUpdateValidation(t *testing.T) {
	bad := TileUpdate{FrameShape: []int{2, 3}, FrameData: make([]float64, 5)}
	if _, err := bad.FrameArray(); err == nil {
		t.Errorf("Expected error for element count not matching shape")
	}

	bad = TileUpdate{FrameShape: []int{6}, FrameData: make([]float64, 6)}
	if _, err := bad.FrameArray(); err == nil {
		t.Errorf("Expected error for non-2d shape")
	}

	bad = TileUpdate{WeightsShape: []int{0, 3}, WeightsData: nil}
	if _, err := bad.WeightsArray(); err == nil {
		t.Errorf("Expected error for empty dimension")
	}
}

// The payload copies its inputs, so mutating the source arrays afterward
// must not change what goes on the wire.
func TestTileUpdateCopies(t *testing.T) {
	frame := sliceOf(2, 2, 1)
	update := NewTileUpdate(0, 0, 0, 0, frame, frame)
	frame.Elements[0] = 99
	if update.FrameData[0] != 1 {
		t.Errorf("Payload frame data aliased the source array")
	}
}
