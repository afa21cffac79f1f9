package pyramid

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/sparse"

	"github.com/microstitch/supertile/storage"
	"github.com/microstitch/supertile/supertile"
)

func TestPositionsFromEvents(t *testing.T) {
	md := supertile.Metadata{
		"StartTime":        100.0,
		"Camera.CycleTime": 1.0,
		"Positioning.x":    2.0,
		"Positioning.y":    3.0,
	}
	// Events arrive out of order; the mapping must sort them.
	events := []AcquisitionEvent{
		{Time: 103.5, Name: EventScannerXPos, Value: 20},
		{Time: 101.5, Name: EventScannerXPos, Value: 10},
		{Time: 102.5, Name: EventScannerYPos, Value: 30},
		{Time: 101.0, Name: "ProtocolFocus", Value: 99},
	}

	xm, ym, err := PositionsFromEvents(events, md)
	if err != nil {
		t.Fatal(err)
	}

	// Frame i is exposed at time 100 + i.
	cases := []struct {
		frame int
		x, y  float64
	}{
		{0, 2, 3},   // before any move event
		{1, 2, 3},   // t=101, x event at 101.5 not yet in effect
		{2, 10, 3},  // t=102
		{3, 10, 30}, // t=103
		{4, 20, 30}, // t=104
	}
	for _, c := range cases {
		if got := xm(c.frame); got != c.x {
			t.Errorf("Frame %d x = %g, expected %g", c.frame, got, c.x)
		}
		if got := ym(c.frame); got != c.y {
			t.Errorf("Frame %d y = %g, expected %g", c.frame, got, c.y)
		}
	}

	if _, _, err := PositionsFromEvents(events, supertile.Metadata{}); err == nil {
		t.Errorf("Expected error without StartTime metadata")
	}
}

func TestFrameFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FramesFilename)
	frames := []*sparse.DenseArray{
		constFrame(4, 6, 1.5),
		constFrame(4, 6, 2.5),
	}
	if err := WriteFrameFile(path, frames); err != nil {
		t.Fatal(err)
	}

	src, err := OpenFrameFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if n := src.FrameCount(); n != 2 {
		t.Errorf("Frame count %d, expected 2", n)
	}
	if nx, ny := src.FrameShape(); nx != 4 || ny != 6 {
		t.Errorf("Frame shape (%d,%d), expected (4,6)", nx, ny)
	}
	for i := range frames {
		frame, err := src.Frame(i)
		if err != nil {
			t.Fatal(err)
		}
		for k, v := range frame.Elements {
			if v != frames[i].Elements[k] {
				t.Fatalf("Frame %d element %d = %g, expected %g", i, k, v, frames[i].Elements[k])
			}
		}
	}
	if _, err := src.Frame(2); err == nil {
		t.Errorf("Expected error reading out-of-range frame")
	}
	if _, err := src.Frame(-1); err == nil {
		t.Errorf("Expected error reading negative frame index")
	}
}

func TestOpenFrameFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.dat")
	if err := os.WriteFile(path, []byte("not a frame stack at all"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFrameFile(path); err == nil {
		t.Errorf("Expected error opening file without frame magic")
	}
}

func TestWriteFrameFileValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), FramesFilename)
	if err := WriteFrameFile(path, nil); err == nil {
		t.Errorf("Expected error writing empty frame stack")
	}
	mixed := []*sparse.DenseArray{constFrame(4, 4, 1), constFrame(8, 8, 1)}
	if err := WriteFrameFile(path, mixed); err == nil {
		t.Errorf("Expected error writing mixed-shape frames")
	}
}

func TestBuildFromDataset(t *testing.T) {
	datasetDir := t.TempDir()

	md := supertile.Metadata{
		"StartTime":         0.0,
		"Camera.CycleTime":  1.0,
		"Camera.VoxelSizeX": 1.0,
		"Camera.VoxelSizeY": 1.0,
		"Positioning.x":     0.0,
		"Positioning.y":     0.0,
	}
	if err := md.WriteFile(datasetDir); err != nil {
		t.Fatal(err)
	}

	// The stage moves to x=8 between frames 1 and 2.
	events := []AcquisitionEvent{{Time: 1.5, Name: EventScannerXPos, Value: 8}}
	b, err := json.Marshal(events)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(datasetDir, EventsFilename), b, 0644); err != nil {
		t.Fatal(err)
	}

	frames := []*sparse.DenseArray{
		constFrame(8, 8, 5),
		constFrame(8, 8, 5),
		constFrame(8, 8, 5),
		constFrame(8, 8, 5),
	}
	if err := WriteFrameFile(filepath.Join(datasetDir, FramesFilename), frames); err != nil {
		t.Fatal(err)
	}

	p, err := BuildFromDataset(datasetDir, t.TempDir(),
		BuildOptions{TileSize: 16, Backend: storage.RawBackend})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	tile, err := p.GetTile(0, 0, 0)
	if err != nil || tile == nil {
		t.Fatalf("Missing base tile (err %v)", err)
	}
	// Frames at x=0 cover pixels 0-7, the moved frames extend to pixel 15.
	if v := tile.Get(4, 4); !near(v, 5) {
		t.Errorf("Pixel from stationary frames = %g, expected 5", v)
	}
	if v := tile.Get(12, 4); !near(v, 5) {
		t.Errorf("Pixel from moved frames = %g, expected 5", v)
	}

	if _, err := BuildFromDataset(t.TempDir(), t.TempDir(), BuildOptions{}); err == nil {
		t.Errorf("Expected error building from an empty dataset directory")
	}
}
