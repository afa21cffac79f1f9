package pyramid

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/ctessum/sparse"

	"github.com/microstitch/supertile/supertile"
)

// AcquisitionEvent is one recorded event from an acquisition, e.g. a stage
// position notification.
type AcquisitionEvent struct {
	Time  float64 `json:"time"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Event names recorded by the acquisition software for stage moves.
const (
	EventScannerXPos = "ScannerXPos"
	EventScannerYPos = "ScannerYPos"
)

// piecewiseMap evaluates a step function defined by timestamped events:
// the value at time t is that of the latest event at or before t.
type piecewiseMap struct {
	times  []float64
	values []float64
	init   float64
}

func newPiecewiseMap(events []AcquisitionEvent, name string, initial float64) *piecewiseMap {
	pm := &piecewiseMap{init: initial}
	for _, ev := range events {
		if ev.Name != name {
			continue
		}
		pm.times = append(pm.times, ev.Time)
		pm.values = append(pm.values, ev.Value)
	}
	sort.Sort(byTime{pm})
	return pm
}

type byTime struct{ pm *piecewiseMap }

func (s byTime) Len() int           { return len(s.pm.times) }
func (s byTime) Less(i, j int) bool { return s.pm.times[i] < s.pm.times[j] }
func (s byTime) Swap(i, j int) {
	s.pm.times[i], s.pm.times[j] = s.pm.times[j], s.pm.times[i]
	s.pm.values[i], s.pm.values[j] = s.pm.values[j], s.pm.values[i]
}

func (pm *piecewiseMap) valueAt(t float64) float64 {
	// First index with time > t; the event before it is in effect.
	idx := sort.SearchFloat64s(pm.times, math.Nextafter(t, math.Inf(1)))
	if idx == 0 {
		return pm.init
	}
	return pm.values[idx-1]
}

// PositionsFromEvents derives per-frame stage position mappings from
// recorded acquisition events, using the metadata start time and camera
// cycle time to place each frame on the event timeline.
func PositionsFromEvents(events []AcquisitionEvent, md supertile.Metadata) (xm, ym PositionMap, err error) {
	startTime, err := md.GetFloat("StartTime")
	if err != nil {
		return nil, nil, err
	}
	cycleTime := md.GetFloatOrDefault("Camera.CycleTime", 1)
	x0 := md.GetFloatOrDefault("Positioning.x", 0)
	y0 := md.GetFloatOrDefault("Positioning.y", 0)

	xpm := newPiecewiseMap(events, EventScannerXPos, x0)
	ypm := newPiecewiseMap(events, EventScannerYPos, y0)

	frameTime := func(i int) float64 { return startTime + float64(i)*cycleTime }
	xm = func(i int) float64 { return xpm.valueAt(frameTime(i)) }
	ym = func(i int) float64 { return ypm.valueAt(frameTime(i)) }
	return xm, ym, nil
}

// Acquisition dataset layout: a directory holding metadata.json, events.json
// (an array of AcquisitionEvents), and frames.dat with all camera frames.

// EventsFilename holds the recorded acquisition events in a dataset.
const EventsFilename = "events.json"

// FramesFilename holds the raw frame stack in a dataset.
const FramesFilename = "frames.dat"

// frames.dat layout: magic, uint32 nx, ny, nframes, then float32
// little-endian frames back to back.
var framesMagic = [4]byte{'S', 'T', 'F', 'R'}

const framesHeaderSize = 16

// FileFrameSource reads frames lazily from a frames.dat stack.
type FileFrameSource struct {
	f       *os.File
	nx, ny  int
	nframes int
}

// OpenFrameFile opens a frames.dat stack for reading.
func OpenFrameFile(path string) (*FileFrameSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var header [framesHeaderSize]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to read frame stack header: %v", err)
	}
	if header[0] != framesMagic[0] || header[1] != framesMagic[1] ||
		header[2] != framesMagic[2] || header[3] != framesMagic[3] {
		f.Close()
		return nil, fmt.Errorf("%s is not a frame stack: bad magic %q", path, header[0:4])
	}
	return &FileFrameSource{
		f:       f,
		nx:      int(binary.LittleEndian.Uint32(header[4:8])),
		ny:      int(binary.LittleEndian.Uint32(header[8:12])),
		nframes: int(binary.LittleEndian.Uint32(header[12:16])),
	}, nil
}

func (s *FileFrameSource) FrameCount() int          { return s.nframes }
func (s *FileFrameSource) FrameShape() (nx, ny int) { return s.nx, s.ny }

func (s *FileFrameSource) Frame(i int) (*sparse.DenseArray, error) {
	if i < 0 || i >= s.nframes {
		return nil, fmt.Errorf("frame index %d out of range [0,%d)", i, s.nframes)
	}
	frameBytes := 4 * s.nx * s.ny
	buf := make([]byte, frameBytes)
	off := int64(framesHeaderSize) + int64(i)*int64(frameBytes)
	if _, err := s.f.ReadAt(buf, off); err != nil {
		return nil, err
	}
	frame := sparse.ZerosDense(s.nx, s.ny)
	for k := range frame.Elements {
		frame.Elements[k] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*k:])))
	}
	return frame, nil
}

// Close releases the underlying frame file.
func (s *FileFrameSource) Close() error { return s.f.Close() }

// WriteFrameFile writes a frame stack in frames.dat layout.  All frames
// must share the same 2d shape.
func WriteFrameFile(path string, frames []*sparse.DenseArray) error {
	if len(frames) == 0 {
		return fmt.Errorf("can't write empty frame stack")
	}
	nx, ny := frames[0].Shape[0], frames[0].Shape[1]
	buf := make([]byte, framesHeaderSize+4*nx*ny*len(frames))
	copy(buf[0:4], framesMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], uint32(nx))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(ny))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(frames)))
	off := framesHeaderSize
	for i, frame := range frames {
		if frame.Shape[0] != nx || frame.Shape[1] != ny {
			return fmt.Errorf("frame %d shape %v differs from first frame %v", i, frame.Shape, []int{nx, ny})
		}
		for _, v := range frame.Elements {
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
			off += 4
		}
	}
	return os.WriteFile(path, buf, 0644)
}

// ArrayFrameSource adapts in-memory frames, mainly for tests and small scans.
type ArrayFrameSource struct {
	Frames []*sparse.DenseArray
}

func (s *ArrayFrameSource) FrameCount() int { return len(s.Frames) }

func (s *ArrayFrameSource) FrameShape() (nx, ny int) {
	if len(s.Frames) == 0 {
		return 0, 0
	}
	return s.Frames[0].Shape[0], s.Frames[0].Shape[1]
}

func (s *ArrayFrameSource) Frame(i int) (*sparse.DenseArray, error) {
	if i < 0 || i >= len(s.Frames) {
		return nil, fmt.Errorf("frame index %d out of range [0,%d)", i, len(s.Frames))
	}
	return s.Frames[i], nil
}

// LoadEvents reads an events.json document.
func LoadEvents(path string) ([]AcquisitionEvent, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []AcquisitionEvent
	if err := json.Unmarshal(b, &events); err != nil {
		return nil, fmt.Errorf("malformed events document %s: %v", path, err)
	}
	return events, nil
}

// BuildFromDataset builds a pyramid from a stored acquisition dataset:
// a directory holding metadata.json, events.json, and frames.dat.  The
// frame source and position mappings are derived from the dataset's
// recorded events.
func BuildFromDataset(datasetDir, outDir string, opts BuildOptions) (*ImagePyramid, error) {
	md, err := supertile.LoadMetadata(datasetDir)
	if err != nil {
		return nil, err
	}
	events, err := LoadEvents(filepath.Join(datasetDir, EventsFilename))
	if err != nil {
		return nil, err
	}
	src, err := OpenFrameFile(filepath.Join(datasetDir, FramesFilename))
	if err != nil {
		return nil, err
	}
	defer src.Close()

	xm, ym, err := PositionsFromEvents(events, md)
	if err != nil {
		return nil, err
	}
	return BuildPyramid(outDir, src, xm, ym, md, opts)
}
