package pyramid

import (
	"fmt"
	"math"

	"github.com/ctessum/sparse"
	humanize "github.com/dustin/go-humanize"

	"github.com/microstitch/supertile/storage"
	"github.com/microstitch/supertile/supertile"
)

// FrameSource supplies camera frames for pyramid construction.  Frames are
// 2d intensity arrays indexed (x, y), all with the same shape.
type FrameSource interface {
	FrameCount() int
	FrameShape() (nx, ny int)
	Frame(i int) (*sparse.DenseArray, error)
}

// PositionMap maps a frame index to a stage position in physical units.
type PositionMap func(frame int) float64

// SlicePositions adapts a slice of recorded per-frame positions.
func SlicePositions(positions []float64) PositionMap {
	return func(frame int) float64 {
		if frame < 0 || frame >= len(positions) {
			return 0
		}
		return positions[frame]
	}
}

// Demultiplexer converts a dual-channel splitter frame into a single frame.
// Splitter optics are outside this package; implementations wrap the
// hardware-specific unmixing.
type Demultiplexer interface {
	Unmix(frame *sparse.DenseArray) (*sparse.DenseArray, error)
}

// edgeRampLimit caps the feathering ramp width in pixels.
const edgeRampLimit = 100

// EdgeWeights computes the static feathering mask applied to every frame:
// a linear ramp over the outer min(100, n/4) pixels on all four edges, so a
// frame's border pixels carry less weight where frames overlap.
func EdgeWeights(nx, ny int) *sparse.DenseArray {
	weights := sparse.ZerosDense(nx, ny)
	for i := range weights.Elements {
		weights.Elements[i] = 1
	}
	applyRamp := func(n int, factor func(idx int, w float64)) {
		ramp := min(edgeRampLimit, n/4)
		if ramp < 2 {
			return
		}
		for k := 0; k < ramp; k++ {
			factor(k, float64(k)/float64(ramp-1))
		}
	}
	applyRamp(nx, func(k int, w float64) {
		for j := 0; j < ny; j++ {
			weights.Elements[k*ny+j] *= w
			weights.Elements[(nx-1-k)*ny+j] *= w
		}
	})
	applyRamp(ny, func(k int, w float64) {
		for i := 0; i < nx; i++ {
			weights.Elements[i*ny+k] *= w
			weights.Elements[i*ny+(ny-1-k)] *= w
		}
	})
	return weights
}

// correlatePad is the pixel padding added around the pyramid when callers
// intend to run correlation-based registration on the result.
const correlatePad = 300

// BuildOptions tune pyramid construction.  The zero value builds with
// defaults: 256px tiles, block backend, dark offset from metadata.
type BuildOptions struct {
	TileSize int
	Backend  storage.Backend

	// SkipMoveFrames drops frames acquired while the stage was still
	// moving, detected as a pixel position differing from the previous
	// frame's.
	SkipMoveFrames bool

	// Correlate pads the pyramid edges for later correlation processing.
	Correlate bool

	// Dark overrides the analog-digital offset subtracted from each frame.
	// When nil, Camera.ADOffset from the metadata is used.
	Dark *float64

	// Flat is an optional flatfield calibration multiplied into each frame.
	Flat *sparse.DenseArray

	// Demux, if set, unmixes dual-channel splitter frames before weighting.
	Demux Demultiplexer

	// StartFrame overrides Protocol.DataStartsAt from the metadata.
	StartFrame *int
}

// BuildPyramid constructs a complete image pyramid under outDir from a frame
// source and its per-frame stage positions.  Positions are normalized so the
// minimum maps to pyramid pixel origin 0, converted to pixel offsets via the
// metadata voxel size, and each dark/flat-corrected, feathered frame is
// accumulated before a final UpdatePyramid and metadata write.
func BuildPyramid(outDir string, src FrameSource, xm, ym PositionMap, md supertile.Metadata, opts BuildOptions) (*ImagePyramid, error) {
	numFrames := src.FrameCount()
	if numFrames == 0 {
		return nil, fmt.Errorf("frame source is empty")
	}
	voxX := md.GetFloatOrDefault("Camera.VoxelSizeX", 1)
	voxY := md.GetFloatOrDefault("Camera.VoxelSizeY", 1)

	// Stage positions of each frame, in physical units.
	xps := make([]float64, numFrames)
	yps := make([]float64, numFrames)
	for i := 0; i < numFrames; i++ {
		xps[i] = xm(i)
		yps[i] = ym(i)
	}

	// To avoid building empty tiles, the pyramid origin is the minimum
	// position present in the scan.
	x0Pyramid, y0Pyramid := xps[0], yps[0]
	for i := 1; i < numFrames; i++ {
		x0Pyramid = math.Min(x0Pyramid, xps[i])
		y0Pyramid = math.Min(y0Pyramid, yps[i])
	}

	// The stored origin is independent of the camera ROI setting so viewers
	// can place supertiles in physical coordinates.
	x0 := x0Pyramid + voxX*md.GetFloatOrDefault("Camera.ROIOriginX", 0)
	y0 := y0Pyramid + voxY*md.GetFloatOrDefault("Camera.ROIOriginY", 0)

	bufSize := 0
	if opts.Correlate {
		bufSize = correlatePad
	}

	// Convert to integer pixel offsets.
	xdp := make([]int, numFrames)
	ydp := make([]int, numFrames)
	for i := 0; i < numFrames; i++ {
		xdp[i] = bufSize + int(math.Round((xps[i]-x0Pyramid)/voxX))
		ydp[i] = bufSize + int(math.Round((yps[i]-y0Pyramid)/voxY))
	}

	// The feathering mask is static but sized to the processed frames, which
	// may differ from the raw frame shape when a demultiplexer is in play.
	var weights *sparse.DenseArray

	dark := md.GetFloatOrDefault("Camera.ADOffset", 0)
	if opts.Dark != nil {
		dark = *opts.Dark
	}
	startFrame := md.GetIntOrDefault("Protocol.DataStartsAt", 0)
	if opts.StartFrame != nil {
		startFrame = *opts.StartFrame
	}

	p, err := New(outDir, Config{
		TileSize:  opts.TileSize,
		X0:        x0,
		Y0:        y0,
		PixelSize: voxX,
		Backend:   opts.Backend,
		Metadata:  md,
	})
	if err != nil {
		return nil, err
	}

	supertile.Debugf("Adding base tiles ...\n")
	timelog := supertile.NewTimeLog()
	added, skipped := 0, 0
	for i := startFrame; i < numFrames; i++ {
		if opts.SkipMoveFrames && i > 0 && (xdp[i-1] != xdp[i] || ydp[i-1] != ydp[i]) {
			// First frame at a new position: the stage may still have been
			// moving during the exposure.
			skipped++
			continue
		}
		frame, err := src.Frame(i)
		if err != nil {
			return nil, fmt.Errorf("unable to read frame %d: %v", i, err)
		}
		d := frame.Copy()
		for k := range d.Elements {
			d.Elements[k] -= dark
		}
		if opts.Flat != nil {
			if len(opts.Flat.Elements) != len(d.Elements) {
				return nil, fmt.Errorf("flatfield shape %v does not match frame shape %v",
					opts.Flat.Shape, d.Shape)
			}
			for k := range d.Elements {
				d.Elements[k] *= opts.Flat.Elements[k]
			}
		}
		if opts.Demux != nil {
			if d, err = opts.Demux.Unmix(d); err != nil {
				return nil, fmt.Errorf("unable to unmix frame %d: %v", i, err)
			}
		}
		if weights == nil || weights.Shape[0] != d.Shape[0] || weights.Shape[1] != d.Shape[1] {
			weights = EdgeWeights(d.Shape[0], d.Shape[1])
		}
		weighted := d.Copy()
		for k := range weighted.Elements {
			weighted.Elements[k] *= weights.Elements[k]
		}
		if err := p.UpdateBaseTilesFromFrame(xdp[i], ydp[i], weighted, weights); err != nil {
			return nil, fmt.Errorf("unable to add frame %d: %v", i, err)
		}
		added++
	}
	timelog.Infof("Added %s base frames (%d skipped)", humanize.Comma(int64(added)), skipped)

	supertile.Debugf("Updating pyramid ...\n")
	if err := p.UpdatePyramid(); err != nil {
		return nil, err
	}
	if err := p.SaveMetadata(); err != nil {
		return nil, err
	}
	return p, nil
}
