package distributed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ctessum/sparse"

	"github.com/microstitch/supertile/pyramid"
	"github.com/microstitch/supertile/supertile"
)

const (
	// DefaultTimeout bounds each individual PUT attempt.
	DefaultTimeout = 10 * time.Second

	// DefaultRetries is the number of attempts before a PUT is fatal.
	DefaultRetries = 3
)

// ClusterConfig describes the worker servers a DistributedPyramid ships
// tile updates to.
type ClusterConfig struct {
	// Servers are base URLs like "http://worker0:8090".
	Servers []string

	Chunk   ChunkShape
	Timeout time.Duration
	Retries int
}

// DistributedPyramid wraps an ImagePyramid, forwarding level-0 frame
// contributions to the worker servers that own each tile instead of
// accumulating locally.  One persistent HTTP client per server acts as a
// connection pool; requests to different servers are independent.
type DistributedPyramid struct {
	*pyramid.ImagePyramid

	chunk   ChunkShape
	servers []string
	clients []*http.Client
	retries int
}

// NewDistributedPyramid wraps p with tile distribution over the configured
// cluster.
func NewDistributedPyramid(p *pyramid.ImagePyramid, c ClusterConfig) (*DistributedPyramid, error) {
	if len(c.Servers) == 0 {
		return nil, fmt.Errorf("distributed pyramid needs at least one server")
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	clients := make([]*http.Client, len(c.Servers))
	for i := range clients {
		clients[i] = &http.Client{Timeout: c.Timeout}
	}
	return &DistributedPyramid{
		ImagePyramid: p,
		chunk:        c.Chunk.orDefault(),
		servers:      c.Servers,
		clients:      clients,
		retries:      c.Retries,
	}, nil
}

// UpdateBaseTilesFromFrame crops one frame's contribution per overlapped
// level-0 tile and PUTs each slice to the tile's owning server.  A slice
// that exhausts its retries aborts this frame's distribution: that tile's
// contribution is now compromised and ingestion for the region should be
// restarted.
func (d *DistributedPyramid) UpdateBaseTilesFromFrame(x, y int, frame, weights *sparse.DenseArray) error {
	if x < 0 || y < 0 {
		return pyramid.ErrNegativeOrigin
	}
	ts := d.TileSize()
	frameSizeX, frameSizeY := frame.Shape[0], frame.Shape[1]

	txStart, txEnd := x/ts, (x+frameSizeX)/ts
	tyStart, tyEnd := y/ts, (y+frameSizeY)/ts
	d.GrowExtent(txEnd, tyEnd)

	for tx := txStart; tx <= txEnd; tx++ {
		for ty := tyStart; ty <= tyEnd; ty++ {
			frameSlice, weightsSlice, ox, oy, ok := pyramid.FrameSlices(ts, tx, ty, x, y, frame, weights)
			if !ok {
				continue
			}
			serverIdx := ServerForChunk(tx, ty, 0, d.chunk, len(d.servers))
			update := NewTileUpdate(tx, ty, ox, oy, frameSlice, weightsSlice)
			if err := d.sendTileUpdate(serverIdx, update); err != nil {
				return err
			}
		}
	}
	d.Invalidate()
	return nil
}

// sendTileUpdate PUTs one tile update, retrying on failure up to the
// configured bound with a warning per attempt.
func (d *DistributedPyramid) sendTileUpdate(serverIdx int, update TileUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/tiles/%d/%d/%d", d.servers[serverIdx], 0, update.Coords[0], update.Coords[1])

	attempt := 0
	op := func() error {
		attempt++
		putErr := d.putOnce(serverIdx, url, body)
		if putErr != nil {
			supertile.Warningf("attempt %d: unable to put tile update to %s: %v\n", attempt, url, putErr)
		}
		return putErr
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), uint64(d.retries-1))
	if err := backoff.Retry(op, policy); err != nil {
		supertile.Errorf("giving up on tile update to %s after %d attempts: %v\n", url, attempt, err)
		return fmt.Errorf("unable to put tile update to %s after %d attempts: %v", url, attempt, err)
	}
	return nil
}

func (d *DistributedPyramid) putOnce(serverIdx int, url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.clients[serverIdx].Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("put failed with %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
