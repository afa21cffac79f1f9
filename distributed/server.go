package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/microstitch/supertile/pyramid"
	"github.com/microstitch/supertile/storage"
	"github.com/microstitch/supertile/supertile"
)

// WorkerConfig is the TOML configuration of one tile worker server.
type WorkerConfig struct {
	// Address is the listen address, e.g. "localhost:8090".
	Address string

	// Dir is the root directory of this worker's partial pyramid.
	Dir string

	TileSize int    `toml:"tile_size"`
	Backend  string `toml:"backend"`

	ServerIndex int `toml:"server_index"`
	NrServers   int `toml:"nr_servers"`

	Chunk struct {
		X int
		Y int
		Z int
	} `toml:"chunk"`

	Logging supertile.LogConfig
}

// LoadWorkerConfig reads a worker TOML configuration file.
func LoadWorkerConfig(path string) (WorkerConfig, error) {
	var c WorkerConfig
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("unable to parse worker config %s: %v", path, err)
	}
	if c.Address == "" {
		return c, fmt.Errorf("worker config %s must set address", path)
	}
	if c.Dir == "" {
		return c, fmt.Errorf("worker config %s must set dir", path)
	}
	return c, nil
}

// Worker is an HTTP server accepting tile updates for the shard it owns.
// http.Server runs each connection's handler in its own goroutine, so the
// shard serializes concurrent updates itself.
type Worker struct {
	pp  *PartialPyramid
	srv *http.Server
}

// NewWorker opens the worker's partial pyramid and prepares its HTTP server.
func NewWorker(c WorkerConfig) (*Worker, error) {
	backend := storage.DefaultBackend
	if c.Backend != "" {
		var err error
		if backend, err = storage.ParseBackend(c.Backend); err != nil {
			return nil, err
		}
	}
	p, err := pyramid.New(c.Dir, pyramid.Config{TileSize: c.TileSize, Backend: backend})
	if err != nil {
		return nil, err
	}
	chunk := ChunkShape{X: c.Chunk.X, Y: c.Chunk.Y, Z: c.Chunk.Z}
	w := &Worker{
		pp: NewPartialPyramid(p, chunk, c.ServerIndex, c.NrServers),
	}
	mux := http.NewServeMux()
	mux.Handle("/tiles/", w)
	w.srv = &http.Server{Addr: c.Address, Handler: mux}
	return w, nil
}

// Pyramid returns the worker's partial pyramid shard.
func (w *Worker) Pyramid() *PartialPyramid {
	return w.pp
}

// ServeHTTP handles PUT /tiles/<layer>/<x>/<y> with a TileUpdate JSON body.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(rw, fmt.Sprintf("method %s not allowed, tile updates use PUT", r.Method),
			http.StatusMethodNotAllowed)
		return
	}
	var update TileUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(rw, fmt.Sprintf("malformed tile update: %v", err), http.StatusBadRequest)
		return
	}
	if err := w.pp.ApplyTileUpdate(update); err != nil {
		supertile.Errorf("unable to apply tile update at (%d,%d): %v\n",
			update.Coords[0], update.Coords[1], err)
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

// ListenAndServe blocks serving tile updates until Shutdown is called.
func (w *Worker) ListenAndServe() error {
	supertile.Infof("Tile worker %d listening on %s\n", w.pp.serverIdx, w.srv.Addr)
	err := w.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server, flushes the shard, and closes its stores.
func (w *Worker) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := w.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := w.pp.Flush(); err != nil {
		return err
	}
	return w.pp.Close()
}
