/*
Package storage provides a uniform interface to the tile persistence
backends used by image pyramids.  Since backends range from per-tile flat
files to embedded databases, this package defines one TileStore interface
which all backends satisfy, plus a write-back cache that decouples backend
latency from the frame accumulation loop.
*/
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/ctessum/sparse"
)

// TileCoord addresses a tile within one layer of a pyramid.
type TileCoord struct {
	X, Y int
}

// TileStore is the capability interface all tile persistence backends satisfy.
// Missing tiles are not an error: GetTile returns (nil, nil).
type TileStore interface {
	// GetTile returns the tile at (layer, x, y) or nil if it does not exist.
	GetTile(layer, x, y int) (*sparse.DenseArray, error)

	// SaveTile writes the tile at (layer, x, y), overwriting any previous data.
	SaveTile(layer, x, y int, data *sparse.DenseArray) error

	// DeleteTile removes the tile at (layer, x, y) so a subsequent GetTile
	// returns nil.
	DeleteTile(layer, x, y int) error

	// TileExists returns true if a tile is present at (layer, x, y).
	TileExists(layer, x, y int) (bool, error)

	// LayerTileCoords returns the coordinates of every tile in a layer.
	LayerTileCoords(layer int) ([]TileCoord, error)

	// Flush makes all pending writes durable.
	Flush() error

	// Close flushes and releases backend resources.
	Close() error
}

// Backend enumerates the available tile persistence strategies.
type Backend uint8

const (
	// UnknownBackend is the zero value so callers must pick or infer a backend.
	UnknownBackend Backend = iota

	// RawBackend stores one uncompressed float64 file per tile.
	RawBackend

	// BlockBackend stores one compressed float32 block file per tile.
	// This is the default for new pyramids.
	BlockBackend

	// SQLiteBackend stores tiles in one SQLite database per pyramid component,
	// with one table per layer indexed on (x, y).
	SQLiteBackend

	// BadgerBackend stores tiles in one Badger key-value store per pyramid
	// component, keyed by (layer, x, y).
	BadgerBackend
)

// DefaultBackend is used for newly created pyramids.
const DefaultBackend = BlockBackend

// ErrNoBackendFound is returned when backend inference finds no recognized
// tile files under a pyramid directory.
var ErrNoBackendFound = errors.New("no tile files found for inferring pyramid backend")

func (b Backend) String() string {
	switch b {
	case RawBackend:
		return "raw"
	case BlockBackend:
		return "block"
	case SQLiteBackend:
		return "sqlite"
	case BadgerBackend:
		return "badger"
	default:
		return "unknown"
	}
}

// Extension returns the file (or directory) extension that marks this
// backend's data on disk.
func (b Backend) Extension() string {
	switch b {
	case RawBackend:
		return ".raw"
	case BlockBackend:
		return ".blk"
	case SQLiteBackend:
		return ".db"
	case BadgerBackend:
		return ".bdg"
	default:
		return ""
	}
}

// ParseBackend returns the Backend for a name like "block" or an extension
// like ".blk".
func ParseBackend(s string) (Backend, error) {
	switch strings.TrimPrefix(strings.ToLower(s), ".") {
	case "raw":
		return RawBackend, nil
	case "block", "blk":
		return BlockBackend, nil
	case "sqlite", "db":
		return SQLiteBackend, nil
	case "badger", "bdg":
		return BadgerBackend, nil
	default:
		return UnknownBackend, fmt.Errorf("unknown tile storage backend %q", s)
	}
}

// InferBackend walks an existing pyramid directory looking for any entry with
// a recognized backend extension.  Opening an old pyramid doesn't require its
// metadata to name the backend, just that its tile files are recognizable.
func InferBackend(dir string) (Backend, error) {
	found := UnknownBackend
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		switch filepath.Ext(d.Name()) {
		case ".raw":
			found = RawBackend
		case ".blk":
			found = BlockBackend
		case ".db":
			found = SQLiteBackend
		case ".bdg":
			found = BadgerBackend
		default:
			return nil
		}
		return fs.SkipAll
	})
	if err != nil {
		return UnknownBackend, err
	}
	if found == UnknownBackend {
		return UnknownBackend, ErrNoBackendFound
	}
	return found, nil
}

// NewTileStore opens a tile store for one pyramid component (e.g. "acc",
// "occ", "img") rooted under dir.
func NewTileStore(backend Backend, dir, suffix string) (TileStore, error) {
	switch backend {
	case RawBackend:
		return newRawStore(dir, suffix), nil
	case BlockBackend:
		return newBlockStore(dir, suffix), nil
	case SQLiteBackend:
		return newSQLiteStore(dir, suffix)
	case BadgerBackend:
		return newBadgerStore(dir, suffix)
	default:
		return nil, fmt.Errorf("can't open tile store with backend %q", backend)
	}
}
