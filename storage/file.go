package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ctessum/sparse"

	"github.com/microstitch/supertile/supertile"
)

// fileStore persists one file per tile under
// <root>/<layer>/<xgroup>/<x>_<y>_<suffix><ext>, fronted by a write-back
// TileCache.  The raw and block backends differ only in codec.
type fileStore struct {
	root   string
	suffix string
	ext    string

	encode func(*sparse.DenseArray) ([]byte, error)
	decode func([]byte) (*sparse.DenseArray, error)

	cache *TileCache

	// coords memoizes the tile coordinates per layer.  Built once by
	// scanning the layer directory, then maintained on save/delete so
	// repeated lookups avoid rescans.
	coords map[int]map[TileCoord]struct{}
}

func newFileStore(root, suffix, ext string,
	encode func(*sparse.DenseArray) ([]byte, error),
	decode func([]byte) (*sparse.DenseArray, error)) *fileStore {

	s := &fileStore{
		root:   root,
		suffix: suffix,
		ext:    ext,
		encode: encode,
		decode: decode,
		coords: make(map[int]map[TileCoord]struct{}),
	}
	// NewTileCache only fails for a non-positive size, which DefaultCacheSize isn't.
	s.cache, _ = NewTileCache(DefaultCacheSize, s.readFile, s.writeFile, s.fileOnDisk)
	return s
}

// newRawStore stores tiles as uncompressed float64 files.
func newRawStore(root, suffix string) *fileStore {
	return newFileStore(root, suffix, ".raw",
		func(tile *sparse.DenseArray) ([]byte, error) {
			return supertile.EncodeTile(tile, supertile.Float64)
		},
		supertile.DecodeTile)
}

// newBlockStore stores tiles as float32 blocks compressed with snappy and
// guarded by a CRC32 checksum.
func newBlockStore(root, suffix string) *fileStore {
	return newFileStore(root, suffix, ".blk",
		func(tile *sparse.DenseArray) ([]byte, error) {
			encoded, err := supertile.EncodeTile(tile, supertile.Float32)
			if err != nil {
				return nil, err
			}
			return supertile.SerializeData(encoded, supertile.Snappy, supertile.CRC32)
		},
		func(b []byte) (*sparse.DenseArray, error) {
			data, _, err := supertile.DeserializeData(b, true)
			if err != nil {
				return nil, err
			}
			return supertile.DecodeTile(data)
		})
}

func (s *fileStore) filename(layer, x, y int) string {
	return filepath.Join(s.root, strconv.Itoa(layer), fmt.Sprintf("%03d", x),
		fmt.Sprintf("%03d_%03d_%s%s", x, y, s.suffix, s.ext))
}

func (s *fileStore) readFile(path string) (*sparse.DenseArray, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return s.decode(b)
}

// writeFile creates any missing containing directory before writing, so
// save is idempotent with respect to layout.
func (s *fileStore) writeFile(path string, tile *sparse.DenseArray) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	b, err := s.encode(tile)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

func (s *fileStore) fileOnDisk(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *fileStore) GetTile(layer, x, y int) (*sparse.DenseArray, error) {
	tile, err := s.cache.Load(s.filename(layer, x, y))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return tile, err
}

func (s *fileStore) SaveTile(layer, x, y int, data *sparse.DenseArray) error {
	if err := s.ensureLayerCoords(layer); err != nil {
		return err
	}
	if err := s.cache.Save(s.filename(layer, x, y), data); err != nil {
		return err
	}
	s.coords[layer][TileCoord{x, y}] = struct{}{}
	return nil
}

func (s *fileStore) DeleteTile(layer, x, y int) error {
	if err := s.ensureLayerCoords(layer); err != nil {
		return err
	}
	path := s.filename(layer, x, y)
	s.cache.Remove(path)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	delete(s.coords[layer], TileCoord{x, y})
	return nil
}

func (s *fileStore) TileExists(layer, x, y int) (bool, error) {
	return s.cache.Exists(s.filename(layer, x, y)), nil
}

func (s *fileStore) LayerTileCoords(layer int) ([]TileCoord, error) {
	if err := s.ensureLayerCoords(layer); err != nil {
		return nil, err
	}
	coords := make([]TileCoord, 0, len(s.coords[layer]))
	for c := range s.coords[layer] {
		coords = append(coords, c)
	}
	return coords, nil
}

func (s *fileStore) ensureLayerCoords(layer int) error {
	if _, found := s.coords[layer]; found {
		return nil
	}
	tiles := make(map[TileCoord]struct{})
	layerDir := filepath.Join(s.root, strconv.Itoa(layer))
	groups, err := os.ReadDir(layerDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.coords[layer] = tiles
			return nil
		}
		return err
	}
	marker := "_" + s.suffix + s.ext
	for _, group := range groups {
		if !group.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(layerDir, group.Name()))
		if err != nil {
			return err
		}
		for _, f := range files {
			name := f.Name()
			if !strings.HasSuffix(name, marker) {
				continue
			}
			parts := strings.SplitN(strings.TrimSuffix(name, marker), "_", 2)
			if len(parts) != 2 {
				continue
			}
			x, xerr := strconv.Atoi(parts[0])
			y, yerr := strconv.Atoi(parts[1])
			if xerr != nil || yerr != nil {
				continue
			}
			tiles[TileCoord{x, y}] = struct{}{}
		}
	}
	s.coords[layer] = tiles
	return nil
}

func (s *fileStore) Flush() error {
	return s.cache.Flush()
}

func (s *fileStore) Close() error {
	return s.cache.Purge()
}
