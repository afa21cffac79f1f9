package storage

import (
	"encoding/binary"
	"path/filepath"

	"github.com/ctessum/sparse"
	badger "github.com/dgraph-io/badger/v3"

	"github.com/microstitch/supertile/supertile"
)

// badgerStore keeps one Badger key-value store per pyramid component.  Keys
// are 12-byte big-endian (layer, x, y) triples so a layer's tiles share a
// common 4-byte prefix, letting coordinate listing run as a prefix scan.
type badgerStore struct {
	directory string
	bdp       *badger.DB

	coords map[int]map[TileCoord]struct{}
}

func newBadgerStore(root, suffix string) (*badgerStore, error) {
	path := filepath.Join(root, suffix+".bdg")
	opts := badger.DefaultOptions(path)
	opts.NumVersionsToKeep = 1
	opts.SyncWrites = false
	opts.Logger = nil
	bdp, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	supertile.Debugf("Opened badger tile store @ %s\n", path)
	return &badgerStore{
		directory: path,
		bdp:       bdp,
		coords:    make(map[int]map[TileCoord]struct{}),
	}, nil
}

// tileKey packs coordinates into a big-endian key.  Tile coordinates are
// non-negative so the uint32 conversion preserves ordering.
func tileKey(layer, x, y int) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint32(key[0:4], uint32(layer))
	binary.BigEndian.PutUint32(key[4:8], uint32(x))
	binary.BigEndian.PutUint32(key[8:12], uint32(y))
	return key
}

func layerPrefix(layer int) []byte {
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(layer))
	return prefix
}

func (s *badgerStore) GetTile(layer, x, y int) (*sparse.DenseArray, error) {
	var blob []byte
	err := s.bdp.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tileKey(layer, x, y))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}
	data, _, err := supertile.DeserializeData(blob, true)
	if err != nil {
		return nil, err
	}
	return supertile.DecodeTile(data)
}

func (s *badgerStore) SaveTile(layer, x, y int, data *sparse.DenseArray) error {
	if err := s.ensureLayerCoords(layer); err != nil {
		return err
	}
	encoded, err := supertile.EncodeTile(data, supertile.Float32)
	if err != nil {
		return err
	}
	blob, err := supertile.SerializeData(encoded, supertile.Snappy, supertile.CRC32)
	if err != nil {
		return err
	}
	if err := s.bdp.Update(func(txn *badger.Txn) error {
		return txn.Set(tileKey(layer, x, y), blob)
	}); err != nil {
		return err
	}
	s.coords[layer][TileCoord{x, y}] = struct{}{}
	return nil
}

func (s *badgerStore) DeleteTile(layer, x, y int) error {
	if err := s.ensureLayerCoords(layer); err != nil {
		return err
	}
	if err := s.bdp.Update(func(txn *badger.Txn) error {
		return txn.Delete(tileKey(layer, x, y))
	}); err != nil {
		return err
	}
	delete(s.coords[layer], TileCoord{x, y})
	return nil
}

func (s *badgerStore) TileExists(layer, x, y int) (bool, error) {
	exists := false
	err := s.bdp.View(func(txn *badger.Txn) error {
		_, err := txn.Get(tileKey(layer, x, y))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

func (s *badgerStore) LayerTileCoords(layer int) ([]TileCoord, error) {
	if err := s.ensureLayerCoords(layer); err != nil {
		return nil, err
	}
	coords := make([]TileCoord, 0, len(s.coords[layer]))
	for c := range s.coords[layer] {
		coords = append(coords, c)
	}
	return coords, nil
}

func (s *badgerStore) ensureLayerCoords(layer int) error {
	if _, found := s.coords[layer]; found {
		return nil
	}
	tiles := make(map[TileCoord]struct{})
	prefix := layerPrefix(layer)
	err := s.bdp.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // key only
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if len(key) != 12 {
				continue
			}
			x := int(binary.BigEndian.Uint32(key[4:8]))
			y := int(binary.BigEndian.Uint32(key[8:12]))
			tiles[TileCoord{x, y}] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.coords[layer] = tiles
	return nil
}

func (s *badgerStore) Flush() error {
	return s.bdp.Sync()
}

func (s *badgerStore) Close() error {
	if s.bdp == nil {
		return nil
	}
	err := s.bdp.Close()
	s.bdp = nil
	supertile.Infof("Closed badger tile store @ %s\n", s.directory)
	return err
}
