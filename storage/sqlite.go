package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ctessum/sparse"
	_ "modernc.org/sqlite"

	"github.com/microstitch/supertile/supertile"
)

// sqliteStore keeps one database per pyramid component with one table per
// layer, columns (y, x, data) and a unique index on (x, y) for point lookups.
// All statements run inside one open transaction; Flush commits it, so
// uncommitted writes are visible to this process but not durable until then.
type sqliteStore struct {
	db *sql.DB
	tx *sql.Tx

	knownTables map[string]bool
	coords      map[int]map[TileCoord]struct{}
}

func newSQLiteStore(root, suffix string) (*sqliteStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(root, suffix+".db"))
	if err != nil {
		return nil, err
	}
	s := &sqliteStore{
		db:          db,
		knownTables: make(map[string]bool),
		coords:      make(map[int]map[TileCoord]struct{}),
	}
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table'")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to list tile tables: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			db.Close()
			return nil, err
		}
		s.knownTables[name] = true
	}
	if err := rows.Err(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func tableName(layer int) string {
	return fmt.Sprintf("layer%d", layer)
}

// ensureTx lazily opens the transaction wrapping all reads and writes.
func (s *sqliteStore) ensureTx() (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	s.tx = tx
	return tx, nil
}

func (s *sqliteStore) ensureTable(layer int) error {
	table := tableName(layer)
	if s.knownTables[table] {
		return nil
	}
	tx, err := s.ensureTx()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("CREATE TABLE %s (y INTEGER, x INTEGER, data BLOB)", table)); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("CREATE UNIQUE INDEX idx_%s ON %s (x,y)", table, table)); err != nil {
		return err
	}
	s.knownTables[table] = true
	return nil
}

func (s *sqliteStore) GetTile(layer, x, y int) (*sparse.DenseArray, error) {
	if !s.knownTables[tableName(layer)] {
		return nil, nil
	}
	tx, err := s.ensureTx()
	if err != nil {
		return nil, err
	}
	var blob []byte
	err = tx.QueryRow(fmt.Sprintf("SELECT data FROM %s WHERE x=? AND y=?", tableName(layer)), x, y).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, _, err := supertile.DeserializeData(blob, true)
	if err != nil {
		return nil, err
	}
	return supertile.DecodeTile(data)
}

func (s *sqliteStore) SaveTile(layer, x, y int, data *sparse.DenseArray) error {
	if err := s.ensureTable(layer); err != nil {
		return err
	}
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
	tx, err := s.ensureTx()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("INSERT OR REPLACE INTO %s VALUES (?,?,?)", tableName(layer)), y, x, blob); err != nil {
		return err
	}
	s.coords[layer][TileCoord{x, y}] = struct{}{}
	return nil
}

func (s *sqliteStore) DeleteTile(layer, x, y int) error {
	if !s.knownTables[tableName(layer)] {
		return nil
	}
	if err := s.ensureLayerCoords(layer); err != nil {
		return err
	}
	tx, err := s.ensureTx()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE x=? AND y=?", tableName(layer)), x, y); err != nil {
		return err
	}
	delete(s.coords[layer], TileCoord{x, y})
	return nil
}

func (s *sqliteStore) TileExists(layer, x, y int) (bool, error) {
	if !s.knownTables[tableName(layer)] {
		return false, nil
	}
	tx, err := s.ensureTx()
	if err != nil {
		return false, err
	}
	var one int
	err = tx.QueryRow(fmt.Sprintf("SELECT 1 FROM %s WHERE x=? AND y=?", tableName(layer)), x, y).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) LayerTileCoords(layer int) ([]TileCoord, error) {
	if err := s.ensureLayerCoords(layer); err != nil {
		return nil, err
	}
	coords := make([]TileCoord, 0, len(s.coords[layer]))
	for c := range s.coords[layer] {
		coords = append(coords, c)
	}
	return coords, nil
}

func (s *sqliteStore) ensureLayerCoords(layer int) error {
	if _, found := s.coords[layer]; found {
		return nil
	}
	tiles := make(map[TileCoord]struct{})
	if s.knownTables[tableName(layer)] {
		tx, err := s.ensureTx()
		if err != nil {
			return err
		}
		rows, err := tx.Query(fmt.Sprintf("SELECT x, y FROM %s", tableName(layer)))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var x, y int
			if err := rows.Scan(&x, &y); err != nil {
				return err
			}
			tiles[TileCoord{x, y}] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			return err
		}
	}
	s.coords[layer] = tiles
	return nil
}

// Flush commits the open transaction, making prior writes durable.
func (s *sqliteStore) Flush() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	return err
}

func (s *sqliteStore) Close() error {
	if err := s.Flush(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
