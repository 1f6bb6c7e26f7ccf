// Package storage is the local sqlite archive: received activity,
// notifications and the persisted session token. Payloads are stored as
// zstd compressed JSON.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/klauspost/compress/zstd"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/rubiojr/pulse/pkg/db"
	"github.com/rubiojr/pulse/pkg/log"
)

type Store struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
	log *log.Logger
}

// Open opens (creating if needed) the archive at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	sqldb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA cache_size = -16000", // 16MB cache
		"PRAGMA temp_store = memory",
	}
	for _, pragma := range pragmas {
		if _, err := sqldb.ExecContext(ctx, pragma); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if err := db.Initialize(ctx, sqldb); err != nil {
		sqldb.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		sqldb.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Store{db: sqldb, enc: enc, dec: dec, log: log.ForService("storage")}, nil
}

func (s *Store) Close() error {
	s.dec.Close()
	if err := s.enc.Close(); err != nil {
		s.log.Warnf("closing zstd encoder: %v", err)
	}
	return s.db.Close()
}

// DB returns the underlying handle for migrations tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) compress(data []byte) []byte {
	return s.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func (s *Store) decompress(blob []byte) ([]byte, error) {
	data, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	return data, nil
}
