// Package cache persists beat analysis results in SQLite so a track is only
// analyzed once per file version. Entries are keyed by a fingerprint of the
// file's path, size, and modification time; editing the file invalidates its
// entry naturally.
package cache

import (
	"crypto/sha1"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quaverhq/deckmix/internal/analysis"
)

// Store is the on-disk analysis cache.
type Store struct {
	db *sql.DB
}

// Open creates or opens the cache database.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cache: open db: %w", err)
	}
	// SQLite allows a single writer; one pooled connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS analysis (
			fingerprint TEXT PRIMARY KEY,
			path        TEXT NOT NULL,
			bpm         REAL NOT NULL,
			downbeat    REAL,
			beats       TEXT NOT NULL,
			onset       BLOB,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_analysis_path ON analysis(path);
	`)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Fingerprint combines path, size, and mtime into a stable cache key.
func Fingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("cache: stat %s: %w", path, err)
	}
	h := sha1.New()
	fmt.Fprintf(h, "%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// GetOrCompute returns the cached result for the file, computing and storing
// it on a miss. The compute function only runs when needed.
func (s *Store) GetOrCompute(path string, compute func() (*analysis.Result, error)) (*analysis.Result, error) {
	fp, err := Fingerprint(path)
	if err != nil {
		return nil, err
	}
	if res, err := s.get(fp); err == nil {
		return res, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	res, err := compute()
	if err != nil {
		return nil, err
	}
	if err := s.put(fp, path, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Invalidate removes all entries for a path, forcing re-analysis.
func (s *Store) Invalidate(path string) error {
	_, err := s.db.Exec(`DELETE FROM analysis WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", path, err)
	}
	return nil
}

func (s *Store) get(fingerprint string) (*analysis.Result, error) {
	var (
		bpm      float64
		downbeat sql.NullFloat64
		beatsRaw string
		onsetRaw []byte
	)
	err := s.db.QueryRow(
		`SELECT bpm, downbeat, beats, onset FROM analysis WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&bpm, &downbeat, &beatsRaw, &onsetRaw)
	if err != nil {
		return nil, err
	}

	res := &analysis.Result{BPM: bpm}
	if err := json.Unmarshal([]byte(beatsRaw), &res.BeatPositions); err != nil {
		return nil, fmt.Errorf("cache: decode beats: %w", err)
	}
	if downbeat.Valid {
		v := downbeat.Float64
		res.DownbeatPosition = &v
	}
	res.OnsetCurve = decodeOnset(onsetRaw)
	return res, nil
}

func (s *Store) put(fingerprint, path string, res *analysis.Result) error {
	beats, err := json.Marshal(res.BeatPositions)
	if err != nil {
		return fmt.Errorf("cache: encode beats: %w", err)
	}
	var downbeat any
	if res.DownbeatPosition != nil {
		downbeat = *res.DownbeatPosition
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO analysis (fingerprint, path, bpm, downbeat, beats, onset, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fingerprint, path, res.BPM, downbeat, string(beats), encodeOnset(res.OnsetCurve),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("cache: store %s: %w", path, err)
	}
	return nil
}

// encodeOnset packs the onset curve as little-endian float32.
func encodeOnset(curve []float32) []byte {
	if len(curve) == 0 {
		return nil
	}
	buf := make([]byte, len(curve)*4)
	for i, v := range curve {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeOnset(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	curve := make([]float32, len(buf)/4)
	for i := range curve {
		curve[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return curve
}
