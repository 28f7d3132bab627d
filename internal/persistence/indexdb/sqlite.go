package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"structforge.ai/internal/sim/tuning"
	"structforge.ai/internal/structures/template"
)

// StructureIndex records placed structures and their spawn registrations.
// Writes go through a single writer goroutine and are dropped rather than
// stalling the caller when it falls behind.
type StructureIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropStructure atomic.Uint64
	dropSpawn     atomic.Uint64
}

type reqKind int

const (
	reqStructure reqKind = iota + 1
	reqSpawn
	reqFlush
)

type req struct {
	kind reqKind

	structure StructureRecord
	spawns    []SpawnRecord
	done      chan struct{}
}

type StructureRecord struct {
	ID       string    `json:"id"`
	World    string    `json:"world"`
	Template string    `json:"template"`
	Kind     string    `json:"kind"`
	Rotation int       `json:"rotation"`
	Anchor   [3]int    `json:"anchor"`
	Min      [3]int    `json:"min"`
	Max      [3]int    `json:"max"` // inclusive
	Score    float64   `json:"score"`
	Boss     bool      `json:"boss"`
	PlacedAt time.Time `json:"placed_at"`
}

type SpawnRecord struct {
	StructureID string `json:"structure_id"`
	Seq         int    `json:"seq"`
	Actor       string `json:"actor"`
	MobType     string `json:"mob_type"`
	MobID       string `json:"mob_id"`
	Rel         [3]int `json:"rel"`
	Respawn     bool   `json:"respawn"`
}

type Stats struct {
	QueueDepth         int
	QueueCapacity      int
	DropStructureTotal uint64
	DropSpawnTotal     uint64
}

func OpenSQLite(path string) (*StructureIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &StructureIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS structures (
			id TEXT PRIMARY KEY,
			world TEXT NOT NULL,
			template TEXT NOT NULL,
			kind TEXT NOT NULL,
			rotation INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			min_x INTEGER NOT NULL,
			min_y INTEGER NOT NULL,
			min_z INTEGER NOT NULL,
			max_x INTEGER NOT NULL,
			max_y INTEGER NOT NULL,
			max_z INTEGER NOT NULL,
			score REAL NOT NULL,
			boss INTEGER NOT NULL,
			placed_at TEXT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_structures_world_pos ON structures(world, min_x, min_z);`,
		`CREATE INDEX IF NOT EXISTS idx_structures_template ON structures(template);`,
		`CREATE TABLE IF NOT EXISTS spawns (
			structure_id TEXT NOT NULL REFERENCES structures(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			actor TEXT NOT NULL,
			mob_type TEXT NOT NULL,
			mob_id TEXT NOT NULL,
			rx INTEGER NOT NULL,
			ry INTEGER NOT NULL,
			rz INTEGER NOT NULL,
			respawn INTEGER NOT NULL,
			PRIMARY KEY (structure_id, seq)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *StructureIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *StructureIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:         len(s.ch),
		QueueCapacity:      cap(s.ch),
		DropStructureTotal: s.dropStructure.Load(),
		DropSpawnTotal:     s.dropSpawn.Load(),
	}
}

func (s *StructureIndex) RecordStructure(r StructureRecord) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqStructure, structure: r}:
	default:
		// The JSONL event log remains the source of truth.
		s.dropStructure.Add(1)
	}
}

// RegisterSpawn records the mobs spawned for a structure. actors and cfgs
// pair up by index; a missing actor handle is stored empty.
func (s *StructureIndex) RegisterSpawn(structureID string, actors []string, cfgs []template.SpawnConfig) {
	if s == nil || s.closed.Load() || len(cfgs) == 0 {
		return
	}
	rows := make([]SpawnRecord, 0, len(cfgs))
	for i, c := range cfgs {
		actor := ""
		if i < len(actors) {
			actor = actors[i]
		}
		rows = append(rows, SpawnRecord{
			StructureID: structureID,
			Seq:         i,
			Actor:       actor,
			MobType:     c.Type.String(),
			MobID:       c.ID,
			Rel:         [3]int{c.Rel.X, c.Rel.Y, c.Rel.Z},
			Respawn:     c.ShouldRespawn(),
		})
	}
	select {
	case s.ch <- req{kind: reqSpawn, spawns: rows}:
	default:
		s.dropSpawn.Add(1)
	}
}

// Flush waits until every queued write is committed.
func (s *StructureIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpsertCatalogs stores the template catalog and the tuning in effect.
func (s *StructureIndex) UpsertCatalogs(cat *template.Catalog, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if cat != nil {
		type entry struct {
			ID   string `json:"id"`
			Kind string `json:"kind"`
			Size [3]int `json:"size"`
			Boss bool   `json:"boss"`
		}
		var list []entry
		for _, id := range cat.IDs() {
			t := cat.ByID[id]
			sz := t.Size()
			list = append(list, entry{ID: id, Kind: t.Kind.String(), Size: [3]int{sz.X, sz.Y, sz.Z}, Boss: t.Boss})
		}
		if b, _ := json.Marshal(list); len(b) > 0 {
			rows = append(rows, kv{name: "templates", digest: cat.Digest, json: b})
		}
	}
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *StructureIndex) loop() {
	ctx := context.Background()

	insertStructure, _ := s.db.Prepare(`INSERT OR REPLACE INTO structures(id,world,template,kind,rotation,x,y,z,min_x,min_y,min_z,max_x,max_y,max_z,score,boss,placed_at,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertSpawn, _ := s.db.Prepare(`INSERT OR REPLACE INTO spawns(structure_id,seq,actor,mob_type,mob_id,rx,ry,rz,respawn) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertStructure != nil {
			_ = insertStructure.Close()
		}
		if insertSpawn != nil {
			_ = insertSpawn.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqStructure:
			st := r.structure
			raw, _ := json.Marshal(st)
			boss := 0
			if st.Boss {
				boss = 1
			}
			if insertStructure != nil {
				if _, err := tx.Stmt(insertStructure).Exec(
					st.ID, st.World, st.Template, st.Kind, st.Rotation,
					st.Anchor[0], st.Anchor[1], st.Anchor[2],
					st.Min[0], st.Min[1], st.Min[2],
					st.Max[0], st.Max[1], st.Max[2],
					st.Score, boss,
					st.PlacedAt.UTC().Format(time.RFC3339Nano),
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSpawn:
			for _, sp := range r.spawns {
				if insertSpawn == nil {
					break
				}
				respawn := 0
				if sp.Respawn {
					respawn = 1
				}
				if _, err := tx.Stmt(insertSpawn).Exec(
					sp.StructureID, sp.Seq, sp.Actor, sp.MobType, sp.MobID,
					sp.Rel[0], sp.Rel[1], sp.Rel[2], respawn,
				); err != nil {
					rollback()
					break
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
