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

	"wallsim.ai/internal/sim/catalogs"
	"wallsim.ai/internal/sim/scan"
	"wallsim.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary copy of frame reports and script
// events. Writes are queued to a single writer goroutine and dropped when the
// queue is full; the shot log remains the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropFrame  atomic.Uint64
	dropScript atomic.Uint64
	written    atomic.Uint64
}

type reqKind int

const (
	reqFrame reqKind = iota + 1
	reqScript
)

type req struct {
	kind reqKind

	frame  scan.Report
	script ScriptEvent
}

// ScriptEvent is one script lifecycle record: a run, a stop or an error.
type ScriptEvent struct {
	At     time.Time `json:"at"`
	Script string    `json:"script"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

type Stats struct {
	QueueDepth      int
	QueueCapacity   int
	DropFrameTotal  uint64
	DropScriptTotal uint64
	WrittenTotal    uint64
}

const defaultQueue = 16384

func OpenSQLite(path string) (*SQLiteIndex, error) {
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

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, defaultQueue),
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
		`CREATE TABLE IF NOT EXISTS frames (
			tick INTEGER PRIMARY KEY,
			shooter INTEGER NOT NULL,
			weapon TEXT NOT NULL,
			wallbang INTEGER NOT NULL,
			targets INTEGER NOT NULL,
			hits INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS shots (
			tick INTEGER NOT NULL,
			target INTEGER NOT NULL,
			aim TEXT NOT NULL,
			hitgroup TEXT NOT NULL,
			did_hit INTEGER NOT NULL,
			damage INTEGER NOT NULL,
			potential_damage INTEGER NOT NULL,
			min_damage INTEGER NOT NULL,
			secure INTEGER NOT NULL,
			very_secure INTEGER NOT NULL,
			impacts INTEGER NOT NULL,
			PRIMARY KEY (tick, target)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_shots_target_tick ON shots(target, tick);`,
		`CREATE TABLE IF NOT EXISTS script_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			script TEXT NOT NULL,
			kind TEXT NOT NULL,
			detail TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_script_events_script ON script_events(script, seq);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) RecordFrame(rep scan.Report) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqFrame, frame: rep}:
	default:
		s.dropFrame.Add(1)
	}
}

func (s *SQLiteIndex) RecordScriptEvent(ev ScriptEvent) {
	if s == nil || s.closed.Load() {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case s.ch <- req{kind: reqScript, script: ev}:
	default:
		s.dropScript.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:      len(s.ch),
		QueueCapacity:   cap(s.ch),
		DropFrameTotal:  s.dropFrame.Load(),
		DropScriptTotal: s.dropScript.Load(),
		WrittenTotal:    s.written.Load(),
	}
}

// UpsertCatalogs stores the catalogs and tuning the process runs with, so
// indexed frames can be tied back to the constants that produced them.
func (s *SQLiteIndex) UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
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
	if configDir != "" {
		if b, err := os.ReadFile(filepath.Join(configDir, "materials.json")); err == nil {
			rows = append(rows, kv{name: "materials", digest: cats.Materials.Digest, json: b})
		}
		if b, err := os.ReadFile(filepath.Join(configDir, "weapons.json")); err == nil {
			rows = append(rows, kv{name: "weapons", digest: cats.Weapons.Digest, json: b})
		}
	}
	if b, _ := json.Marshal(cats.Materials.Palette); len(b) > 0 {
		rows = append(rows, kv{name: "materials_palette", digest: cats.Materials.Digest, json: b})
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertFrame, _ := s.db.Prepare(`INSERT OR REPLACE INTO frames(tick,shooter,weapon,wallbang,targets,hits,raw_json) VALUES(?,?,?,?,?,?,?)`)
	insertShot, _ := s.db.Prepare(`INSERT OR REPLACE INTO shots(tick,target,aim,hitgroup,did_hit,damage,potential_damage,min_damage,secure,very_secure,impacts) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertScript, _ := s.db.Prepare(`INSERT INTO script_events(at,script,kind,detail) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertFrame, insertShot, insertScript} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
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
		if err := tx.Commit(); err == nil {
			s.written.Add(uint64(opCount))
		}
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

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqFrame:
			f := r.frame
			raw, _ := json.Marshal(f)
			if insertFrame != nil {
				if _, err := tx.Stmt(insertFrame).Exec(
					int64(f.Tick),
					int64(f.Shooter),
					f.Weapon,
					boolInt(f.Wallbang),
					len(f.Targets),
					f.Hits(),
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			for _, t := range f.Targets {
				if insertShot == nil {
					break
				}
				o := t.Outcome
				if _, err := tx.Stmt(insertShot).Exec(
					int64(f.Tick),
					int64(t.Target),
					t.Aim.String(),
					o.Hitgroup.String(),
					boolInt(o.DidHit),
					o.Damage,
					o.PotentialDamage,
					o.MinDamage,
					boolInt(o.SecurePoint),
					boolInt(o.VerySecure),
					int(o.ImpactCount),
				); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqScript:
			ev := r.script
			if insertScript != nil {
				if _, err := tx.Stmt(insertScript).Exec(
					ev.At.UTC().Format(time.RFC3339Nano),
					ev.Script,
					ev.Kind,
					ev.Detail,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
