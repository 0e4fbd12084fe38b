package container

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/audiolibrelab/roomir/internal/fault"
)

const sqliteSchema = `
CREATE TABLE meta (
	key   TEXT PRIMARY KEY,
	value TEXT
);
CREATE TABLE nodes (
	path  TEXT PRIMARY KEY
);
CREATE TABLE attrs (
	path  TEXT,
	key   TEXT,
	value TEXT,
	PRIMARY KEY (path, key)
);
CREATE TABLE datasets (
	path  TEXT,
	name  TEXT,
	nrows INTEGER,
	ncols INTEGER,
	data  BLOB,
	PRIMARY KEY (path, name)
);
CREATE TABLE links (
	path   TEXT,
	name   TEXT,
	file   TEXT,
	target TEXT,
	PRIMARY KEY (path, name)
);
`

// SQLite stores every container file as its own SQLite database in a
// directory. Groups, attributes, datasets and links are rows keyed by the
// slash separated group path.
type SQLite struct {
	path string
}

// NewSQLite returns a backend rooted at dir.
func NewSQLite(dir string) *SQLite {
	return &SQLite{path: dir}
}

func (s *SQLite) Ext() string { return ".db" }

func (s *SQLite) Location() string { return s.path }

func (s *SQLite) file(stem string) string {
	return filepath.Join(s.path, stem+s.Ext())
}

func (s *SQLite) Names() ([]string, error) {
	return listFiles(s.path)
}

func (s *SQLite) Exists(stem string) (bool, error) {
	return fileExists(s.file(stem))
}

func (s *SQLite) Create(stem string, root *Group) error {
	exists, err := s.Exists(stem)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: file %s", fault.ErrExists, s.file(stem))
	}
	return s.Write(stem, root)
}

func (s *SQLite) Destroy() error {
	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("%w: remove %s: %v", fault.ErrStorage, s.path, err)
	}
	if err := os.MkdirAll(s.path, 0o755); err != nil {
		return fmt.Errorf("%w: make directory: %v", fault.ErrStorage, err)
	}
	return nil
}

// Write rebuilds the database from scratch in a temporary file and renames
// it over the previous one.
func (s *SQLite) Write(stem string, root *Group) error {
	if err := os.MkdirAll(s.path, 0o755); err != nil {
		return fmt.Errorf("%w: make directory: %v", fault.ErrStorage, err)
	}
	tmp := filepath.Join(s.path, ".tmp-"+stem+s.Ext())
	os.Remove(tmp)

	if err := writeSQLite(tmp, root); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: write %s: %v", fault.ErrStorage, stem+s.Ext(), err)
	}
	if err := os.Rename(tmp, s.file(stem)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", fault.ErrStorage, stem+s.Ext(), err)
	}
	return nil
}

func writeSQLite(file string, root *Group) error {
	db, err := sql.Open("sqlite", file)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES ('format', ?)`, formatTag); err != nil {
		return err
	}
	if err := insertGroup(tx, "/", root); err != nil {
		return err
	}
	return tx.Commit()
}

func insertGroup(tx *sql.Tx, at string, g *Group) error {
	if _, err := tx.Exec(`INSERT INTO nodes (path) VALUES (?)`, at); err != nil {
		return err
	}
	for _, key := range sortedNames(g.Attrs) {
		text, err := yaml.Marshal(g.Attrs[key])
		if err != nil {
			return fmt.Errorf("attribute %s%s: %w", at, key, err)
		}
		if _, err := tx.Exec(`INSERT INTO attrs (path, key, value) VALUES (?, ?, ?)`, at, key, string(text)); err != nil {
			return err
		}
	}
	for _, name := range sortedNames(g.Datasets) {
		d := g.Datasets[name]
		if _, err := tx.Exec(`INSERT INTO datasets (path, name, nrows, ncols, data) VALUES (?, ?, ?, ?, ?)`,
			at, name, d.Rows, d.Cols, encodeFloats(d.Data)); err != nil {
			return err
		}
	}
	for _, name := range sortedNames(g.Links) {
		link := g.Links[name]
		if _, err := tx.Exec(`INSERT INTO links (path, name, file, target) VALUES (?, ?, ?, ?)`,
			at, name, link.File, link.Path); err != nil {
			return err
		}
	}
	for _, name := range g.GroupNames() {
		if err := insertGroup(tx, path.Join(at, name), g.Groups[name]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Read(stem string) (*Group, error) {
	file := s.file(stem)
	exists, err := fileExists(file)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: file %s", fault.ErrMissing, file)
	}

	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", fault.ErrStorage, file, err)
	}
	defer db.Close()

	root, err := readSQLite(db)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", fault.ErrStorage, file, err)
	}
	return root, nil
}

func readSQLite(db *sql.DB) (*Group, error) {
	var format string
	if err := db.QueryRow(`SELECT value FROM meta WHERE key = 'format'`).Scan(&format); err != nil {
		return nil, fmt.Errorf("format tag: %w", err)
	}
	if format != formatTag {
		return nil, fmt.Errorf("unknown container format %q", format)
	}

	root := NewGroup()
	nodes := map[string]*Group{"/": root}

	var paths []string
	if err := queryRows(db, `SELECT path FROM nodes`, func(rows *sql.Rows) error {
		var p string
		if err := rows.Scan(&p); err != nil {
			return err
		}
		paths = append(paths, p)
		return nil
	}); err != nil {
		return nil, err
	}
	// Parents sort before their children.
	sort.Strings(paths)
	for _, p := range paths {
		if p == "/" {
			continue
		}
		parent, ok := nodes[path.Dir(p)]
		if !ok {
			return nil, fmt.Errorf("group %s has no parent", p)
		}
		child, err := parent.CreateGroup(path.Base(p))
		if err != nil {
			return nil, err
		}
		nodes[p] = child
	}

	lookup := func(p string) (*Group, error) {
		g, ok := nodes[p]
		if !ok {
			return nil, fmt.Errorf("row references unknown group %s", p)
		}
		return g, nil
	}

	if err := queryRows(db, `SELECT path, key, value FROM attrs`, func(rows *sql.Rows) error {
		var p, key, text string
		if err := rows.Scan(&p, &key, &text); err != nil {
			return err
		}
		g, err := lookup(p)
		if err != nil {
			return err
		}
		var v any
		if err := yaml.Unmarshal([]byte(text), &v); err != nil {
			return fmt.Errorf("attribute %s %s: %w", p, key, err)
		}
		g.SetAttr(key, v)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := queryRows(db, `SELECT path, name, nrows, ncols, data FROM datasets`, func(rows *sql.Rows) error {
		var (
			p, name string
			r, c    int
			data    []byte
		)
		if err := rows.Scan(&p, &name, &r, &c, &data); err != nil {
			return err
		}
		g, err := lookup(p)
		if err != nil {
			return err
		}
		values, err := decodeFloats(data)
		if err != nil {
			return fmt.Errorf("dataset %s %s: %w", p, name, err)
		}
		g.SetDataset(name, &Dataset{Rows: r, Cols: c, Data: values})
		return nil
	}); err != nil {
		return nil, err
	}

	if err := queryRows(db, `SELECT path, name, file, target FROM links`, func(rows *sql.Rows) error {
		var p, name, file, target string
		if err := rows.Scan(&p, &name, &file, &target); err != nil {
			return err
		}
		g, err := lookup(p)
		if err != nil {
			return err
		}
		return g.CreateLink(name, ExternalLink{File: file, Path: target})
	}); err != nil {
		return nil, err
	}

	return root, nil
}

func queryRows(db *sql.DB, query string, scan func(*sql.Rows) error) error {
	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func encodeFloats(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, errors.New("sample blob length is not a multiple of 8")
	}
	values := make([]float64, len(buf)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return values, nil
}
