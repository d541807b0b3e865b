package eusub

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.

	"github.com/agridata/refdata/go/provider"
	"github.com/agridata/refdata/go/textfold"
)

// Store is a read-only handle onto one built substance database.
type Store struct {
	path string
	db   *sql.DB
	meta map[string]string
}

// SearchParams filter and paginate a SearchSubstances call.
type SearchParams struct {
	// Status filters on the exact substance_status value.
	Status string
	// Category filters on the two-letter substance_category prefix.
	Category string
	// IncludeOther widens a category filter to also admit the OT
	// (Other) category. It is the default behaviour; callers opt out.
	IncludeOther bool
	Limit        int
	Offset       int
}

// SearchPage is a paginated substance search response.
type SearchPage struct {
	Total   int64        `json:"total"`
	Results []*Substance `json:"results"`
}

// Open opens a built database read-only and verifies it is serviceable
// with a sentinel query against the meta table.
func (d *Driver) Open(dbPath string) (provider.Store, error) {
	var db, err = sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}

	var rows, err2 = db.Query(`SELECT key, value FROM meta`)
	if err2 != nil {
		_ = db.Close()
		return nil, fmt.Errorf("loading meta of %s: %w", dbPath, err2)
	}
	var meta = make(map[string]string)
	for rows.Next() {
		var k, v string
		if err2 = rows.Scan(&k, &v); err2 != nil {
			_ = rows.Close()
			_ = db.Close()
			return nil, err2
		}
		meta[k] = v
	}
	if err2 = rows.Close(); err2 != nil {
		_ = db.Close()
		return nil, err2
	}

	return &Store{path: dbPath, db: db, meta: meta}, nil
}

// Path implements provider.Store.
func (s *Store) Path() string { return s.path }

// Meta implements provider.Store.
func (s *Store) Meta() map[string]string { return s.meta }

// Close implements provider.Store.
func (s *Store) Close() error { return s.db.Close() }

// Stats implements provider.Store.
func (s *Store) Stats() (map[string]int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM substances`).Scan(&n); err != nil {
		return nil, err
	}
	return map[string]int64{"substances": n}, nil
}

// GetSubstance looks up one substance by its upstream identifier.
func (s *Store) GetSubstance(id int64) (*Substance, error) {
	return s.queryOne(`SELECT * FROM substances WHERE substance_id = ?`, id)
}

// GetByCas looks up one substance by CAS number. Values which do not
// match the canonical CAS format yield not-found without touching the
// database.
func (s *Store) GetByCas(cas string) (*Substance, error) {
	if !casExactRe.MatchString(cas) {
		return nil, provider.ErrNotFound
	}
	return s.queryOne(`SELECT * FROM substances WHERE as_cas_number = ?`, cas)
}

// SearchSubstances runs a diacritic-insensitive prefix search over
// substance names, ordered by ascending bm25 score. A |q| of "*" (or
// one which folds to no phrase token) lists all substances in name
// order, which pairs with the status / category filters.
func (s *Store) SearchSubstances(q string, params SearchParams) (*SearchPage, error) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Offset < 0 {
		params.Offset = 0
	}

	var folded = textfold.Fold(strings.TrimSpace(q))
	var matchAll = folded == "*" || textfold.Tokenless(folded)

	var where []string
	var args []interface{}

	if !matchAll {
		where = append(where, `substances_fts MATCH ?`)
		args = append(args, `"`+strings.ReplaceAll(folded, `"`, `""`)+`"*`)
	}
	if params.Status != "" {
		where = append(where, `s.substance_status = ?`)
		args = append(args, params.Status)
	}
	if params.Category != "" {
		var cat = strings.ToUpper(params.Category)
		if params.IncludeOther {
			where = append(where,
				`(substr(s.substance_category, 1, 2) = ? OR substr(s.substance_category, 1, 2) = 'OT')`)
		} else {
			where = append(where, `substr(s.substance_category, 1, 2) = ?`)
		}
		args = append(args, cat)
	}

	var from = `substances s`
	var order = `s.substance_name COLLATE NOCASE`
	if !matchAll {
		from = `substances_fts JOIN substances s ON s.substance_id = substances_fts.rowid`
		order = `bm25(substances_fts), s.substance_name`
	}

	var clause = ""
	if len(where) != 0 {
		clause = ` WHERE ` + strings.Join(where, ` AND `)
	}

	var page SearchPage
	var err = s.db.QueryRow(
		`SELECT COUNT(*) FROM `+from+clause, args...).Scan(&page.Total)
	if err != nil {
		return nil, fmt.Errorf("counting substance matches: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT s.* FROM `+from+clause+` ORDER BY `+order+` LIMIT ? OFFSET ?`,
		append(args, params.Limit, params.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("searching substances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sub, err = scanSubstance(rows)
		if err != nil {
			return nil, err
		}
		page.Results = append(page.Results, sub)
	}
	return &page, rows.Err()
}

func (s *Store) queryOne(query string, arg interface{}) (*Substance, error) {
	var rows, err = s.db.Query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("querying substance: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err = rows.Err(); err != nil {
			return nil, err
		}
		return nil, provider.ErrNotFound
	}
	return scanSubstance(rows)
}

// scanSubstance scans a full substances row by column name, keeping
// the schema's pass-through columns opaque.
func scanSubstance(rows *sql.Rows) (*Substance, error) {
	var cols, err = rows.Columns()
	if err != nil {
		return nil, err
	}

	var values = make([]interface{}, len(cols))
	for i := range values {
		values[i] = new(sql.NullString)
	}
	if err = rows.Scan(values...); err != nil {
		return nil, fmt.Errorf("scanning substance: %w", err)
	}

	var sub = &Substance{Fields: make(map[string]string, len(cols))}
	for i, col := range cols {
		var v = values[i].(*sql.NullString)
		if col == "substance_id" {
			if _, err = fmt.Sscan(v.String, &sub.ID); err != nil {
				return nil, fmt.Errorf("parsing substance_id %q: %w", v.String, err)
			}
			continue
		}
		if !v.Valid {
			continue
		}
		sub.Fields[col] = v.String
	}
	sub.Name = sub.Fields["substance_name"]
	sub.CasNumber = sub.Fields["as_cas_number"]
	sub.Status = sub.Fields["substance_status"]
	sub.Category = sub.Fields["substance_category"]
	return sub, nil
}
