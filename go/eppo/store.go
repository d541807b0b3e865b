package eppo

import (
	"database/sql"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.

	"github.com/agridata/refdata/go/provider"
	"github.com/agridata/refdata/go/textfold"
)

// nameCacheSize bounds the per-store GetName memo. Store contents are
// immutable, so entries never need invalidation.
const nameCacheSize = 1024

// Store is a read-only handle onto one built EPPO database.
type Store struct {
	path string
	db   *sql.DB
	meta map[string]string

	nameCache *lru.Cache[string, *Name]
}

// SearchResult is one row of a prefix search.
type SearchResult struct {
	Eppocode    string  `json:"eppocode"`
	Fullname    string  `json:"fullname"`
	Lang        string  `json:"lang"`
	LangCountry string  `json:"langcountry,omitempty"`
	Preferred   *Name   `json:"preferred"`
	Score       float64 `json:"score"`
}

// SearchPage is a paginated search response.
type SearchPage struct {
	Total   int64          `json:"total"`
	Results []SearchResult `json:"results"`
}

// SearchParams filter and paginate a Search.
type SearchParams struct {
	Lang    string
	Country string
	Limit   int
	Offset  int
}

// Open opens a built database read-only and verifies it is serviceable
// with a sentinel query against the meta table.
func (d *Driver) Open(dbPath string) (provider.Store, error) {
	var db, err = sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}

	var meta, err2 = loadMeta(db)
	if err2 != nil {
		_ = db.Close()
		return nil, fmt.Errorf("loading meta of %s: %w", dbPath, err2)
	}

	cache, err := lru.New[string, *Name](nameCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{path: dbPath, db: db, meta: meta, nameCache: cache}, nil
}

func loadMeta(db *sql.DB) (map[string]string, error) {
	var rows, err = db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out = make(map[string]string)
	for rows.Next() {
		var k, v string
		if err = rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Path implements provider.Store.
func (s *Store) Path() string { return s.path }

// Meta implements provider.Store.
func (s *Store) Meta() map[string]string { return s.meta }

// Close implements provider.Store.
func (s *Store) Close() error { return s.db.Close() }

// Stats implements provider.Store.
func (s *Store) Stats() (map[string]int64, error) {
	var out = make(map[string]int64)
	for key, query := range map[string]string{
		"codes":       `SELECT COUNT(*) FROM codes`,
		"names":       `SELECT COUNT(*) FROM names`,
		"namesActive": `SELECT COUNT(*) FROM names WHERE isactive = 1`,
	} {
		var n int64
		if err := s.db.QueryRow(query).Scan(&n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, nil
}

// GetCode looks up one code by its eppocode, with its active names and
// preferred name. A non-empty |lang| restricts the returned name list.
func (s *Store) GetCode(eppocode, lang string) (*Code, error) {
	eppocode = strings.ToUpper(eppocode)

	var code Code
	var creation, modification sql.NullString
	var err = s.db.QueryRow(
		`SELECT id, eppocode, type, creation, modification FROM codes WHERE eppocode = ?`,
		eppocode,
	).Scan(&code.ID, &code.Eppocode, &code.Type, &creation, &modification)
	if err == sql.ErrNoRows {
		return nil, provider.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("querying code %s: %w", eppocode, err)
	}
	code.Creation = creation.String
	code.Modification = modification.String

	var query = `SELECT id, code_id, eppocode, fullname, lang, langcountry,
		authority, ispreferred, isactive, creation, modification
		FROM names WHERE eppocode = ? AND isactive = 1`
	var args = []interface{}{eppocode}
	if lang != "" {
		query += ` AND lang = ?`
		args = append(args, lang)
	}
	query += ` ORDER BY ispreferred DESC, lang, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying names of %s: %w", eppocode, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, err = scanName(rows)
		if err != nil {
			return nil, err
		}
		code.Names = append(code.Names, *name)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if pref, err := s.preferredName(eppocode); err != nil {
		return nil, err
	} else {
		code.Preferred = pref
	}
	return &code, nil
}

// GetName resolves the best name of |eppocode| for |lang|, preferring
// the exact country variant, then the country-less row, then any row of
// the language. Within each tier preferred names win.
func (s *Store) GetName(eppocode, lang, country string) (*Name, error) {
	eppocode = strings.ToUpper(eppocode)
	country = strings.ToUpper(country)

	var key = eppocode + "|" + lang + "|" + country
	if name, ok := s.nameCache.Get(key); ok {
		if name == nil {
			return nil, provider.ErrNotFound
		}
		return name, nil
	}

	var tiers []string
	var args [][]interface{}
	if country != "" {
		tiers = append(tiers, `lang = ? AND langcountry = ?`)
		args = append(args, []interface{}{eppocode, lang, country})
	}
	tiers = append(tiers,
		`lang = ? AND langcountry IS NULL`,
		`lang = ?`,
	)
	args = append(args,
		[]interface{}{eppocode, lang},
		[]interface{}{eppocode, lang},
	)

	for i, tier := range tiers {
		var row = s.db.QueryRow(`SELECT id, code_id, eppocode, fullname, lang,
			langcountry, authority, ispreferred, isactive, creation, modification
			FROM names WHERE eppocode = ? AND isactive = 1 AND `+tier+`
			ORDER BY ispreferred DESC, id LIMIT 1`, args[i]...)

		var name, err = scanName(row)
		if err == sql.ErrNoRows {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("querying name of %s: %w", eppocode, err)
		}
		s.nameCache.Add(key, name)
		return name, nil
	}
	s.nameCache.Add(key, nil)
	return nil, provider.ErrNotFound
}

// Search runs a diacritic-insensitive prefix search over active names.
// Results are ordered by ascending bm25 score, de-duplicated on
// (eppocode, fullname, lang), and paginated; Total counts all distinct
// matches irrespective of pagination. A |q| of "*" (or one which folds
// to no phrase token) lists all active names in name order.
func (s *Store) Search(q string, params SearchParams) (*SearchPage, error) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	var country = strings.ToUpper(params.Country)

	var folded = textfold.Fold(strings.TrimSpace(q))
	var matchAll = folded == "*" || textfold.Tokenless(folded)

	var from, score, order string
	var where []string
	var args []interface{}
	if matchAll {
		from = `names n`
		score = `0.0`
		order = `n.fullname, n.eppocode`
	} else {
		from = `names_fts JOIN names n ON n.id = names_fts.rowid`
		score = `MIN(bm25(names_fts))`
		order = `score, n.eppocode, n.fullname`
		where = append(where, `names_fts MATCH ?`)
		args = append(args, `"`+strings.ReplaceAll(folded, `"`, `""`)+`"*`)
	}
	where = append(where, `n.isactive = 1`)
	if params.Lang != "" {
		where = append(where, `n.lang = ?`)
		args = append(args, params.Lang)
	}
	if country != "" {
		where = append(where, `n.langcountry = ?`)
		args = append(args, country)
	}
	var clause = strings.Join(where, ` AND `)

	var page SearchPage
	var err = s.db.QueryRow(`SELECT COUNT(*) FROM (
		SELECT 1 FROM `+from+`
		WHERE `+clause+`
		GROUP BY n.eppocode, n.fullname, n.lang)`, args...).Scan(&page.Total)
	if err != nil {
		return nil, fmt.Errorf("counting search matches: %w", err)
	}

	rows, err := s.db.Query(`SELECT n.eppocode, n.fullname, n.lang,
		n.langcountry, `+score+` AS score
		FROM `+from+`
		WHERE `+clause+`
		GROUP BY n.eppocode, n.fullname, n.lang
		ORDER BY `+order+`
		LIMIT ? OFFSET ?`,
		append(args, params.Limit, params.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("searching names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r SearchResult
		var langCountry sql.NullString
		if err = rows.Scan(&r.Eppocode, &r.Fullname, &r.Lang, &langCountry, &r.Score); err != nil {
			return nil, err
		}
		r.LangCountry = langCountry.String
		page.Results = append(page.Results, r)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for i := range page.Results {
		var pref, err = s.preferredName(page.Results[i].Eppocode)
		if err != nil {
			return nil, err
		}
		page.Results[i].Preferred = pref
	}
	return &page, nil
}

// preferredName returns the preferred active name of |eppocode|, or nil.
func (s *Store) preferredName(eppocode string) (*Name, error) {
	var row = s.db.QueryRow(`SELECT id, code_id, eppocode, fullname, lang,
		langcountry, authority, ispreferred, isactive, creation, modification
		FROM names WHERE eppocode = ? AND ispreferred = 1 AND isactive = 1
		LIMIT 1`, eppocode)

	var name, err = scanName(row)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("querying preferred name of %s: %w", eppocode, err)
	}
	return name, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanName(row rowScanner) (*Name, error) {
	var name Name
	var langCountry, authority, creation, modification sql.NullString
	var isPreferred, isActive int

	var err = row.Scan(&name.ID, &name.CodeID, &name.Eppocode, &name.Fullname,
		&name.Lang, &langCountry, &authority, &isPreferred, &isActive,
		&creation, &modification)
	if err != nil {
		return nil, err
	}
	name.LangCountry = langCountry.String
	name.Authority = authority.String
	name.IsPreferred = isPreferred == 1
	name.IsActive = isActive == 1
	name.Creation = creation.String
	name.Modification = modification.String
	return &name, nil
}
