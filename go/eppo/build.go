package eppo

import (
	"context"
	"database/sql"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
	log "github.com/sirupsen/logrus"

	"github.com/agridata/refdata/go/provider"
	"github.com/agridata/refdata/go/textfold"
)

// codeBatchSize is the number of codes inserted per transaction.
const codeBatchSize = 5000

const ddl = `
CREATE TABLE meta (key TEXT PRIMARY KEY, value TEXT);
CREATE TABLE codes (
	id INTEGER PRIMARY KEY,
	eppocode TEXT UNIQUE NOT NULL,
	type TEXT NOT NULL,
	creation TEXT,
	modification TEXT
);
CREATE TABLE names (
	id INTEGER PRIMARY KEY,
	code_id INTEGER NOT NULL,
	eppocode TEXT NOT NULL,
	fullname TEXT NOT NULL,
	lang TEXT NOT NULL,
	langcountry TEXT,
	authority TEXT,
	ispreferred INTEGER NOT NULL,
	isactive INTEGER NOT NULL,
	creation TEXT,
	modification TEXT
);
`

const indexDDL = `
CREATE INDEX idx_codes_eppo ON codes (eppocode);
CREATE INDEX idx_names_eppo ON names (eppocode);
CREATE INDEX idx_names_code_id ON names (code_id);
CREATE INDEX idx_names_lang ON names (eppocode, lang);
CREATE INDEX idx_names_lang_country ON names (eppocode, lang, langcountry);
CREATE VIRTUAL TABLE names_fts USING fts5(fullname_norm, eppocode UNINDEXED);
`

// codeRec is one streamed <code> element with its nested names.
type codeRec struct {
	eppocode     string
	typ          string
	isActive     bool
	creation     string
	modification string
	names        []nameRec
}

type nameRec struct {
	fullname     string
	lang         string
	langCountry  string
	authority    string
	isPreferred  bool
	isActive     bool
	creation     string
	modification string
}

// Build streams the dataset XML at |rawPath| into a fresh database at
// |dbPath|. On any error the partial file is removed before returning.
func (d *Driver) Build(ctx context.Context, rawPath, dbPath string, opts provider.BuildOptions) (err error) {
	var types = d.resolveTypes(opts.Types)
	var allow = make(map[string]bool, len(types))
	for _, t := range types {
		allow[t] = true
	}

	// Write-once, crash-discard file: journaling and fsync are wasted work.
	var db *sql.DB
	db, err = sql.Open("sqlite3",
		fmt.Sprintf("file:%s?_journal_mode=OFF&_synchronous=OFF", dbPath))
	if err != nil {
		return fmt.Errorf("opening build database: %w", err)
	}
	db.SetMaxOpenConns(1)

	defer func() {
		if cerr := db.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing build database: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(dbPath)
		}
	}()

	if _, err = db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	f, err := os.Open(rawPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", rawPath, err)
	}
	defer f.Close()

	var meta = map[string]string{}
	var codeCount, nameCount int64
	var batch []codeRec

	var flush = func() error {
		if len(batch) == 0 {
			return nil
		}
		var n, err = insertCodes(ctx, db, batch)
		if err != nil {
			return err
		}
		codeCount += int64(len(batch))
		nameCount += n
		batch = batch[:0]
		return nil
	}

	var dec = xml.NewDecoder(f)
	var cur *codeRec
	var curName *nameRec

	for {
		tok, err2 := dec.Token()
		if err2 == io.EOF {
			break
		} else if err2 != nil {
			return fmt.Errorf("parsing %s: %w", rawPath, err2)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "codes":
				for _, a := range t.Attr {
					switch a.Name.Local {
					case "dateexport":
						meta["dateexport"] = a.Value
					case "version":
						meta["version"] = a.Value
					}
				}
			case "code":
				cur = &codeRec{}
				for _, a := range t.Attr {
					switch a.Name.Local {
					case "isactive":
						cur.isActive = a.Value == "true"
					case "type":
						cur.typ = a.Value
					case "creation":
						cur.creation = a.Value
					case "modification":
						cur.modification = a.Value
					}
				}
			case "name":
				if cur == nil {
					continue
				}
				curName = &nameRec{}
				for _, a := range t.Attr {
					switch a.Name.Local {
					case "isactive":
						curName.isActive = a.Value == "true"
					case "ispreferred":
						curName.isPreferred = a.Value == "true"
					case "creation":
						curName.creation = a.Value
					case "modification":
						curName.modification = a.Value
					}
				}
			case "eppocode", "fullname", "lang", "langcountry", "authority":
				var text string
				if err2 = dec.DecodeElement(&text, &t); err2 != nil {
					return fmt.Errorf("parsing <%s>: %w", t.Name.Local, err2)
				}
				text = strings.TrimSpace(text)

				if curName != nil {
					switch t.Name.Local {
					case "fullname":
						curName.fullname = text
					case "lang":
						curName.lang = text
					case "langcountry":
						curName.langCountry = text
					case "authority":
						curName.authority = text
					}
				} else if cur != nil && t.Name.Local == "eppocode" {
					cur.eppocode = strings.ToUpper(text)
				}
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "name":
				if cur != nil && curName != nil {
					cur.names = append(cur.names, *curName)
				}
				curName = nil
			case "code":
				// Admission: active codes of an allowed type. Names of an
				// admitted code are captured irrespective of their own
				// isactive flag; both flags are persisted.
				if cur != nil && cur.isActive && allow[cur.typ] && cur.eppocode != "" {
					batch = append(batch, *cur)
				}
				cur = nil

				if len(batch) >= codeBatchSize {
					if err = ctx.Err(); err != nil {
						return err
					}
					if err = flush(); err != nil {
						return err
					}
				}
			}
		}
	}
	if err = flush(); err != nil {
		return err
	}

	if _, err = db.ExecContext(ctx, indexDDL); err != nil {
		return fmt.Errorf("creating indexes: %w", err)
	}
	if err = populateFTS(ctx, db); err != nil {
		return err
	}

	meta["builtAt"] = time.Now().UTC().Format(time.RFC3339)
	meta["types"] = strings.Join(types, ",")
	meta["codes"] = fmt.Sprint(codeCount)
	meta["names"] = fmt.Sprint(nameCount)
	if err = writeMeta(ctx, db, meta); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"db":    dbPath,
		"codes": codeCount,
		"names": nameCount,
		"types": types,
	}).Info("built eppo database")
	return nil
}

func insertCodes(ctx context.Context, db *sql.DB, batch []codeRec) (names int64, err error) {
	var tx *sql.Tx
	if tx, err = db.BeginTx(ctx, nil); err != nil {
		return 0, fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	codeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO codes (eppocode, type, creation, modification)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	nameStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO names (code_id, eppocode, fullname, lang, langcountry,
			authority, ispreferred, isactive, creation, modification)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}

	for _, code := range batch {
		res, err2 := codeStmt.ExecContext(ctx, code.eppocode, code.typ,
			nullable(code.creation), nullable(code.modification))
		if err2 != nil {
			return 0, fmt.Errorf("inserting code %s: %w", code.eppocode, err2)
		}
		codeID, err2 := res.LastInsertId()
		if err2 != nil {
			return 0, err2
		}

		for _, name := range code.names {
			if name.fullname == "" || name.lang == "" {
				continue
			}
			if _, err2 = nameStmt.ExecContext(ctx,
				codeID, code.eppocode, name.fullname, name.lang,
				nullable(strings.ToUpper(name.langCountry)),
				nullable(name.authority),
				boolInt(name.isPreferred), boolInt(name.isActive),
				nullable(name.creation), nullable(name.modification),
			); err2 != nil {
				return 0, fmt.Errorf("inserting name of %s: %w", code.eppocode, err2)
			}
			names++
		}
	}
	return names, tx.Commit()
}

// populateFTS indexes every active name under its diacritic fold.
func populateFTS(ctx context.Context, db *sql.DB) error {
	type entry struct {
		id       int64
		folded   string
		eppocode string
	}
	var entries []entry

	var rows, err = db.QueryContext(ctx,
		`SELECT id, fullname, eppocode FROM names WHERE isactive = 1`)
	if err != nil {
		return fmt.Errorf("scanning names for FTS: %w", err)
	}
	for rows.Next() {
		var e entry
		var fullname string
		if err = rows.Scan(&e.id, &fullname, &e.eppocode); err != nil {
			_ = rows.Close()
			return err
		}
		e.folded = textfold.Fold(fullname)
		entries = append(entries, e)
	}
	if err = rows.Close(); err != nil {
		return err
	}

	for len(entries) != 0 {
		var n = codeBatchSize
		if n > len(entries) {
			n = len(entries)
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO names_fts (rowid, fullname_norm, eppocode) VALUES (?, ?, ?)`)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		for _, e := range entries[:n] {
			if _, err = stmt.ExecContext(ctx, e.id, e.folded, e.eppocode); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("indexing name %d: %w", e.id, err)
			}
		}
		if err = tx.Commit(); err != nil {
			return err
		}
		entries = entries[n:]
	}
	return nil
}

func writeMeta(ctx context.Context, db *sql.DB, meta map[string]string) error {
	var tx, err = db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for key, value := range meta {
		if _, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("writing meta %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
