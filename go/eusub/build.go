package eusub

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
	log "github.com/sirupsen/logrus"

	"github.com/agridata/refdata/go/provider"
	"github.com/agridata/refdata/go/textfold"
)

// rowBatchSize is the number of substances inserted per transaction.
const rowBatchSize = 1000

// Build parses the JSON export at |rawPath| into a fresh database at
// |dbPath|. On any error the partial file is removed before returning.
// BuildOptions carry no EU-specific settings and are ignored.
func (d *Driver) Build(ctx context.Context, rawPath, dbPath string, _ provider.BuildOptions) (err error) {
	var raw []byte
	if raw, err = os.ReadFile(rawPath); err != nil {
		return fmt.Errorf("reading %s: %w", rawPath, err)
	}

	records, earfdSeen, err := parseRecords(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", rawPath, err)
	}
	if earfdSeen > 0 {
		// Known upstream typo; accepted and stored under the canonical name.
		log.WithField("count", earfdSeen).Debug("tox_source_earfd fields remapped")
	}

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

	if _, err = db.ExecContext(ctx, schemaDDL()); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	var count int64
	for len(records) != 0 {
		if err = ctx.Err(); err != nil {
			return err
		}
		var n = rowBatchSize
		if n > len(records) {
			n = len(records)
		}
		inserted, err2 := insertSubstances(ctx, db, records[:n])
		if err2 != nil {
			return err2
		}
		count += inserted
		records = records[n:]
	}

	if _, err = db.ExecContext(ctx, indexDDL()); err != nil {
		return fmt.Errorf("creating indexes: %w", err)
	}
	if err = populateFTS(ctx, db); err != nil {
		return err
	}

	var tx *sql.Tx
	if tx, err = db.BeginTx(ctx, nil); err != nil {
		return err
	}
	for key, value := range map[string]string{
		"builtAt":     time.Now().UTC().Format(time.RFC3339),
		"recordCount": fmt.Sprint(count),
	} {
		if _, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("writing meta %s: %w", key, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	log.WithFields(log.Fields{"db": dbPath, "substances": count}).
		Info("built eu substance database")
	return nil
}

// parseRecords decodes the export body: a JSON array, a single JSON
// object (wrapped as a one-element list), or line-delimited JSON as a
// last resort. It also counts tox_source_earfd occurrences.
func parseRecords(raw []byte) ([]map[string]interface{}, int, error) {
	var records []map[string]interface{}

	var dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var root interface{}
	var err = dec.Decode(&root)
	if err == nil && dec.More() {
		// Not a single JSON document; likely line-delimited.
		err = fmt.Errorf("trailing data after JSON value")
	}
	if err == nil {
		switch v := root.(type) {
		case []interface{}:
			for _, item := range v {
				if rec, ok := item.(map[string]interface{}); ok {
					records = append(records, rec)
				}
			}
		case map[string]interface{}:
			records = append(records, v)
		default:
			return nil, 0, fmt.Errorf("unexpected JSON root of type %T", root)
		}
	} else {
		// Line-delimited fallback: one object per non-blank line.
		var scanner = bufio.NewScanner(bytes.NewReader(raw))
		scanner.Buffer(make([]byte, 0, 1<<20), 1<<24)
		for scanner.Scan() {
			var line = bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var rec map[string]interface{}
			var lineDec = json.NewDecoder(bytes.NewReader(line))
			lineDec.UseNumber()
			if err2 := lineDec.Decode(&rec); err2 != nil {
				return nil, 0, fmt.Errorf("line-delimited fallback: %w", err2)
			}
			records = append(records, rec)
		}
		if err2 := scanner.Err(); err2 != nil {
			return nil, 0, err2
		}
		if len(records) == 0 {
			return nil, 0, fmt.Errorf("body is neither JSON nor line-delimited JSON: %w", err)
		}
	}

	var earfd int
	for _, rec := range records {
		if _, ok := rec["tox_source_earfd"]; ok {
			earfd++
		}
	}
	return records, earfd, nil
}

func schemaDDL() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE meta (key TEXT PRIMARY KEY, value TEXT);\n")
	b.WriteString("CREATE TABLE substances (\n\tsubstance_id INTEGER PRIMARY KEY")
	for _, col := range substanceColumns {
		b.WriteString(",\n\t")
		b.WriteString(col)
		b.WriteString(" TEXT")
	}
	b.WriteString("\n);\n")
	return b.String()
}

func indexDDL() string {
	return `
CREATE INDEX idx_substances_name ON substances (substance_name);
CREATE INDEX idx_substances_cas ON substances (as_cas_number);
CREATE INDEX idx_substances_status ON substances (substance_status);
CREATE INDEX idx_substances_category ON substances (substance_category);
CREATE VIRTUAL TABLE substances_fts USING fts5(
	substance_name_norm, as_cas_number UNINDEXED, substance_category UNINDEXED);
`
}

func insertSubstances(ctx context.Context, db *sql.DB, batch []map[string]interface{}) (count int64, err error) {
	var tx *sql.Tx
	if tx, err = db.BeginTx(ctx, nil); err != nil {
		return 0, fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var placeholders = strings.TrimSuffix(
		strings.Repeat("?, ", len(substanceColumns)+1), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO substances (substance_id, %s) VALUES (%s)`,
		strings.Join(substanceColumns, ", "), placeholders))
	if err != nil {
		return 0, err
	}

	for _, rec := range batch {
		var id, ok = recordID(rec)
		if !ok {
			log.WithField("record", rec["substance_name"]).
				Warn("skipping substance without a valid substance_id")
			continue
		}

		var args = make([]interface{}, 0, len(substanceColumns)+1)
		args = append(args, id)
		for _, col := range substanceColumns {
			args = append(args, nullable(fieldValue(rec, col)))
		}
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("inserting substance %d: %w", id, err)
		}
		count++
	}
	return count, tx.Commit()
}

func recordID(rec map[string]interface{}) (int64, bool) {
	switch v := rec["substance_id"].(type) {
	case json.Number:
		var id, err = v.Int64()
		return id, err == nil
	case string:
		var n = json.Number(v)
		var id, err = n.Int64()
		return id, err == nil
	default:
		return 0, false
	}
}

// fieldValue resolves |col| from the upstream record, applying the
// tox_source_earfd alias and the opportunistic CAS rescue from remark.
func fieldValue(rec map[string]interface{}, col string) string {
	switch col {
	case "tox_source_arfd":
		if v := stringify(rec["tox_source_earfd"]); v != "" {
			return v
		}
		return stringify(rec["tox_source_arfd"])

	case "as_cas_number":
		if v := stringify(rec["as_cas_number"]); v != "" {
			return v
		}
		return casRescueRe.FindString(stringify(rec["remark"]))

	default:
		return stringify(rec[col])
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return fmt.Sprint(t)
	default:
		var b, err = json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// populateFTS indexes every substance under its folded name.
func populateFTS(ctx context.Context, db *sql.DB) error {
	type entry struct {
		id            int64
		folded        string
		cas, category string
	}
	var entries []entry

	var rows, err = db.QueryContext(ctx, `SELECT substance_id, substance_name,
		as_cas_number, substance_category FROM substances`)
	if err != nil {
		return fmt.Errorf("scanning substances for FTS: %w", err)
	}
	for rows.Next() {
		var e entry
		var name, cas, category sql.NullString
		if err = rows.Scan(&e.id, &name, &cas, &category); err != nil {
			_ = rows.Close()
			return err
		}
		e.folded = textfold.Fold(name.String)
		e.cas = cas.String
		e.category = category.String
		entries = append(entries, e)
	}
	if err = rows.Close(); err != nil {
		return err
	}

	for len(entries) != 0 {
		var n = rowBatchSize
		if n > len(entries) {
			n = len(entries)
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO substances_fts
			(rowid, substance_name_norm, as_cas_number, substance_category)
			VALUES (?, ?, ?, ?)`)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		for _, e := range entries[:n] {
			if _, err = stmt.ExecContext(ctx, e.id, e.folded, e.cas, e.category); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("indexing substance %d: %w", e.id, err)
			}
		}
		if err = tx.Commit(); err != nil {
			return err
		}
		entries = entries[n:]
	}
	return nil
}
