// Package eusub implements the EU active-substance provider: fetching
// the upstream JSON export, building an indexed SQLite database from
// it, and serving substance lookups and searches over the result.
package eusub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
)

// rawName is the fixed name of the raw artifact inside the data directory.
const rawName = "data.json"

// casPattern is the upstream-documented CAS registry number format.
const casPattern = `\d{2,7}-\d{2}-\d`

var (
	casExactRe  = regexp.MustCompile(`^` + casPattern + `$`)
	casRescueRe = regexp.MustCompile(casPattern)
)

// substanceColumns are the TEXT columns of the substances table, in
// upstream field-name order. substance_id is the integer primary key
// and is handled separately. Most of these are opaque pass-through.
var substanceColumns = []string{
	"substance_name",
	"as_cas_number",
	"as_ec_number",
	"as_iupac_name",
	"substance_status",
	"substance_category",
	"substance_function",
	"approval_date",
	"expiry_date",
	"approval_regulation",
	"amendment_regulation",
	"legislation",
	"rapporteur",
	"co_rapporteur",
	"candidate_for_substitution",
	"low_risk",
	"basic_substance",
	"authorised_uses",
	"restrictions",
	"specific_provisions",
	"remark",
	"organism_group",
	"resistance_code",
	"dossier",
	"eu_review",
	"review_report_url",
	"assessment_url",
	"mrl_url",
	"tox_value_adi",
	"tox_source_adi",
	"tox_value_arfd",
	"tox_source_arfd",
	"tox_value_aoel",
	"tox_source_aoel",
	"tox_value_aaoel",
	"tox_source_aaoel",
	"rei_value",
	"rei_unit",
	"phi_value",
	"phi_unit",
	"smiles",
	"molecular_formula",
	"member_states",
	"notes",
}

// Substance is one EU active-substance record. Fields carries every
// stored column keyed by its upstream name; the struct members promote
// the handful the service itself interprets.
type Substance struct {
	ID        int64
	Name      string
	CasNumber string
	Status    string
	Category  string
	Fields    map[string]string
}

// MarshalJSON flattens the record into its upstream field names.
func (s *Substance) MarshalJSON() ([]byte, error) {
	var out = make(map[string]interface{}, len(s.Fields)+1)
	for k, v := range s.Fields {
		out[k] = v
	}
	out["substance_id"] = s.ID
	return json.Marshal(out)
}

// Driver implements provider.Driver for the EU active-substance export.
type Driver struct {
	// URL of the upstream JSON export.
	URL string
	// Client used for upstream requests; http.DefaultClient if nil.
	Client *http.Client
}

// NewDriver returns a Driver fetching from |url|.
func NewDriver(url string) *Driver { return &Driver{URL: url} }

// Name implements provider.Driver.
func (d *Driver) Name() string { return "eu" }

// FindRaw implements provider.Driver.
func (d *Driver) FindRaw(dir string) (string, bool) {
	var path = filepath.Join(dir, rawName)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// Fetch downloads the export verbatim to <dir>/data.json.
func (d *Driver) Fetch(ctx context.Context, dir string) (string, error) {
	var req, err = http.NewRequestWithContext(ctx, "GET", d.URL, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	var client = d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching substances: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching substances: unexpected status %s", resp.Status)
	}

	var path = filepath.Join(dir, rawName)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err = io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}
