// Package eppo implements the EPPO plant-code provider: fetching the
// upstream "XML Full" dataset, building an indexed SQLite database from
// it, and serving code / name / search queries over the result.
package eppo

import (
	"net/http"
	"path/filepath"
	"sort"
	"sync"
)

// Code is one admitted EPPO code with its names.
type Code struct {
	ID           int64  `json:"id"`
	Eppocode     string `json:"eppocode"`
	Type         string `json:"type"`
	Creation     string `json:"creation,omitempty"`
	Modification string `json:"modification,omitempty"`
	Preferred    *Name  `json:"preferred"`
	Names        []Name `json:"names"`
}

// Name is one name attached to an EPPO code.
type Name struct {
	ID           int64  `json:"id"`
	CodeID       int64  `json:"-"`
	Eppocode     string `json:"eppocode"`
	Fullname     string `json:"fullname"`
	Lang         string `json:"lang"`
	LangCountry  string `json:"langcountry,omitempty"`
	Authority    string `json:"authority,omitempty"`
	IsPreferred  bool   `json:"ispreferred"`
	IsActive     bool   `json:"isactive"`
	Creation     string `json:"creation,omitempty"`
	Modification string `json:"modification,omitempty"`
}

// Driver implements provider.Driver for the EPPO dataset.
type Driver struct {
	// APIURL lists the downloadable datasets of the EPPO data service.
	APIURL string
	// APIKey is sent with every upstream request.
	APIKey string
	// Client used for upstream requests; http.DefaultClient if nil.
	Client *http.Client

	mu    sync.Mutex
	types []string // Current allow-list of admitted code types.
}

// NewDriver returns a Driver admitting codes of the given |types|.
func NewDriver(apiURL, apiKey string, types []string) *Driver {
	return &Driver{
		APIURL: apiURL,
		APIKey: apiKey,
		types:  append([]string(nil), types...),
	}
}

// Name implements provider.Driver.
func (d *Driver) Name() string { return "eppo" }

// FindRaw locates an extracted dataset XML in |dir|.
func (d *Driver) FindRaw(dir string) (string, bool) {
	var matches, err = filepath.Glob(filepath.Join(dir, "*.xml"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	return matches[0], true
}

// Types returns the current allow-list of admitted code types.
func (d *Driver) Types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.types...)
}

// resolveTypes applies an allow-list override from build options, if
// any, and returns the effective set. An override becomes the current
// set for subsequent builds.
func (d *Driver) resolveTypes(override []string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if override != nil {
		d.types = append([]string(nil), override...)
	}
	return append([]string(nil), d.types...)
}

func (d *Driver) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}
