package eppo

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// zipName is the transient download target; it is removed once the
// contained XML has been extracted.
const zipName = "fullcodes.zip"

// Fetch downloads the "XML Full" dataset: it lists the available
// datasets from the EPPO API, downloads the matching ZIP, and extracts
// the contained XML into |dir|. The extracted path is returned.
func (d *Driver) Fetch(ctx context.Context, dir string) (string, error) {
	var datasets, err = d.listDatasets(ctx)
	if err != nil {
		return "", err
	}

	url, err := pickXMLFull(datasets)
	if err != nil {
		return "", err
	}

	var zipPath = filepath.Join(dir, zipName)
	if err = d.download(ctx, url, zipPath); err != nil {
		_ = os.Remove(zipPath)
		return "", err
	}

	xmlPath, err := extractXML(zipPath, dir)
	if err != nil {
		_ = os.Remove(zipPath)
		return "", err
	}
	if err = os.Remove(zipPath); err != nil {
		log.WithFields(log.Fields{"path": zipPath, "err": err}).
			Warn("failed to remove downloaded zip")
	}
	return xmlPath, nil
}

func (d *Driver) listDatasets(ctx context.Context) ([]map[string]interface{}, error) {
	var req, err = http.NewRequestWithContext(ctx, "GET", d.APIURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building dataset list request: %w", err)
	}
	req.Header.Set("Authorization", d.APIKey)

	resp, err := d.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing datasets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing datasets: unexpected status %s", resp.Status)
	}

	var out []map[string]interface{}
	if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding dataset list: %w", err)
	}
	return out, nil
}

// pickXMLFull selects the dataset descriptor to download: the one
// labelled exactly "XML Full", or failing that the first descriptor
// whose stringified values contain "xmlfull" (case-insensitive).
func pickXMLFull(datasets []map[string]interface{}) (string, error) {
	var match = func(pred func(string) bool) (string, bool) {
		for _, ds := range datasets {
			for _, v := range ds {
				var s, ok = v.(string)
				if !ok || !pred(s) {
					continue
				}
				if url, ok := ds["url"].(string); ok && url != "" {
					return url, true
				}
			}
		}
		return "", false
	}

	if url, ok := match(func(s string) bool { return s == "XML Full" }); ok {
		return url, nil
	}
	if url, ok := match(func(s string) bool {
		return strings.Contains(
			strings.ReplaceAll(strings.ToLower(s), " ", ""), "xmlfull")
	}); ok {
		return url, nil
	}
	return "", fmt.Errorf("no XML Full dataset among %d descriptors", len(datasets))
}

func (d *Driver) download(ctx context.Context, url, path string) error {
	var req, err = http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("building download request: %w", err)
	}
	req.Header.Set("Authorization", d.APIKey)

	resp, err := d.client().Do(req)
	if err != nil {
		return fmt.Errorf("downloading dataset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading dataset: unexpected status %s", resp.Status)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err = io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// extractXML extracts the first .xml entry of the ZIP at |zipPath|
// into |dir|, preserving the entry's base name.
func extractXML(zipPath, dir string) (string, error) {
	var zr, err = zip.OpenReader(zipPath)
	if err != nil {
		return "", fmt.Errorf("opening zip: %w", err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		if !strings.HasSuffix(strings.ToLower(entry.Name), ".xml") {
			continue
		}
		var out = filepath.Join(dir, filepath.Base(entry.Name))

		rc, err := entry.Open()
		if err != nil {
			return "", fmt.Errorf("opening zip entry %s: %w", entry.Name, err)
		}
		f, err := os.Create(out)
		if err != nil {
			_ = rc.Close()
			return "", fmt.Errorf("creating %s: %w", out, err)
		}
		if _, err = io.Copy(f, rc); err != nil {
			_ = f.Close()
			_ = rc.Close()
			_ = os.Remove(out)
			return "", fmt.Errorf("extracting %s: %w", entry.Name, err)
		}
		_ = rc.Close()
		if err = f.Close(); err != nil {
			_ = os.Remove(out)
			return "", err
		}
		return out, nil
	}
	return "", fmt.Errorf("zip %s contains no .xml entry", filepath.Base(zipPath))
}
