package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/nimbuschain/fetch/internal/domain"
)

// manifestFile is the on-disk shape of manifest.json. The manifest
// describes the non-manifest artifacts; its own checksum is appended by
// the caller after this write completes.
type manifestFile struct {
	JobID      string            `json:"job_id"`
	Provider   string            `json:"provider"`
	Collection string            `json:"collection"`
	CreatedAt  string            `json:"created_at"`
	Paths      []string          `json:"paths"`
	Checksums  map[string]string `json:"checksums"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// writeManifest writes manifest.json into outputPath and returns its
// path plus a generic map suitable for store.FinishResult.ManifestEntry.
func writeManifest(job *domain.Job, outputPath string, paths []string, checksums map[string]string) (string, map[string]interface{}, error) {
	mf := manifestFile{
		JobID:      job.ID.String(),
		Provider:   job.Provider,
		Collection: job.Collection,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		Paths:      append([]string{}, paths...),
		Checksums:  checksums,
	}

	b, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return "", nil, err
	}

	manifestPath := filepath.Join(outputPath, "manifest.json")
	if err := os.WriteFile(manifestPath, b, 0o644); err != nil {
		return "", nil, err
	}

	entry := map[string]interface{}{
		"job_id":     mf.JobID,
		"provider":   mf.Provider,
		"collection": mf.Collection,
		"created_at": mf.CreatedAt,
	}
	return manifestPath, entry, nil
}
