package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nimbuschain/fetch/internal/provider"
	"github.com/nimbuschain/fetch/internal/runner"
)

var collectionPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// validationError is a 400-class input error; its message is safe to
// return directly to the caller.
type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func invalid(format string, args ...interface{}) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// JobSubmission is the wire shape of one entry in a create_job or
// create_jobs_batch request body.
type JobSubmission struct {
	Provider    string    `json:"provider"`
	JobType     string    `json:"job_type"`
	Collection  string    `json:"collection"`
	ProductType string    `json:"product_type,omitempty"`
	StartDate   string    `json:"start_date,omitempty"`
	EndDate     string    `json:"end_date,omitempty"`
	AOI         *aoiInput `json:"aoi,omitempty"`
	TileID      string    `json:"tile_id,omitempty"`
	ProductIDs  []string  `json:"product_ids,omitempty"`
	OutputDir   string    `json:"output_dir"`
}

type aoiInput struct {
	WKT     string                 `json:"wkt,omitempty"`
	GeoJSON map[string]interface{} `json:"geojson,omitempty"`
}

const (
	jobTypeSearchDownload  = "search_download"
	jobTypeDownloadProducts = "download_products"
)

// jobBatchRequest is the wire shape of a POST /v1/jobs/batch body.
type jobBatchRequest struct {
	Jobs []JobSubmission `json:"jobs"`
}

// bindJobSubmission decodes one job submission, rejecting unknown fields.
func bindJobSubmission(c *gin.Context, sub *JobSubmission) error {
	return decodeStrict(c, sub)
}

// bindJobBatch decodes a batch submission, rejecting unknown fields at
// both the envelope and per-job level.
func bindJobBatch(c *gin.Context, batch *jobBatchRequest) error {
	return decodeStrict(c, batch)
}

// decodeStrict reads the request body once and decodes it with
// DisallowUnknownFields, since the admission boundary rejects unknown
// fields rather than silently ignoring them.
func decodeStrict(c *gin.Context, v interface{}) error {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return invalid("failed to read request body: %v", err)
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid("malformed request body: %v", err)
	}
	return nil
}

// validate enforces the admission boundary's input rules before a
// submission is ever durably recorded: provider must be registered,
// job_type determines which fields are required, dates must parse and
// be ordered, an AOI may carry WKT or GeoJSON but never both, and
// output_dir, when present, must be a relative path with no traversal.
func validate(sub JobSubmission, providers *provider.Registry) error {
	if sub.Provider == "" {
		return invalid("provider is required")
	}
	if _, ok := providers.Get(sub.Provider); !ok {
		return invalid("unknown provider %q", sub.Provider)
	}

	jobType := sub.JobType
	if jobType == "" {
		jobType = jobTypeSearchDownload
	}
	switch jobType {
	case jobTypeSearchDownload:
		if sub.Collection == "" {
			return invalid("collection is required for job_type=%s", jobTypeSearchDownload)
		}
		if !collectionPattern.MatchString(sub.Collection) {
			return invalid("collection %q contains invalid characters", sub.Collection)
		}
		if sub.ProductType == "" {
			return invalid("product_type is required for job_type=%s", jobTypeSearchDownload)
		}
		if sub.StartDate == "" {
			return invalid("start_date is required for job_type=%s", jobTypeSearchDownload)
		}
		if sub.EndDate == "" {
			return invalid("end_date is required for job_type=%s", jobTypeSearchDownload)
		}
		if sub.AOI == nil {
			return invalid("aoi is required for job_type=%s", jobTypeSearchDownload)
		}
	case jobTypeDownloadProducts:
		if sub.Collection == "" {
			return invalid("collection is required for job_type=%s", jobTypeDownloadProducts)
		}
		if !collectionPattern.MatchString(sub.Collection) {
			return invalid("collection %q contains invalid characters", sub.Collection)
		}
		if len(sub.ProductIDs) == 0 {
			return invalid("product_ids is required for job_type=%s", jobTypeDownloadProducts)
		}
	default:
		return invalid("unknown job_type %q", jobType)
	}

	start, end, err := parseDateRange(sub.StartDate, sub.EndDate)
	if err != nil {
		return err
	}
	if start != nil && end != nil && start.After(*end) {
		return invalid("start_date must not be after end_date")
	}

	if sub.AOI != nil {
		hasWKT := strings.TrimSpace(sub.AOI.WKT) != ""
		hasGeoJSON := len(sub.AOI.GeoJSON) > 0
		if hasWKT && hasGeoJSON {
			return invalid("aoi must carry exactly one of wkt or geojson, not both")
		}
		if !hasWKT && !hasGeoJSON {
			return invalid("aoi must carry one of wkt or geojson")
		}
		if _, err := provider.ParseAOIGeometryType(provider.AOI{WKT: sub.AOI.WKT, GeoJSON: sub.AOI.GeoJSON}); err != nil {
			return invalid("%v", err)
		}
	}

	if err := validateOutputDir(sub.OutputDir); err != nil {
		return err
	}
	return nil
}

func parseDateRange(start, end string) (*time.Time, *time.Time, error) {
	var startT, endT *time.Time
	if start != "" {
		t, err := parseDate(start)
		if err != nil {
			return nil, nil, invalid("start_date %q is not a valid date: %v", start, err)
		}
		startT = &t
	}
	if end != "" {
		t, err := parseDate(end)
		if err != nil {
			return nil, nil, invalid("end_date %q is not a valid date: %v", end, err)
		}
		endT = &t
	}
	return startT, endT, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// validateOutputDir accepts an empty output_dir — it is optional per the
// submission schema and defaulted to the new job_id by the store — but
// rejects any non-empty value that would escape the sandbox root.
func validateOutputDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	if strings.HasPrefix(dir, "/") {
		return invalid("output_dir must be a relative path")
	}
	for _, seg := range strings.Split(dir, "/") {
		if seg == ".." {
			return invalid("output_dir must not contain '..' segments")
		}
	}
	if strings.Contains(dir, "\x00") {
		return invalid("output_dir must not contain NUL bytes")
	}
	return nil
}

func toRunnerRequest(sub JobSubmission) runner.Request {
	req := runner.Request{
		Collection:  sub.Collection,
		ProductType: sub.ProductType,
		StartDate:   sub.StartDate,
		EndDate:     sub.EndDate,
		TileID:      sub.TileID,
		ProductIDs:  sub.ProductIDs,
		OutputDir:   sub.OutputDir,
	}
	if sub.AOI != nil {
		req.AOI = &provider.AOI{WKT: sub.AOI.WKT, GeoJSON: sub.AOI.GeoJSON}
	}
	return req
}
