package handlers

import (
	"testing"

	"github.com/nimbuschain/fetch/internal/provider"
	"github.com/nimbuschain/fetch/internal/provider/fake"
)

func registryWith(names ...string) *provider.Registry {
	r := provider.NewRegistry()
	for _, n := range names {
		p := fake.New(n, nil)
		_ = r.Register(p)
	}
	return r
}

func validSearchDownload() JobSubmission {
	return JobSubmission{
		Provider:    "copernicus",
		JobType:     jobTypeSearchDownload,
		Collection:  "SENTINEL-2",
		ProductType: "S2MSI2A",
		StartDate:   "2025-01-01",
		EndDate:     "2025-01-02",
		AOI:         &aoiInput{WKT: "POLYGON((0 0,0 1,1 1,1 0,0 0))"},
	}
}

func TestValidateAcceptsWellFormedSearchDownload(t *testing.T) {
	if err := validate(validSearchDownload(), registryWith("copernicus")); err != nil {
		t.Fatalf("expected valid submission to pass, got %v", err)
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	sub := validSearchDownload()
	if err := validate(sub, registryWith("usgs")); err == nil {
		t.Fatal("expected unknown provider to be rejected")
	}
}

func TestValidateRejectsMalformedWKT(t *testing.T) {
	sub := validSearchDownload()
	sub.AOI = &aoiInput{WKT: "POLYGON(not-a-coordinate)"}
	if err := validate(sub, registryWith("copernicus")); err == nil {
		t.Fatal("expected a WKT string with no numeric ring to be rejected")
	}
}

func TestValidateRejectsAOIWithBothWKTAndGeoJSON(t *testing.T) {
	sub := validSearchDownload()
	sub.AOI = &aoiInput{
		WKT:     "POLYGON((0 0,0 1,1 1,1 0,0 0))",
		GeoJSON: map[string]interface{}{"type": "Polygon", "coordinates": []interface{}{}},
	}
	if err := validate(sub, registryWith("copernicus")); err == nil {
		t.Fatal("expected mutually exclusive wkt/geojson to be rejected")
	}
}

func TestValidateRejectsEndDateBeforeStartDate(t *testing.T) {
	sub := validSearchDownload()
	sub.StartDate, sub.EndDate = "2025-02-01", "2025-01-01"
	if err := validate(sub, registryWith("copernicus")); err == nil {
		t.Fatal("expected end_date before start_date to be rejected")
	}
}

func TestValidateAllowsEmptyOutputDirAsOptional(t *testing.T) {
	sub := validSearchDownload()
	sub.OutputDir = ""
	if err := validate(sub, registryWith("copernicus")); err != nil {
		t.Fatalf("expected output_dir to be optional, got %v", err)
	}
}

func TestValidateRejectsOutputDirTraversal(t *testing.T) {
	sub := validSearchDownload()
	sub.OutputDir = "../escape"
	if err := validate(sub, registryWith("copernicus")); err == nil {
		t.Fatal("expected output_dir with a .. segment to be rejected")
	}
}

func TestValidateDownloadProductsRequiresProductIDs(t *testing.T) {
	sub := JobSubmission{Provider: "copernicus", JobType: jobTypeDownloadProducts, Collection: "SENTINEL-2"}
	if err := validate(sub, registryWith("copernicus")); err == nil {
		t.Fatal("expected download_products with no product_ids to be rejected")
	}
	sub.ProductIDs = []string{"p1"}
	if err := validate(sub, registryWith("copernicus")); err != nil {
		t.Fatalf("expected download_products with product_ids to pass, got %v", err)
	}
}
