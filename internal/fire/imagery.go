package fire

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	kmPerDegreeLat = 111.32
	bboxSizeKm     = 25.0

	defaultImageryBaseURL = "https://wvs.earthdata.nasa.gov/api/v1/snapshot"
	snapshotLayers        = "VIIRS_SNPP_CorrectedReflectance_BandsM11-I2-I1,VIIRS_SNPP_Thermal_Anomalies_375m_Day,Reference_Features_15m"
	maxSnapshotBytes      = 8 << 20
)

// ImageryClient fetches satellite snapshots around a detection from the NASA
// Worldview snapshot API.
type ImageryClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewImageryClient(baseURL string, httpClient *http.Client) *ImageryClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultImageryBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &ImageryClient{baseURL: baseURL, httpClient: httpClient}
}

type boundingBox struct {
	minLon, minLat, maxLon, maxLat float64
}

// boundingBoxAround spans bboxSizeKm in each direction from the center. The
// longitude span widens with latitude as meridians converge.
func boundingBoxAround(lat, lon float64) boundingBox {
	kmPerDegreeLon := kmPerDegreeLat * math.Cos(math.Pi*lat/180.0)
	latOffset := bboxSizeKm / kmPerDegreeLat
	lonOffset := bboxSizeKm / kmPerDegreeLon

	return boundingBox{
		minLon: lon - lonOffset,
		minLat: lat - latOffset,
		maxLon: lon + lonOffset,
		maxLat: lat + latOffset,
	}
}

// Snapshot returns a base64 JPEG of the area around the detection on the day
// it was observed.
func (c *ImageryClient) Snapshot(ctx context.Context, d Detection) (string, error) {
	bbox := boundingBoxAround(d.Latitude, d.Longitude)

	query := url.Values{}
	query.Set("REQUEST", "GetSnapshot")
	query.Set("LAYERS", snapshotLayers)
	query.Set("CRS", "EPSG:4326")
	query.Set("TIME", d.DetectedAt.UTC().Format("2006-01-02"))
	query.Set("WRAP", "DAY,DAY,X")
	query.Set("BBOX", fmt.Sprintf("%g,%g,%g,%g", bbox.minLon, bbox.minLat, bbox.maxLon, bbox.maxLat))
	query.Set("FORMAT", "image/jpeg")
	query.Set("WIDTH", "512")
	query.Set("HEIGHT", "512")
	query.Set("AUTOSCALE", "TRUE")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build snapshot request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("snapshot request failed: status %d", resp.StatusCode)
	}

	imageBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return "", fmt.Errorf("read snapshot body: %w", err)
	}

	return base64.StdEncoding.EncodeToString(imageBytes), nil
}

// Enricher backfills snapshots for detections that have none yet.
type Enricher struct {
	repo    *Repository
	imagery *ImageryClient
}

func NewEnricher(repo *Repository, imagery *ImageryClient) *Enricher {
	return &Enricher{repo: repo, imagery: imagery}
}

// Run fetches imagery for up to limit detections and stores it. Individual
// fetch failures skip the detection; the first store failure aborts.
func (e *Enricher) Run(ctx context.Context, limit int) (enriched int, skipped int, err error) {
	detections, err := e.repo.ListMissingImagery(ctx, limit)
	if err != nil {
		return 0, 0, err
	}

	for _, d := range detections {
		image, err := e.imagery.Snapshot(ctx, d)
		if err != nil {
			skipped++
			continue
		}
		if err := e.repo.SetImage(ctx, d.ID, image); err != nil {
			return enriched, skipped, err
		}
		enriched++
	}

	return enriched, skipped, nil
}
