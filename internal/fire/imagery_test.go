package fire

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundingBoxAround(t *testing.T) {
	bbox := boundingBoxAround(0, 0)

	// At the equator the box is square: 25 km in each direction.
	offset := bboxSizeKm / kmPerDegreeLat
	assert.InDelta(t, -offset, bbox.minLat, 1e-9)
	assert.InDelta(t, offset, bbox.maxLat, 1e-9)
	assert.InDelta(t, -offset, bbox.minLon, 1e-9)
	assert.InDelta(t, offset, bbox.maxLon, 1e-9)

	// Away from the equator the longitude span widens.
	high := boundingBoxAround(60, 10)
	assert.Greater(t, high.maxLon-high.minLon, bbox.maxLon-bbox.minLon)
	assert.InDelta(t, bbox.maxLat-bbox.minLat, high.maxLat-high.minLat, 1e-9)
}

func TestSnapshot_RequestAndEncoding(t *testing.T) {
	payload := []byte("fake-jpeg-bytes")
	var gotQuery map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{}
		for key := range r.URL.Query() {
			gotQuery[key] = r.URL.Query().Get(key)
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	client := NewImageryClient(server.URL, server.Client())
	detection := Detection{
		ID:         "det-1",
		Latitude:   -33.86,
		Longitude:  151.21,
		DetectedAt: time.Date(2026, 8, 14, 3, 0, 0, 0, time.UTC),
	}

	encoded, err := client.Snapshot(context.Background(), detection)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString(payload), encoded)

	assert.Equal(t, "GetSnapshot", gotQuery["REQUEST"])
	assert.Equal(t, "EPSG:4326", gotQuery["CRS"])
	assert.Equal(t, "2026-08-14", gotQuery["TIME"])
	assert.Equal(t, "image/jpeg", gotQuery["FORMAT"])
	assert.NotEmpty(t, gotQuery["BBOX"])
	assert.NotEmpty(t, gotQuery["LAYERS"])
}

func TestSnapshot_UpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewImageryClient(server.URL, server.Client())
	_, err := client.Snapshot(context.Background(), Detection{DetectedAt: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestEnricher_BackfillsMissingImagery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("snapshot"))
	}))
	defer server.Close()

	repo, mock := newRepoWithMock(t)
	enricher := NewEnricher(repo, NewImageryClient(server.URL, server.Client()))

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .* FROM fire_detections\s+WHERE image_data = ''`).
		WithArgs(10).
		WillReturnRows(detectionRows(
			Detection{ID: "det-1", Latitude: 1, Longitude: 2, Source: SourceSatellite, DetectedAt: now, CreatedAt: now, UpdatedAt: now},
			Detection{ID: "det-2", Latitude: 3, Longitude: 4, Source: SourceSatellite, DetectedAt: now, CreatedAt: now, UpdatedAt: now},
		))
	mock.ExpectExec(`UPDATE fire_detections\s+SET image_data = \$2`).
		WithArgs("det-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE fire_detections\s+SET image_data = \$2`).
		WithArgs("det-2", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	enriched, skipped, err := enricher.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, enriched)
	assert.Equal(t, 0, skipped)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnricher_SkipsFailedFetches(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	repo, mock := newRepoWithMock(t)
	enricher := NewEnricher(repo, NewImageryClient(server.URL, server.Client()))

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .* FROM fire_detections\s+WHERE image_data = ''`).
		WithArgs(10).
		WillReturnRows(detectionRows(
			Detection{ID: "det-1", Latitude: 1, Longitude: 2, Source: SourceSatellite, DetectedAt: now, CreatedAt: now, UpdatedAt: now},
		))

	enriched, skipped, err := enricher.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, enriched)
	assert.Equal(t, 1, skipped)

	require.NoError(t, mock.ExpectationsWereMet())
}
