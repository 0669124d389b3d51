package fire

import (
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

const (
	maxJSONBodyBytes = 1 << 20

	// A crowd report is accepted when a known detection from the last two
	// days lies within this radius of the reported location.
	reportMatchRadiusMeters = 25_000.0
	reportLookback          = 48 * time.Hour
)

type Handler struct {
	repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) ListByDate(w http.ResponseWriter, r *http.Request) {
	rawDate := strings.TrimSpace(r.URL.Query().Get("date"))
	day, err := time.Parse("2006-01-02", rawDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date format, use YYYY-MM-DD")
		return
	}

	detections, err := h.repo.ListByDate(r.Context(), day)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list detections")
		return
	}

	writeJSON(w, http.StatusOK, detections)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	input, ok := parseDetectionInput(w, r)
	if !ok {
		return
	}

	d, err := h.repo.Create(r.Context(), input)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create detection")
		return
	}

	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid detection id")
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "detection not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to delete detection")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Report verifies a crowd-sourced sighting against recent known detections
// and records it when a match is found nearby.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var input ReportInput
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if !validCoordinates(input.Latitude, input.Longitude) {
		writeError(w, http.StatusBadRequest, "coordinates are out of range")
		return
	}

	since := time.Now().UTC().Add(-reportLookback)
	known, err := h.repo.ListRecent(r.Context(), since)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to verify report")
		return
	}

	verification := verifyReport(input, known)
	if verification.Valid {
		_, err := h.repo.Create(r.Context(), DetectionInput{
			Latitude:   input.Latitude,
			Longitude:  input.Longitude,
			Address:    strings.TrimSpace(input.Address),
			Source:     SourceCrowd,
			Confidence: 0.5,
			DetectedAt: time.Now().UTC(),
		})
		if err != nil {
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to save report")
			return
		}
	}

	writeJSON(w, http.StatusOK, verification)
}

// verifyReport finds the nearest recent detection and accepts the report when
// it falls within the match radius.
func verifyReport(input ReportInput, known []Detection) ReportVerification {
	result := ReportVerification{
		ProvidedLatitude:  input.Latitude,
		ProvidedLongitude: input.Longitude,
	}

	var nearest *Detection
	nearestDistance := math.MaxFloat64
	for i := range known {
		d := haversineMeters(input.Latitude, input.Longitude, known[i].Latitude, known[i].Longitude)
		if d < nearestDistance {
			nearestDistance = d
			nearest = &known[i]
		}
	}

	if nearest == nil {
		result.Message = "no recent detections near the reported location"
		return result
	}

	result.DistanceMeters = &nearestDistance
	if nearestDistance > reportMatchRadiusMeters {
		result.Message = "nearest known detection is too far from the reported location"
		return result
	}

	result.Valid = true
	result.DetectionID = nearest.ID
	result.Message = "report matches a known detection"
	return result
}

// haversineMeters is the great-circle distance between two coordinates.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusMeters = 6_371_000.0

	rad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func parseDetectionInput(w http.ResponseWriter, r *http.Request) (DetectionInput, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var input DetectionInput
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return DetectionInput{}, false
	}

	input.Address = strings.TrimSpace(input.Address)
	input.Source = strings.TrimSpace(input.Source)

	if !validCoordinates(input.Latitude, input.Longitude) {
		writeError(w, http.StatusBadRequest, "coordinates are out of range")
		return DetectionInput{}, false
	}
	if input.Source != SourceSatellite && input.Source != SourceCrowd {
		writeError(w, http.StatusBadRequest, "source must be satellite or crowd")
		return DetectionInput{}, false
	}
	if input.Confidence < 0 || input.Confidence > 1 {
		writeError(w, http.StatusBadRequest, "confidence must be between 0 and 1")
		return DetectionInput{}, false
	}
	if input.DetectedAt.IsZero() {
		writeError(w, http.StatusBadRequest, "detected_at is required")
		return DetectionInput{}, false
	}
	if len(input.Address) > 500 {
		writeError(w, http.StatusBadRequest, "address is too long")
		return DetectionInput{}, false
	}

	return input, true
}

func validCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
