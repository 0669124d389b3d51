package fire

import "time"

// Detection is one satellite or crowd-sourced fire observation. ImageData
// holds a base64 JPEG snapshot once imagery enrichment has run.
type Detection struct {
	ID         string    `json:"id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Address    string    `json:"address,omitempty"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
	DetectedAt time.Time `json:"detected_at"`
	ImageData  string    `json:"image_data,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const (
	SourceSatellite = "satellite"
	SourceCrowd     = "crowd"
)

type DetectionInput struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Address    string    `json:"address"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
	DetectedAt time.Time `json:"detected_at"`
}

type ReportInput struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address"`
}

// ReportVerification is the outcome of checking a crowd report against known
// detections near the reported location.
type ReportVerification struct {
	Valid             bool     `json:"valid"`
	Message           string   `json:"message"`
	DetectionID       string   `json:"detection_id,omitempty"`
	ProvidedLatitude  float64  `json:"provided_latitude"`
	ProvidedLongitude float64  `json:"provided_longitude"`
	DistanceMeters    *float64 `json:"distance_meters,omitempty"`
}
