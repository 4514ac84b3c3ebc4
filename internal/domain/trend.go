package domain

type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// TrendPoint is one element of an append-only time series. Serialized to
// JSON as the zset member, scored by its timestamp.
type TrendPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// TrendResult is the regression summary of one windowed series. Available
// is false when fewer than two points exist; that is not an error.
type TrendResult struct {
	Available      bool           `json:"available"`
	PointCount     int            `json:"point_count"`
	Mean           float64        `json:"mean"`
	Min            float64        `json:"min"`
	Max            float64        `json:"max"`
	StdDev         float64        `json:"stddev"`
	Slope          float64        `json:"slope"`
	Intercept      float64        `json:"intercept"`
	RSquared       float64        `json:"r_squared"`
	Direction      TrendDirection `json:"direction"`
	FirstTimestamp int64          `json:"first_timestamp"`
	LastTimestamp  int64          `json:"last_timestamp"`
}

// Forecast extrapolates the fitted line one interval past the last point.
type Forecast struct {
	Available bool    `json:"available"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}
