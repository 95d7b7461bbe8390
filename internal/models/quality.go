package models

import (
	"time"

	"github.com/google/uuid"
)

// QualityBand is the categorical band derived from a 0-100 quality score.
type QualityBand string

const (
	BandExcellent QualityBand = "excellent"
	BandGood      QualityBand = "good"
	BandFair      QualityBand = "fair"
	BandPoor      QualityBand = "poor"
	BandCritical  QualityBand = "critical"
)

// QualitySample is one raw transport telemetry snapshot reported by a client.
// Packet loss is derived as lost/sent per media type, never lost/received.
type QualitySample struct {
	LatencyMs        float64   `json:"latency_ms"`
	JitterMs         float64   `json:"jitter_ms"`
	AudioPacketsSent int64     `json:"audio_packets_sent"`
	AudioPacketsLost int64     `json:"audio_packets_lost"`
	VideoPacketsSent int64     `json:"video_packets_sent"`
	VideoPacketsLost int64     `json:"video_packets_lost"`
	BitrateKbps      float64   `json:"bitrate_kbps"`
	ConnectionType   string    `json:"connection_type,omitempty"`
	ReportedAt       time.Time `json:"reported_at"`
}

// QualityIssue is a typed threshold breach, detected independently of the
// score so the UI can explain why a score is low.
type QualityIssue struct {
	Type       string `json:"type"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
}

// QualityRating is the derived score for one participant, recomputed on
// each sample from the bounded sample history.
type QualityRating struct {
	Score     int            `json:"score"`
	Overall   QualityBand    `json:"overall"`
	Video     QualityBand    `json:"video"`
	Audio     QualityBand    `json:"audio"`
	Network   QualityBand    `json:"network"`
	Issues    []QualityIssue `json:"issues"`
	SampledAt time.Time      `json:"sampled_at"`
}

// SessionQuality aggregates ratings across a session's participants.
type SessionQuality struct {
	SessionID        uuid.UUID      `json:"session_id"`
	AverageScore     int            `json:"average_score"`
	WorstUserID      uuid.UUID      `json:"worst_user_id"`
	WorstScore       int            `json:"worst_score"`
	ParticipantCount int            `json:"participant_count"`
	IssueCounts      map[string]int `json:"issue_counts"`
}

// Recommendation is an adaptive-bitrate action derived from a rating band.
type Recommendation struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}
