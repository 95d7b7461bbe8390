package live

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classlive/backend/internal/models"
)

// QualityWeights combines the four sub-scores into the overall score.
// Packet loss carries the largest weight: it degrades perceived quality
// more than any other dimension.
type QualityWeights struct {
	Loss      float64
	Latency   float64
	Jitter    float64
	Bandwidth float64
}

// DefaultQualityWeights returns the production weighting.
func DefaultQualityWeights() QualityWeights {
	return QualityWeights{Loss: 0.35, Latency: 0.25, Jitter: 0.15, Bandwidth: 0.25}
}

// smoothingWindow is how many recent samples a rating averages over.
const smoothingWindow = 5

// rung maps a measured value at or below limit to a sub-score.
type rung struct {
	limit float64
	score float64
}

// Monotonic threshold ladders: excellent / good / fair / poor / floor.
var (
	latencyLadder = []rung{{50, 100}, {100, 85}, {200, 65}, {400, 40}}
	jitterLadder  = []rung{{10, 100}, {30, 85}, {50, 65}, {100, 40}}
	lossLadder    = []rung{{0.5, 100}, {2, 85}, {5, 60}, {10, 35}} // percent
	ladderFloor   = 15.0
)

// Bandwidth scores the other way round: more is better.
var bandwidthLadder = []rung{{2500, 100}, {1500, 85}, {800, 65}, {300, 40}}

// Issue detection thresholds, independent of the score so the UI can
// explain why a score is low.
const (
	latencyWarnMs   = 300.0
	latencyCritMs   = 500.0
	jitterWarnMs    = 50.0
	lossWarnPercent = 5.0
	lossCritPercent = 15.0
	bitrateWarnKbps = 500.0
	bitrateCritKbps = 250.0
)

// Recommendation floors on the overall score.
const (
	disableVideoFloor  = 30
	reduceQualityFloor = 50
)

// history is the bounded per-(session, user) ring of telemetry samples
// plus the rating derived from them. Memory stays flat for sessions
// lasting many hours.
type history struct {
	samples []models.QualitySample
	next    int
	size    int
	rating  models.QualityRating
}

// QualityMonitor ingests per-participant transport telemetry and derives
// quality scores, detected issues and adaptive-bitrate recommendations.
type QualityMonitor struct {
	mu        sync.RWMutex
	histories map[sessionUser]*history

	capacity int
	weights  QualityWeights
	logger   *zap.Logger
}

// NewQualityMonitor creates a quality monitor with the configured history
// bound and score weights.
func NewQualityMonitor(cfg Config, logger *zap.Logger) *QualityMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	capacity := cfg.QualityHistorySize
	if capacity <= 0 {
		capacity = DefaultConfig().QualityHistorySize
	}
	weights := cfg.QualityWeights
	if weights == (QualityWeights{}) {
		weights = DefaultQualityWeights()
	}
	return &QualityMonitor{
		histories: make(map[sessionUser]*history),
		capacity:  capacity,
		weights:   weights,
		logger:    logger,
	}
}

// ReportStats appends a telemetry sample and synchronously recomputes the
// participant's rating, which it returns.
func (q *QualityMonitor) ReportStats(sessionID, userID uuid.UUID, sample models.QualitySample) *models.QualityRating {
	if sample.ReportedAt.IsZero() {
		sample.ReportedAt = time.Now()
	}
	key := sessionUser{sessionID: sessionID, userID: userID}
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.histories[key]
	if !ok {
		h = &history{samples: make([]models.QualitySample, q.capacity)}
		q.histories[key] = h
	}
	h.samples[h.next] = sample
	h.next = (h.next + 1) % q.capacity
	if h.size < q.capacity {
		h.size++
	}
	h.rating = q.compute(h)
	out := h.rating
	return &out
}

// ParticipantQuality returns the latest rating for a participant.
func (q *QualityMonitor) ParticipantQuality(sessionID, userID uuid.UUID) (*models.QualityRating, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.histories[sessionUser{sessionID: sessionID, userID: userID}]
	if !ok || h.size == 0 {
		return nil, NotFoundf("no quality samples for user %s", userID)
	}
	out := h.rating
	return &out, nil
}

// SessionQuality aggregates ratings across a session: average score, the
// worst-off participant, and counts per detected issue type.
func (q *QualityMonitor) SessionQuality(sessionID uuid.UUID) (*models.SessionQuality, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	agg := &models.SessionQuality{
		SessionID:   sessionID,
		WorstScore:  101,
		IssueCounts: make(map[string]int),
	}
	total := 0
	for key, h := range q.histories {
		if key.sessionID != sessionID || h.size == 0 {
			continue
		}
		agg.ParticipantCount++
		total += h.rating.Score
		if h.rating.Score < agg.WorstScore {
			agg.WorstScore = h.rating.Score
			agg.WorstUserID = key.userID
		}
		for _, issue := range h.rating.Issues {
			agg.IssueCounts[issue.Type]++
		}
	}
	if agg.ParticipantCount == 0 {
		return nil, NotFoundf("no quality samples for session %s", sessionID)
	}
	agg.AverageScore = total / agg.ParticipantCount
	return agg, nil
}

// Recommendations maps a participant's rating band to concrete actions:
// below the low floor video should be disabled entirely, below the mid
// floor resolution and bitrate should drop.
func (q *QualityMonitor) Recommendations(sessionID, userID uuid.UUID) ([]models.Recommendation, error) {
	rating, err := q.ParticipantQuality(sessionID, userID)
	if err != nil {
		return nil, err
	}
	var recs []models.Recommendation
	switch {
	case rating.Score < disableVideoFloor:
		recs = append(recs,
			models.Recommendation{Action: "disable-video", Reason: "connection quality is too low for video"},
			models.Recommendation{Action: "audio-only", Reason: "keep the session usable over audio"})
	case rating.Score < reduceQualityFloor:
		recs = append(recs,
			models.Recommendation{Action: "reduce-resolution", Reason: "connection quality is degraded"},
			models.Recommendation{Action: "reduce-bitrate", Reason: "lower sending bitrate to relieve the link"})
	}
	for _, issue := range rating.Issues {
		if issue.Type == "low-bandwidth" {
			recs = append(recs, models.Recommendation{Action: "disable-screen-share", Reason: issue.Message})
			break
		}
	}
	return recs, nil
}

// Forget drops all histories for a session, or one participant's when
// userID is non-nil.
func (q *QualityMonitor) Forget(sessionID uuid.UUID, userID *uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if userID != nil {
		delete(q.histories, sessionUser{sessionID: sessionID, userID: *userID})
		return
	}
	for key := range q.histories {
		if key.sessionID == sessionID {
			delete(q.histories, key)
		}
	}
}

// compute derives the rating from the most recent samples. Deterministic:
// identical histories always produce identical ratings.
func (q *QualityMonitor) compute(h *history) models.QualityRating {
	window := h.size
	if window > smoothingWindow {
		window = smoothingWindow
	}
	var latency, jitter, bitrate float64
	var audioSent, audioLost, videoSent, videoLost int64
	var latest models.QualitySample
	for i := 0; i < window; i++ {
		idx := (h.next - 1 - i + len(h.samples)) % len(h.samples)
		s := h.samples[idx]
		if i == 0 {
			latest = s
		}
		latency += s.LatencyMs
		jitter += s.JitterMs
		bitrate += s.BitrateKbps
		audioSent += s.AudioPacketsSent
		audioLost += s.AudioPacketsLost
		videoSent += s.VideoPacketsSent
		videoLost += s.VideoPacketsLost
	}
	n := float64(window)
	latency /= n
	jitter /= n
	bitrate /= n

	audioLoss := lossPercent(audioLost, audioSent)
	videoLoss := lossPercent(videoLost, videoSent)
	overallLoss := lossPercent(audioLost+videoLost, audioSent+videoSent)

	latencyScore := scoreBelow(latencyLadder, latency)
	jitterScore := scoreBelow(jitterLadder, jitter)
	lossScore := scoreBelow(lossLadder, overallLoss)
	bandwidthScore := scoreAbove(bandwidthLadder, bitrate)

	w := q.weights
	overall := lossScore*w.Loss + latencyScore*w.Latency + jitterScore*w.Jitter + bandwidthScore*w.Bandwidth
	score := int(overall + 0.5)

	audioScore := (scoreBelow(lossLadder, audioLoss) + jitterScore) / 2
	videoScore := (scoreBelow(lossLadder, videoLoss) + bandwidthScore) / 2
	networkScore := (latencyScore + jitterScore) / 2

	return models.QualityRating{
		Score:     score,
		Overall:   bandOf(score),
		Audio:     bandOf(int(audioScore + 0.5)),
		Video:     bandOf(int(videoScore + 0.5)),
		Network:   bandOf(int(networkScore + 0.5)),
		Issues:    detectIssues(latency, jitter, overallLoss, bitrate),
		SampledAt: latest.ReportedAt,
	}
}

func detectIssues(latency, jitter, loss, bitrate float64) []models.QualityIssue {
	var issues []models.QualityIssue
	switch {
	case latency >= latencyCritMs:
		issues = append(issues, models.QualityIssue{
			Type: "high-latency", Severity: "critical",
			Message:    "round-trip latency is very high",
			Suggestion: "move closer to the router or switch to a wired connection",
		})
	case latency >= latencyWarnMs:
		issues = append(issues, models.QualityIssue{
			Type: "high-latency", Severity: "warning",
			Message:    "round-trip latency is elevated",
			Suggestion: "close bandwidth-heavy applications",
		})
	}
	if jitter >= jitterWarnMs {
		issues = append(issues, models.QualityIssue{
			Type: "high-jitter", Severity: "warning",
			Message:    "network jitter is causing unstable audio",
			Suggestion: "avoid shared or congested networks",
		})
	}
	switch {
	case loss >= lossCritPercent:
		issues = append(issues, models.QualityIssue{
			Type: "packet-loss", Severity: "critical",
			Message:    "severe packet loss is degrading the call",
			Suggestion: "turn off video and check the network connection",
		})
	case loss >= lossWarnPercent:
		issues = append(issues, models.QualityIssue{
			Type: "packet-loss", Severity: "warning",
			Message:    "noticeable packet loss detected",
			Suggestion: "reduce video quality",
		})
	}
	switch {
	case bitrate > 0 && bitrate <= bitrateCritKbps:
		issues = append(issues, models.QualityIssue{
			Type: "low-bandwidth", Severity: "critical",
			Message:    "available bandwidth is far below what the call needs",
			Suggestion: "disable video and screen sharing",
		})
	case bitrate > 0 && bitrate <= bitrateWarnKbps:
		issues = append(issues, models.QualityIssue{
			Type: "low-bandwidth", Severity: "warning",
			Message:    "available bandwidth is limited",
			Suggestion: "lower the video resolution",
		})
	}
	return issues
}

// lossPercent computes lost/sent as a percentage. Sent is the denominator
// because a receiver cannot count packets that never arrived.
func lossPercent(lost, sent int64) float64 {
	if sent <= 0 {
		return 0
	}
	return float64(lost) / float64(sent) * 100
}

func scoreBelow(ladder []rung, value float64) float64 {
	for _, r := range ladder {
		if value <= r.limit {
			return r.score
		}
	}
	return ladderFloor
}

func scoreAbove(ladder []rung, value float64) float64 {
	for _, r := range ladder {
		if value >= r.limit {
			return r.score
		}
	}
	return ladderFloor
}

func bandOf(score int) models.QualityBand {
	switch {
	case score >= 85:
		return models.BandExcellent
	case score >= 70:
		return models.BandGood
	case score >= 50:
		return models.BandFair
	case score >= 30:
		return models.BandPoor
	default:
		return models.BandCritical
	}
}
