package signaling

import "sync/atomic"

// counters are the server's monotonic event counts.
type counters struct {
	connections          atomic.Int64
	rateLimitRejections  atomic.Int64
	reputationRejections atomic.Int64
	authFailures         atomic.Int64
	violations           atomic.Int64
	matches              atomic.Int64
	relayedFrames        atomic.Int64
}

// StatsSnapshot is the server's point-in-time observability report.
type StatsSnapshot struct {
	Connections          int64 `json:"connections"`
	RateLimitRejections  int64 `json:"rate_limit_rejections"`
	ReputationRejections int64 `json:"reputation_rejections"`
	AuthFailures         int64 `json:"auth_failures"`
	Violations           int64 `json:"violations"`
	Matches              int64 `json:"matches"`
	RelayedFrames        int64 `json:"relayed_frames"`

	Peers         int `json:"peers"`
	Authenticated int `json:"authenticated"`
	Matched       int `json:"matched"`
	Waiting       int `json:"waiting"`
	Sessions      int `json:"sessions"`
}
