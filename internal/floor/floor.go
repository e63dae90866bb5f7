// Package floor implements FloorController: screen-share admission against
// a per-channel bandwidth budget, quality down-negotiation, and expiry
// (spec §4.6).
//
// Grounded on floegence-flowersec's tunnel/server/bandwidth_stats.go, which
// holds per-key bandwidth counters in a sync.Map with a snapshot method for
// observability and lazy pruning of closed entries; adapted here from byte
// counters to a fixed bitrate budget with admission decisions.
package floor

import (
	"sync"
	"time"
)

// Quality tiers, descending priority, per spec §4.6.
type Quality string

const (
	Q1080p60 Quality = "1080p60"
	Q1080p30 Quality = "1080p30"
	Q720p60  Quality = "720p60"
	Q720p30  Quality = "720p30"
	Q480p30  Quality = "480p30"
)

// tierOrder lists tiers from highest to lowest bitrate, matching the
// admission algorithm's fallback search order.
var tierOrder = []Quality{Q1080p60, Q1080p30, Q720p60, Q720p30, Q480p30}

var tierBitrateMbps = map[Quality]float64{
	Q1080p60: 5.0,
	Q1080p30: 3.5,
	Q720p60:  2.5,
	Q720p30:  1.5,
	Q480p30:  0.8,
}

const (
	maxConcurrentShares = 3
	bandwidthBudgetMbps = 15.0
	maxShareDuration    = 4 * time.Hour
)

// Bitrate returns the Mbps cost of a quality tier.
func Bitrate(q Quality) float64 {
	return tierBitrateMbps[q]
}

// ValidQuality reports whether q is one of the five known tiers. Callers
// must reject or clamp unrecognized quality strings before admission —
// an unknown tier would otherwise price at Bitrate's zero value and admit
// for free.
func ValidQuality(q Quality) bool {
	_, ok := tierBitrateMbps[q]
	return ok
}

// Share is one active screen share, per spec §3.
type Share struct {
	ClientID         string    `json:"client_id"`
	Username         string    `json:"username"`
	Quality          Quality   `json:"quality"`
	EstimatedBitrate float64   `json:"estimated_bitrate"`
	StartedAt        time.Time `json:"started_at"`
}

func (s Share) expired(now time.Time) bool {
	return now.Sub(s.StartedAt) > maxShareDuration
}

// Decision is the outcome of a Request call.
type Decision struct {
	Granted bool
	Quality Quality
	Reason  string
}

// Controller admits or denies screen-share requests per channel. Safe for
// concurrent use.
type Controller struct {
	mu       sync.Mutex
	channels map[string]map[string]*Share // channelID -> clientID -> share
}

// New constructs an empty FloorController.
func New() *Controller {
	return &Controller{channels: make(map[string]map[string]*Share)}
}

func (c *Controller) pruneLocked(channelID string, now time.Time) {
	shares, ok := c.channels[channelID]
	if !ok {
		return
	}
	for clientID, s := range shares {
		if s.expired(now) {
			delete(shares, clientID)
		}
	}
}

// Request runs the spec §4.6 admission algorithm for a screen-share start.
func (c *Controller) Request(channelID, clientID, username string, desired Quality, now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(channelID, now)
	shares := c.channels[channelID]
	if shares == nil {
		shares = make(map[string]*Share)
		c.channels[channelID] = shares
	}

	if len(shares) >= maxConcurrentShares {
		return Decision{Granted: false, Reason: "maximum reached"}
	}

	var used float64
	for _, s := range shares {
		used += s.EstimatedBitrate
	}
	remaining := bandwidthBudgetMbps - used
	if remaining <= Bitrate(Q480p30) {
		return Decision{Granted: false, Reason: "budget exhausted"}
	}

	assigned := Q480p30
	if Bitrate(desired) <= remaining {
		assigned = desired
	} else {
		for _, tier := range tierOrder {
			if Bitrate(tier) <= remaining {
				assigned = tier
				break
			}
		}
	}

	shares[clientID] = &Share{
		ClientID:        clientID,
		Username:        username,
		Quality:         assigned,
		EstimatedBitrate: Bitrate(assigned),
		StartedAt:       now,
	}

	return Decision{Granted: true, Quality: assigned}
}

// Stop releases clientID's active share in channelID, if any.
func (c *Controller) Stop(channelID, clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if shares, ok := c.channels[channelID]; ok {
		delete(shares, clientID)
	}
}

// ChannelStats mirrors BandwidthChannelStats/BandwidthSnapshot from the
// grounding file: used/budget/remaining plus the active share list.
type ChannelStats struct {
	Used      float64 `json:"used"`
	Budget    float64 `json:"budget"`
	Remaining float64 `json:"remaining"`
	Count     int     `json:"count"`
	Shares    []Share `json:"shares"`
}

// Stats reports the current admission state for channelID.
func (c *Controller) Stats(channelID string, now time.Time) ChannelStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(channelID, now)
	shares := c.channels[channelID]

	stats := ChannelStats{Budget: bandwidthBudgetMbps}
	for _, s := range shares {
		stats.Used += s.EstimatedBitrate
		stats.Shares = append(stats.Shares, *s)
	}
	stats.Count = len(shares)
	stats.Remaining = bandwidthBudgetMbps - stats.Used
	return stats
}
