package main

import (
	"context"
	"log"
	"time"

	"github.com/vibespeak/vibespeak/internal/floor"
	"github.com/vibespeak/vibespeak/internal/relay"
	"github.com/vibespeak/vibespeak/internal/signaling"
)

// RunMetrics logs relay, hub, and floor-controller stats every interval
// until ctx is canceled.
func RunMetrics(ctx context.Context, voiceRelay *relay.Relay, hub *signaling.Hub, floorCtl *floor.Controller, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs := voiceRelay.Stats()
			hs := hub.Stats()
			if rs.Clients > 0 || hs.Sessions > 0 || rs.DatagramsIn > 0 {
				log.Printf("[metrics] voice_clients=%d voice_channels=%d datagrams_in=%d datagrams_out=%d decrypt_failures=%d (%.1f KB/s in) ws_sessions=%d ws_rooms=%d",
					rs.Clients, rs.Channels, rs.DatagramsIn, rs.DatagramsOut, rs.DecryptFailures,
					float64(rs.BytesIn)/interval.Seconds()/1024,
					hs.Sessions, hs.Rooms)
			}
		}
	}
}
