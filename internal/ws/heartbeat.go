package ws

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after a missed interval (default: 10s)
}

// DefaultHeartbeatConfig returns the production heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// heartbeat pings every connection each interval and evicts those that
// have sent nothing for Interval+Timeout. Browsers answer pings with pongs,
// which count as activity.
func (g *Gateway) heartbeat(cfg HeartbeatConfig) {
	defer g.wg.Done()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case now := <-ticker.C:
			g.checkConnections(now, cfg)
		}
	}
}

func (g *Gateway) checkConnections(now time.Time, cfg HeartbeatConfig) {
	deadline := cfg.Interval + cfg.Timeout
	for _, c := range g.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			log.WithFields(log.Fields{"session": c.ID, "idle": idle.Round(time.Second)}).Info("[ws] heartbeat timeout")
			g.remove(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			log.WithField("session", c.ID).WithError(err).Debug("[ws] heartbeat ping failed")
			g.remove(c)
		}
	}
}
