package udpserver

import (
	"time"

	"github.com/cyberinferno/go-rudp/codec"
	"github.com/cyberinferno/go-rudp/logger"
	"github.com/cyberinferno/go-rudp/metrics"
)

// supervise runs every HeartbeatInterval. Connections that have not
// produced a heartbeat within the interval are torn down; every other
// connection is sent a heartbeat.
func (s *Server) supervise() {
	now := time.Now()

	var expired []*connection
	s.reg.each(func(c *connection) {
		if now.Sub(c.lastHeartbeat) > s.cfg.HeartbeatInterval {
			expired = append(expired, c)
		}
	})

	for _, c := range expired {
		s.log.Info("heartbeat expired",
			logger.Field{Key: "conv", Value: c.conv},
			logger.Field{Key: "idle", Value: now.Sub(c.lastHeartbeat).String()},
		)
		s.closeConnection(c, metrics.ReasonHeartbeat, true)
	}

	hb := codec.Heartbeat()
	s.reg.each(func(c *connection) {
		s.sendFrame(c, hb)
	})
}
