package server

import (
	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/docparse/internal/auth"
)

// jobSocket upgrades and hands the connection to the bridge, which
// authenticates it so rejections reach the client as websocket messages.
func (s *Server) jobSocket(c *gin.Context) {
	jobID := c.Param("jobId")
	creds := auth.FromRequest(c.Request, s.sessionCookie)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws.upgrade.failed", "job_id", jobID, "error", err)
		return
	}
	if err := s.deps.Bridge.Serve(c.Request.Context(), conn, jobID, creds); err != nil {
		s.logger.Debug("ws.closed", "job_id", jobID, "error", err)
	}
}
