package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/docparse/internal/repository"
)

const healthTimeout = 3 * time.Second

type healthChecks struct {
	Database bool `json:"database"`
	Queue    bool `json:"queue"`
	Storage  bool `json:"storage"`
	OCR      bool `json:"ocr"`
}

type healthResponse struct {
	Status    string       `json:"status"` // healthy | degraded | unhealthy
	Checks    healthChecks `json:"checks"`
	Timestamp time.Time    `json:"timestamp"`
}

func (s *Server) live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// health reports unhealthy when the database or storage is down and degraded
// when only the queue or OCR is.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	var (
		checks healthChecks
		wg     sync.WaitGroup
	)
	wg.Add(4)
	go func() {
		defer wg.Done()
		checks.Database = s.deps.DB != nil && repository.HealthCheck(ctx, s.deps.DB, 0, s.logger) == nil
	}()
	go func() {
		defer wg.Done()
		checks.Queue = s.deps.Queue != nil && s.deps.Queue.Health(ctx) == nil
	}()
	go func() {
		defer wg.Done()
		checks.Storage = true
		if h, ok := s.deps.Storage.(HealthChecker); ok {
			checks.Storage = h.Health(ctx) == nil
		}
	}()
	go func() {
		defer wg.Done()
		checks.OCR = s.deps.OCR != nil && s.deps.OCR.CheckHealth(ctx)
	}()
	wg.Wait()

	resp := healthResponse{Status: "healthy", Checks: checks, Timestamp: time.Now().UTC()}
	code := http.StatusOK
	switch {
	case !checks.Database || !checks.Storage:
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	case !checks.Queue || !checks.OCR:
		resp.Status = "degraded"
	}
	if resp.Status != "healthy" {
		s.logger.Warn("health.check.failed", "status", resp.Status,
			"database", checks.Database, "queue", checks.Queue, "storage", checks.Storage, "ocr", checks.OCR)
	}
	c.JSON(code, resp)
}
