package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"example.com/orderhub/breaker"
)

// getStats returns log and projection statistics
func (s *Server) getStats(c *gin.Context) {
	logStats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event storage unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"log":         logStats,
		"projections": s.engine.Stats(c.Request.Context()),
	})
}

// listBreakers returns the state of every circuit breaker, sorted by name
func (s *Server) listBreakers(c *gin.Context) {
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	sort.Strings(names)

	stats := make([]breaker.Stats, 0, len(names))
	for _, name := range names {
		stats = append(stats, s.breakers[name].GetStats())
	}

	c.JSON(http.StatusOK, gin.H{"breakers": stats})
}

// resetBreaker forces a breaker back to CLOSED
func (s *Server) resetBreaker(c *gin.Context) {
	name := c.Param("name")

	cb, ok := s.breakers[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown breaker"})
		return
	}

	cb.Reset()
	c.JSON(http.StatusOK, cb.GetStats())
}

// getMetrics returns the in-process metrics snapshot
func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}
