package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"example.com/orderhub/eventstore"
	"example.com/orderhub/utils"
)

// AppendEventRequest is the request body for appending a domain event
type AppendEventRequest struct {
	EventType string                 `json:"event_type" binding:"required" validate:"required,event_type"`
	Payload   map[string]interface{} `json:"payload" binding:"required" validate:"required"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// appendEvent records a new domain event
func (s *Server) appendEvent(c *gin.Context) {
	var req AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := utils.ValidateStruct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_type must be a dotted name like order.created"})
		return
	}

	event, err := s.recorder.Record(c.Request.Context(), req.EventType, req.Payload, req.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, eventstore.ErrVersionConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "concurrent append conflict, retry the request"})
		case errors.Is(err, eventstore.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event storage unavailable"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	s.metrics.Increment("events.appended")

	// Snapshots for this aggregate just changed; cached copies are stale.
	for _, p := range s.engine.Projections() {
		for _, eventType := range p.EventTypes {
			if eventType != event.EventType {
				continue
			}
			if err := s.snapshots.Invalidate(c.Request.Context(), p.Name, event.AggregateID); err != nil {
				log.Warn().Err(err).
					Str("projection", p.Name).
					Str("aggregate_id", event.AggregateID).
					Msg("Failed to invalidate cached snapshot")
			}
			break
		}
	}

	c.JSON(http.StatusCreated, event)
}

// listEvents returns a page of the log, most recent first
func (s *Server) listEvents(c *gin.Context) {
	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", 20)
	if pageSize > 100 {
		pageSize = 100
	}

	filter := eventstore.Filter{EventType: c.Query("event_type")}

	events, total, err := s.store.ReadAll(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event storage unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events":    events,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// getAggregateEvents returns an aggregate's history from a given version
func (s *Server) getAggregateEvents(c *gin.Context) {
	aggregateType := c.Param("type")
	aggregateID := c.Param("id")
	fromVersion := queryInt(c, "from_version", 1)

	events, err := s.store.Read(c.Request.Context(), aggregateID, aggregateType, fromVersion)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event storage unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"aggregate_id":   aggregateID,
		"aggregate_type": aggregateType,
		"events":         events,
	})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	return value
}
