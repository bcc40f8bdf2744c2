package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tandahq/rueda/internal/liveevents"
)

const liveEventHeartbeatInterval = 15 * time.Second

// StreamCircleLiveEvents streams the circle's change feed over SSE. The
// buffered backlog is replayed first so a reconnecting client catches up.
func (s *Server) StreamCircleLiveEvents(c *gin.Context) {
	if s.liveCircleEvents == nil {
		AbortWithError(c, fmt.Errorf("live events unavailable"))
		return
	}

	circleID := pathID(c)
	if _, err := s.circleSvc.GetByID(c.Request.Context(), circleID); err != nil {
		AbortWithError(c, err)
		return
	}

	sub, backlog, err := s.liveCircleEvents.Subscribe(circleID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer sub.Close()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		AbortWithError(c, fmt.Errorf("streaming unsupported"))
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	fmt.Fprint(c.Writer, "retry: 2000\n\n")
	flusher.Flush()

	for _, event := range backlog {
		writeLiveEvent(c, event)
	}
	flusher.Flush()

	heartbeat := time.NewTicker(liveEventHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-sub.Events():
			if !open {
				return
			}
			writeLiveEvent(c, event)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeLiveEvent(c *gin.Context, event liveevents.LiveEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Event, payload)
}
