package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dev.helix.reason/internal/broker"
	"dev.helix.reason/internal/debate"
	"dev.helix.reason/internal/trace"
)

func (s *Server) handleHealth(c *gin.Context) {
	backendUp := s.client.Health(c.Request.Context()) == nil
	status := "ok"
	if !backendUp {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"backend":   backendUp,
		"version":   Version,
		"templates": s.catalog.Count(),
	})
}

func (s *Server) handleModels(c *gin.Context) {
	models, err := s.client.ListModels(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

// reasonRequest is the debate launch payload. Every config field is
// optional; absent fields keep the service defaults.
type reasonRequest struct {
	Query  string `json:"query"`
	Config *struct {
		MinRounds        *int     `json:"minRounds"`
		MaxRounds        *int     `json:"maxRounds"`
		EarlyStopScore   *int     `json:"earlyStopScore"`
		ProposerModel    *string  `json:"proposerModel"`
		SkepticModel     *string  `json:"skepticModel"`
		SynthesizerModel *string  `json:"synthesizerModel"`
		ProposerTemp     *float64 `json:"proposerTemp"`
		SkepticTemp      *float64 `json:"skepticTemp"`
		SynthesizerTemp  *float64 `json:"synthesizerTemp"`
		RagTopK          *int     `json:"ragTopK"`
	} `json:"config"`
}

const maxQueryChars = 4000

func (s *Server) handleReason(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	if utf8.RuneCountInString(req.Query) > maxQueryChars {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("query exceeds %d characters", maxQueryChars)})
		return
	}

	settings := debate.SettingsFrom(s.cfg)
	if req.Config != nil {
		applyOverride(&settings.MinRounds, req.Config.MinRounds)
		applyOverride(&settings.MaxRounds, req.Config.MaxRounds)
		applyOverride(&settings.EarlyStopScore, req.Config.EarlyStopScore)
		applyOverride(&settings.ProposerModel, req.Config.ProposerModel)
		applyOverride(&settings.SkepticModel, req.Config.SkepticModel)
		applyOverride(&settings.SynthesizerModel, req.Config.SynthesizerModel)
		applyOverride(&settings.ProposerTemp, req.Config.ProposerTemp)
		applyOverride(&settings.SkepticTemp, req.Config.SkepticTemp)
		applyOverride(&settings.SynthesizerTemp, req.Config.SynthesizerTemp)
		applyOverride(&settings.TopK, req.Config.RagTopK)
	}
	if err := settings.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Admission: accept up to running+queued debates, then shed load.
	select {
	case s.admission <- struct{}{}:
	default:
		s.metrics.DebatesRejected.Inc()
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "debate queue is full"})
		return
	}

	id := uuid.NewString()
	if err := s.events.Register(id); err != nil {
		<-s.admission
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	s.metrics.DebatesStarted.Inc()
	s.metrics.ActiveDebates.Inc()
	go s.runDebate(id, req.Query, settings)

	c.JSON(http.StatusAccepted, gin.H{"traceId": id, "config": settings})
}

func applyOverride[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// runDebate waits for a run slot, drives the orchestrator and feeds the
// broker. It runs on the server's base context: client disconnects never
// cancel it, shutdown does.
func (s *Server) runDebate(id, query string, settings debate.Settings) {
	defer func() { <-s.admission }()

	if err := s.runSem.Acquire(s.baseCtx, 1); err != nil {
		ev := debate.Event{Type: debate.EventFailed, Kind: "cancelled", Message: "server shutting down"}
		s.metrics.Observe(ev)
		s.events.Publish(id, ev)
		return
	}
	defer s.runSem.Release(1)

	for ev := range s.orch.Run(s.baseCtx, id, query, settings) {
		s.metrics.Observe(ev)
		s.events.Publish(id, ev)
	}
}

const heartbeatInterval = 15 * time.Second

func (s *Server) handleStream(c *gin.Context) {
	id := c.Param("id")
	sub, err := s.events.Subscribe(id)
	switch {
	case errors.Is(err, broker.ErrUnknownDebate):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown debate id"})
		return
	case errors.Is(err, broker.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "debate already has a subscriber"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer sub.Cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeSSE(c.Writer, ev); err != nil {
				s.logger.WithError(err).WithField("debate", id).Debug("SSE write failed, dropping subscriber")
				return
			}
			if ev.Terminal() {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case <-clientGone:
			// The debate keeps running; only the subscription ends.
			return
		}
	}
}

// writeSSE emits one event in the SSE wire format: a single data line
// holding the JSON-encoded tagged variant, flushed immediately.
func writeSSE(w gin.ResponseWriter, ev debate.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func (s *Server) handleListTraces(c *gin.Context) {
	opts := trace.ListOptions{
		Limit:      intQuery(c, "limit", 20),
		Offset:     intQuery(c, "offset", 0),
		SearchText: c.Query("search"),
	}
	if opts.Limit < 1 || opts.Limit > 200 || opts.Offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be in [1,200] and offset >= 0"})
		return
	}
	if raw := c.Query("minQuality"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 10 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "minQuality must be an integer in [1,10]"})
			return
		}
		opts.MinQuality = &n
	}

	traces, err := s.traces.List(c.Request.Context(), opts)
	if err != nil {
		s.internalError(c, "list traces", err)
		return
	}
	stats, err := s.traces.Stats(c.Request.Context())
	if err != nil {
		s.internalError(c, "trace stats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"traces": traces, "stats": stats})
}

func (s *Server) handleGetTrace(c *gin.Context) {
	t, err := s.traces.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, trace.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "trace not found"})
		return
	}
	if err != nil {
		s.internalError(c, "get trace", err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleRate(c *gin.Context) {
	var req struct {
		Rating int `json:"rating"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	err := s.traces.Rate(c.Request.Context(), c.Param("id"), req.Rating)
	switch {
	case errors.Is(err, trace.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "rating must be in [1,10]"})
	case errors.Is(err, trace.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "trace not found"})
	case err != nil:
		s.internalError(c, "rate trace", err)
	default:
		s.metrics.TracesRated.Inc()
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "userRating": req.Rating})
	}
}

func (s *Server) handleCandidates(c *gin.Context) {
	threshold := intQuery(c, "threshold", 8)
	if threshold < 1 || threshold > 10 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "threshold must be in [1,10]"})
		return
	}
	candidates, err := s.traces.FinetuneCandidates(c.Request.Context(), threshold)
	if err != nil {
		s.internalError(c, "finetune candidates", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"threshold": threshold, "candidates": candidates})
}

func (s *Server) handleListTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": s.catalog.List()})
}

func (s *Server) handleReindex(c *gin.Context) {
	n, err := s.catalog.Reindex(c.Request.Context(), s.cfg.Templates.Dirs)
	if err != nil {
		s.internalError(c, "reindex templates", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"indexed": n})
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.logger.WithError(err).WithFields(logrus.Fields{
		"op":   op,
		"path": c.FullPath(),
	}).Error("Request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
