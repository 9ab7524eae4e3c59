// Package api exposes the station over HTTP and a websocket event stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/bestZwei/AIBC/internal/channel"
	"github.com/bestZwei/AIBC/internal/eventstore"
	"github.com/bestZwei/AIBC/internal/generator"
	"github.com/bestZwei/AIBC/internal/playback"
	"github.com/bestZwei/AIBC/internal/segment"
	"github.com/bestZwei/AIBC/internal/station"
	"github.com/bestZwei/AIBC/internal/transport"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type Station interface {
	Start() error
	Restart() error
	TogglePlayback() error
	Skip()
	SetVolume(v float64)
	AddQuestion(ctx context.Context, text string) error
	SetChannel(id string) error
	Status() station.Status
	Watch(fn func(station.Status)) func()
}

type Generator interface {
	History() []generator.HistoryEntry
	PendingQuestions() []generator.PendingQuestion
	Context(id string) generator.ChannelContext
	SetPrompt(channelID, kind, text string) error
	ResetPrompt(channelID, kind string)
}

// Timeline is the persisted broadcast history.
type Timeline interface {
	ListSegments(ctx context.Context, channelID string, limit int) ([]eventstore.SegmentRecord, error)
	ListQuestions(ctx context.Context, channelID string, limit int) ([]eventstore.QuestionRecord, error)
}

type VoiceLister interface {
	ListVoices(ctx context.Context, lang string) ([]transport.Voice, error)
}

// Events is the source of playback events, normally the queue.
type Events interface {
	Subscribe(obs playback.Observer) func()
}

// Deps wires the server to the rest of the daemon. Timeline, Voices, Debug,
// Events and Metrics are optional.
type Deps struct {
	Station        Station
	Generator      Generator
	Catalog        *channel.Catalog
	Timeline       Timeline
	Voices         VoiceLister
	Debug          *transport.DebugLog
	Events         Events
	Metrics        http.Handler
	Ready          func() bool
	AllowedOrigins []string
	Logger         *slog.Logger
}

type Server struct {
	deps   Deps
	log    *slog.Logger
	hub    *Hub
	engine *gin.Engine
	unsubs []func()
}

func New(deps Deps) *Server {
	log := deps.Logger.With(slog.String("component", "api"))
	s := &Server{
		deps: deps,
		log:  log,
		hub:  NewHub(deps.AllowedOrigins, deps.Station.AddQuestion, deps.Logger),
	}
	s.engine = s.routes()
	s.subscribe()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Close detaches from event sources and disconnects listeners.
func (s *Server) Close() {
	for _, fn := range s.unsubs {
		fn()
	}
	s.unsubs = nil
	s.hub.Close()
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.Use(cors.New(corsConfig(s.deps.AllowedOrigins)))

	r.GET("/healthz", s.handleHealth)
	r.GET("/readyz", s.handleReady)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	r.GET("/ws", func(c *gin.Context) {
		s.hub.Serve(c.Writer, c.Request, s.deps.Station.Status())
	})

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/start", s.handleStart)
	api.POST("/restart", s.handleRestart)
	api.POST("/toggle", s.handleToggle)
	api.POST("/skip", s.handleSkip)
	api.POST("/volume", s.handleVolume)
	api.POST("/questions", s.handleQuestion)
	api.PUT("/channel", s.handleSetChannel)
	api.GET("/channels", s.handleChannels)
	api.GET("/history", s.handleHistory)
	api.GET("/debug", s.handleDebug)
	api.PUT("/prompts/:channel/:type", s.handleSetPrompt)
	api.DELETE("/prompts/:channel/:type", s.handleResetPrompt)
	api.GET("/voices", s.handleVoices)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	wildcard := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}
	if wildcard {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		s.log.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}

// subscribe forwards queue, status and debug events to websocket listeners.
func (s *Server) subscribe() {
	if s.deps.Events != nil {
		s.unsubs = append(s.unsubs, s.deps.Events.Subscribe(playback.ObserverFuncs{
			OnSegmentStart: func(seg segment.Segment) {
				s.hub.Publish(EventSegmentStart, segmentEvent(seg))
			},
			OnQueueEmpty: func() {
				s.hub.Publish(EventQueueEmpty, nil)
			},
			OnStatusChange: func(playing bool) {
				s.hub.Publish(EventPlaybackStatus, gin.H{"playing": playing})
			},
		}))
	}
	s.unsubs = append(s.unsubs, s.deps.Station.Watch(func(st station.Status) {
		s.hub.Publish(EventStatus, st)
	}))
	if s.deps.Debug != nil {
		s.unsubs = append(s.unsubs, s.deps.Debug.Subscribe(func(e transport.DebugEntry) {
			s.hub.Publish(EventDebug, e)
		}))
	}
}

type segmentPayload struct {
	ID          string       `json:"id"`
	Type        segment.Type `json:"type"`
	Speaker     string       `json:"speaker,omitempty"`
	Text        string       `json:"text"`
	DisplayText string       `json:"display_text"`
	Question    string       `json:"question,omitempty"`
}

func segmentEvent(seg segment.Segment) segmentPayload {
	p := segmentPayload{
		ID:          seg.ID,
		Type:        seg.Type,
		Speaker:     seg.Speaker(),
		Text:        seg.DisplayText,
		DisplayText: seg.DisplayText,
		Question:    seg.Question,
	}
	if unit := seg.Unit(); len(seg.Audio) > 0 && unit != nil && unit.Text != "" {
		p.Text = unit.Text
	}
	return p
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleReady(c *gin.Context) {
	if s.deps.Ready == nil || s.deps.Ready() {
		c.String(http.StatusOK, "ready")
		return
	}
	c.String(http.StatusServiceUnavailable, "not ready")
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Station.Status())
}

func (s *Server) handleStart(c *gin.Context) {
	s.respond(c, s.deps.Station.Start())
}

func (s *Server) handleRestart(c *gin.Context) {
	s.respond(c, s.deps.Station.Restart())
}

func (s *Server) handleToggle(c *gin.Context) {
	s.respond(c, s.deps.Station.TogglePlayback())
}

func (s *Server) handleSkip(c *gin.Context) {
	s.deps.Station.Skip()
	s.respond(c, nil)
}

type volumeRequest struct {
	Volume *float64 `json:"volume" binding:"required"`
}

func (s *Server) handleVolume(c *gin.Context) {
	var req volumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if *req.Volume < 0 || *req.Volume > 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "volume must be between 0 and 1"})
		return
	}
	s.deps.Station.SetVolume(*req.Volume)
	s.respond(c, nil)
}

type questionRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) handleQuestion(c *gin.Context) {
	var req questionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Station.AddQuestion(c.Request.Context(), req.Text); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"pending": len(s.deps.Generator.PendingQuestions())})
}

type channelRequest struct {
	ID string `json:"id" binding:"required"`
}

func (s *Server) handleSetChannel(c *gin.Context) {
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.respond(c, s.deps.Station.SetChannel(req.ID))
}

type channelView struct {
	channel.Channel
	Active     bool            `json:"active"`
	Customized map[string]bool `json:"customized"`
}

func (s *Server) handleChannels(c *gin.Context) {
	active := s.deps.Station.Status().Channel
	kinds := []string{channel.PromptIntro, channel.PromptSegment, channel.PromptUserInteraction}
	var out []channelView
	for _, ch := range s.deps.Catalog.All() {
		view := channelView{Channel: ch, Active: ch.ID == active, Customized: make(map[string]bool, len(kinds))}
		view.Prompts = make(map[string]string, len(kinds))
		for _, kind := range kinds {
			view.Prompts[kind] = s.deps.Catalog.Template(ch.ID, kind)
			view.Customized[kind] = s.deps.Catalog.Customized(ch.ID, kind)
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, gin.H{"channels": out})
}

func (s *Server) handleHistory(c *gin.Context) {
	channelID := c.DefaultQuery("channel", s.deps.Station.Status().Channel)
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	resp := gin.H{
		"channel": channelID,
		"context": s.deps.Generator.Context(channelID),
		"pending": s.deps.Generator.PendingQuestions(),
	}
	if s.deps.Timeline == nil {
		resp["source"] = "memory"
		resp["segments"] = recentHistory(s.deps.Generator.History(), channelID, limit)
		c.JSON(http.StatusOK, resp)
		return
	}

	ctx := c.Request.Context()
	segments, err := s.deps.Timeline.ListSegments(ctx, channelID, limit)
	if err != nil {
		s.log.Warn("history query failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	questions, err := s.deps.Timeline.ListQuestions(ctx, channelID, limit)
	if err != nil {
		s.log.Warn("question query failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	resp["source"] = "store"
	resp["segments"] = segments
	resp["questions"] = questions
	c.JSON(http.StatusOK, resp)
}

// recentHistory returns up to limit entries for channelID, newest first.
func recentHistory(entries []generator.HistoryEntry, channelID string, limit int) []generator.HistoryEntry {
	out := make([]generator.HistoryEntry, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		if entries[i].Channel == channelID {
			out = append(out, entries[i])
		}
	}
	return out
}

func (s *Server) handleDebug(c *gin.Context) {
	entries := s.deps.Debug.Entries()
	if entries == nil {
		entries = []transport.DebugEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type promptRequest struct {
	Template string `json:"template" binding:"required"`
}

func (s *Server) handleSetPrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Generator.SetPrompt(c.Param("channel"), c.Param("type"), req.Template); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"template": s.deps.Catalog.Template(c.Param("channel"), c.Param("type"))})
}

func (s *Server) handleResetPrompt(c *gin.Context) {
	id, kind := c.Param("channel"), c.Param("type")
	if _, ok := s.deps.Catalog.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown channel"})
		return
	}
	s.deps.Generator.ResetPrompt(id, kind)
	c.JSON(http.StatusOK, gin.H{"template": s.deps.Catalog.Template(id, kind)})
}

func (s *Server) handleVoices(c *gin.Context) {
	if s.deps.Voices == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "voice listing unavailable"})
		return
	}
	voices, err := s.deps.Voices.ListVoices(c.Request.Context(), c.Query("lang"))
	if err != nil {
		var cfgErr *transport.ConfigError
		if errors.As(err, &cfgErr) {
			c.JSON(http.StatusPreconditionFailed, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"voices": voices})
}

// respond writes the station status, or maps err to a status code.
func (s *Server) respond(c *gin.Context, err error) {
	var cfgErr *transport.ConfigError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, s.deps.Station.Status())
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": err.Error()})
	case errors.Is(err, station.ErrUnknownChannel):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		s.log.Warn("station request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
