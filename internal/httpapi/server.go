package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"horse.fit/chronicle/internal/db"
	"horse.fit/chronicle/internal/globaltime"
	"horse.fit/chronicle/internal/scrape"
	payloadschema "horse.fit/chronicle/schema"
)

const (
	defaultConflictLimit = 50
	maxConflictLimit     = 500
	maxIngestBodyBytes   = 1 << 20
)

// Store is the slice of the database pool the read/ingest API uses.
type Store interface {
	Ping(ctx context.Context) error
	ListConflicts(ctx context.Context, limit int) ([]db.Conflict, error)
	CountConflicts(ctx context.Context) (int64, error)
	ListEpisodesForDay(ctx context.Context, day time.Time) ([]db.EpisodeWithConflict, error)
	InsertArticle(ctx context.Context, article *db.Article) (bool, error)
}

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	store  Store
	logger zerolog.Logger
	opts   Options
}

type conflictItem struct {
	ConflictID      int64     `json:"conflict_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	EntitySignature string    `json:"entity_signature"`
	Confidence      float64   `json:"confidence"`
	HasCentroid     bool      `json:"has_centroid"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type conflictListResponse struct {
	Conflicts []conflictItem `json:"conflicts"`
	Total     int64          `json:"total"`
}

type episodeListResponse struct {
	Day      string                   `json:"day"`
	Episodes []db.EpisodeWithConflict `json:"episodes"`
}

type ingestResponse struct {
	Fingerprint string `json:"fingerprint"`
	Inserted    bool   `json:"inserted"`
}

func NewServer(store Store, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8090
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &Server{
		store:  store,
		logger: logger,
		opts: Options{
			Host:            host,
			Port:            port,
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.buildEcho()

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("chronicle api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("chronicle api server stopped")
	return nil
}

func (s *Server) buildEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				s.logger.Error().
					Err(v.Error).
					Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Str("remote_ip", v.RemoteIP).
					Str("request_id", v.RequestID).
					Msg("http request failed")
				return nil
			}

			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/conflicts", s.handleConflicts)
	api.GET("/episodes", s.handleEpisodes)
	api.POST("/articles", s.handleIngestArticle)

	return e
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.store.Ping(c.Request().Context()); err != nil {
		s.logger.Error().Err(err).Msg("health check ping failed")
		return internalError(c, "Database unreachable")
	}
	return success(c, map[string]any{
		"service": "chronicle",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleConflicts(c echo.Context) error {
	ctx := c.Request().Context()

	limit, err := parsePositiveInt(c.QueryParam("limit"), defaultConflictLimit, maxConflictLimit)
	if err != nil {
		return failValidation(c, map[string]string{"limit": err.Error()})
	}

	conflicts, err := s.store.ListConflicts(ctx, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list conflicts failed")
		return internalError(c, "Failed to load conflicts")
	}
	total, err := s.store.CountConflicts(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("count conflicts failed")
		return internalError(c, "Failed to load conflicts")
	}

	items := make([]conflictItem, 0, len(conflicts))
	for i := range conflicts {
		conflict := &conflicts[i]
		items = append(items, conflictItem{
			ConflictID:      conflict.ConflictID,
			Name:            conflict.Name,
			Description:     conflict.Description,
			EntitySignature: conflict.EntitySignature,
			Confidence:      conflict.Confidence,
			HasCentroid:     len(conflict.Embedding) > 0,
			CreatedAt:       conflict.CreatedAt,
			UpdatedAt:       conflict.UpdatedAt,
		})
	}

	return success(c, conflictListResponse{Conflicts: items, Total: total})
}

func (s *Server) handleEpisodes(c echo.Context) error {
	ctx := c.Request().Context()

	day := globaltime.Today()
	if raw := strings.TrimSpace(c.QueryParam("date")); raw != "" {
		parsed, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
		if err != nil {
			return failValidation(c, map[string]string{"date": "must be formatted YYYY-MM-DD"})
		}
		day = parsed
	}

	episodes, err := s.store.ListEpisodesForDay(ctx, day)
	if err != nil {
		s.logger.Error().Err(err).Msg("list episodes failed")
		return internalError(c, "Failed to load episodes")
	}
	if episodes == nil {
		episodes = []db.EpisodeWithConflict{}
	}

	return success(c, episodeListResponse{
		Day:      db.FormatDay(day),
		Episodes: episodes,
	})
}

func (s *Server) handleIngestArticle(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxIngestBodyBytes+1))
	if err != nil {
		return fail(c, http.StatusBadRequest, "Failed to read request body", nil)
	}
	if len(body) > maxIngestBodyBytes {
		return fail(c, http.StatusRequestEntityTooLarge, "Request body too large", nil)
	}

	payload, err := payloadschema.ValidateArticlePayload(json.RawMessage(body))
	if err != nil {
		return failValidation(c, map[string]string{"payload": err.Error()})
	}

	article, err := payloadToArticle(payload)
	if err != nil {
		return failValidation(c, map[string]string{"payload": err.Error()})
	}

	inserted, err := s.store.InsertArticle(ctx, article)
	if err != nil {
		s.logger.Error().Err(err).Str("source_url", article.SourceURL).Msg("article insert failed")
		return internalError(c, "Failed to store article")
	}

	status := http.StatusOK
	if inserted {
		status = http.StatusCreated
	}
	return successWithStatus(c, status, ingestResponse{
		Fingerprint: article.Fingerprint,
		Inserted:    inserted,
	})
}

func payloadToArticle(payload *payloadschema.ArticlePayload) (*db.Article, error) {
	article := &db.Article{
		SourceName:  payload.SourceName,
		SourceURL:   payload.SourceURL,
		Title:       payload.Title,
		Language:    "en",
		Fingerprint: scrape.Fingerprint(payload.SourceName, payload.Title),
	}
	if payload.BodyText != nil {
		article.BodyText = *payload.BodyText
	}
	if payload.Byline != nil {
		article.Byline = *payload.Byline
	}
	if payload.Language != nil {
		article.Language = *payload.Language
	}
	if payload.PublishedAt != nil {
		published, err := time.Parse(time.RFC3339, *payload.PublishedAt)
		if err != nil {
			return nil, fmt.Errorf("published_at: %w", err)
		}
		published = published.UTC()
		article.PublishedAt = &published
	}
	if len(payload.Meta) > 0 {
		meta, err := json.Marshal(payload.Meta)
		if err != nil {
			return nil, fmt.Errorf("encode meta: %w", err)
		}
		article.Meta = meta
	}
	return article, nil
}

func parsePositiveInt(raw string, fallback, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	if value > max {
		value = max
	}
	return value, nil
}
