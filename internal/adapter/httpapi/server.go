package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ragkb/internal/adapter/metrics"
	"ragkb/internal/domain"
	"ragkb/internal/usecase"
)

// RequestIDHeader is set on every response.
const RequestIDHeader = "X-Request-ID"

// Options configures the HTTP listener.
type Options struct {
	Addr         string
	MaxBodyBytes int
	ExitWaitTime time.Duration
}

// Server exposes the query service over HTTP.
type Server struct {
	h       *server.Hertz
	queries *usecase.QueryUseCase
	metrics *metrics.Metrics
	log     zerolog.Logger
}

type embedRequest struct {
	Text     string          `json:"text"`
	Metadata domain.Metadata `json:"metadata"`
}

type queryRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type queryResult struct {
	ID       uint64          `json:"id"`
	Score    float64         `json:"score"`
	Text     string          `json:"text"`
	Metadata domain.Metadata `json:"metadata"`
}

// New builds the server and registers its routes. m may be nil.
func New(opts Options, queries *usecase.QueryUseCase, m *metrics.Metrics, log zerolog.Logger) *Server {
	hopts := []config.Option{server.WithHostPorts(opts.Addr)}
	if opts.MaxBodyBytes > 0 {
		hopts = append(hopts, server.WithMaxRequestBodySize(opts.MaxBodyBytes))
	}
	if opts.ExitWaitTime > 0 {
		hopts = append(hopts, server.WithExitWaitTime(opts.ExitWaitTime))
	}

	s := &Server{
		h:       server.Default(hopts...),
		queries: queries,
		metrics: m,
		log:     log,
	}
	s.h.Use(s.requestID, s.accessLog)

	s.h.POST("/embed", s.embed)
	s.h.POST("/query", s.query)
	s.h.GET("/health", s.health)
	if m != nil {
		m.IndexEntries.Set(float64(queries.Stats().Entries))
		s.h.GET("/metrics", s.serveMetrics)
	}
	return s
}

// Hertz returns the underlying engine.
func (s *Server) Hertz() *server.Hertz {
	return s.h
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	return s.h.Run()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.h.Shutdown(ctx)
}

func (s *Server) requestID(ctx context.Context, c *app.RequestContext) {
	id := string(c.GetHeader(RequestIDHeader))
	if id == "" {
		id = uuid.NewString()
	}
	c.Set("request_id", id)
	c.Response.Header.Set(RequestIDHeader, id)
	c.Next(ctx)
}

func (s *Server) accessLog(ctx context.Context, c *app.RequestContext) {
	start := time.Now()
	c.Next(ctx)
	elapsed := time.Since(start)
	status := c.Response.StatusCode()

	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	if s.metrics != nil {
		s.metrics.ObserveRequest(route, status, elapsed)
	}

	s.log.Info().
		Str("request_id", c.GetString("request_id")).
		Str("method", string(c.Method())).
		Str("path", string(c.Path())).
		Int("status", status).
		Dur("latency", elapsed).
		Msg("request")
}

// decodeBody unmarshals the request body into v. An empty body decodes as
// an empty object.
func decodeBody(c *app.RequestContext, v any) error {
	body := bytes.TrimSpace(c.Request.Body())
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

func (s *Server) embed(ctx context.Context, c *app.RequestContext) {
	var req embedRequest
	if err := decodeBody(c, &req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "Invalid JSON body"})
		return
	}

	id, err := s.queries.IngestOne(ctx, req.Text, req.Metadata)
	if err != nil {
		if errors.Is(err, domain.ErrMissingText) {
			c.JSON(consts.StatusBadRequest, utils.H{"error": "Missing 'text' field"})
			return
		}
		s.countProviderError(err)
		s.log.Error().Err(err).Str("request_id", c.GetString("request_id")).Msg("embedding failed")
		c.JSON(consts.StatusInternalServerError, utils.H{
			"error":   "Embedding failed",
			"details": err.Error(),
		})
		return
	}

	if s.metrics != nil {
		s.metrics.Ingested.Inc()
		s.metrics.IndexEntries.Set(float64(s.queries.Stats().Entries))
	}
	c.JSON(consts.StatusOK, utils.H{"success": true, "id": id})
}

func (s *Server) query(ctx context.Context, c *app.RequestContext) {
	var req queryRequest
	if err := decodeBody(c, &req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "Invalid JSON body"})
		return
	}

	results, err := s.queries.Answer(ctx, req.Query, req.K)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyQuery) {
			c.JSON(consts.StatusBadRequest, utils.H{"error": "Missing 'query' field"})
			return
		}
		s.countProviderError(err)
		s.log.Error().Err(err).Str("request_id", c.GetString("request_id")).Msg("query failed")
		c.JSON(consts.StatusInternalServerError, utils.H{
			"error":   "Query failed",
			"details": err.Error(),
		})
		return
	}

	out := make([]queryResult, len(results))
	for i, r := range results {
		out[i] = queryResult{
			ID:       r.Entry.ID,
			Score:    r.Score,
			Text:     r.Entry.Metadata.Text(),
			Metadata: r.Entry.Metadata,
		}
	}
	c.JSON(consts.StatusOK, utils.H{"results": out})
}

func (s *Server) health(ctx context.Context, c *app.RequestContext) {
	stats := s.queries.Stats()
	c.JSON(consts.StatusOK, utils.H{
		"status":    "ok",
		"entries":   stats.Entries,
		"dimension": stats.Dimension,
		"model":     stats.Model,
	})
}

func (s *Server) serveMetrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := s.metrics.WritePrometheus(&buf); err != nil {
		c.String(consts.StatusInternalServerError, "%s", err)
		return
	}
	c.Data(consts.StatusOK, metrics.ContentType(), buf.Bytes())
}

func (s *Server) countProviderError(err error) {
	if s.metrics != nil && errors.Is(err, domain.ErrProvider) {
		s.metrics.EmbeddingErrors.Inc()
	}
}
