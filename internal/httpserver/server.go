package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tinytelemetry/cwpaudit/internal/model"
)

const (
	defaultAddr       = "127.0.0.1:3000"
	defaultFetchLimit = 20
)

var errRefreshUnavailable = errors.New("refresh is not available")

// Snapshot is the latest pipeline outcome published to the API.
type Snapshot struct {
	FetchID   string           `json:"fetch_id"`
	FetchedAt time.Time        `json:"fetched_at"`
	Records   int              `json:"records"`
	Table     model.CountTable `json:"counts"`
}

// RefreshFunc runs the pipeline again and returns the new snapshot.
// Server.Refresh serializes calls and publishes the result.
type RefreshFunc func(ctx context.Context) (Snapshot, error)

// Config wires a Server. Store, Metrics and Refresh are optional; endpoints
// that need a missing dependency answer 503.
type Config struct {
	Addr    string
	Schema  model.Schema
	Store   model.AuditReader
	Metrics http.Handler
	Refresh RefreshFunc
	Logger  *zap.Logger
}

// Server provides an HTTP API over the audit counts.
type Server struct {
	addr    string
	schema  model.Schema
	store   model.AuditReader
	metrics http.Handler
	refresh RefreshFunc
	logger  *zap.Logger

	mu     sync.RWMutex
	latest *Snapshot

	// refreshMu is held across a refresh run and its publish, so snapshots
	// land in the order their runs finished.
	refreshMu sync.Mutex

	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.Schema.Len() == 0 {
		cfg.Schema = model.AuditSchema
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      cfg.Addr,
		schema:    cfg.Schema,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		refresh:   cfg.Refresh,
		logger:    cfg.Logger.With(zap.String("component", "httpserver")),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Publish replaces the snapshot served by the counts endpoints.
func (s *Server) Publish(snap Snapshot) {
	s.mu.Lock()
	s.latest = &snap
	s.mu.Unlock()
}

// Refresh runs the configured RefreshFunc and publishes its snapshot. Only
// one refresh runs at a time. A failed refresh leaves the previous snapshot
// in place.
func (s *Server) Refresh(ctx context.Context) (Snapshot, error) {
	if s.refresh == nil {
		return Snapshot{}, errRefreshUnavailable
	}
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	snap, err := s.refresh(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	s.Publish(snap)
	return snap, nil
}

func (s *Server) snapshot() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return Snapshot{}, false
	}
	return *s.latest, true
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/counts", s.handleCounts)
	r.GET("/api/counts/:field", s.handleFieldCounts)
	r.GET("/api/fetches", s.handleFetches)
	r.GET("/api/schema", s.handleSchema)
	r.POST("/api/query", s.handleQuery)
	r.POST("/api/refresh", s.handleRefresh)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute, // refresh waits on a full download
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()
	s.logger.Info("api listening", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the address the server listens on. Before Start it is the
// configured address, which may carry port 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if snap, ok := s.snapshot(); ok {
		body["last_fetch_id"] = snap.FetchID
		body["last_fetched_at"] = snap.FetchedAt
		body["last_records"] = snap.Records
	}
	if s.store != nil {
		total, err := s.store.TotalAuditCount(model.QueryOpts{})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
			return
		}
		body["stored_audits"] = total
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleCounts(c *gin.Context) {
	snap, ok := s.snapshot()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no pipeline run has completed yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleFieldCounts serves sorted counts for one field. scope=latest (the
// default) reads the last run; scope=stored aggregates every stored audit.
func (s *Server) handleFieldCounts(c *gin.Context) {
	field := c.Param("field")
	if !s.schema.Has(field) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown field %q", field)})
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch scope := c.DefaultQuery("scope", "latest"); scope {
	case "latest":
		snap, ok := s.snapshot()
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no pipeline run has completed yet"})
			return
		}
		if !snap.Table.Has(field) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("field %q is not aggregated", field)})
			return
		}
		counts := snap.Table.Sorted(field)
		if limit > 0 && len(counts) > limit {
			counts = counts[:limit]
		}
		c.JSON(http.StatusOK, gin.H{
			"field":    field,
			"scope":    scope,
			"fetch_id": snap.FetchID,
			"total":    snap.Table.Total(field),
			"counts":   counts,
		})
	case "stored":
		if s.store == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit store is disabled"})
			return
		}
		counts, err := s.store.FieldValueCounts(field, limit, model.QueryOpts{FetchID: c.Query("fetch_id")})
		if err != nil {
			s.logger.Error("field counts query failed", zap.String("field", field), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read stored counts"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"field": field, "scope": scope, "counts": counts})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown scope %q (want latest or stored)", scope)})
	}
}

func (s *Server) handleFetches(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit store is disabled"})
		return
	}
	limit, err := queryInt(c, "limit", defaultFetchLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fetches, err := s.store.ListFetches(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list fetches"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fetches": fetches})
}

func (s *Server) handleSchema(c *gin.Context) {
	body := gin.H{"fields": s.schema.Fields()}
	if s.store == nil {
		c.JSON(http.StatusOK, body)
		return
	}

	tables, err := s.store.ExecuteQuery(
		"SELECT table_name, column_name, data_type FROM information_schema.columns WHERE table_schema = 'main' ORDER BY table_name, ordinal_position",
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read schema metadata"})
		return
	}

	schema := make(map[string][]map[string]string)
	for _, row := range tables {
		tableName := fmt.Sprintf("%v", row["table_name"])
		schema[tableName] = append(schema[tableName], map[string]string{
			"column": fmt.Sprintf("%v", row["column_name"]),
			"type":   fmt.Sprintf("%v", row["data_type"]),
		})
	}

	counts, err := s.store.TableRowCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read table row counts"})
		return
	}

	body["description"] = s.store.GetSchemaDescription()
	body["tables"] = schema
	body["row_counts"] = counts
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleQuery(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit store is disabled"})
		return
	}
	var req struct {
		SQL string `json:"sql" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing sql field"})
		return
	}

	results, err := s.store.ExecuteQuery(req.SQL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	columns := make([]string, 0)
	if len(results) > 0 {
		for col := range results[0] {
			columns = append(columns, col)
		}
		sort.Strings(columns)
	}

	c.JSON(http.StatusOK, gin.H{
		"columns":   columns,
		"rows":      results,
		"row_count": len(results),
	})
}

func (s *Server) handleRefresh(c *gin.Context) {
	if s.refresh == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errRefreshUnavailable.Error()})
		return
	}
	snap, err := s.Refresh(c.Request.Context())
	if err != nil {
		s.logger.Error("refresh failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"fetch_id":   snap.FetchID,
		"fetched_at": snap.FetchedAt,
		"records":    snap.Records,
	})
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
