// Package server exposes the local HTTP API used by the desktop app and, while
// this process hosts LAN storage, by its peers.
package server

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ssd-technologies/lansync/internal/admission"
	"github.com/ssd-technologies/lansync/internal/blobs"
	"github.com/ssd-technologies/lansync/internal/clients"
	"github.com/ssd-technologies/lansync/internal/docs"
	"github.com/ssd-technologies/lansync/internal/metrics"
	"github.com/ssd-technologies/lansync/internal/projects"
	"github.com/ssd-technologies/lansync/internal/ratelimit"
	"github.com/ssd-technologies/lansync/internal/state"
	"github.com/ssd-technologies/lansync/internal/storage"
	"github.com/ssd-technologies/lansync/internal/vcr"
)

// Config holds Server construction parameters.
type Config struct {
	Port           int    // the API's own port, checked against the Host header
	DefaultStorage string // storage root used until a LAN folder is connected
	State          *state.State
	DB             *storage.DB
	Admission      *admission.Checker

	VCRBatchMaxItems int
	VCRBatchMaxWait  time.Duration

	RemoteRate   int // requests per RemoteWindow per remote IP
	RemoteWindow time.Duration

	// SettingsChanged is called after hosting or proxy settings change.
	SettingsChanged func(ctx context.Context)

	Logger *zap.Logger
}

// Server is the local HTTP API.
type Server struct {
	port           int
	defaultStorage string
	state          *state.State
	db             *storage.DB
	admission      *admission.Checker
	vcrMaxItems    int
	vcrMaxWait     time.Duration
	remoteLimiter  *ratelimit.Keyed
	onSettings     func(ctx context.Context)
	logger         *zap.Logger

	router *gin.Engine

	mu     sync.Mutex
	stores map[string]*stores
}

// stores are the storage components bound to one storage root.
type stores struct {
	root     string
	docs     *docs.Store
	vcrs     *vcr.Store
	blobs    *blobs.Store
	clients  *clients.Registry
	projects *projects.Whitelist
}

// New creates a Server with all routes registered.
func New(cfg Config) *Server {
	if cfg.RemoteRate == 0 {
		cfg.RemoteRate = 600
	}
	if cfg.RemoteWindow == 0 {
		cfg.RemoteWindow = time.Minute
	}
	if cfg.SettingsChanged == nil {
		cfg.SettingsChanged = func(context.Context) {}
	}
	s := &Server{
		port:           cfg.Port,
		defaultStorage: cfg.DefaultStorage,
		state:          cfg.State,
		db:             cfg.DB,
		admission:      cfg.Admission,
		vcrMaxItems:    cfg.VCRBatchMaxItems,
		vcrMaxWait:     cfg.VCRBatchMaxWait,
		remoteLimiter:  ratelimit.NewKeyed(cfg.RemoteRate, cfg.RemoteWindow),
		onSettings:     cfg.SettingsChanged,
		logger:         cfg.Logger.Named("http"),
		stores:         make(map[string]*stores),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// StartWorkers launches background goroutines. They stop when ctx is done.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.remoteLimiter.RunCleanup(ctx, time.Minute)
}

// Close flushes pending record batches.
func (s *Server) Close() {
	s.mu.Lock()
	all := make([]*stores, 0, len(s.stores))
	for _, st := range s.stores {
		all = append(all, st)
	}
	s.mu.Unlock()
	for _, st := range all {
		st.vcrs.Flush()
	}
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Health and metrics
	r.GET("/api/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", s.guard())

	// Storage, forwarded to the host while in proxy mode
	st := api.Group("", s.proxyToHost())
	st.POST("/clients/user/register", s.handleRegisterUser)
	st.POST("/blobs/store", s.handleStoreBlob)
	st.POST("/blobs/retrieve", s.handleRetrieveBlob)
	st.POST("/blobs/uploaded", s.handleSetBlobUploaded)
	st.POST("/blobs/retrieveAllIds", s.handleRetrieveAllBlobIDs)
	st.POST("/vcrs/store", s.handleStoreVCR)
	st.POST("/vcrs/listFiles", s.handleListVCRFiles)
	st.POST("/vcrs/retrieve", s.handleRetrieveVCR)
	st.POST("/docs/store", s.handleStoreDoc)
	st.POST("/docs/list", s.handleListDocs)
	st.POST("/docs/retrieve", s.handleRetrieveDoc)
	st.POST("/storageProjects/get", s.handleGetProjects)
	st.POST("/storageProjects/add", s.handleAddProject)
	st.POST("/storageProjects/remove", s.handleRemoveProject)

	// Connections and settings
	api.POST("/connections/probe", s.handleProbe)
	api.POST("/connections/connect", s.handleConnect)
	api.POST("/connections/canWriteToFolder", s.handleCanWriteToFolder)
	api.GET("/connections", s.handleConnections)
	api.GET("/settings", s.handleGetSettings)
	api.POST("/settings/hosting", s.handleSetHosting)
	api.POST("/settings/proxy", s.handleSetProxy)

	// LAN
	api.GET("/lan/hosts", s.handleHosts)
	api.GET("/lan/events", s.handleEvents)

	s.router = r
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "lansync",
		"serverId": s.state.MyServerID(),
		"hosting":  s.state.AmHosting(),
	})
}

// activeRoot is the LAN storage folder when one is connected, else the
// default local storage.
func (s *Server) activeRoot() string {
	if p := s.state.Settings().MyLanStoragePath; p != "" {
		return p
	}
	return s.defaultStorage
}

// storesFor returns the storage components for root, creating them on first use.
func (s *Server) storesFor(root string) *stores {
	root = filepath.Clean(root)
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[root]; ok {
		return st
	}
	st := &stores{
		root: root,
		docs: docs.NewStore(root, s.logger),
		vcrs: vcr.NewStore(vcr.Config{
			Root:     root,
			MaxItems: s.vcrMaxItems,
			MaxWait:  s.vcrMaxWait,
			Logger:   s.logger,
		}),
		blobs:    blobs.NewStore(root, s.logger),
		clients:  clients.NewRegistry(root, s.logger),
		projects: projects.NewWhitelist(root, s.logger),
	}
	s.stores[root] = st
	return st
}

func (s *Server) active() *stores { return s.storesFor(s.activeRoot()) }

// HostProjects lists the whitelisted projects of the hosted folder.
func (s *Server) HostProjects(ctx context.Context) ([]string, error) {
	p := s.state.Settings().MyLanStoragePath
	if p == "" {
		return nil, nil
	}
	return s.storesFor(p).projects.Projects()
}

// accessLog logs each request and counts it by route and status.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("remote", c.ClientIP()),
			zap.Duration("took", time.Since(start)))
	}
}

var validationErrors = []error{
	docs.ErrInvalidDoc,
	docs.ErrFilenameTooLong,
	vcr.ErrInvalidRecord,
	blobs.ErrInvalidBlobID,
	clients.ErrInvalidClientID,
	clients.ErrInvalidUsername,
	projects.ErrInvalidProject,
	projects.ErrInvalidAdmin,
}

// fail writes the JSON error response for err.
func (s *Server) fail(c *gin.Context, err error) {
	var ce *admission.CheckError
	switch {
	case errors.As(err, &ce):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": ce.Code, "diskUsage": ce.DiskUsage})
		return
	case errors.Is(err, blobs.ErrAlreadyUploaded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s.logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// bind decodes the JSON body into v, answering 400 on failure.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}
