package server

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ssd-technologies/lansync/internal/metrics"
)

// guard admits requests addressed to localhost:{port}. Any other Host is
// refused unless this process is hosting, in which case remote peers are
// admitted subject to a per-IP rate limit.
func (s *Server) guard() gin.HandlerFunc {
	local := "localhost:" + strconv.Itoa(s.port)
	return func(c *gin.Context) {
		if c.Request.Host == local {
			c.Next()
			return
		}
		if !s.state.AmHosting() {
			metrics.HTTPRejected.WithLabelValues("host").Inc()
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "remote access is only allowed while hosting"})
			return
		}
		if !s.remoteLimiter.Allow(c.ClientIP()) {
			metrics.HTTPRejected.WithLabelValues("rate").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// proxyToHost forwards storage requests to the host this process is a client
// of. Hosting takes precedence over proxy mode.
func (s *Server) proxyToHost() gin.HandlerFunc {
	return func(c *gin.Context) {
		settings := s.state.Settings()
		if settings.ProxyURL == "" || settings.AmHosting() {
			c.Next()
			return
		}
		target, err := url.Parse(settings.ProxyURL)
		if err != nil || target.Host == "" {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "invalid proxy url " + strconv.Quote(settings.ProxyURL)})
			return
		}
		rp := &httputil.ReverseProxy{
			Rewrite: func(r *httputil.ProxyRequest) {
				r.SetURL(target)
				r.SetXForwarded()
			},
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				s.logger.Warn("proxy to host", zap.String("host", target.Host), zap.String("path", r.URL.Path), zap.Error(err))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte(`{"error":"host unreachable"}`))
			},
		}
		rp.ServeHTTP(c.Writer, c.Request)
		c.Abort()
	}
}
