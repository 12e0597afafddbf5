// Package proxy forwards gated requests to the upstream service behind a
// route. Each upstream has its own circuit breaker.
package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aman-churiwal/quotagate/internal/circuitbreaker"
)

var errUpstream = errors.New("upstream returned a server error")

type Proxy struct {
	path           string
	target         *url.URL
	reverseProxy   *httputil.ReverseProxy
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *slog.Logger
}

type Config struct {
	// Path is the route prefix; the breaker is named after it.
	Path           string
	Target         string
	CircuitBreaker circuitbreaker.Config
	Logger         *slog.Logger
}

func New(cfg Config) (*Proxy, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("proxy %s: target is required", cfg.Path)
	}
	target, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", cfg.Path, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("proxy %s: target %q must be an absolute url", cfg.Path, cfg.Target)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cbCfg := cfg.CircuitBreaker
	cbCfg.Name = BreakerName(cfg.Path)
	if cbCfg.Logger == nil {
		cbCfg.Logger = cfg.Logger
	}

	p := &Proxy{
		path:           cfg.Path,
		target:         target,
		reverseProxy:   httputil.NewSingleHostReverseProxy(target),
		circuitBreaker: circuitbreaker.New(cbCfg),
		logger:         cfg.Logger.With("component", "proxy", "path", cfg.Path),
	}
	p.reverseProxy.ErrorHandler = p.transportError

	p.logger.Info("proxy initialized", "target", target.String())
	return p, nil
}

// Forwards the request to the upstream
func (p *Proxy) Handle(c *gin.Context) {
	err := p.circuitBreaker.Call(func() error {
		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			statusCode:     http.StatusOK,
		}

		req := c.Request
		req.Header.Set("X-Forwarded-Host", req.Host)
		if clientIP := c.ClientIP(); clientIP != "" {
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		req.Host = p.target.Host

		c.Writer = recorder
		p.reverseProxy.ServeHTTP(c.Writer, req)

		if recorder.statusCode >= http.StatusInternalServerError {
			return errUpstream
		}
		return nil
	})

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		p.logger.Warn("circuit open, rejecting request")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable",
		})
	}
}

func (p *Proxy) transportError(w http.ResponseWriter, r *http.Request, err error) {
	p.logger.Error("upstream request failed", "method", r.Method, "url", r.URL.String(), "error", err)
	w.WriteHeader(http.StatusBadGateway)
}

// Names the breaker for a route so it fits in a single URL segment:
// "/api/search" becomes "upstream:api.search".
func BreakerName(path string) string {
	return "upstream:" + strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

func (p *Proxy) Path() string {
	return p.path
}

func (p *Proxy) Breaker() *circuitbreaker.CircuitBreaker {
	return p.circuitBreaker
}

// Captures the response status code
type responseRecorder struct {
	gin.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
