// Package server is the HTTP ingress: dialect endpoints, authentication,
// credential failover and SSE fan-out.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/modelrelay/modelrelay/internal/cachetrack"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/obs"
	"github.com/modelrelay/modelrelay/internal/pool"
	"github.com/modelrelay/modelrelay/internal/typ"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// Accountant supplies the prompt-cache breakdown; nil disables accounting.
type Accountant interface {
	Account(ctx context.Context, req *typ.Request) cachetrack.Result
}

// Server wires the pool, the adapters and the translators behind the dialect
// endpoints.
type Server struct {
	settings   *config.Settings
	pool       *pool.Pool
	registry   *upstream.Registry
	catalog    *upstream.Catalog
	accountant Accountant

	engine *gin.Engine
}

func New(settings *config.Settings, p *pool.Pool, registry *upstream.Registry, catalog *upstream.Catalog, accountant Accountant) *Server {
	s := &Server{
		settings:   settings,
		pool:       p,
		registry:   registry,
		catalog:    catalog,
		accountant: accountant,
	}
	s.engine = s.buildEngine()
	return s
}

func (s *Server) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), obs.RequestLogger())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := engine.Group("/", s.auth())
	authed.POST("/v1/chat/completions", s.handleChat(typ.DialectOpenAI))
	authed.POST("/v1/messages", s.handleChat(typ.DialectAnthropic))
	authed.POST("/v1/messages/count_tokens", s.handleCountTokens)
	authed.POST("/v1beta/models/:modelAction", s.handleGeminiGenerate)
	authed.GET("/v1/models", s.handleListModelsOpenAI)
	authed.GET("/v1beta/models", s.handleListModelsGemini)
	return engine
}

// Router exposes the engine, mainly for tests.
func (s *Server) Router() http.Handler { return s.engine }

// Run serves until the listener fails.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.settings.Host, s.settings.Port)
	logrus.Infof("listening on %s", addr)
	return s.engine.Run(addr)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-Id", id)
		c.Next()
	}
}

// auth checks the shared API key with a constant-time compare. The key may
// arrive the way any of the three dialects' clients naturally send it.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.settings.APIKey == "" {
			c.Next()
			return
		}
		presented := c.GetHeader("x-api-key")
		if presented == "" {
			presented = c.GetHeader("x-goog-api-key")
		}
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimPrefix(auth, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.settings.APIKey)) != 1 {
			writeError(c, http.StatusUnauthorized, "authentication_error", "invalid api key")
			c.Abort()
			return
		}
		c.Next()
	}
}

// routeKind picks the upstream family for a model, falling back to the
// dialect's native provider.
func routeKind(dialect typ.Dialect, model string) typ.ProviderKind {
	switch {
	case strings.HasPrefix(model, "claude"):
		return typ.ProviderAnthropic
	case strings.HasPrefix(model, "gemini"):
		return typ.ProviderGemini
	case strings.HasPrefix(model, "grok"):
		return typ.ProviderWebChat
	case strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") ||
		strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4"):
		return typ.ProviderOpenAI
	}
	switch dialect {
	case typ.DialectAnthropic:
		return typ.ProviderAnthropic
	case typ.DialectGemini:
		return typ.ProviderGemini
	default:
		return typ.ProviderOpenAI
	}
}

// writeError emits the common error envelope.
func writeError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{"error": gin.H{
		"message": message,
		"type":    errType,
		"code":    status,
	}})
}

// writeUpstreamError maps a classified upstream failure onto the envelope.
func writeUpstreamError(c *gin.Context, err error) {
	if errors.Is(err, typ.ErrNoHealthyCredential) {
		writeError(c, http.StatusServiceUnavailable, "no_healthy_provider", err.Error())
		return
	}
	status := http.StatusBadGateway
	var ue *typ.UpstreamError
	if errors.As(err, &ue) && ue.StatusCode >= 400 && ue.StatusCode < 600 {
		status = ue.StatusCode
	}
	writeError(c, status, "upstream_error", err.Error())
}
