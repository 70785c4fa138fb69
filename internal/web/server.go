// Package web serves the snapshot, run and patch HTTP API.
package web

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	gconfig "github.com/Laisky/go-config/v2"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Laisky/repo-snapshot/library/log"
	"github.com/Laisky/repo-snapshot/library/throttle"
)

// Dependencies are the collaborators the HTTP layer delegates to.
type Dependencies struct {
	Snapshots SnapshotService
	Runs      RunService
	Patches   PatchService
	Tokens    TokenParser
	Limiter   throttle.Limiter
	Settings  Settings
}

// Server owns the gin engine and the services behind it.
type Server struct {
	snapshots SnapshotService
	runs      RunService
	patches   PatchService
	tokens    TokenParser
	limiter   throttle.Limiter
	settings  Settings
	engine    *gin.Engine
}

// NewServer validates deps and builds the routed engine.
func NewServer(deps Dependencies) (*Server, error) {
	switch {
	case deps.Snapshots == nil:
		return nil, errors.New("snapshot service is required")
	case deps.Runs == nil:
		return nil, errors.New("run service is required")
	case deps.Patches == nil:
		return nil, errors.New("patch service is required")
	case deps.Tokens == nil:
		return nil, errors.New("token parser is required")
	case deps.Limiter == nil:
		return nil, errors.New("rate limiter is required")
	}

	s := &Server{
		snapshots: deps.Snapshots,
		runs:      deps.Runs,
		patches:   deps.Patches,
		tokens:    deps.Tokens,
		limiter:   deps.Limiter,
		settings:  deps.Settings.normalize(),
	}
	s.engine = s.newEngine()
	return s, nil
}

// Handler returns the routed engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) newEngine() *gin.Engine {
	engine := gin.New()
	engine.ContextWithFallback = true
	engine.Use(
		gin.Recovery(),
		gmw.NewLoggerMiddleware(
			gmw.WithLogger(log.Logger.Named("gin")),
		),
		allowCORS(s.settings.AllowedOrigins),
	)
	engine.NoRoute(notFoundRoute)

	engine.Any("/health", func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "hello, world")
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/api/v1", s.authenticate)
	s.registerSnapshotRoutes(api)
	s.registerRunRoutes(api)
	s.registerPatchRoutes(api)
	return engine
}

// RunServer serves until ctx is cancelled, then drains in-flight requests.
func RunServer(ctx context.Context, addr string, srv *Server) error {
	if !gconfig.Shared.GetBool("debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info("listening on http", zap.String("addr", addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server exit")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown http server")
	}
	log.Logger.Info("http server stopped")
	return nil
}

// allowCORS admits origins whose host equals or is a subdomain of an allowed host.
func allowCORS(allowedHosts []string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		origin := ctx.Request.Header.Get("Origin")
		allowedOrigin := ""

		if origin != "" {
			if parsed, err := url.Parse(origin); err == nil {
				host := strings.ToLower(parsed.Hostname())
				for _, allowed := range allowedHosts {
					if host != "" && (host == allowed || strings.HasSuffix(host, "."+allowed)) {
						allowedOrigin = origin
						break
					}
				}
			}
		}

		if allowedOrigin != "" {
			ctx.Header("Access-Control-Allow-Origin", allowedOrigin)
			ctx.Header("Access-Control-Allow-Credentials", "true")
			ctx.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS, HEAD")
			ctx.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin, X-Requested-With")
			ctx.Header("Access-Control-Max-Age", "86400")
			ctx.Header("Vary", "Origin")

			if ctx.Request.Method == http.MethodOptions {
				ctx.AbortWithStatus(http.StatusNoContent)
				return
			}
		} else if origin != "" && ctx.Request.Method == http.MethodOptions {
			// preflight from a disallowed origin
			ctx.AbortWithStatus(http.StatusForbidden)
			return
		}

		ctx.Next()
	}
}
