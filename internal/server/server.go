package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"github.com/kellyson520/tg-forwarder/internal/config"
	pkgmdw "github.com/kellyson520/tg-forwarder/internal/server/middleware"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

// NewEcho builds the admin HTTP surface.
func NewEcho(conf config.ServerConfig, handler Controller) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = pkgmdw.NewValidator()
	e.HTTPErrorHandler = pkgmdw.ErrorHandler(logx.Named("http"))

	if conf.CORSOrigins != "" {
		pattern, err := regexp.Compile(conf.CORSOrigins)
		if err != nil {
			return nil, fmt.Errorf("compile cors origins: %w", err)
		}
		e.Use(pkgmdw.CORS(pattern))
	}
	e.Use(pkgmdw.Metrics())
	e.Use(pkgmdw.RequestID())
	e.Use(pkgmdw.LogRequest(pkgmdw.LogRequestConfig{
		Logger: logx.Named("http"),
		Enabled: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return path != "/health" && path != "/metrics"
		},
	}))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logx.Errorw(c.Request().Context(), "PANIC RECOVER", "error", err, "stack", string(stack))
			return err
		},
	}))

	e.GET("/health", handler.Health)

	auth := pkgmdw.AdminToken(conf.AdminToken)
	e.GET("/queue_status", handler.QueueStatus, auth)
	if conf.Pprof {
		pkgmdw.Pprof(e.Group("/debug/pprof", auth))
	}

	api := e.Group("/api/v1", auth)
	api.GET("/rules", pkgmdw.WrapHandler(handler.ListRules))
	api.POST("/rules", pkgmdw.WrapHandler(handler.CreateRule))
	api.PATCH("/rules/:id", pkgmdw.WrapHandler(handler.UpdateRule))
	api.GET("/rules/:id/audit", pkgmdw.WrapHandler(handler.RuleAudit))
	api.GET("/audit/summary", pkgmdw.WrapHandler(handler.AuditSummary))
	api.GET("/filters/global_disabled", pkgmdw.WrapHandler(handler.GetGlobalDisabled))
	api.PUT("/filters/global_disabled", pkgmdw.WrapHandler(handler.SetGlobalDisabled))
	api.GET("/media/global", pkgmdw.WrapHandler(handler.GetGlobalMedia))
	api.PUT("/media/global", pkgmdw.WrapHandler(handler.SetGlobalMedia))
	api.GET("/dedup/config", pkgmdw.WrapHandler(handler.GetDedupConfig))
	api.PUT("/dedup/config", pkgmdw.WrapHandler(handler.SetDedupConfig))
	api.POST("/tasks", pkgmdw.WrapHandler(handler.PushTask))
	api.POST("/messages", pkgmdw.WrapHandler(handler.SubmitMessage))

	return e, nil
}

func StartServer(lc fx.Lifecycle, sd fx.Shutdowner, conf *config.Config, handler Controller) error {
	e, err := NewEcho(conf.Server, handler)
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				logx.Infow(ctx, "starting HTTP server", "addr", conf.Server.Addr)
				if err := e.Start(conf.Server.Addr); !errors.Is(err, http.ErrServerClosed) {
					logx.Errorw(context.Background(), "HTTP server stopped", "error", err)
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
	return nil
}
