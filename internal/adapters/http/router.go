package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	gauth "github.com/shaj13/go-guardian/auth"

	"github.com/dkeye/teleconsult/internal/adapters/signal"
	"github.com/dkeye/teleconsult/internal/app/orch"
	"github.com/dkeye/teleconsult/internal/config"
)

// Pinger is a dependency whose reachability /health reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Orch       *orch.Orchestrator
	Signal     *signal.SignalWSController
	Auth       gauth.Authenticator
	ICEServers []webrtc.ICEServer
	Health     map[string]Pinger
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/health", healthHandler(d.Health))

	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		d.Signal.HandleSignal(ctx, c)
	})

	h := &handlers{orch: d.Orch, ice: d.ICEServers}
	authed := api.Group("", AuthMiddleware(d.Auth))
	{
		authed.POST("/consultations", h.requestConsultation)
		authed.GET("/consultations", h.history)
		authed.GET("/consultations/:id", h.getConsultation)
		authed.PATCH("/consultations/:id/accept", h.acceptConsultation)
		authed.PATCH("/consultations/:id/end", h.endConsultation)
		authed.PATCH("/consultations/:id/cancel", h.cancelConsultation)
		authed.POST("/consultations/:id/prescription", h.attachPrescription)

		authed.PATCH("/doctors/status", h.setDoctorStatus)
		authed.GET("/doctors/:id/presence", h.presence)

		authed.GET("/webrtc/ice-servers", h.iceServers)
	}

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

func healthHandler(deps map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		report := gin.H{}
		for name, p := range deps {
			if err := p.Ping(ctx); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Str("dependency", name).Msg("health check failed")
				report[name] = "unreachable"
				status = http.StatusServiceUnavailable
				continue
			}
			report[name] = "ok"
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "dependencies": report})
	}
}
