package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/voicegate/internal/adapters/pubsub"
	"github.com/dkeye/voicegate/internal/adapters/signal"
	"github.com/dkeye/voicegate/internal/app"
	"github.com/dkeye/voicegate/internal/app/orch"
	"github.com/dkeye/voicegate/internal/config"
	"github.com/dkeye/voicegate/internal/metrics"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const sessionUserKey = "user_id"

// Pinger is anything /healthz should probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Orch    *orch.Orchestrator
	Auth    *app.AuthGate
	Rooms   *app.Rooms
	Metrics *metrics.Collector
	Limiter *ConnectLimiter
	Cache   Pinger
}

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware tags every browser with a long-lived cookie so log
// lines from one client can be correlated across reconnects.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// SessionClaimMiddleware exposes the session's user as the identity claim
// the transports accept in place of a token.
func SessionClaimMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if user, ok := sessions.Default(c).Get(sessionUserKey).(string); ok && user != "" {
			c.Set(app.ClaimContextKey, user)
		}
		c.Next()
	}
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

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions("VoiceSessions", store))
	r.Use(ClientTokenMiddleware())
	r.Use(SessionClaimMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	sig := signal.NewSignalWSController(d.Orch, d.Auth, signal.Options{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		WriteTimeout: cfg.WriteTimeout,
		SendBuffer:   cfg.SendBuffer,
	})
	ps := pubsub.NewServer(d.Orch, d.Auth, pubsub.Options{
		ReadLimit:        cfg.ReadLimit,
		HandshakeTimeout: cfg.PubSub.HandshakeTimeout,
		PingPeriod:       cfg.PingPeriod,
		WriteTimeout:     cfg.WriteTimeout,
		SendBuffer:       cfg.SendBuffer,
	})

	upgrades := r.Group("/", d.Limiter.Middleware())
	upgrades.GET("/ws", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws endpoint hit")
		sig.HandleSignal(ctx, c)
	})
	upgrades.GET("/socket", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("socket endpoint hit")
		ps.HandleSocket(ctx, c)
	})

	r.GET("/healthz", healthHandler(d.Cache))
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	api := r.Group("/api")
	api.GET("/stats", statsHandler(d))
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": d.Rooms.List()})
	})
	api.POST("/session", sessionLogin(d.Auth))
	api.DELETE("/session", sessionLogout)

	return r
}

func healthHandler(cache Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cache != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := cache.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "cache": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func statsHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		byTransport := make(map[string]int)
		for kind, n := range d.Orch.Registry.CountByTransport() {
			byTransport[string(kind)] = n
		}
		c.JSON(http.StatusOK, gin.H{
			"connections":   d.Orch.Registry.Count(),
			"users":         d.Orch.Registry.Users(),
			"transports":    byTransport,
			"rooms":         d.Rooms.Count(),
			"audio_streams": d.Orch.Streams.Len(),
		})
	}
}

// sessionLogin trades a bearer token for a signed session cookie, after
// which browser clients may connect without presenting the token again.
func sessionLogin(gate *app.AuthGate) gin.HandlerFunc {
	return func(c *gin.Context) {
		cr := app.CredentialsFromRequest(c.Request)
		if cr.Token == "" {
			var body struct {
				Token string `json:"token"`
			}
			_ = c.ShouldBindJSON(&body)
			cr.Token = body.Token
		}
		if cr.Token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		user, err := gate.Authenticate(c.Request.Context(), app.Credentials{Token: cr.Token})
		if err != nil {
			log.Info().Str("module", "adapters.http").Err(err).Msg("session login rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		s := sessions.Default(c)
		s.Set(sessionUserKey, string(user))
		if err := s.Save(); err != nil {
			log.Error().Str("module", "adapters.http").Err(err).Msg("session save failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": user})
	}
}

func sessionLogout(c *gin.Context) {
	s := sessions.Default(c)
	s.Delete(sessionUserKey)
	if err := s.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}
