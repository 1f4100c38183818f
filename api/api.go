package api

import (
	"net/http"

	"github.com/steadyops/steady/config"

	"github.com/steadyops/steady/api/middleware"

	"github.com/gin-gonic/gin"
	"github.com/steadyops/steady"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	steady *steady.Steady
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/rollouts", a.StartRollout)
	router.GET("/rollouts/:environment/:name", a.GetRolloutStatus)
	router.DELETE("/rollouts/:environment/:name", a.AbortRollout)
	router.GET("/rollouts/:environment/:name/events", a.GetRolloutEvents)

	router.POST("/replay-cycles", a.TriggerReplayCycle)
	router.GET("/quarantine", a.GetQuarantinedMessages)
	router.POST("/quarantine", a.QuarantineMessage)
	router.DELETE("/quarantine/:message_id", a.DiscardMessage)

	return a.router
}

func NewAPI(s *steady.Steady) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	if conf.EnableTelemetry {
		r.Use(otelgin.Middleware(conf.ProjectName))
	}
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{steady: s, router: r}
}
