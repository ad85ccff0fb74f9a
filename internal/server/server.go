// Package server is the HTTP surface: push endpoints, webhook admin, cached
// catalog reads, health and metrics.
package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/hub"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/logging"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/playfab"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Server struct {
	svc    *service.Service
	log    logging.Entry
	engine *gin.Engine
}

func New(svc *service.Service) *Server {
	if mode := svc.Config().Server.GinMode; mode != "" {
		gin.SetMode(mode)
	}
	s := &Server{
		svc:    svc,
		log:    logging.Component(svc.Logger(), "http"),
		engine: gin.New(),
	}
	s.engine.Use(requestID(), recovery(s.log), requestLogger(s.log), instrument(svc.Metrics()))
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	r := s.engine
	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(s.svc.Metrics().Handler()))

	r.GET("/events", s.streamSSE)
	r.GET("/events/ws", s.streamWS)

	wh := r.Group("/webhooks")
	wh.GET("", s.listWebhooks)
	wh.POST("", s.addWebhook)
	wh.GET("/:id", s.getWebhook)
	wh.DELETE("/:id", s.removeWebhook)

	mp := r.Group("/marketplace/:alias")
	mp.GET("/search", s.search)
	mp.GET("/items/:id", s.item)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})
}

func (s *Server) health(c *gin.Context) {
	h := s.svc.Health()
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func filterFromQuery(c *gin.Context) (hub.Filter, error) {
	return hub.ParseFilter(c.Query("events"), c.Query("creators"), c.Query("heartbeatMs"))
}

// streamSSE holds the request open until the client goes away or the hub
// drops it.
func (s *Server) streamSSE(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conn, err := hub.NewSSEConn(c.Writer, c.Request.Context().Done())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unavailable"})
		return
	}
	client, err := s.svc.Hub().AddClient(conn, f)
	if err != nil {
		return
	}
	<-client.Done()
}

func (s *Server) streamWS(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied
		s.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	h := s.svc.Hub()
	conn := hub.NewWSConn(ws, h.HeartbeatFor(f))
	if _, err := h.AddClient(conn, f); err != nil {
		_ = conn.Close()
	}
}

func (s *Server) search(c *gin.Context) {
	q := playfab.SearchQuery{
		Search:  c.Query("q"),
		Filter:  c.Query("filter"),
		OrderBy: c.Query("orderBy"),
	}
	var err error
	if q.Top, err = intQuery(c, "top"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if q.Skip, err = intQuery(c, "skip"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page, stale, err := s.svc.Search(c.Request.Context(), c.Param("alias"), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	if stale {
		c.Header("X-Cache", "stale")
	}
	s.respond(c, page)
}

func (s *Server) item(c *gin.Context) {
	it, err := s.svc.Item(c.Request.Context(), c.Param("alias"), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respond(c, it)
}

// respond writes v as JSON and feeds its size to the periodic stats.
func (s *Server) respond(c *gin.Context, v any) {
	c.JSON(http.StatusOK, v)
	s.svc.ObserveResponse(c.Writer.Size())
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

// fail maps domain errors to HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	var up *playfab.UpstreamError
	var auth *playfab.AuthError
	switch {
	case errors.Is(err, playfab.ErrUnknownTitle):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case playfab.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &up) && (up.Exhausted || up.Status == http.StatusServiceUnavailable || up.Status == http.StatusTooManyRequests):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upstream unavailable"})
	case errors.As(err, &up) && up.Status >= 400 && up.Status < 500:
		c.JSON(http.StatusBadRequest, gin.H{"error": up.Message, "code": up.Code})
	case errors.As(err, &auth):
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream authentication failed"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream error"})
	}
}
