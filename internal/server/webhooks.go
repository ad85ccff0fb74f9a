package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/webhook"
)

type webhookRequest struct {
	URL      string   `json:"url" binding:"required"`
	Event    string   `json:"event"`
	Secret   string   `json:"secret"`
	Provider string   `json:"provider"`
	Creators []string `json:"creators"`
}

// webhookView never exposes the secret.
type webhookView struct {
	ID        string        `json:"id"`
	URL       string        `json:"url"`
	Event     string        `json:"event"`
	Provider  string        `json:"provider"`
	Creators  []string      `json:"creators,omitempty"`
	Signed    bool          `json:"signed"`
	CreatedAt time.Time     `json:"createdAt"`
	Stats     webhook.Stats `json:"stats"`
}

func viewOf(r webhook.Registration) webhookView {
	return webhookView{
		ID:        r.ID,
		URL:       r.URL,
		Event:     r.Event,
		Provider:  webhook.ProviderFor(r),
		Creators:  r.Creators,
		Signed:    r.Secret != "",
		CreatedAt: r.CreatedAt,
		Stats:     r.Stats,
	}
}

func (s *Server) listWebhooks(c *gin.Context) {
	regs := s.svc.Registry().List()
	out := make([]webhookView, 0, len(regs))
	for _, r := range regs {
		out = append(out, viewOf(r))
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": out})
}

func (s *Server) addWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	reg, created, err := s.svc.Registry().Add(webhook.Registration{
		URL:      req.URL,
		Event:    req.Event,
		Secret:   req.Secret,
		Provider: req.Provider,
		Creators: req.Creators,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.log.WithField("webhook_id", reg.ID).WithField("event", reg.Event).Info("Webhook registered")
	}
	c.JSON(status, viewOf(reg))
}

func (s *Server) getWebhook(c *gin.Context) {
	reg, ok := s.svc.Registry().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
		return
	}
	c.JSON(http.StatusOK, viewOf(reg))
}

func (s *Server) removeWebhook(c *gin.Context) {
	id := c.Param("id")
	err := s.svc.Registry().Remove(id)
	switch {
	case errors.Is(err, webhook.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "remove failed"})
	default:
		s.log.WithField("webhook_id", id).Info("Webhook removed")
		c.Status(http.StatusNoContent)
	}
}
