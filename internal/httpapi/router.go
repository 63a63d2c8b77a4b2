// Package httpapi serves agents over plain HTTP next to the relay
// protocol: agent info, chat and operational endpoints.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"agentrelay/internal/agent"
	"agentrelay/internal/logging"
	"agentrelay/internal/protocol"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const HeaderThreadID = "X-Thread-ID"

// Agents is the part of agent.Server the HTTP surface needs.
type Agents interface {
	Cards() []protocol.AgentCard
	Chat(ctx context.Context, req agent.ChatRequest) (reply, threadID string, err error)
}

type ChatBody struct {
	Messages []string `json:"messages" binding:"required,min=1"`
	ThreadID string   `json:"thread_id"`
}

func NewRouter(agents Agents, log logging.Logger) *gin.Engine {
	if log == nil {
		log = logging.Discard()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/info", func(c *gin.Context) {
		cards := agents.Cards()
		switch len(cards) {
		case 0:
			c.JSON(http.StatusNotFound, gin.H{"error": "no agents registered"})
		case 1:
			c.JSON(http.StatusOK, cards[0])
		default:
			c.JSON(http.StatusOK, cards)
		}
	})

	r.POST("/chat", func(c *gin.Context) {
		var body ChatBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		threadID := firstNonEmpty(body.ThreadID, c.GetHeader(HeaderThreadID))
		reply, threadID, err := agents.Chat(c.Request.Context(), agent.ChatRequest{
			Sender:   "http:" + c.ClientIP(),
			ThreadID: threadID,
			Messages: body.Messages,
		})
		if err != nil {
			status := statusFor(err)
			log.Info("http chat failed", "thread_id", threadID, "status", status, "err", err.Error())
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.Header(HeaderThreadID, threadID)
		c.JSON(http.StatusOK, reply)
	})
	return r
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrNotHandled):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Serve runs the router on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, log logging.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("http listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
