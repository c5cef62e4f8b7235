package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"trading-engine/internal/auth"
	"trading-engine/internal/controlplane"
	"trading-engine/internal/ledger"
)

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := s.query.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequest struct {
	OperatorID string `json:"operator_id" binding:"required"`
	Secret     string `json:"secret" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator_id and secret are required"})
		return
	}

	for _, op := range s.config.Operators {
		if op.ID != req.OperatorID {
			continue
		}
		if !s.secrets.Verify(req.Secret, op.SecretHash) {
			break
		}
		token, err := s.jwt.Generate(auth.OperatorClaims{OperatorID: op.ID, Role: op.Role})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "role": op.Role})
		return
	}
	c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"governance": s.owner.Snapshot(),
		"timestamp":  time.Now().UTC(),
	}
	for name, src := range s.stats {
		status[name] = src.Stats()
	}
	if s.hub != nil {
		status["ws_clients"] = s.hub.ClientCount()
	}
	c.JSON(http.StatusOK, status)
}

// handleControl executes one guarded command. The idempotency key is
// required: retried requests must carry the same key to be safe.
func (s *Server) handleControl(c *gin.Context) {
	key := c.GetHeader("X-Idempotency-Key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Idempotency-Key header is required"})
		return
	}

	var params map[string]interface{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	cmd := controlplane.Command{
		Name:   c.Param("command"),
		Actor:  auth.OperatorID(c),
		Params: params,
	}

	result, err := s.guard.Execute(c.Request.Context(), key, cmd)
	if err != nil {
		status := http.StatusInternalServerError
		switch err {
		case controlplane.ErrMissingKey:
			status = http.StatusBadRequest
		case controlplane.ErrInFlight:
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if !result.OK {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	order, err := s.query.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == ledger.ErrOrderNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleOpenOrders(c *gin.Context) {
	orders, err := s.query.GetOpenOrders(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (s *Server) handleReviewQueue(c *gin.Context) {
	orders, err := s.query.GetOrdersNeedingReview(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.query.GetAllPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleAllocations(c *gin.Context) {
	allocations, err := s.query.GetLatestAllocations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocations": allocations})
}

func (s *Server) handleAudit(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.query.GetAuditEntries(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
