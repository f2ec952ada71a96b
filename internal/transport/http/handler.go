package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/peerledger/txsync/internal/model"
	"github.com/peerledger/txsync/internal/service"
)

func RegisterHandlers(r *gin.Engine, svc *service.TxLogService) {
	api := r.Group("/api")
	{
		api.GET("/transactions", listHandler(svc))
		api.POST("/transactions", createHandler(svc))
		api.GET("/transactions/:id", getHandler(svc))
		api.GET("/stats", statsHandler(svc))
		api.GET("/endpoints/:id/stats", endpointStatsHandler(svc))
	}
	r.GET("/health", healthHandler)
}

func listHandler(svc *service.TxLogService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		endpoint := c.Query("endpoint")
		txs, err := svc.List(c, endpoint, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

func createHandler(svc *service.TxLogService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var tx model.Transaction
		if err := c.ShouldBindJSON(&tx); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.Append(c, tx); err != nil {
			if errors.Is(err, service.ErrInvalidID) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": tx.ID})
	}
}

func getHandler(svc *service.TxLogService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tx, err := svc.GetByID(c, c.Param("id"))
		if err != nil {
			switch {
			case errors.Is(err, service.ErrInvalidID):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, service.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, tx)
	}
}

func statsHandler(svc *service.TxLogService) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := svc.GlobalStats(c)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func endpointStatsHandler(svc *service.TxLogService) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := svc.EndpointStats(c, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "tx-log-api",
	})
}
