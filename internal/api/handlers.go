package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"futures-agent/internal/position"
)

const defaultListLimit = 50

// PositionView is a stored position marked to the current price when one is available.
type PositionView struct {
	position.State
	MarkPrice     float64 `json:"mark_price,omitempty"`
	UnrealizedPnL float64 `json:"unrealized_pnl,omitempty"`
}

func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

func unavailable(c *gin.Context, what string) {
	errorResponse(c, http.StatusServiceUnavailable, what+" not available")
}

func limitParam(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		errorResponse(c, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// handleHealth reports uptime and the outcome of every symbol loop. A loop whose last
// cycle failed degrades the status but the endpoint still answers 200.
func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status": "healthy",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.src.Agent != nil {
		loops := s.src.Agent.Status()
		for _, l := range loops {
			if l.LastError != "" {
				resp["status"] = "degraded"
				break
			}
		}
		resp["loops"] = loops
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) view(ctx context.Context, st position.State) PositionView {
	v := PositionView{State: st}
	if s.src.Prices == nil {
		return v
	}
	price, err := s.src.Prices.GetCurrentPrice(ctx, st.Symbol)
	if err != nil {
		s.logger.Debug("No mark price", "symbol", st.Symbol, "error", err)
		return v
	}
	v.MarkPrice = price
	v.UnrealizedPnL = st.UnrealizedPnL(price)
	return v
}

func (s *Server) handleListPositions(c *gin.Context) {
	if s.src.Positions == nil {
		unavailable(c, "position store")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	states, err := s.src.Positions.List(ctx)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Symbol < states[j].Symbol })

	views := make([]PositionView, 0, len(states))
	for _, st := range states {
		views = append(views, s.view(ctx, st))
	}
	c.JSON(http.StatusOK, gin.H{"positions": views, "count": len(views)})
}

func (s *Server) handleGetPosition(c *gin.Context) {
	if s.src.Positions == nil {
		unavailable(c, "position store")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	symbol := strings.ToUpper(c.Param("symbol"))
	st, err := s.src.Positions.Load(ctx, symbol)
	if errors.Is(err, position.ErrStateNotFound) {
		errorResponse(c, http.StatusNotFound, "no position for "+symbol)
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, s.view(ctx, st))
}

func (s *Server) handleLedger(c *gin.Context) {
	if s.src.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	n, ok := limitParam(c)
	if !ok {
		return
	}
	entries := s.src.Ledger.Recent(n)
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleScores(c *gin.Context) {
	if s.src.Ledger == nil {
		unavailable(c, "ledger")
		return
	}
	c.JSON(http.StatusOK, gin.H{"scores": s.src.Ledger.Leaderboard()})
}

func (s *Server) handleKillSwitch(c *gin.Context) {
	if s.src.KillSwitch == nil {
		unavailable(c, "kill switch")
		return
	}
	c.JSON(http.StatusOK, s.src.KillSwitch.Status())
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.src.History == nil {
		unavailable(c, "event history")
		return
	}
	n, ok := limitParam(c)
	if !ok {
		return
	}
	recent := s.src.History.Recent(n)
	if symbol := strings.ToUpper(c.Query("symbol")); symbol != "" {
		filtered := recent[:0:0]
		for _, e := range recent {
			if e.Symbol == symbol {
				filtered = append(filtered, e)
			}
		}
		recent = filtered
	}
	c.JSON(http.StatusOK, gin.H{"events": recent, "count": len(recent)})
}
