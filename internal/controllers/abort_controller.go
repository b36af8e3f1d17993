package controllers

import (
	"log/slog"
	"net/http"

	"github.com/osvaldoandrade/batchsup/internal/middleware"
	"github.com/osvaldoandrade/batchsup/internal/supervisor"

	"github.com/gin-gonic/gin"
)

type abortController struct{ run Run }

func NewAbortController(run Run) *abortController {
	return &abortController{run: run}
}

func (h *abortController) Handle(c *gin.Context) {
	st := h.run.Status()
	switch st.Phase {
	case supervisor.PhaseDone, supervisor.PhaseAborted, supervisor.PhaseFailed:
		c.JSON(http.StatusConflict, gin.H{"error": "run already finished", "phase": st.Phase})
		return
	}
	by := "anonymous"
	if claims, ok := middleware.GetClaims(c); ok && claims.Subject != "" {
		by = claims.Subject
	}
	if v, ok := c.Get("logger"); ok {
		if logger, ok := v.(*slog.Logger); ok {
			logger.Warn("abort requested over control API", "by", by, "run", st.RunID)
		}
	}
	h.run.Abort()
	c.JSON(http.StatusAccepted, gin.H{"runId": st.RunID, "phase": st.Phase, "abort": "requested"})
}
