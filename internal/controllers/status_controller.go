package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type statusController struct{ run Run }

func NewStatusController(run Run) *statusController {
	return &statusController{run: run}
}

func (h *statusController) Handle(c *gin.Context) {
	st := h.run.Status()
	if c.Query("workers") != "true" {
		st.States = nil
	}
	c.JSON(http.StatusOK, st)
}
