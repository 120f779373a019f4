package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/KevinKickass/OpenKneaderCore/internal/types"
	"github.com/KevinKickass/OpenKneaderCore/internal/workorder"
)

// GET /api/v1/workorders
func (s *Server) listWorkorders(c *gin.Context) {
	if s.deps.Library == nil {
		c.JSON(http.StatusOK, gin.H{"workorders": []workorder.Summary{}})
		return
	}

	list, err := s.deps.Library.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeWorkorderInternal, "Failed to list workorders", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"workorders": list})
}

// GET /api/v1/workorders/:id
func (s *Server) getWorkorder(c *gin.Context) {
	wo, ok := s.lookupWorkorder(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, wo)
}

// POST /api/v1/workorders/:id/load
func (s *Server) loadLibraryWorkorder(c *gin.Context) {
	wo, ok := s.lookupWorkorder(c)
	if !ok {
		return
	}
	s.respond(c, "load_workorder", s.deps.Controller.LoadWorkOrder(c.Request.Context(), wo))
}

func (s *Server) lookupWorkorder(c *gin.Context) (*workorder.WorkOrder, bool) {
	id := c.Param("id")
	if s.deps.Library == nil {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeWorkorderNotFound, "Workorder not found", id))
		return nil, false
	}

	wo, err := s.deps.Library.Get(id)
	switch {
	case errors.Is(err, workorder.ErrNotFound):
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeWorkorderNotFound, "Workorder not found", id))
		return nil, false
	case err != nil:
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeWorkorderInternal, "Failed to load workorder", err.Error()))
		return nil, false
	}
	return wo, true
}
