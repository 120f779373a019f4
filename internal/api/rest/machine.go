package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenKneaderCore/internal/auth"
	"github.com/KevinKickass/OpenKneaderCore/internal/kneader"
	"github.com/KevinKickass/OpenKneaderCore/internal/types"
)

var controlActions = map[string]bool{
	"abort":          true,
	"resume":         true,
	"complete_abort": true,
	"cancel":         true,
	"reset":          true,
}

type barcodeRequest struct {
	Barcode string `json:"barcode" binding:"required"`
}

type writeRequest struct {
	TagName string      `json:"tag_name" binding:"required"`
	Value   interface{} `json:"value"`
}

// GET /api/v1/status
func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Controller.Status())
}

// POST /api/v1/commands takes the HMI command object as is.
func (s *Server) executeCommand(c *gin.Context) {
	var cmd kneader.Command
	if err := c.ShouldBindJSON(&cmd); err != nil || cmd.Command == "" {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeProcessBadRequest, "Invalid command body", errDetails(err)))
		return
	}

	if cmd.Command == "write" && !auth.HasPermission(c, auth.PermTechnician) {
		c.JSON(http.StatusForbidden, types.NewErrorResponse(types.CodeAuthForbidden, "write requires technician permission", nil))
		return
	}

	s.respond(c, cmd.Command, s.deps.Controller.Handle(c.Request.Context(), cmd))
}

// POST /api/v1/workorder/load
func (s *Server) loadWorkorder(c *gin.Context) {
	var data map[string]interface{}
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeWorkorderBadRequest, "Invalid workorder body", err.Error()))
		return
	}
	s.respond(c, "load_workorder", s.deps.Controller.Handle(c.Request.Context(), kneader.Command{Command: "load_workorder", Data: data}))
}

func (s *Server) barcodeCommand(command string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req barcodeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeScanBadRequest, "barcode is required", err.Error()))
			return
		}
		resp := s.deps.Controller.Handle(c.Request.Context(), kneader.Command{
			Command: command,
			Data:    map[string]interface{}{"barcode": req.Barcode},
		})
		s.respond(c, command, resp)
	}
}

func (s *Server) simpleCommand(command string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.respond(c, command, s.deps.Controller.Handle(c.Request.Context(), kneader.Command{Command: command}))
	}
}

// POST /api/v1/control/:action
func (s *Server) control(c *gin.Context) {
	action := c.Param("action")
	if !controlActions[action] {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeProcessNotFound, "Unknown control action", action))
		return
	}
	s.respond(c, action, s.deps.Controller.Handle(c.Request.Context(), kneader.Command{Command: action}))
}

// POST /api/v1/write
func (s *Server) writeTag(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeWriteBadRequest, "Invalid request body", err.Error()))
		return
	}

	s.logger.Info("Manual tag write",
		zap.String("tag", req.TagName),
		zap.Any("value", req.Value),
		zap.String("username", auth.Username(c)))

	resp := s.deps.Controller.Handle(c.Request.Context(), kneader.Command{Command: "write", TagName: req.TagName, Value: req.Value})
	s.respond(c, "write", resp)
}

// respond maps controller answers onto HTTP: rejected commands are 409,
// malformed ones 400, everything else 200 with the controller's body.
func (s *Server) respond(c *gin.Context, command string, resp kneader.Response) {
	code := http.StatusOK
	if ack, ok := resp.(kneader.Ack); ok {
		switch ack.Status {
		case kneader.AckFail:
			code = http.StatusConflict
		case kneader.AckError:
			code = http.StatusBadRequest
		}
	}
	if code != http.StatusOK {
		s.logger.Debug("Command rejected", zap.String("command", command), zap.Any("response", resp))
	}
	c.JSON(code, resp)
}

func errDetails(err error) interface{} {
	if err == nil {
		return "command is required"
	}
	return err.Error()
}
