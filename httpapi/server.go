package httpapi

import (
	"context"
	"net/http"

	"github.com/juju/errors"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mkarlin/sagaflow/runtime"
	"github.com/mkarlin/sagaflow/types"
)

/**
 * Server exposes the step signaling endpoints: out-of-process workers
 * conclude awaiting steps by posting success or failure against their
 * transaction, plus status, abort and rendering for operators.
 */
type Server struct {
	engine *runtime.Engine
	echo   *echo.Echo
}

func NewServer(engine *runtime.Engine) *Server {
	s := &Server{engine: engine, echo: echo.New()}
	s.echo.HideBanner = true
	s.echo.Use(middleware.Logger())
	s.echo.Use(middleware.Recover())

	s.echo.POST("/workflows-executions/:workflow_id/steps/success", s.stepSuccess)
	s.echo.POST("/workflows-executions/:workflow_id/steps/failure", s.stepFailure)
	s.echo.GET("/workflows-executions/:transaction_id", s.report)
	s.echo.POST("/workflows-executions/:transaction_id/abort", s.abort)
	s.echo.GET("/workflows-executions/:transaction_id/render", s.render)
	return s
}

func (s *Server) Start(address string) error {
	return errors.Trace(s.echo.Start(address))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return errors.Trace(s.echo.Shutdown(ctx))
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type signalRequest struct {
	TransactionID string `json:"transaction_id"`
	StepID        string `json:"step_id"`
	// "invoke" or "compensate", invoke when omitted
	Action string `json:"action"`

	Response        types.Data `json:"response,omitempty"`
	CompensateInput types.Data `json:"compensate_input,omitempty"`
	Error           string     `json:"error,omitempty"`
}

func (req *signalRequest) toSignal(workflowID string, success bool) *types.StepSignal {
	action := types.Action(req.Action)
	if req.Action == "" {
		action = types.ActionInvoke
	}
	payload := req.Response
	if action == types.ActionCompensate {
		payload = req.CompensateInput
	}
	errMsg := req.Error
	if !success && errMsg == "" {
		errMsg = "step reported failure"
	}
	return &types.StepSignal{
		WorkflowID:    workflowID,
		TransactionID: req.TransactionID,
		StepID:        req.StepID,
		Action:        action,
		Success:       success,
		Payload:       payload,
		Error:         errMsg,
	}
}

func (s *Server) stepSuccess(c echo.Context) error {
	return s.signal(c, true)
}

func (s *Server) stepFailure(c echo.Context) error {
	return s.signal(c, false)
}

func (s *Server) signal(c echo.Context, success bool) error {
	req := &signalRequest{}
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err))
	}

	sig := req.toSignal(c.Param("workflow_id"), success)
	if err := s.engine.Signal(c.Request().Context(), sig); err != nil {
		return c.JSON(statusOf(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"transaction_id": sig.TransactionID,
		"step_id":        sig.StepID,
		"accepted":       true,
	})
}

func (s *Server) report(c echo.Context) error {
	report, err := s.engine.Report(c.Request().Context(), c.Param("transaction_id"))
	if err != nil {
		return c.JSON(statusOf(err), errorBody(err))
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) abort(c echo.Context) error {
	transactionID := c.Param("transaction_id")
	if err := s.engine.Abort(c.Request().Context(), transactionID); err != nil {
		return c.JSON(statusOf(err), errorBody(err))
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"transaction_id": transactionID,
		"aborting":       true,
	})
}

func (s *Server) render(c echo.Context) error {
	dot, err := s.engine.RenderTransaction(c.Request().Context(), c.Param("transaction_id"))
	if err != nil {
		return c.JSON(statusOf(err), errorBody(err))
	}
	return c.String(http.StatusOK, dot)
}

/**
 * statusOf maps the engine's error classes onto HTTP: unknown
 * transaction or step is 404, a signal against an already terminal key
 * conflicts with 409, semantically invalid signals are 422, forbidden
 * transitions 403 and anything unclassified 500.
 */
func statusOf(err error) int {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsAlreadyExists(err):
		return http.StatusConflict
	case errors.IsNotValid(err):
		return http.StatusUnprocessableEntity
	case errors.IsBadRequest(err):
		return http.StatusBadRequest
	case errors.IsForbidden(err):
		return http.StatusForbidden
	case errors.IsMethodNotAllowed(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorBody(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}
