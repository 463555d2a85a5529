// Package httpapi exposes a stepwise engine over HTTP: create workflows and
// read their progress. It never drives execution itself; workers do.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/petrijr/stepwise/pkg/api"
)

// Server holds the dependencies for the API handlers.
type Server struct {
	Engine api.Engine
	// Notify, if set, is called after a workflow is created so idle workers
	// pick it up without waiting for their next poll.
	Notify func()
	Logger *slog.Logger
}

// NewServer creates a new Server.
func NewServer(eng api.Engine, notify func(), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Engine: eng, Notify: notify, Logger: logger}
}

// Echo builds the echo instance with middleware and every route mounted.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				s.Logger.Warn("http_request", append(attrs, "error", v.Error)...)
				return nil
			}
			s.Logger.Debug("http_request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/healthz", s.Health)

	g := e.Group("/api/v1")
	g.POST("/workflows", s.CreateWorkflow)
	g.GET("/workflows", s.ListWorkflows)
	g.GET("/workflows/:id", s.GetWorkflow)
	g.GET("/workflows/:id/steps", s.ListSteps)
	g.GET("/steps/:id", s.GetStep)
	return e
}

// CreateWorkflowRequest is the body of POST /api/v1/workflows. Without Steps
// the goal is handed to the engine's planner.
type CreateWorkflowRequest struct {
	Goal  string            `json:"goal"`
	Steps []api.PlannedStep `json:"steps,omitempty"`
}

// WorkflowView is a workflow with its chain and a per-state summary.
type WorkflowView struct {
	Workflow *api.Workflow `json:"workflow"`
	Steps    []*api.Step   `json:"steps"`
	Summary  api.Summary   `json:"summary"`
}

// httpError maps engine errors to status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, api.ErrWorkflowNotFound), errors.Is(err, api.ErrStepNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, api.ErrInvalidPlan):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, api.ErrNoPlanner):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
}

// Health reports liveness.
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// CreateWorkflow plans or materializes a workflow.
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.Goal == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal is required")
	}

	var (
		wf  *api.Workflow
		err error
	)
	if len(req.Steps) == 0 {
		wf, err = s.Engine.Submit(ctx, req.Goal)
	} else {
		specs := make([]api.StepSpec, 0, len(req.Steps))
		for _, p := range req.Steps {
			spec, perr := api.ParseStepSpec(p.Name, p.Agent)
			if perr != nil {
				return httpError(perr)
			}
			specs = append(specs, spec)
		}
		wf, err = s.Engine.CreateWorkflow(ctx, req.Goal, specs)
	}
	if err != nil {
		return httpError(err)
	}

	if s.Notify != nil {
		s.Notify()
	}
	return c.JSON(http.StatusCreated, wf)
}

// ListWorkflows returns workflows in creation order.
// (GET /api/v1/workflows?limit=N)
func (s *Server) ListWorkflows(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	wfs, err := s.Engine.ListWorkflows(c.Request().Context(), api.WorkflowFilter{Limit: limit})
	if err != nil {
		return httpError(err)
	}
	if wfs == nil {
		wfs = []*api.Workflow{}
	}
	return c.JSON(http.StatusOK, wfs)
}

// GetWorkflow returns a workflow, its steps and a summary.
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	wf, err := s.Engine.GetWorkflow(ctx, id)
	if err != nil {
		return httpError(err)
	}
	steps, err := s.Engine.ListSteps(ctx, api.StepFilter{WorkflowID: id})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, WorkflowView{Workflow: wf, Steps: steps, Summary: api.Summarize(steps)})
}

// ListSteps returns a workflow's chain, optionally narrowed to one state.
// (GET /api/v1/workflows/:id/steps?state=PENDING)
func (s *Server) ListSteps(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if _, err := s.Engine.GetWorkflow(ctx, id); err != nil {
		return httpError(err)
	}

	f := api.StepFilter{WorkflowID: id, State: api.StepState(c.QueryParam("state"))}
	switch f.State {
	case "", api.StepBlocked, api.StepPending, api.StepRunning, api.StepCompleted, api.StepFailed:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown state "+strconv.Quote(string(f.State)))
	}

	steps, err := s.Engine.ListSteps(ctx, f)
	if err != nil {
		return httpError(err)
	}
	if steps == nil {
		steps = []*api.Step{}
	}
	return c.JSON(http.StatusOK, steps)
}

// GetStep returns one step.
// (GET /api/v1/steps/:id)
func (s *Server) GetStep(c echo.Context) error {
	st, err := s.Engine.GetStep(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}
