// Package pipelineruns exposes HTTP routes for starting and inspecting
// pipeline runs.
package pipelineruns

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/aspen/internal/repositories/candidatepair"
	"github.com/Ramsey-B/aspen/internal/repositories/pipelinerun"
	"github.com/Ramsey-B/aspen/pkg/pipeline"
)

// Register registers pipeline run routes on the given group
func Register(g *echo.Group) {
	g.POST("/runs", StartRun)
	g.GET("/runs", ListRuns)
	g.GET("/runs/:id", GetRun)
	g.GET("/runs/:id/pairs", ListRunPairs)
}

// StartRun validates the posted definition, reserves the collection and
// starts the run in the background. The response carries the pending run
// so callers can poll GET /runs/:id for progress.
func StartRun(c echo.Context) error {
	ctx := c.Request().Context()

	var def pipeline.Definition
	if err := c.Bind(&def); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid run definition")
	}

	ctx, runner, err := ectoinject.GetContext[*pipeline.Runner](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	prepared, err := runner.PrepareRun(ctx, &def)
	if err != nil {
		return err
	}

	ctx, logger, _ := ectoinject.GetContext[ectologger.Logger](ctx)
	if logger != nil {
		logger.WithContext(ctx).WithFields(map[string]any{
			"run_id":     prepared.Run().ID,
			"collection": def.Collection,
		}).Info("Accepted pipeline run")
	}

	// The run outlives the request. Execute persists and logs its own
	// failures, so the goroutine has nothing to report back.
	go func() {
		_, _ = prepared.Execute(context.Background())
	}()

	return c.JSON(http.StatusAccepted, prepared.Run())
}

// GetRun returns a single pipeline run by id
func GetRun(c echo.Context) error {
	ctx := c.Request().Context()

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*pipelinerun.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	run, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, run)
}

// ListRuns returns recent pipeline runs, optionally filtered by collection
func ListRuns(c echo.Context) error {
	ctx := c.Request().Context()

	collection := c.QueryParam("collection")

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		limit = parsed
	}

	ctx, repo, err := ectoinject.GetContext[*pipelinerun.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	runs, err := repo.ListByCollection(ctx, collection, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, runs)
}

// ListRunPairs returns the audited candidate pairs recorded for a run
func ListRunPairs(c echo.Context) error {
	ctx := c.Request().Context()

	id := c.Param("id")

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		limit = parsed
	}

	ctx, repo, err := ectoinject.GetContext[*candidatepair.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	pairs, err := repo.ListByRun(ctx, id, limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, pairs)
}
