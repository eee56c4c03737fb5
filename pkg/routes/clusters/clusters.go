// Package clusters exposes HTTP routes for reading resolved entity clusters.
package clusters

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/aspen/internal/repositories/cluster"
)

// Register registers cluster routes on the given group
func Register(g *echo.Group) {
	g.GET("", ListClusters)
	g.GET("/:id", GetCluster)
}

// ListClusters returns the clusters persisted for an edge collection
func ListClusters(c echo.Context) error {
	ctx := c.Request().Context()

	edgeCollection := c.QueryParam("edgeCollection")
	if edgeCollection == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "edgeCollection query parameter is required")
	}

	validOnly := c.QueryParam("validOnly") == "true"

	ctx, repo, err := ectoinject.GetContext[*cluster.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	clusters, err := repo.ListByCollection(ctx, edgeCollection, validOnly)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, clusters)
}

// GetCluster returns a single cluster by id
func GetCluster(c echo.Context) error {
	ctx := c.Request().Context()

	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*cluster.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	found, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, found)
}
