// Package graph exposes HTTP routes for inspecting the similarity graph.
package graph

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	graphpkg "github.com/Ramsey-B/aspen/pkg/graph"
	"github.com/Ramsey-B/aspen/pkg/models"
)

// Component is the weakly connected component around a vertex, with the
// scored edges among its members. It explains why a set of records ended
// up in the same cluster.
type Component struct {
	MemberIDs []string                `json:"member_ids"`
	Edges     []models.SimilarityEdge `json:"edges"`
}

// Register registers graph routes on the given group
func Register(g *echo.Group) {
	g.GET("/component", GetComponent)
}

// GetComponent returns the connected component containing a vertex. An
// isolated or unknown vertex comes back as a singleton with no edges.
func GetComponent(c echo.Context) error {
	ctx := c.Request().Context()

	edgeCollection := c.QueryParam("edgeCollection")
	if edgeCollection == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "edgeCollection query parameter is required")
	}

	vertexID := c.QueryParam("vertexId")
	if vertexID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "vertexId query parameter is required")
	}

	ctx, store, err := ectoinject.GetContext[*graphpkg.Store](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	memberIDs, err := store.TraverseFromVertex(ctx, edgeCollection, vertexID)
	if err != nil {
		return err
	}

	edges, err := store.EdgesAmong(ctx, edgeCollection, memberIDs)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, Component{
		MemberIDs: memberIDs,
		Edges:     edges,
	})
}
