package graph

import (
	"github.com/Gobusters/ectologger"
)

// Store combines edge writes and traversal reads behind one handle so callers
// that need both sides of the graph can take a single dependency.
type Store struct {
	*EdgeService
	*TraversalService
}

// NewStore creates a new graph store
func NewStore(client *Client, logger ectologger.Logger) *Store {
	return &Store{
		EdgeService:      NewEdgeService(client, logger),
		TraversalService: NewTraversalService(client, logger),
	}
}
