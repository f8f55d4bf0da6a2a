// Package sessionrouter implements the persistent mapping between paired
// sessions across a mirroring or tasking connection.
package sessionrouter

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/renjiyun06/mosaic/internal/store"
)

// Router resolves, minting when necessary, the downstream session id a
// source node should address when publishing to a given remote node.
type Router struct {
	st *store.Store
}

// New builds a Router over the given model store.
func New(st *store.Store) *Router {
	return &Router{st: st}
}

// Resolve returns the downstream session id to use for a publish from
// (localNodeID, localSessionID) to remoteNodeID under the given alignment
// policy, minting and atomically persisting a fresh routing pair when
// required.
//
// align == "tasking": always mints a fresh id, regardless of any existing
// routing row for this (localNodeID, localSessionID, remoteNodeID) triple.
//
// align == "mirroring" (the default): reuses the existing forward routing
// row's remote session id if one exists; otherwise mints a fresh id.
//
// Either minting path commits both the forward and backward routing rows
// in one atomic store transaction before returning.
func (r *Router) Resolve(userID, meshID, localNodeID, localSessionID, remoteNodeID string, align store.SessionAlignment) (string, error) {
	if align == store.AlignTasking {
		remoteSessionID := uuid.New().String()
		if err := r.st.PutRoutingPair(userID, meshID, localNodeID, localSessionID, remoteNodeID, remoteSessionID); err != nil {
			return "", fmt.Errorf("sessionrouter: persist tasking routing pair: %w", err)
		}
		return remoteSessionID, nil
	}

	existing, err := r.st.GetRouting(localNodeID, localSessionID)
	if err != nil {
		return "", fmt.Errorf("sessionrouter: lookup existing routing: %w", err)
	}
	if existing != nil && existing.RemoteNodeID == remoteNodeID {
		return existing.RemoteSessionID, nil
	}

	remoteSessionID := uuid.New().String()
	if err := r.st.PutRoutingPair(userID, meshID, localNodeID, localSessionID, remoteNodeID, remoteSessionID); err != nil {
		return "", fmt.Errorf("sessionrouter: persist mirroring routing pair: %w", err)
	}
	return remoteSessionID, nil
}
