package socket

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wamd/internal/cache"
	"wamd/internal/store"
	"wamd/internal/wabinary"
	"wamd/internal/wajid"
)

const groupCacheTTL = 5 * time.Minute

// GroupRegistry caches group metadata, querying the gateway on misses.
type GroupRegistry struct {
	socket Socket
	cache  *cache.Cache[string, *store.GroupMetadata]
	log    *zap.Logger
}

// NewGroupRegistry returns a registry over the given socket.
func NewGroupRegistry(socket Socket, log *zap.Logger) *GroupRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &GroupRegistry{
		socket: socket,
		cache:  cache.New[string, *store.GroupMetadata](groupCacheTTL, nil),
		log:    log,
	}
}

// Get returns the metadata for a group, from cache when fresh.
func (r *GroupRegistry) Get(ctx context.Context, jid wajid.JID) (*store.GroupMetadata, error) {
	if metadata, ok := r.cache.Get(jid.String()); ok {
		return metadata, nil
	}
	return r.Query(ctx, jid)
}

// Query fetches group metadata from the gateway and refreshes the cache.
func (r *GroupRegistry) Query(ctx context.Context, jid wajid.JID) (*store.GroupMetadata, error) {
	body := wabinary.New("query", wabinary.Attrs{"request": "interactive"})
	result, err := r.socket.SendQuery(ctx, "get", "w:g2", body)
	if err != nil {
		return nil, fmt.Errorf("socket: group metadata query for %s: %w", jid, err)
	}

	group, ok := result.FindNode("group")
	if !ok {
		return nil, fmt.Errorf("socket: missing group in metadata result for %s", jid)
	}
	metadata := &store.GroupMetadata{
		JID:     jid,
		Subject: group.Attrs.String("subject"),
	}
	for _, child := range group.Children() {
		if child.Description != "participant" {
			continue
		}
		participant, err := child.Attrs.JID("jid")
		if err != nil {
			return nil, fmt.Errorf("socket: group participant: %w", err)
		}
		metadata.Participants = append(metadata.Participants, participant)
	}

	r.cache.Put(jid.String(), metadata)
	return metadata, nil
}

// Put inserts metadata directly, as when the server pushes a group update.
func (r *GroupRegistry) Put(metadata *store.GroupMetadata) {
	r.cache.Put(metadata.JID.String(), metadata)
}
