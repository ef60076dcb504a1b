package identify

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/go-nodeidentifier"
	"github.com/go-digitaltwin/go-nodeidentifier/history"
	"github.com/go-digitaltwin/go-nodeidentifier/identitycache"
	"github.com/google/uuid"
)

// IdentityMap maps the ephemeral keys of an event to canonical keys. Several
// ephemeral keys may map to the same canonical key.
type IdentityMap map[string]string

// DeadSet holds the ephemeral keys of nodes whose identity could not be
// resolved.
type DeadSet map[string]struct{}

func (d DeadSet) Add(key string) { d[key] = struct{}{} }

func (d DeadSet) Contains(key string) bool {
	_, ok := d[key]
	return ok
}

// ResolveAssets rewrites, in place, the key of every asset node of g to the
// canonical id of the asset at g.Timestamp. The nodes stay stored under their
// ephemeral keys.
//
// It returns the ephemeral keys of the asset nodes without a (single) covering
// history interval. Other errors of the store abort the resolution.
func ResolveAssets(ctx context.Context, conn history.Conn, g *nodeidentifier.Subgraph) (DeadSet, error) {
	dead := make(DeadSet)
	for _, key := range g.SortedKeys() {
		asset, ok := g.Nodes[key].(*nodeidentifier.AssetNode)
		if !ok {
			continue
		}
		descriptor := asset.Descriptor()
		if descriptor == "" {
			component.Logger(ctx).Warn("Asset node without descriptor", "node", key)
			dead.Add(key)
			continue
		}

		i, err := conn.LookupAsset(ctx, descriptor, g.Timestamp)
		if errors.Is(err, history.ErrNotFound) {
			dead.Add(key)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("lookup asset %q: %w", descriptor, err)
		}
		asset.SetNodeKey(i.Canonical)
	}
	return dead, nil
}

// ResolveSessions resolves the session nodes (processes, files and
// connections) of an asset-resolved input graph, and copies every resolved node
// to out under its canonical key. Asset nodes of in are expected to be resolved
// already (see ResolveAssets) and are copied as they are.
//
// A session is scoped to the asset its node references: a session node whose
// asset node is missing from in is dead. Lookups go through the cache, which
// serves an entry only for timestamps its interval covers; otherwise the history
// store is consulted. Without a covering interval, the node is dead in Normal
// mode, and gets a fabricated identity in Retry mode.
//
// Every resolution, cached or not, touches its interval in the store. A touch
// that finds the interval gone (another writer cut it) drops the cache entry and
// resolves once more from the store.
//
// It returns the identity map of every node copied to out, and the ephemeral
// keys of the dead session nodes.
func ResolveSessions(ctx context.Context, conn history.Conn, cache *identitycache.Cache, mode Mode, in, out *nodeidentifier.Subgraph) (IdentityMap, DeadSet, error) {
	ids := make(IdentityMap, len(in.Nodes))
	dead := make(DeadSet)
	for _, key := range in.SortedKeys() {
		switch n := in.Nodes[key].(type) {
		case *nodeidentifier.AssetNode:
			ids[key] = n.NodeKey()
			addNode(ctx, out, n)

		case nodeidentifier.SessionNode:
			asset, ok := in.Nodes[n.AssetKey()].(*nodeidentifier.AssetNode)
			if !ok {
				dead.Add(key)
				continue
			}
			scope := history.SessionScope{
				AssetID:    asset.NodeKey(),
				Kind:       n.Kind().String(),
				Descriptor: n.SessionDescriptor(),
			}
			id, err := sessionIdentity(ctx, conn, cache, mode, scope, in.Timestamp)
			if errors.Is(err, history.ErrNotFound) {
				dead.Add(key)
				continue
			} else if err != nil {
				return nil, nil, fmt.Errorf("resolve %v %q: %w", n.Kind(), key, err)
			}

			n.SetNodeKey(id)
			n.SetAssetKey(asset.NodeKey())
			ids[key] = id
			addNode(ctx, out, n)
		}
	}
	return ids, dead, nil
}

// lookupKey joins the parts of a scope with a separator that cannot appear in
// canonical ids or kinds.
func lookupKey(s history.SessionScope) string {
	return s.AssetID + "\x00" + s.Kind + "\x00" + s.Descriptor
}

// sessionIdentity returns the canonical id of the session in scope at the
// timestamp at, and records in the store that it was seen then.
func sessionIdentity(ctx context.Context, conn history.Conn, cache *identitycache.Cache, mode Mode, scope history.SessionScope, at uint64) (string, error) {
	key := lookupKey(scope)
	for attempt := 0; ; attempt++ {
		id, err := cache.GetOrResolve(ctx, key, at, func() (history.Interval, error) {
			return resolveSession(ctx, conn, mode, scope, at)
		})
		if err != nil {
			return "", err
		}

		err = conn.TouchSession(ctx, scope, id, at)
		if err == nil {
			return id, nil
		}
		cache.Forget(key)
		if !errors.Is(err, history.ErrNotFound) {
			return "", fmt.Errorf("touch session: %w", err)
		}
		if attempt > 0 {
			return "", err
		}
	}
}

func resolveSession(ctx context.Context, conn history.Conn, mode Mode, scope history.SessionScope, at uint64) (history.Interval, error) {
	i, err := conn.LookupSession(ctx, scope, at)
	if err == nil || !errors.Is(err, history.ErrNotFound) || mode != Retry {
		return i, err
	}

	// Concurrent workers may fabricate for the same session; the store settles
	// on a single interval and returns it.
	i, err = conn.OpenSession(ctx, scope, uuid.NewString(), at)
	if err != nil {
		return history.Interval{}, fmt.Errorf("open session: %w", err)
	}
	fabricatedIdentities.Add(ctx, 1)
	component.Logger(ctx).Debug("Fabricated session identity", "kind", scope.Kind, "canonical", i.Canonical, "at", at)
	return i, nil
}

// addNode copies n into g, merging it with a node already stored under the
// same canonical key.
func addNode(ctx context.Context, g *nodeidentifier.Subgraph, n nodeidentifier.Node) {
	if existing, ok := g.Nodes[n.NodeKey()]; ok {
		if nodeidentifier.MustContentAddress(existing) != nodeidentifier.MustContentAddress(n) {
			conflictingNodes.Add(ctx, 1)
			component.Logger(ctx).Debug("Merging nodes of different content", "kind", n.Kind().String(), "canonical", n.NodeKey())
		}
		g.Nodes[n.NodeKey()] = nodeidentifier.MergeNodes(existing, n)
		return
	}
	g.AddNode(nodeidentifier.CloneNode(n))
}
