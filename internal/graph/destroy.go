package graph

import (
	"log/slog"

	"github.com/banksean/testbus/internal/bus"
	"github.com/banksean/testbus/internal/model"
	"github.com/hashicorp/go-multierror"
)

// Delete destroys the container at path: it walks children recursively,
// emits a deleted() signal on every destroyed path, detaches (but does not
// destroy) any claimed hosts found along the way, and removes each node
// from the registry once its refcount reaches zero (spec.md §3
// "Lifecycle").
//
// This is the topological sweep from spec.md §9 ("Destruction uses a
// topological sweep starting from the root, with a visited set") rooted at
// path instead of the whole tree.
func (g *Graph) Delete(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deleteLocked(path)
}

func (g *Graph) deleteLocked(path string) error {
	c := g.container(path)
	if c == nil {
		return model.Errorf(model.NameUnknown, "Container.delete", path, "no such container")
	}
	if path == g.rootPath || path == g.hostListPath {
		return model.Errorf(model.PermissionDenied, "Container.delete", path, "cannot delete a singleton container")
	}

	visited := make(map[string]bool)
	var errs *multierror.Error
	g.destroyRecursive(path, visited, &errs)
	return errs.ErrorOrNil()
}

func (g *Graph) destroyRecursive(path string, visited map[string]bool, errs **multierror.Error) {
	if visited[path] {
		return
	}
	visited[path] = true

	c := g.container(path)
	if c == nil {
		return
	}

	// Any host claimed by this container returns to the free pool rather
	// than being destroyed itself (spec.md §3's owner/claim axis is separate
	// from the parent/child axis childPathsOf walks below).
	g.detachHostsOwnedByLocked(path)

	// Children first (bottom-up), mirroring the original's recursive
	// container_destroy walk.
	for _, childPath := range g.childPathsOf(c) {
		g.destroyRecursive(childPath, visited, errs)
	}

	c.refcount--
	if c.refcount > 0 {
		return
	}

	switch c.class {
	case model.ClassHost:
		// Claimed hosts were already detached from their owner (and dropped
		// from its children) before the child walk, so a host reached here
		// is the thing being deleted itself (removeHost).
		delete(g.hosts, path)
	case model.ClassProcess:
		delete(g.processes, path)
	case model.ClassCommand:
		delete(g.commands, path)
	case model.ClassFile, model.ClassTmpfile:
		if fd, ok := g.files[path]; ok {
			g.hub.Broadcast(&bus.Envelope{Kind: bus.KindSignal, Path: path, Interface: "Tmpfile", Method: "deleted"})
			_ = fd
		}
		delete(g.files, path)
	case model.ClassEvent:
		delete(g.eventlogs, path)
	}

	if parent := g.container(c.parentPath); parent != nil && c.parentPath != path {
		parent.removeChildName(c.class, c.name)
	}
	delete(g.nodes, path)

	g.hub.Broadcast(&bus.Envelope{Kind: bus.KindSignal, Path: path, Interface: "Container", Method: "deleted"})
	slog.Info("graph.Delete", "path", path, "class", c.class)
}

// childPathsOf returns every node whose Parent is c, scanning c.children
// (the owner axis is a separate, narrower relationship handled specially
// for Host only — see DetachHostsOwnedBy).
func (g *Graph) childPathsOf(c *Container) []string {
	out := make([]string, 0, len(c.children))
	for _, p := range c.children {
		out = append(out, p)
	}
	return out
}

// DetachHostsOwnedBy clears the role/owner of every Host currently claimed
// by owner and drops it from owner's children, without destroying the Host
// objects themselves — used when the claiming container is deleted. An
// agent disconnect does not go through here; it only clears the agent bus
// name, via ClearAgentName below.
func (g *Graph) DetachHostsOwnedBy(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.detachHostsOwnedByLocked(owner)
}

func (g *Graph) detachHostsOwnedByLocked(owner string) {
	for path, c := range g.nodes {
		if c.class != model.ClassHost {
			continue
		}
		if c.OwnerPath() != owner || owner == c.parentPath {
			continue
		}
		hd := g.hosts[path]
		hd.Role = ""
		c.setOwner("")
		if oc := g.container(owner); oc != nil {
			oc.removeChildName(model.ClassHost, c.name)
		}
	}
}

// ClearAgentName implements the name-owner-changed handling of spec.md §3:
// "An agent disconnect ... clears the agent bus name on any hosts owned by
// that agent but does not destroy the host objects." Every affected host
// gets a reaper timer armed (spec.md §9); when it fires, only processes
// still in flight on that host are marked timed_out.
func (g *Graph) ClearAgentName(agentBusName string) {
	g.mu.Lock()
	var affected []string
	for path, hd := range g.hosts {
		if hd.AgentBusName == agentBusName {
			hd.AgentBusName = ""
			affected = append(affected, path)
		}
	}
	g.mu.Unlock()

	for _, path := range affected {
		g.reaper.ArmHost(path)
	}
}
