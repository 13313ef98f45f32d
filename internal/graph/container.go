// Package graph implements the container tree of spec.md §3-4: the single
// in-memory object graph owned by the master's actor goroutine, with
// ownership/parent links, environment and file inheritance, host claiming,
// the command/process execution pipeline, the file subsystem and the event
// log.
package graph

import (
	"fmt"
	"sync/atomic"

	"github.com/banksean/testbus/internal/model"
)

// Container is the common envelope every addressable object embeds,
// matching spec.md §3: a stable id within its parent, a path assembled from
// the parent path plus a class prefix, an optional owner distinct from the
// parent, and a feature bitmask.
//
// Two tree axes exist here, not one: Parent (where the object lives in the
// path hierarchy) and Owner (who controls its destruction). Both are plain
// path strings resolved through Graph.nodes, per spec.md §9's "replace
// source-style intrusive pointer fields with explicit index handles rooted
// at a graph store."
type Container struct {
	id       int
	name     string
	path     string
	class    model.Class
	features model.Feature

	parentPath string
	ownerPath  string // empty means "owner is the parent"

	refcount int32

	children     map[string]string // "class\x00name" -> child path, for getChildByName
	fileChildren map[string]string // name -> file path, File/Tmpfile children only (file merge, spec.md §4.1)
	childIDs     map[model.Class]*int64

	env *envStore

	// g is set once the container is registered with a Graph, giving
	// class-specific methods a way back to the shared registry.
	g *Graph
}

func newContainer(g *Graph, class model.Class, id int, name, path, parentPath string, features model.Feature) *Container {
	c := &Container{
		id:         id,
		name:       name,
		path:       path,
		class:      class,
		features:   features,
		parentPath: parentPath,
		refcount:   1,
		children:   make(map[string]string),
		fileChildren: make(map[string]string),
		childIDs:   make(map[model.Class]*int64),
		g:          g,
	}
	if features.Has(model.FeatureEnv) {
		c.env = newEnvStore()
	}
	return c
}

func (c *Container) ID() int                  { return c.id }
func (c *Container) Name() string             { return c.name }
func (c *Container) Path() string             { return c.path }
func (c *Container) Class() model.Class       { return c.class }
func (c *Container) Features() model.Feature  { return c.features }
func (c *Container) ParentPath() string       { return c.parentPath }

// OwnerPath returns the controlling container's path: the explicit owner if
// one was set, otherwise the parent (spec.md §3: "Ownership is optional;
// absent ownership, the parent is the controlling container").
func (c *Container) OwnerPath() string {
	if c.ownerPath != "" {
		return c.ownerPath
	}
	return c.parentPath
}

func (c *Container) setOwner(path string) { c.ownerPath = path }

func (c *Container) nextChildID(class model.Class) int {
	ctr, ok := c.childIDs[class]
	if !ok {
		var zero int64
		ctr = &zero
		c.childIDs[class] = ctr
	}
	return int(atomic.AddInt64(ctr, 1))
}

func childKey(class model.Class, name string) string { return string(class) + "\x00" + name }

func (c *Container) addChildName(class model.Class, name, path string) {
	c.children[childKey(class, name)] = path
	if class == model.ClassFile || class == model.ClassTmpfile {
		c.fileChildren[name] = path
	}
}

func (c *Container) removeChildName(class model.Class, name string) {
	delete(c.children, childKey(class, name))
	if class == model.ClassFile || class == model.ClassTmpfile {
		delete(c.fileChildren, name)
	}
}

func (c *Container) childPath(class model.Class, name string) (string, bool) {
	p, ok := c.children[childKey(class, name)]
	return p, ok
}

// FileChildByName looks up a File/Tmpfile child of this container by name
// only (no class disambiguation needed — files form one namespace per
// spec.md §4.1's file merge).
func (c *Container) FileChildByName(name string) (string, bool) {
	p, ok := c.fileChildren[name]
	return p, ok
}

// Interfaces returns the bus interfaces this container answers to.
func (c *Container) Interfaces() []string {
	return model.ClassInterfaces(c.class, c.features)
}

func childPath(parentPath string, class model.Class, id int) string {
	prefix := class.PathPrefix()
	if parentPath == "/" {
		return fmt.Sprintf("/%s%d", prefix, id)
	}
	return fmt.Sprintf("%s/%s%d", parentPath, prefix, id)
}
