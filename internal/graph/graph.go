package graph

import (
	"strconv"
	"sync"

	"github.com/banksean/testbus/internal/bus"
	"github.com/banksean/testbus/internal/model"
	"github.com/google/uuid"
)

// Graph is the master's entire in-memory object tree (spec.md §3): every
// Container indexed by its bus path, plus the per-class extension data that
// does not fit the generic envelope (a Host's uuid and role, a Process's
// state machine, a File's bytes, ...).
//
// All mutation goes through Graph's exported methods, each of which takes
// mu for its duration — the single-actor ownership model of spec.md §9,
// shape (a), realized with a mutex instead of a literal channel-fed
// goroutine (equivalent: at most one mutation is ever in flight).
type Graph struct {
	mu sync.Mutex

	nodes map[string]*Container

	hosts     map[string]*HostData
	commands  map[string]*CommandData
	processes map[string]*ProcessData
	files     map[string]*FileData
	eventlogs map[string]*EventLogData

	rootPath     string
	hostListPath string

	hub *bus.Hub

	// reaper schedules timed_out resolution for processes orphaned by an
	// agent disconnect (spec.md §9 open question).
	reaper *Reaper
}

// New builds an empty graph with its Root and HostList singletons already
// created, matching spec.md §3 ("HostList — singleton child of root").
func New(hub *bus.Hub) *Graph {
	g := &Graph{
		nodes:     make(map[string]*Container),
		hosts:     make(map[string]*HostData),
		commands:  make(map[string]*CommandData),
		processes: make(map[string]*ProcessData),
		files:     make(map[string]*FileData),
		eventlogs: make(map[string]*EventLogData),
		hub:       hub,
	}

	root := newContainer(g, model.ClassRoot, 0, "", "/", "/",
		model.FeatureEnv|model.FeatureCommands|model.FeatureFiles|model.FeatureTests|model.FeatureHosts)
	root.parentPath = "/"
	g.nodes["/"] = root
	g.rootPath = "/"

	hostList := newContainer(g, model.ClassHostSet, 0, "Host", "/Host", "/", model.FeatureHosts)
	g.nodes["/Host"] = hostList
	g.hostListPath = "/Host"
	root.addChildName(model.ClassHostSet, "Host", "/Host")

	g.reaper = NewReaper(g)
	return g
}

func (g *Graph) container(path string) *Container { return g.nodes[path] }

// RootPath and HostListPath expose the two well-known singleton paths.
func (g *Graph) RootPath() string     { return g.rootPath }
func (g *Graph) HostListPath() string { return g.hostListPath }

// Lock/Unlock let package-external callers (the reaper, tests) batch several
// Graph operations under one critical section when needed.
func (g *Graph) Lock()   { g.mu.Lock() }
func (g *Graph) Unlock() { g.mu.Unlock() }

// newInode mints a globally unique file content identifier (spec.md §3
// "Every file has a globally unique inode number assigned at creation").
func newInode() string { return uuid.New().String() }

// createChildLocked allocates a new Container under parent and registers it
// in g.nodes. Caller must hold g.mu.
func (g *Graph) createChildLocked(parentPath string, class model.Class, name string, features model.Feature) (*Container, error) {
	parent := g.container(parentPath)
	if parent == nil {
		return nil, model.Errorf(model.NameUnknown, "graph.createChild", parentPath, "no such container")
	}
	if name != "" {
		if err := model.ValidateIdentifier("graph.createChild", name); err != nil {
			return nil, err
		}
		if _, exists := parent.childPath(class, name); exists {
			return nil, model.Errorf(model.NameExists, "graph.createChild", parentPath, "child %q already exists", name)
		}
	}
	id := parent.nextChildID(class)
	path := childPath(parentPath, class, id)
	if name == "" {
		name = class.PathPrefix() + strconv.Itoa(id)
	}
	c := newContainer(g, class, id, name, path, parentPath, features)
	g.nodes[path] = c
	parent.addChildName(class, name, path)
	return c, nil
}
