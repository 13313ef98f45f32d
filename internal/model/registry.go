package model

import "fmt"

// Class tags every container kind in the graph (spec.md §3). It is the
// "tagged variant" the REDESIGN FLAGS section asks for in place of the
// original's class-pointer dispatch table.
type Class string

const (
	ClassRoot    Class = "Root"
	ClassHostSet Class = "HostList"
	ClassHost    Class = "Host"
	ClassCommand Class = "Command"
	ClassProcess Class = "Process"
	ClassTest    Class = "Testcase"
	ClassFile    Class = "File"
	ClassTmpfile Class = "Tmpfile"
	ClassEvent   Class = "EventLog"
)

// PathPrefix is the dbus-style path segment prefix for each class
// (spec.md §3, e.g. "/Host<id>").
func (c Class) PathPrefix() string {
	switch c {
	case ClassHost:
		return "Host"
	case ClassCommand:
		return "Command"
	case ClassProcess:
		return "Process"
	case ClassTest:
		return "Test"
	case ClassFile, ClassTmpfile:
		return "File"
	case ClassEvent:
		return "EventLog"
	default:
		return string(c)
	}
}

// Feature is one bit of the container feature bitmask (spec.md §3).
type Feature uint32

const (
	FeatureEnv Feature = 1 << iota
	FeatureCommands
	FeatureProcesses
	FeatureHosts
	FeatureFiles
	FeatureTests
	FeatureEventLog
)

func (f Feature) Has(bit Feature) bool { return f&bit != 0 }

// Method describes one bus-callable operation, in the declarative-table
// style of include/dborb/dbus-service.h: a (name, signature) pair bound to a
// class at registry-build time rather than a literal C function pointer.
type Method struct {
	Interface string
	Name      string
	// Args/Reply document the variant-shorthand signature from
	// spec.md §6 (s, u, t, ay, as, a{sv}) for introspection output; they are
	// not used to validate calls at runtime (the handler does that).
	Args   []string
	Reply  []string
	Signal bool
}

func (m Method) String() string {
	return fmt.Sprintf("%s.%s(%v) -> %v", m.Interface, m.Name, m.Args, m.Reply)
}

// Interfaces enumerates the bus interfaces of §6, independent of which
// classes implement them. A class "implements" an interface by having the
// corresponding Feature bit set (see graph.Container.Interfaces).
var Interfaces = map[string][]Method{
	"Container": {
		{Interface: "Container", Name: "getChildByName", Args: []string{"s class", "s name"}, Reply: []string{"s path"}},
		{Interface: "Container", Name: "delete", Reply: nil},
		{Interface: "Container", Name: "deleted", Signal: true},
	},
	"Environment": {
		{Interface: "Environment", Name: "setenv", Args: []string{"s name", "s value"}},
		{Interface: "Environment", Name: "getenv", Args: []string{"s name"}, Reply: []string{"s value"}},
	},
	"CommandQueue": {
		{Interface: "CommandQueue", Name: "createCommand", Args: []string{"as argv", "a{sv} options"}, Reply: []string{"s path"}},
	},
	"Fileset": {
		{Interface: "Fileset", Name: "createFile", Args: []string{"s name", "u mode"}, Reply: []string{"s path"}},
		{Interface: "Fileset", Name: "createFileFromArtifact", Args: []string{"s name", "u mode", "s ref"}, Reply: []string{"s path"}},
	},
	"Tmpfile": {
		{Interface: "Tmpfile", Name: "append", Args: []string{"ay bytes"}},
		{Interface: "Tmpfile", Name: "retrieve", Args: []string{"t offset", "u count"}, Reply: []string{"ay bytes"}},
		{Interface: "Tmpfile", Name: "deleted", Signal: true},
	},
	"Testset": {
		{Interface: "Testset", Name: "createTest", Args: []string{"s name"}, Reply: []string{"s path"}},
	},
	"Hostset": {
		{Interface: "Hostset", Name: "addHost", Args: []string{"s role", "s path"}},
		{Interface: "Hostset", Name: "shutdown"},
		{Interface: "Hostset", Name: "reboot"},
	},
	"HostList": {
		{Interface: "HostList", Name: "createHost", Args: []string{"s name"}, Reply: []string{"s path"}},
		{Interface: "HostList", Name: "reconnect", Args: []string{"s name", "s uuid"}, Reply: []string{"s path"}},
		{Interface: "HostList", Name: "removeHost", Args: []string{"s name"}},
		{Interface: "HostList", Name: "shutdown"},
		{Interface: "HostList", Name: "reboot"},
		// list is the client's only way to scan host children for
		// by-capability claiming (spec.md §4.2); not part of the bus
		// object hierarchy's inherited interfaces, just a convenience
		// query over the graph's own ListHosts.
		{Interface: "HostList", Name: "list", Reply: []string{"aa{sv} hosts"}},
	},
	"Host": {
		{Interface: "Host", Name: "run", Args: []string{"s commandPath"}, Reply: []string{"s processPath"}},
		{Interface: "Host", Name: "addCapability", Args: []string{"s name"}},
		{Interface: "Host", Name: "shutdown"},
		{Interface: "Host", Name: "reboot"},
		{Interface: "Host", Name: "connected", Signal: true},
		{Interface: "Host", Name: "ready", Signal: true},
		{Interface: "Host", Name: "processScheduled", Args: []string{"a{sv} spec", "aa{sv} files"}, Signal: true},
		{Interface: "Host", Name: "rebootRequested", Signal: true},
		{Interface: "Host", Name: "shutdownRequested", Signal: true},
		// The three that follow are master-mediated proxies onto this host's
		// own agent-side Agent.Filesystem object (spec.md §4.4/§6): the
		// client never dials the agent directly, it calls through the host.
		{Interface: "Host", Name: "agentFileInfo", Args: []string{"s path"}, Reply: []string{"a{sv} info"}},
		{Interface: "Host", Name: "agentFileDownload", Args: []string{"s path", "t offset", "u count"}, Reply: []string{"ay bytes"}},
		{Interface: "Host", Name: "agentFileUpload", Args: []string{"s path", "t offset", "ay bytes"}},
	},
	"Process": {
		{Interface: "Process", Name: "setExitInfo", Args: []string{"a{sv} info"}},
		{Interface: "Process", Name: "processExited", Args: []string{"a{sv} info"}, Signal: true},
	},
	"Eventlog": {
		{Interface: "Eventlog", Name: "add", Args: []string{"a{sv} event"}},
		{Interface: "Eventlog", Name: "purge", Args: []string{"u uptoSeq"}},
		// getEvents is the read side of the events/last-seq properties
		// spec.md §6 describes; exposed as a call since the bus has no
		// separate property-get verb.
		{Interface: "Eventlog", Name: "getEvents", Args: []string{"t since"}, Reply: []string{"aa{sv} events", "t last-seq"}},
		{Interface: "Eventlog", Name: "eventsAdded", Args: []string{"u lastSeq"}, Signal: true},
	},
	"Agent.Filesystem": {
		{Interface: "Agent.Filesystem", Name: "getInfo", Args: []string{"s path"}, Reply: []string{"a{sv} info"}},
		{Interface: "Agent.Filesystem", Name: "download", Args: []string{"s path", "t offset", "u count"}, Reply: []string{"ay bytes"}},
		{Interface: "Agent.Filesystem", Name: "upload", Args: []string{"s path", "t offset", "ay bytes"}},
	},
}

// ClassInterfaces returns the interface names a class implements, derived
// from its feature bitmask plus its always-on class-specific interface.
// This is the "bus binding is a separate registry keyed by class tag"
// design from spec.md §9.
func ClassInterfaces(class Class, features Feature) []string {
	ifaces := []string{"Container"}
	if features.Has(FeatureEnv) {
		ifaces = append(ifaces, "Environment")
	}
	if features.Has(FeatureCommands) {
		ifaces = append(ifaces, "CommandQueue")
	}
	if features.Has(FeatureFiles) {
		ifaces = append(ifaces, "Fileset")
	}
	if features.Has(FeatureTests) {
		ifaces = append(ifaces, "Testset")
	}
	if features.Has(FeatureHosts) {
		ifaces = append(ifaces, "Hostset")
	}
	switch class {
	case ClassHostSet:
		ifaces = append(ifaces, "HostList")
	case ClassHost:
		ifaces = append(ifaces, "Host")
	case ClassProcess:
		ifaces = append(ifaces, "Process")
	case ClassFile, ClassTmpfile:
		ifaces = append(ifaces, "Tmpfile")
	case ClassEvent:
		ifaces = append(ifaces, "Eventlog")
	}
	return ifaces
}

// LookupMethod resolves (interface, method) to its declared signature, or
// reports METHOD_NOT_SUPPORTED — the "(object_path, interface, method) ->
// handler" data-driven router from spec.md §9.
func LookupMethod(iface, name string) (Method, error) {
	methods, ok := Interfaces[iface]
	if !ok {
		return Method{}, Errorf(MethodNotSupported, "bus.dispatch", "", "unknown interface %q", iface)
	}
	for _, m := range methods {
		if m.Name == name {
			return m, nil
		}
	}
	return Method{}, Errorf(MethodNotSupported, "bus.dispatch", "", "interface %q has no method %q", iface, name)
}
