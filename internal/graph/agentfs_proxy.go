package graph

import (
	"context"

	"github.com/banksean/testbus/internal/model"
)

// agentFilesystemPath is fixed: every agent exposes exactly one
// Agent.Filesystem object on its own bus connection (spec.md §6's hierarchy
// diagram puts it at /Agent/Filesystem, separate from the master's graph).
const agentFilesystemPath = "/Agent/Filesystem"

// hostAgentName resolves a host path to its owning agent's live bus name, or
// AgentOffline if there is none.
func (g *Graph) hostAgentName(op, path string) (string, error) {
	g.mu.Lock()
	hd, ok := g.hosts[path]
	g.mu.Unlock()
	if !ok {
		return "", model.Errorf(model.NameUnknown, op, path, "no such host")
	}
	if hd.AgentBusName == "" || !g.hub.IsLive(hd.AgentBusName) {
		return "", model.Errorf(model.AgentOffline, op, path, "host has no live agent")
	}
	return hd.AgentBusName, nil
}

// AgentFileInfo implements Host.agentFileInfo: a master-mediated proxy onto
// the owning agent's own Agent.Filesystem.getInfo (spec.md §4.4's log-fetch
// path), reached over the master-initiated call Hub.Call supports.
func (g *Graph) AgentFileInfo(ctx context.Context, hostPath, filePath string) (map[string]any, error) {
	agentName, err := g.hostAgentName("Host.agentFileInfo", hostPath)
	if err != nil {
		return nil, err
	}
	return g.hub.Call(ctx, agentName, agentFilesystemPath, "Agent.Filesystem", "getInfo", map[string]any{"path": filePath})
}

// AgentFileDownload implements Host.agentFileDownload: proxies a capped read
// of a local file on the owning agent's filesystem (spec.md §4.4).
func (g *Graph) AgentFileDownload(ctx context.Context, hostPath, filePath string, offset uint64, count uint32) ([]byte, error) {
	agentName, err := g.hostAgentName("Host.agentFileDownload", hostPath)
	if err != nil {
		return nil, err
	}
	reply, err := g.hub.Call(ctx, agentName, agentFilesystemPath, "Agent.Filesystem", "download", map[string]any{
		"path": filePath, "offset": offset, "count": count,
	})
	if err != nil {
		return nil, err
	}
	return toBytes(reply["bytes"]), nil
}

// AgentFileUpload implements Host.agentFileUpload: proxies a write of
// test-asset content onto the owning agent's local filesystem (spec.md
// §4.4's asset-deploy path).
func (g *Graph) AgentFileUpload(ctx context.Context, hostPath, filePath string, offset uint64, data []byte) error {
	agentName, err := g.hostAgentName("Host.agentFileUpload", hostPath)
	if err != nil {
		return err
	}
	_, err = g.hub.Call(ctx, agentName, agentFilesystemPath, "Agent.Filesystem", "upload", map[string]any{
		"path": filePath, "offset": offset, "bytes": data,
	})
	return err
}
