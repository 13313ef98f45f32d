// Package store is the agent's only persisted state (spec.md §9: "Only the
// agent persists state: a small XML file recording hostname (and intended
// to record uuid for reconnect). The master is stateless."), plus a
// sqlite-backed cache of downloaded file content so the agent doesn't
// re-fetch a file it already has the right (inode, sequence) of.
package store

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// AgentState is the agent identity surviving a process restart: the
// hostname it registers under and the uuid it should present to
// HostList.reconnect so the master recognizes it as the same host.
type AgentState struct {
	XMLName  xml.Name `xml:"state"`
	Hostname string   `xml:"hostname"`
	UUID     string   `xml:"uuid"`
}

// LoadOrCreateState reads path (agent/main.c's state.xml, extended with the
// uuid element spec.md §9 calls for), generating a hostname from the OS and
// a fresh uuid the first time the agent runs.
func LoadOrCreateState(path string) (*AgentState, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var st AgentState
		if err := xml.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("store: parsing state file %s: %w", path, err)
		}
		changed := false
		if st.Hostname == "" {
			st.Hostname, err = os.Hostname()
			if err != nil {
				return nil, fmt.Errorf("store: getting hostname: %w", err)
			}
			changed = true
		}
		if st.UUID == "" {
			st.UUID = uuid.New().String()
			changed = true
		}
		if changed {
			if err := st.save(path); err != nil {
				return nil, err
			}
		}
		return &st, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("store: reading state file %s: %w", path, err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("store: getting hostname: %w", err)
	}
	st := &AgentState{Hostname: hostname, UUID: uuid.New().String()}
	if err := st.save(path); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *AgentState) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: creating state dir: %w", err)
	}
	data, err := xml.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshaling state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("store: writing state file %s: %w", path, err)
	}
	return nil
}

// Save persists the current state to path.
func (st *AgentState) Save(path string) error { return st.save(path) }
