package sshtransport

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/kevinburke/ssh_config"
)

// ResolveAddr looks up hostAlias in the user's ~/.ssh/config the way
// sshimmer.writeSandSSHConfig and CheckForIncludeWithFS drove ssh's own
// config resolution, so a testbus client can be pointed at an alias (a
// HostName override, a non-default Port) instead of a literal host:port,
// and fall through to hostAlias itself unmodified when no matching Host
// block exists. Only HostName and Port are read; ProxyJump and other
// directives are not applied.
func ResolveAddr(hostAlias string) (string, error) {
	path := filepath.Join(os.Getenv("HOME"), ".ssh", "config")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return hostAlias, nil
		}
		return "", fmt.Errorf("sshtransport: opening %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return "", fmt.Errorf("sshtransport: parsing %s: %w", path, err)
	}

	hostName, _ := cfg.Get(hostAlias, "HostName")
	if hostName == "" {
		hostName = hostAlias
	}
	port, _ := cfg.Get(hostAlias, "Port")
	if port == "" {
		port = "22"
	}
	return net.JoinHostPort(hostName, port), nil
}
