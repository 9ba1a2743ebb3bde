package runtime

import (
	"os"
	"runtime"
	"strings"
)

func hostnameImpl() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return h
}

func platformTag() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// remoteGitURL derives the config repository's ssh:// endpoint from the
// control-channel URL: same host, the gitserver's own port, fixed repo
// name. Operators needing a different layout set configsync.Config.RemoteURL
// directly via a future override flag; this covers the common case where
// both planes run on the controller host.
func remoteGitURL(controllerURL string) string {
	host := controllerURL
	host = strings.TrimPrefix(host, "wss://")
	host = strings.TrimPrefix(host, "ws://")
	if idx := strings.IndexByte(host, '/'); idx >= 0 {
		host = host[:idx]
	}
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	return "ssh://git@" + host + ":2222/fleet-config"
}
