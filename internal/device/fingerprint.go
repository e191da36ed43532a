// Package device derives the stable identity of this machine and manages the
// per-license device signing key.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/net"
)

// Fingerprint holds the host facts a device ID is derived from.
type Fingerprint struct {
	HostID   string   `json:"host_id"`
	Hostname string   `json:"hostname"`
	Platform string   `json:"platform"`
	MACs     []string `json:"macs,omitempty"`
}

// CollectFingerprint gathers host facts. Individual lookups that fail are
// left empty.
func CollectFingerprint(ctx context.Context) Fingerprint {
	var fp Fingerprint

	if info, err := host.InfoWithContext(ctx); err == nil {
		fp.HostID = info.HostID
		fp.Hostname = info.Hostname
		fp.Platform = info.Platform
	}
	if fp.Hostname == "" {
		fp.Hostname, _ = os.Hostname()
	}

	if ifaces, err := net.InterfacesWithContext(ctx); err == nil {
		for _, iface := range ifaces {
			if iface.HardwareAddr == "" || isLoopback(iface.Flags) {
				continue
			}
			fp.MACs = append(fp.MACs, strings.ToLower(iface.HardwareAddr))
		}
		sort.Strings(fp.MACs)
	}
	return fp
}

func isLoopback(flags []string) bool {
	for _, f := range flags {
		if f == "loopback" {
			return true
		}
	}
	return false
}

// Empty reports whether no usable host fact was collected.
func (f Fingerprint) Empty() bool {
	return f.HostID == "" && len(f.MACs) == 0
}

// DeviceID returns the derived device ID: "dev-" and the first 32 hex digits
// of the SHA-256 over the fingerprint. An empty fingerprint yields a random ID.
func (f Fingerprint) DeviceID() string {
	if f.Empty() {
		return "dev-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", f.HostID, f.Hostname, strings.Join(f.MACs, ","))
	return "dev-" + hex.EncodeToString(h.Sum(nil))[:32]
}
