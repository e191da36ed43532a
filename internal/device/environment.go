package device

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/host"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
)

// EnvironmentHash returns the SHA-256 hex digest of "user|hostname" for the
// current process. Tokens pinned to an environment carry this value.
func EnvironmentHash(ctx context.Context) string {
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}

	var hostname string
	if info, err := host.InfoWithContext(ctx); err == nil {
		hostname = info.Hostname
	}
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	return HashEnvironment(user, hostname)
}

// HashEnvironment hashes an explicit user and hostname pair.
func HashEnvironment(user, hostname string) string {
	return dlcrypto.SHA256Hex([]byte(user + "|" + hostname))
}
