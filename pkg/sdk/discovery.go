package sdk

import (
	"os"
	"strings"
)

// DefaultAddr is where a local daemon's bridge listens.
const DefaultAddr = "127.0.0.1:7001"

// AddrFromEnv returns MOMENTS_BRIDGE_ADDR, or DefaultAddr when unset.
func AddrFromEnv() string {
	if addr := strings.TrimSpace(os.Getenv("MOMENTS_BRIDGE_ADDR")); addr != "" {
		return addr
	}
	return DefaultAddr
}

// TLSFromEnv reports whether connections should use TLS. It is on unless
// MOMENTS_DISABLE_TLS is "true", matching the daemon.
func TLSFromEnv() bool {
	return os.Getenv("MOMENTS_DISABLE_TLS") != "true"
}

// New connects to the bridge configured in the environment.
func New(opts ...Option) (*Client, error) {
	return Connect(AddrFromEnv(), append([]Option{WithTLS(TLSFromEnv())}, opts...)...)
}
