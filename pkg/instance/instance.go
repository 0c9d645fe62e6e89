package instance

import "os"

const envInstanceID = "JOBCORE_INSTANCE_ID"

// ID identifies this process to the broker. It prefers JOBCORE_INSTANCE_ID,
// then the hostname, then a fixed default.
func ID() string {
	if id := os.Getenv(envInstanceID); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}

// ConnectionName suffixes base with the instance id so broker connections
// from replicas can be told apart.
func ConnectionName(base string) string {
	id := ID()
	if base == "" {
		return id
	}
	return base + "-" + id
}
