package instance

import (
	"os"
	"strings"
)

// ID identifies the running process in logs and cron lock owners. DYNO wins
// over BILLING_INSTANCE_ID, then the hostname, then "local".
func ID() string {
	for _, key := range []string{"DYNO", "BILLING_INSTANCE_ID"} {
		if id := strings.TrimSpace(os.Getenv(key)); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}
