package backend

import "strings"

// Available returns a comma-separated list of supported transports.
func Available() string {
	return strings.Join([]string{HTTP, Sim}, ",")
}
