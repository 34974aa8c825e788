package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GeneratePeerID returns a process-unique peer identity of the form
// peer-<unix-ms>-<8 hex chars>. It is stable for the lifetime of one
// client instance and never persisted.
func GeneratePeerID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("peer-%d-%s", time.Now().UnixMilli(), suffix)
}

// GenerateSessionID returns a relay-side session identifier.
func GenerateSessionID() string {
	return "session-" + uuid.NewString()
}
