package config

import (
	"os"
	"strings"
)

// EnvBool reads a boolean env var, accepting the usual spellings, and falls back to def.
func EnvBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

// PushEndpointEnabled gates the Pub/Sub push route.
//
// Set via env:
// - ENABLE_EBOEKHOUDEN_PUSH_ENDPOINT=false
func PushEndpointEnabled() bool {
	return EnvBool("ENABLE_EBOEKHOUDEN_PUSH_ENDPOINT", true)
}

// InlineRuns makes the service execute queued runs in-process instead of publishing them.
// Meant for local development without Pub/Sub.
//
// Set via env:
// - EBOEKHOUDEN_INLINE_RUNS=true
func InlineRuns() bool {
	return EnvBool("EBOEKHOUDEN_INLINE_RUNS", false)
}

// DryRunOnly forces every run to be a dry run, whatever the request says.
//
// Set via env:
// - EBOEKHOUDEN_DRY_RUN_ONLY=true
func DryRunOnly() bool {
	return EnvBool("EBOEKHOUDEN_DRY_RUN_ONLY", false)
}

// ReportBucket is where archived run workbooks go. Empty disables archiving.
func ReportBucket() string {
	return strings.TrimSpace(os.Getenv("EBOEKHOUDEN_REPORT_BUCKET"))
}
