package temporal

import (
	"fmt"
	"strings"
)

// DefaultWorkflowVersion stamps runs started without an explicit version.
const DefaultWorkflowVersion = "2.0"

// CycleWorkflowID embeds the orchestrator version into the durable
// identifier, so in-flight runs keep the version they started with and only
// new runs observe a bump.
func CycleWorkflowID(cycleID int, version string) string {
	return fmt.Sprintf("test-cycle-%d-v%s", cycleID, normalizeVersion(version))
}

// ReportWorkflowID is the child identifier for one report's run.
func ReportWorkflowID(cycleID, reportID int, version string) string {
	return fmt.Sprintf("test-cycle-%d-report-%d-v%s", cycleID, reportID, normalizeVersion(version))
}

func normalizeVersion(version string) string {
	version = strings.TrimSpace(version)
	if version == "" {
		return DefaultWorkflowVersion
	}
	return version
}
