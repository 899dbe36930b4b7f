package crawler

import "strings"

// Page markers of the registry detail page.
const (
	MarkerBuildingPermit     = "建築執照號碼"
	MarkerConstructionPermit = "建造執照號碼"
	MarkerRedacted           = "○○○代表遺失個資"
)

var reloadScripts = []string{"document.location.reload()", "window.location.reload()"}

// HasPermitMarker reports whether content carries a permit-number label.
func HasPermitMarker(content string) bool {
	return strings.Contains(content, MarkerBuildingPermit) || strings.Contains(content, MarkerConstructionPermit)
}

// HasRedactedMarker reports whether content is the redacted-personal-data
// placeholder page.
func HasRedactedMarker(content string) bool {
	return strings.Contains(content, MarkerRedacted)
}

// IsUsable reports whether content should be handed to the parser.
func IsUsable(content string) bool {
	return HasPermitMarker(content) || HasRedactedMarker(content)
}

// NeedsReload reports whether content is the session bootstrap page that asks
// the browser to reload itself.
func NeedsReload(content string) bool {
	for _, s := range reloadScripts {
		if strings.Contains(content, s) {
			return true
		}
	}
	return false
}
