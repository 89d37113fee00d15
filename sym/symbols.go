// Package sym defines the glyphs used as structured log markers and in CLI output.
// Logs carry the glyph in the "symbol" field so they can be filtered by subsystem.
package sym

// Subsystem glyphs.
const (
	AM         = "≡" // configuration
	Pulse      = "꩜" // job runtime: queue, workers, repeatables
	PulseOpen  = "✿" // graceful startup with orphaned job recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	Sync       = "⇄" // DHIS2 to ALMA transfer
	Schedule   = "⏱" // schedule lifecycle and reconciliation
)

// descriptions backs Describe and the CLI legend.
var descriptions = map[string]string{
	AM:         "Configuration",
	Pulse:      "Job runtime",
	PulseOpen:  "Startup recovery",
	PulseClose: "Shutdown",
	DB:         "Storage",
	Sync:       "DHIS2 to ALMA transfer",
	Schedule:   "Schedules",
}

// Legend is the order glyphs are listed in by the CLI.
var Legend = []string{Schedule, Pulse, Sync, DB, AM, PulseOpen, PulseClose}

// Describe returns the human label for a glyph, or "" if unknown.
func Describe(glyph string) string {
	return descriptions[glyph]
}
