// Package connector registers all tracker dialects.
package connector

import (
	// Import all connectors to register them
	_ "github.com/nucleus/tracker-core/internal/connector/bugzilla"
	_ "github.com/nucleus/tracker-core/internal/connector/jira"
	_ "github.com/nucleus/tracker-core/internal/connector/roundup"
)

// All imports trigger init() functions that register dialects.
