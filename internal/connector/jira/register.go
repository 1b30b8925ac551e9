package jira

import "github.com/nucleus/tracker-core/internal/tracker"

func init() {
	tracker.RegisterDialect(Dialect, func(desc *tracker.Descriptor, creds tracker.Credentials) (tracker.Backend, error) {
		return New(desc, creds)
	})
}
