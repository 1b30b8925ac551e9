package roundup

import "github.com/nucleus/tracker-core/internal/tracker"

// init registers the Roundup dialect with the default dialect table.
func init() {
	tracker.RegisterDialect(Dialect, func(desc *tracker.Descriptor, creds tracker.Credentials) (tracker.Backend, error) {
		return New(desc, creds)
	})
}
