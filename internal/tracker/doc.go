// Package tracker is the service abstraction over heterogeneous issue
// trackers.
//
// A Registry resolves a configured service name to a Service. A Service
// owns one Backend (the dialect's transport and schema mapper) and exposes
// uniform Search, Comments and Changes operations. Queries are assembled and
// validated by a Builder bound to the backend's Capabilities, and results are
// pulled lazily through a Stream as pages arrive from the backend.
//
// Usage:
//
//	reg, err := tracker.NewRegistry(descs, tracker.WithCredentials(creds))
//	svc, err := reg.Resolve("gentoo")
//	q, err := svc.Builder().Validate(svc.Builder().Build([]string{"id", "created"}, tracker.Filters{
//		IDs: []string{"1", "2", "3"},
//	}))
//	bugs, err := svc.Search(ctx, q)
//	defer bugs.Close()
//	for bugs.Next() {
//		fmt.Println(bugs.Value().ID)
//	}
//	if err := bugs.Err(); err != nil { ... }
package tracker
