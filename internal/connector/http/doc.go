// Package http is the shared transport used by tracker dialects.
//
// Structure:
//
//	client.go     - HTTP client with rate limiting and a bounded request pool
//	auth.go       - Authentication strategies (Basic, Bearer, API key)
//	paginator.go  - Offset and cursor continuation helpers
//	errors.go     - HTTP error classification into tracker transport errors
//	stub.go       - In-process transport for tests
package http
