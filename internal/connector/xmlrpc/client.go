package xmlrpc

import (
	"context"
	"fmt"

	"github.com/nucleus/tracker-core/internal/connector/http"
)

// Call is one method invocation inside a multicall.
type Call struct {
	Method string
	Params []any
}

// MulticallFault is a fault returned for one call of a multicall.
type MulticallFault struct {
	Index int
	Call  Call
	*Fault
}

func (e *MulticallFault) Error() string {
	return fmt.Sprintf("multicall %d (%s): %s", e.Index, e.Call.Method, e.Fault.Error())
}

func (e *MulticallFault) Unwrap() error { return e.Fault }

// Client sends XML-RPC calls to one endpoint path.
type Client struct {
	http *http.Client
	path string
}

// NewClient creates a client posting to path on the HTTP client's base URL.
func NewClient(client *http.Client, path string) *Client {
	return &Client{http: client, path: path}
}

// Call invokes method and returns its decoded result.
func (c *Client) Call(ctx context.Context, method string, params ...any) (any, error) {
	body, err := EncodeCall(method, params...)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	resp, err := c.http.Post(ctx, c.path, "text/xml", body)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(resp.Body)
}

// Multicall batches calls through system.multicall and returns one result
// per call, in order. The first faulted call fails the whole batch.
func (c *Client) Multicall(ctx context.Context, calls []Call) ([]any, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	entries := make([]any, len(calls))
	for i, call := range calls {
		params := call.Params
		if params == nil {
			params = []any{}
		}
		entries[i] = map[string]any{"methodName": call.Method, "params": params}
	}

	raw, err := c.Call(ctx, "system.multicall", entries)
	if err != nil {
		return nil, err
	}
	results, ok := raw.([]any)
	if !ok || len(results) != len(calls) {
		return nil, fmt.Errorf("system.multicall: unexpected result %T with %d entries", raw, lenOf(raw))
	}

	out := make([]any, len(results))
	for i, r := range results {
		switch v := r.(type) {
		case []any:
			if len(v) != 1 {
				return nil, fmt.Errorf("system.multicall: entry %d has %d values", i, len(v))
			}
			out[i] = v[0]
		case map[string]any:
			return nil, &MulticallFault{Index: i, Call: calls[i], Fault: faultFrom(v)}
		default:
			return nil, fmt.Errorf("system.multicall: entry %d has type %T", i, r)
		}
	}
	return out, nil
}

func lenOf(v any) int {
	if s, ok := v.([]any); ok {
		return len(s)
	}
	return 0
}
