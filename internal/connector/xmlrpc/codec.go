// Package xmlrpc adapts github.com/kolo/xmlrpc to the shared rate-limited
// HTTP transport and adds system.multicall.
package xmlrpc

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	kolo "github.com/kolo/xmlrpc"
)

// Fault is an XML-RPC fault response.
type Fault struct {
	Code   int
	String string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("xmlrpc fault %d: %s", f.Code, f.String)
}

// Roundup runs Python's allow_none marshaller: filter takes None for its
// search_matches argument and display returns None for unset properties.
// kolo/xmlrpc has no nil type, so nil travels through it as a marker string
// that is swapped for the <nil/> element on the wire.
const nilMarker = "xmlrpc:nil:7d0c1e"

var (
	nilElement       = []byte("<nil/>")
	nilMarkerElement = []byte("<string>" + nilMarker + "</string>")
)

// =============================================================================
// ENCODING
// =============================================================================

// EncodeCall renders a methodCall document.
func EncodeCall(method string, params ...any) ([]byte, error) {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = markNil(p)
	}
	data, err := kolo.EncodeMethodCall(method, args...)
	if err != nil {
		return nil, err
	}
	return bytes.ReplaceAll(data, nilMarkerElement, nilElement), nil
}

func markNil(v any) any {
	switch x := v.(type) {
	case nil:
		return nilMarker
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = markNil(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = markNil(e)
		}
		return out
	}
	return v
}

// =============================================================================
// DECODING
// Values decode to string, int, bool, float64, time.Time, []byte, nil,
// []any and map[string]any.
// =============================================================================

// DecodeResponse parses a methodResponse document, returning the single
// result value or a *Fault.
func DecodeResponse(data []byte) (any, error) {
	resp := kolo.Response(bytes.ReplaceAll(data, nilElement, nilMarkerElement))
	if err := resp.Err(); err != nil {
		var fault kolo.FaultError
		if errors.As(err, &fault) {
			return nil, &Fault{Code: fault.Code, String: fault.String}
		}
		return nil, fmt.Errorf("xmlrpc: %w", err)
	}
	var v any
	if err := resp.Unmarshal(&v); err != nil {
		return nil, fmt.Errorf("xmlrpc: %w", err)
	}
	return normalize(v), nil
}

// normalize restores nil markers and narrows integers to int.
func normalize(v any) any {
	switch x := v.(type) {
	case string:
		if x == nilMarker {
			return nil
		}
	case int64:
		return int(x)
	case []any:
		for i, e := range x {
			x[i] = normalize(e)
		}
	case map[string]any:
		for k, e := range x {
			x[k] = normalize(e)
		}
	case time.Time:
		return x.UTC()
	}
	return v
}

func faultFrom(v any) *Fault {
	f := &Fault{}
	if m, ok := v.(map[string]any); ok {
		switch c := m["faultCode"].(type) {
		case int:
			f.Code = c
		case int64:
			f.Code = int(c)
		}
		f.String, _ = m["faultString"].(string)
	}
	return f
}

// =============================================================================
// SERVER SIDE
// Used by in-process stub servers.
// =============================================================================

type methodCall struct {
	Method string `xml:"methodName"`
	Params []struct {
		Value struct {
			Inner []byte `xml:",innerxml"`
		} `xml:"value"`
	} `xml:"params>param"`
}

// DecodeCall parses a methodCall document. The params are read as one
// array value so the response decoder handles every type.
func DecodeCall(data []byte) (string, []any, error) {
	var call methodCall
	if err := xml.Unmarshal(data, &call); err != nil {
		return "", nil, fmt.Errorf("xmlrpc: %w", err)
	}
	if call.Method == "" {
		return "", nil, errors.New("xmlrpc: call without methodName")
	}

	var b bytes.Buffer
	b.WriteString("<methodResponse><params><param><value><array><data>")
	for _, p := range call.Params {
		b.WriteString("<value>")
		b.Write(p.Value.Inner)
		b.WriteString("</value>")
	}
	b.WriteString("</data></array></value></param></params></methodResponse>")

	v, err := DecodeResponse(b.Bytes())
	if err != nil {
		return "", nil, err
	}
	params, _ := v.([]any)
	if params == nil {
		params = []any{}
	}
	return call.Method, params, nil
}

// EncodeResponse renders a methodResponse carrying v.
func EncodeResponse(v any) ([]byte, error) {
	value, err := encodeValue(v)
	if err != nil {
		return nil, err
	}
	return wrapResponse("<params><param>", value, "</param></params>"), nil
}

// EncodeFault renders a fault methodResponse.
func EncodeFault(f *Fault) []byte {
	// a fault struct only holds an int and a string, which always encode
	value, _ := encodeValue(FaultValue(f))
	return wrapResponse("<fault>", value, "</fault>")
}

// FaultValue is the struct form of a fault, as embedded in multicall
// results.
func FaultValue(f *Fault) map[string]any {
	return map[string]any{"faultCode": f.Code, "faultString": f.String}
}

// encodeValue renders v as a single <value> element by encoding a one
// parameter call and cutting the parameter out.
func encodeValue(v any) ([]byte, error) {
	data, err := EncodeCall("value", v)
	if err != nil {
		return nil, err
	}
	start := bytes.Index(data, []byte("<param>"))
	end := bytes.LastIndex(data, []byte("</param>"))
	if start < 0 || end < start {
		return nil, fmt.Errorf("xmlrpc: cannot encode %T", v)
	}
	return data[start+len("<param>") : end], nil
}

func wrapResponse(open string, value []byte, closing string) []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString("<methodResponse>")
	b.WriteString(open)
	b.Write(value)
	b.WriteString(closing)
	b.WriteString("</methodResponse>")
	return b.Bytes()
}
