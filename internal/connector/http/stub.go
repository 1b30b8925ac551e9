package http

import (
	"net/http"
	"net/http/httptest"
)

// HandlerTransport serves requests in-process through handler, without
// binding a port. Used by connector tests.
func HandlerTransport(handler http.Handler) http.RoundTripper {
	return &stubRoundTripper{handler: handler}
}

type stubRoundTripper struct {
	handler http.Handler
}

func (rt *stubRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	rr := httptest.NewRecorder()
	rt.handler.ServeHTTP(rr, req)
	res := rr.Result()
	res.Request = req
	return res, nil
}
