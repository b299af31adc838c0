package observability

import "net/http"

// ResponseRecorder captures the status code and body size written through an
// http.ResponseWriter. The tracing, metrics and request logging middleware
// share one recorder per request.
type ResponseRecorder struct {
	http.ResponseWriter
	Status int
	Bytes  int

	wroteHeader bool
}

// Recorder returns w if it already is a *ResponseRecorder and wraps it
// otherwise. Status starts at 200 for handlers that write a body without
// calling WriteHeader.
func Recorder(w http.ResponseWriter) *ResponseRecorder {
	if rr, ok := w.(*ResponseRecorder); ok {
		return rr
	}
	return &ResponseRecorder{ResponseWriter: w, Status: http.StatusOK}
}

// WriteHeader records the first status code written.
func (r *ResponseRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.Status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Write counts body bytes.
func (r *ResponseRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.Bytes += n
	return n, err
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (r *ResponseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
