package shield

import "net/http"

// MaxBody returns middleware that caps request bodies at maxBytes. A request
// whose declared Content-Length already exceeds the cap is answered by
// tooLarge without reading the body; otherwise the body is wrapped in
// http.MaxBytesReader and the handler sees a *http.MaxBytesError once the
// cap is crossed.
func MaxBody(maxBytes int64, tooLarge http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				if r.ContentLength > maxBytes && tooLarge != nil {
					tooLarge(w, r)
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
