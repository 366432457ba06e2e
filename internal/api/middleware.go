package api

import (
	"net/http"
	"time"
)

// HTTPLogger is a http middleware that logs requests
func HTTPLogger(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()

	next(w, r)

	log.Debugf(
		"HTTP|%s|%s -\t%s",
		r.Method,
		time.Since(start),
		r.RequestURI,
	)
}
