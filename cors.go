package main

import (
	"net/http"
	"os"
)

// The backend needs Cross-Origin Resource Sharing headers so the web
// console can talk to it from a different origin in modern browsers.
// CONSOLE_ORIGIN names the deployed console; the localhost entries
// cover local development against a vite dev server or the Docker
// console.

func allowedOrigins() map[string]bool {
	allowed := map[string]bool{
		"http://localhost:4173": true,
		"http://127.0.0.1:4173": true,
	}
	if origin := os.Getenv("CONSOLE_ORIGIN"); origin != "" {
		allowed[origin] = true
	}
	return allowed
}

func withCORS(next http.Handler) http.Handler {
	allowed := allowedOrigins()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
