package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"time"
)

// JWT secret from environment variable or fallback
func getJWTSecret() []byte {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return []byte(secret)
	}
	return []byte("your_secret_key_please_change_in_production")
}

var jwtSecret = getJWTSecret()

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Printf("Ignoring invalid %s=%q, using %d", name, v, fallback)
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		log.Printf("Ignoring invalid %s=%q, using %s", name, v, fallback)
	}
	return fallback
}

func main() {
	var profiles ProfileStore
	var accounts AccountStore

	if os.Getenv("DATABASE_URL") != "" {
		pg, err := OpenPostgresStore()
		if err != nil {
			log.Fatalf("Postgres init failed: %v", err)
		}
		profiles, accounts = pg, pg
		log.Println("Using Postgres profile store")
	} else {
		profiles = NewMemoryStore()
		accounts = NewMemoryAccountStore()
		log.Println("DATABASE_URL not set, using in-memory stores (development only)")
	}

	catalog, err := LoadTagCatalog()
	if err != nil {
		log.Fatalf("Tag catalog load failed: %v", err)
	}

	bioMaxLen := envInt("BIO_MAX_LEN", 120)
	idleTimeout := envDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute)

	engine := NewMatchingEngine(profiles)
	sm := NewStateMachine(profiles, engine, catalog, bioMaxLen)
	disp := NewDispatcher(sm, idleTimeout)
	engine.SetNotifier(disp)

	if cp := NewSessionCheckpoint(idleTimeout); cp != nil {
		disp.SetCheckpoint(cp)
	}

	hub := newHub()
	disp.SetDeliver(hub.Deliver)
	disp.StartEviction()
	defer disp.Stop()

	mux := http.NewServeMux()

	// Core auth & user endpoints
	mux.Handle("/register", registerHandler(accounts, profiles))
	mux.Handle("/login", loginHandler(accounts))
	mux.Handle("/me/profile", meProfileHandler(profiles))

	// Ping: keep this user's chat session from idling out
	mux.Handle("/me/ping", mePingHandler(disp)) // POST

	// Matching read endpoints
	mux.Handle("/matches", matchesHandler(engine))
	mux.Handle("/matches/compatible", compatibleHandler(engine))
	mux.Handle("/candidates", candidatesHandler(engine)) // ?mode=smart|all

	// Users dispatcher (public profile cards)
	mux.Handle("/users/", usersDispatcher(engine))

	// WebSocket chat endpoint
	mux.Handle("/ws/bot", wsBotHandler(hub, disp))

	// Health check endpoint for Docker
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": disp.SessionCount(),
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	log.Printf("Starting Band Match backend on port %s...", port)
	if err := http.ListenAndServe(":"+port, withCORS(mux)); err != nil {
		log.Fatal(err)
	}
}
