package main

import (
	"errors"
	"net/http"
	"strings"
)

// meProfileHandler returns the caller's own profile, including fields
// the public card hides (pending request lists, contact handle).
func meProfileHandler(profiles ProfileStore) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		userID := r.Context().Value(userIDKey).(string)
		p, err := profiles.Get(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusNotFound, "Profile not found")
			return
		}
		writeJSON(w, http.StatusOK, p)
	})
}

// usersDispatcher routes /users/{id}/profile. The response is the
// public card as the caller is allowed to see it: the contact handle
// only appears once the two users are matched.
func usersDispatcher(engine *MatchingEngine) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/users/")
		parts := strings.Split(rest, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] != "profile" {
			writeError(w, http.StatusNotFound, "Not found")
			return
		}
		viewerID := r.Context().Value(userIDKey).(string)
		card, err := engine.Card(r.Context(), viewerID, parts[0])
		if err != nil {
			if errors.Is(err, ErrProfileNotFound) {
				writeError(w, http.StatusNotFound, "Profile not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, card)
	})
}

// matchesHandler lists the caller's confirmed matches as public cards.
func matchesHandler(engine *MatchingEngine) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		userID := r.Context().Value(userIDKey).(string)
		ids, err := engine.ListMatches(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, cardsFor(engine, r, userID, ids))
	})
}

// compatibleHandler lists users whose instruments line up with the
// caller in both directions but who are not matched or requested yet.
func compatibleHandler(engine *MatchingEngine) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		userID := r.Context().Value(userIDKey).(string)
		ids, err := engine.ListCompatible(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, cardsFor(engine, r, userID, ids))
	})
}

// candidatesHandler exposes the same ranked candidate list the chat
// flow pages through. ?mode=all switches off the overlap filter.
func candidatesHandler(engine *MatchingEngine) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		mode := ModeSmart
		if r.URL.Query().Get("mode") == "all" {
			mode = ModeBrowseAll
		}
		userID := r.Context().Value(userIDKey).(string)
		ids, err := engine.ComputeCandidates(r.Context(), userID, mode)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, cardsFor(engine, r, userID, ids))
	})
}

// cardsFor resolves a list of profile ids into public cards, skipping
// profiles deleted between the id listing and the card read.
func cardsFor(engine *MatchingEngine, r *http.Request, viewerID string, ids []string) []PublicCard {
	cards := make([]PublicCard, 0, len(ids))
	for _, id := range ids {
		card, err := engine.Card(r.Context(), viewerID, id)
		if err != nil {
			continue
		}
		cards = append(cards, *card)
	}
	return cards
}

// mePingHandler refreshes the caller's session idle timer so that an
// open web console keeps the chat session alive without sending events.
func mePingHandler(disp *Dispatcher) http.HandlerFunc {
	return authenticate(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		userID := r.Context().Value(userIDKey).(string)
		active := disp.Touch(userID)
		writeJSON(w, http.StatusOK, map[string]bool{"active_session": active})
	})
}
