package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStateMachine(t *testing.T) (*StateMachine, *MemoryStore, *MatchingEngine) {
	t.Helper()
	store := NewMemoryStore()
	engine := NewMatchingEngine(store)
	sm := NewStateMachine(store, engine, NewTagCatalog(defaultInstruments), 120)
	return sm, store, engine
}

func startedSession(t *testing.T, sm *StateMachine, userID string) *Session {
	t.Helper()
	s := &Session{UserID: userID, State: StateIdle}
	_, err := sm.HandleEvent(context.Background(), s, Event{UserID: userID, Kind: EventCommand, Payload: "/start"})
	require.NoError(t, err)
	require.Equal(t, StateMainMenu, s.State)
	return s
}

func press(t *testing.T, sm *StateMachine, s *Session, tag string) []OutboundMessage {
	t.Helper()
	out, err := sm.HandleEvent(context.Background(), s, Event{UserID: s.UserID, Kind: EventButton, Payload: tag})
	require.NoError(t, err)
	return out
}

func typeText(t *testing.T, sm *StateMachine, s *Session, text string) []OutboundMessage {
	t.Helper()
	out, err := sm.HandleEvent(context.Background(), s, Event{UserID: s.UserID, Kind: EventText, Payload: text})
	require.NoError(t, err)
	return out
}

func allText(out []OutboundMessage) string {
	var b strings.Builder
	for _, m := range out {
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func TestSessionSuite(t *testing.T) {
	t.Run("Bootstrap", func(t *testing.T) { testSessionBootstrap(t) })
	t.Run("TagEditing", func(t *testing.T) { testTagEditing(t) })
	t.Run("BioEditing", func(t *testing.T) { testBioEditing(t) })
	t.Run("Browsing", func(t *testing.T) { testBrowsing(t) })
	t.Run("DecisionInterrupt", func(t *testing.T) { testDecisionInterrupt(t) })
}

func testSessionBootstrap(t *testing.T) {
	ctx := context.Background()

	t.Run("Start creates a profile and lands in the menu", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		s := startedSession(t, sm, "u1")

		p, err := store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", p.ID)
		assert.Equal(t, StateMainMenu, s.State)
	})

	t.Run("Start on an existing profile keeps its data", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		require.NoError(t, store.Put(ctx, &Profile{ID: "u1", Offers: []string{"Guitar"}, Bio: "hi"}))

		startedSession(t, sm, "u1")

		p, _ := store.Get(ctx, "u1")
		assert.Equal(t, []string{"Guitar"}, p.Offers)
		assert.Equal(t, "hi", p.Bio)
	})

	t.Run("Any event on an idle session bootstraps", func(t *testing.T) {
		sm, _, _ := newTestStateMachine(t)
		s := &Session{UserID: "u1", State: StateIdle}
		typeText(t, sm, s, "hello?")
		assert.Equal(t, StateMainMenu, s.State)
	})

	t.Run("Unknown input re-prompts without transition", func(t *testing.T) {
		sm, _, _ := newTestStateMachine(t)
		s := startedSession(t, sm, "u1")
		out := typeText(t, sm, s, "gibberish")
		assert.Equal(t, StateMainMenu, s.State)
		assert.Contains(t, allText(out), "What would you like to do?")
	})
}

func testTagEditing(t *testing.T) {
	ctx := context.Background()

	t.Run("Full edit flow commits offers then seeks", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		s := startedSession(t, sm, "u1")

		press(t, sm, s, actionMenuEdit)
		assert.Equal(t, StateEditingOffers, s.State)

		press(t, sm, s, "tag_Guitar")
		press(t, sm, s, "tag_Piano")
		out := press(t, sm, s, actionDone)
		assert.Equal(t, StateEditingSeeks, s.State)
		assert.Contains(t, allText(out), "looking for")

		press(t, sm, s, "tag_Vocals")
		out = press(t, sm, s, actionDone)
		assert.Equal(t, StateMainMenu, s.State)
		assert.Contains(t, allText(out), "Profile updated.")

		p, err := store.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"Guitar", "Piano"}, p.Offers)
		assert.Equal(t, []string{"Vocals"}, p.Seeks)
	})

	t.Run("Toggle removes an already-selected tag", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		s := startedSession(t, sm, "u1")
		press(t, sm, s, actionMenuEdit)

		press(t, sm, s, "tag_Guitar")
		out := press(t, sm, s, "tag_Guitar") // toggle off
		assert.NotContains(t, allText(out), "✓ Guitar")

		press(t, sm, s, actionDone)
		press(t, sm, s, actionDone)
		p, _ := store.Get(ctx, "u1")
		assert.Empty(t, p.Offers)
	})

	t.Run("Selected tags carry a check mark in the prompt", func(t *testing.T) {
		sm, _, _ := newTestStateMachine(t)
		s := startedSession(t, sm, "u1")
		press(t, sm, s, actionMenuEdit)
		out := press(t, sm, s, "tag_Drums")

		var found bool
		for _, opt := range out[len(out)-1].Options {
			if opt.Label == "✓ Drums" {
				found = true
			}
		}
		assert.True(t, found, "toggled tag should be marked selected")
	})

	t.Run("Unknown tag is rejected without state change", func(t *testing.T) {
		sm, _, _ := newTestStateMachine(t)
		s := startedSession(t, sm, "u1")
		press(t, sm, s, actionMenuEdit)

		out := press(t, sm, s, "tag_Kazoo")
		assert.Equal(t, StateEditingOffers, s.State)
		assert.Contains(t, allText(out), "not on the instrument list")
		assert.Empty(t, s.Draft.Offers)
	})

	t.Run("Restart discards the uncommitted draft", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		require.NoError(t, store.Put(ctx, &Profile{ID: "u1", Offers: []string{"Bass"}}))
		s := startedSession(t, sm, "u1")

		press(t, sm, s, actionMenuEdit)
		press(t, sm, s, "tag_Guitar")

		_, err := sm.HandleEvent(ctx, s, Event{UserID: "u1", Kind: EventCommand, Payload: "/restart"})
		require.NoError(t, err)
		assert.Equal(t, StateMainMenu, s.State)
		assert.Nil(t, s.Draft)

		p, _ := store.Get(ctx, "u1")
		assert.Equal(t, []string{"Bass"}, p.Offers, "committed data must survive restart")
	})

	t.Run("Editing starts from the committed profile", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		require.NoError(t, store.Put(ctx, &Profile{ID: "u1", Offers: []string{"Violin"}}))
		s := startedSession(t, sm, "u1")

		press(t, sm, s, actionMenuEdit)
		require.NotNil(t, s.Draft)
		assert.Equal(t, []string{"Violin"}, s.Draft.Offers)

		// mutating the draft must not touch the stored profile
		press(t, sm, s, "tag_Drums")
		p, _ := store.Get(ctx, "u1")
		assert.Equal(t, []string{"Violin"}, p.Offers)
	})
}

func testBioEditing(t *testing.T) {
	ctx := context.Background()

	t.Run("Bio at the limit is accepted", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		s := startedSession(t, sm, "u1")
		press(t, sm, s, actionMenuBio)
		require.Equal(t, StateEditingBio, s.State)

		bio := strings.Repeat("ä", 120) // limit counts runes, not bytes
		out := typeText(t, sm, s, bio)
		assert.Equal(t, StateMainMenu, s.State)
		assert.Contains(t, allText(out), "Bio saved.")

		p, _ := store.Get(ctx, "u1")
		assert.Equal(t, bio, p.Bio)
	})

	t.Run("Bio over the limit re-prompts and stores nothing", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		require.NoError(t, store.Put(ctx, &Profile{ID: "u1", Bio: "old bio"}))
		s := startedSession(t, sm, "u1")
		press(t, sm, s, actionMenuBio)

		out := typeText(t, sm, s, strings.Repeat("x", 121))
		assert.Equal(t, StateEditingBio, s.State, "validation failure must not transition")
		assert.Contains(t, allText(out), "too long")

		p, _ := store.Get(ctx, "u1")
		assert.Equal(t, "old bio", p.Bio)
	})

	t.Run("Skip leaves the bio untouched", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		require.NoError(t, store.Put(ctx, &Profile{ID: "u1", Bio: "keep me"}))
		s := startedSession(t, sm, "u1")
		press(t, sm, s, actionMenuBio)

		press(t, sm, s, actionSkip)
		assert.Equal(t, StateMainMenu, s.State)
		p, _ := store.Get(ctx, "u1")
		assert.Equal(t, "keep me", p.Bio)
	})
}

func testBrowsing(t *testing.T) {
	ctx := context.Background()

	// seedBand wires a browsing user "u1" (guitar, seeks vocals) plus two
	// compatible vocalists.
	seedBand := func(t *testing.T, store *MemoryStore) {
		require.NoError(t, store.Put(ctx, &Profile{
			ID: "u1", DisplayName: "Me", Offers: []string{"Guitar"}, Seeks: []string{"Vocals"},
			CreatedAt: time.Now().Add(-3 * time.Hour),
		}))
		require.NoError(t, store.Put(ctx, &Profile{
			ID: "v1", DisplayName: "First Voice", ContactHandle: "@v1",
			Offers: []string{"Vocals"}, Seeks: []string{"Guitar"},
			CreatedAt: time.Now().Add(-2 * time.Hour),
		}))
		require.NoError(t, store.Put(ctx, &Profile{
			ID: "v2", DisplayName: "Second Voice", ContactHandle: "@v2",
			Offers: []string{"Vocals"}, Seeks: []string{"Guitar"},
			CreatedAt: time.Now().Add(-1 * time.Hour),
		}))
	}

	t.Run("Empty candidate list is a message, not an error", func(t *testing.T) {
		sm, _, _ := newTestStateMachine(t)
		s := startedSession(t, sm, "u1")
		press(t, sm, s, actionMenuBrowse)
		require.Equal(t, StateChoosingBrowseMode, s.State)

		out := press(t, sm, s, actionModeSmart)
		assert.Equal(t, StateMainMenu, s.State)
		assert.Contains(t, allText(out), "Nobody to show right now")
	})

	t.Run("Smart browse pages through candidates oldest first", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		seedBand(t, store)
		s := startedSession(t, sm, "u1")

		press(t, sm, s, actionMenuBrowse)
		out := press(t, sm, s, actionModeSmart)
		require.Equal(t, StateBrowsing, s.State)
		assert.Equal(t, []string{"v1", "v2"}, s.Candidates)
		assert.Contains(t, allText(out), "First Voice")
		assert.Contains(t, allText(out), "(1 of 2)")

		out = press(t, sm, s, actionNext)
		assert.Contains(t, allText(out), "Second Voice")

		// past the end: back to the menu
		press(t, sm, s, actionNext)
		assert.Equal(t, StateMainMenu, s.State)
	})

	t.Run("Previous before the first candidate exits to menu", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		seedBand(t, store)
		s := startedSession(t, sm, "u1")
		press(t, sm, s, actionMenuBrowse)
		press(t, sm, s, actionModeSmart)

		press(t, sm, s, actionPrev)
		assert.Equal(t, StateMainMenu, s.State)
	})

	t.Run("Like sends a request and advances", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		seedBand(t, store)
		s := startedSession(t, sm, "u1")
		press(t, sm, s, actionMenuBrowse)
		press(t, sm, s, actionModeSmart)

		out := press(t, sm, s, actionLike)
		assert.Contains(t, allText(out), "Request sent!")
		assert.Contains(t, allText(out), "Second Voice")
		assert.Equal(t, 1, s.Cursor)

		u1, _ := store.Get(ctx, "u1")
		assert.Contains(t, u1.PendingOutgoing, "v1")
	})

	t.Run("Liking twice stays on the same card", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		seedBand(t, store)
		s := startedSession(t, sm, "u1")
		press(t, sm, s, actionMenuBrowse)
		press(t, sm, s, actionModeSmart)

		press(t, sm, s, actionLike)
		press(t, sm, s, actionPrev) // back to the liked card
		out := press(t, sm, s, actionLike)
		assert.Contains(t, allText(out), "already sent")
		assert.Equal(t, 0, s.Cursor, "duplicate like must not advance")
		assert.Equal(t, StateBrowsing, s.State)
	})

	t.Run("Candidate deleted mid-browse is skipped", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		seedBand(t, store)
		s := startedSession(t, sm, "u1")
		press(t, sm, s, actionMenuBrowse)
		press(t, sm, s, actionModeSmart)

		// v2 disappears while the user looks at v1
		store.mu.Lock()
		delete(store.profiles, "v2")
		store.mu.Unlock()

		press(t, sm, s, actionNext)
		assert.Equal(t, StateMainMenu, s.State, "only deleted candidates left means back to menu")
	})

	t.Run("Back to menu clears the browsing position", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		seedBand(t, store)
		s := startedSession(t, sm, "u1")
		press(t, sm, s, actionMenuBrowse)
		press(t, sm, s, actionModeSmart)

		press(t, sm, s, actionMenu)
		assert.Equal(t, StateMainMenu, s.State)
		assert.Nil(t, s.Candidates)
		assert.Zero(t, s.Cursor)
	})

	t.Run("Matches summary lists handles of confirmed matches", func(t *testing.T) {
		sm, store, engine := newTestStateMachine(t)
		seedBand(t, store)
		require.NoError(t, engine.RequestMatch(ctx, "u1", "v1"))
		_, err := engine.RespondToRequest(ctx, "v1", "u1", true)
		require.NoError(t, err)

		s := startedSession(t, sm, "u1")
		out := press(t, sm, s, actionMenuMatches)
		text := allText(out)
		assert.Contains(t, text, "First Voice")
		assert.Contains(t, text, "@v1")
		assert.Contains(t, text, "1 compatible musician(s)") // v2 still open
		assert.Equal(t, StateMainMenu, s.State)
	})
}

func testDecisionInterrupt(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*StateMachine, *MemoryStore, *MatchingEngine, *Session) {
		sm, store, engine := newTestStateMachine(t)
		require.NoError(t, store.Put(ctx, &Profile{ID: "asker", DisplayName: "Asker", ContactHandle: "@asker"}))
		s := startedSession(t, sm, "u1")
		require.NoError(t, engine.RequestMatch(ctx, "asker", "u1"))
		return sm, store, engine, s
	}

	t.Run("Interrupt parks the current state", func(t *testing.T) {
		sm, _, _, s := setup(t)
		out, err := sm.InjectRequest(ctx, s, "asker")
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingResponseDecision, s.State)
		assert.Equal(t, StateMainMenu, s.ResumeState)
		assert.Equal(t, "asker", s.PendingFrom)
		assert.Contains(t, allText(out), "Accept the request?")
	})

	t.Run("Accept reveals the requester's handle and resumes", func(t *testing.T) {
		sm, store, _, s := setup(t)
		_, err := sm.InjectRequest(ctx, s, "asker")
		require.NoError(t, err)

		out := press(t, sm, s, actionAcceptPrefix+"asker")
		text := allText(out)
		assert.Contains(t, text, "Matched with Asker!")
		assert.Contains(t, text, "@asker")
		assert.Equal(t, StateMainMenu, s.State)
		assert.Empty(t, s.PendingFrom)

		u1, _ := store.Get(ctx, "u1")
		asker, _ := store.Get(ctx, "asker")
		assert.Contains(t, u1.Matches, "asker")
		assert.Contains(t, asker.Matches, "u1")
	})

	t.Run("Decline resolves without revealing", func(t *testing.T) {
		sm, store, _, s := setup(t)
		_, err := sm.InjectRequest(ctx, s, "asker")
		require.NoError(t, err)

		out := press(t, sm, s, actionDeclinePrefix+"asker")
		text := allText(out)
		assert.Contains(t, text, "Request declined.")
		assert.NotContains(t, text, "@asker")

		u1, _ := store.Get(ctx, "u1")
		assert.Empty(t, u1.Matches)
		assert.Empty(t, u1.PendingIncoming)
	})

	t.Run("Interrupt mid-browse resumes browsing after the decision", func(t *testing.T) {
		sm, store, _, s := setup(t)
		// give u1 something to browse
		require.NoError(t, store.Put(ctx, &Profile{
			ID: "u1", DisplayName: "Me", Offers: []string{"Guitar"}, Seeks: []string{"Vocals"},
			PendingIncoming: []string{"asker"},
		}))
		require.NoError(t, store.Put(ctx, &Profile{
			ID: "v1", DisplayName: "Voice", Offers: []string{"Vocals"}, Seeks: []string{"Guitar"},
		}))

		press(t, sm, s, actionMenuBrowse)
		press(t, sm, s, actionModeSmart)
		require.Equal(t, StateBrowsing, s.State)

		_, err := sm.InjectRequest(ctx, s, "asker")
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingResponseDecision, s.State)
		assert.Equal(t, StateBrowsing, s.ResumeState)

		out := press(t, sm, s, actionDeclinePrefix+"asker")
		assert.Equal(t, StateBrowsing, s.State, "resume where the interrupt hit")
		assert.Contains(t, allText(out), "Voice")
	})

	t.Run("Stale decision is reported as no longer open", func(t *testing.T) {
		sm, _, engine, s := setup(t)
		_, err := sm.InjectRequest(ctx, s, "asker")
		require.NoError(t, err)

		// resolved elsewhere before the user pressed the button
		_, err = engine.RespondToRequest(ctx, "u1", "asker", false)
		require.NoError(t, err)

		out := press(t, sm, s, actionAcceptPrefix+"asker")
		assert.Contains(t, allText(out), "no longer open")
		assert.Equal(t, StateMainMenu, s.State)
	})

	t.Run("Decision button on a fresh idle session bootstraps first", func(t *testing.T) {
		sm, store, engine := newTestStateMachine(t)
		require.NoError(t, store.Put(ctx, &Profile{ID: "asker", DisplayName: "Asker", ContactHandle: "@asker"}))
		require.NoError(t, store.Put(ctx, &Profile{ID: "u1"}))
		require.NoError(t, engine.RequestMatch(ctx, "asker", "u1"))

		// the session that showed the prompt was evicted; the button
		// arrives on a brand-new idle session
		s := &Session{UserID: "u1", State: StateIdle}
		out := press(t, sm, s, actionAcceptPrefix+"asker")
		text := allText(out)
		assert.Contains(t, text, "Matched with Asker!")
		assert.Contains(t, text, "What would you like to do?")
		assert.Equal(t, StateMainMenu, s.State, "user must land somewhere, never Idle")
	})

	t.Run("Stale decision button on an idle session still reaches the menu", func(t *testing.T) {
		sm, store, _ := newTestStateMachine(t)
		require.NoError(t, store.Put(ctx, &Profile{ID: "asker"}))
		require.NoError(t, store.Put(ctx, &Profile{ID: "u1"}))

		// no pending request exists anymore
		s := &Session{UserID: "u1", State: StateIdle}
		out := press(t, sm, s, actionDeclinePrefix+"asker")
		text := allText(out)
		assert.Contains(t, text, "no longer open")
		assert.Contains(t, text, "What would you like to do?")
		assert.Equal(t, StateMainMenu, s.State)
	})

	t.Run("Decision button is honored from any state", func(t *testing.T) {
		sm, _, _, s := setup(t)
		// user ignored the prompt and went off to edit the bio
		_, err := sm.InjectRequest(ctx, s, "asker")
		require.NoError(t, err)

		// a decision arrives while not in the decision state: global intercept
		s.State = StateMainMenu
		out := press(t, sm, s, actionAcceptPrefix+"asker")
		assert.Contains(t, allText(out), "Matched with Asker!")
	})
}
