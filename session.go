package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"
)

// Action tags carried in button payloads. The transport renders these as
// inline keyboard buttons and echoes the tag back on press.
const (
	actionMenuEdit    = "menu_edit"
	actionMenuBio     = "menu_bio"
	actionMenuBrowse  = "menu_browse"
	actionMenuMatches = "menu_matches"
	actionDone        = "done"
	actionSkip        = "skip"
	actionModeSmart   = "mode_smart"
	actionModeAll     = "mode_all"
	actionLike        = "like"
	actionNext        = "next"
	actionPrev        = "prev"
	actionMenu        = "menu"

	actionTagPrefix     = "tag_"
	actionAcceptPrefix  = "accept_"
	actionDeclinePrefix = "decline_"
)

// Draft holds sub-flow data that must not leak into the persisted
// profile unless explicitly committed.
type Draft struct {
	Offers []string `json:"offers"`
	Seeks  []string `json:"seeks"`
}

// Session is the live, per-user instance of the conversation state
// machine. It is transient; committed profile data lives in the store.
type Session struct {
	UserID       string       `json:"user_id"`
	State        SessionState `json:"state"`
	ResumeState  SessionState `json:"resume_state"`
	Draft        *Draft       `json:"draft,omitempty"`
	Candidates   []string     `json:"candidates,omitempty"`
	Cursor       int          `json:"cursor"`
	Mode         BrowseMode   `json:"mode,omitempty"`
	PendingFrom  string       `json:"pending_from,omitempty"` // requester awaiting this user's decision
	LastActivity time.Time    `json:"last_activity"`
}

// clearSubFlow drops any uncommitted draft and browsing position.
func (s *Session) clearSubFlow() {
	s.Draft = nil
	s.Candidates = nil
	s.Cursor = 0
	s.Mode = 0
}

type transitionKey struct {
	state SessionState
	kind  EventKind
}

type transitionFunc func(ctx context.Context, s *Session, ev Event) ([]OutboundMessage, error)

// StateMachine drives one user through the profile-authoring and
// match-browsing flows. All handlers are registered in an explicit
// transition table keyed by (state, event kind) so the full transition
// surface is enumerable.
type StateMachine struct {
	store     ProfileStore
	engine    *MatchingEngine
	catalog   *TagCatalog
	bioMaxLen int
	now       func() time.Time

	transitions map[transitionKey]transitionFunc
}

func NewStateMachine(store ProfileStore, engine *MatchingEngine, catalog *TagCatalog, bioMaxLen int) *StateMachine {
	m := &StateMachine{
		store:     store,
		engine:    engine,
		catalog:   catalog,
		bioMaxLen: bioMaxLen,
		now:       time.Now,
	}
	m.transitions = map[transitionKey]transitionFunc{
		{StateMainMenu, EventButton}: m.onMainMenuButton,
		{StateMainMenu, EventText}:   m.onReprompt,
		{StateMainMenu, EventCommand}: func(ctx context.Context, s *Session, ev Event) ([]OutboundMessage, error) {
			return []OutboundMessage{m.menuMessage(s)}, nil
		},

		{StateEditingOffers, EventButton}: m.onEditTagsButton,
		{StateEditingOffers, EventText}:   m.onReprompt,

		{StateEditingSeeks, EventButton}: m.onEditTagsButton,
		{StateEditingSeeks, EventText}:   m.onReprompt,

		{StateEditingBio, EventText}:   m.onBioText,
		{StateEditingBio, EventButton}: m.onBioButton,

		{StateChoosingBrowseMode, EventButton}: m.onBrowseModeButton,
		{StateChoosingBrowseMode, EventText}:   m.onReprompt,

		{StateBrowsing, EventButton}: m.onBrowsingButton,
		{StateBrowsing, EventText}:   m.onReprompt,

		{StateAwaitingResponseDecision, EventButton}: m.onDecisionButton,
		{StateAwaitingResponseDecision, EventText}:   m.onReprompt,
	}
	return m
}

// HandleEvent consumes one inbound event for the session and returns the
// outbound messages to deliver. The dispatcher guarantees no two events
// for the same session run concurrently.
func (m *StateMachine) HandleEvent(ctx context.Context, s *Session, ev Event) ([]OutboundMessage, error) {
	s.LastActivity = m.now()

	// Restart works from anywhere and discards any uncommitted draft.
	if ev.Kind == EventCommand && (ev.Payload == "/restart" || ev.Payload == "/start") {
		return m.bootstrap(ctx, s)
	}

	// A match decision may arrive while the user sits in any state; the
	// interrupt routing in the dispatcher put PendingFrom in place and a
	// decision button press is honored regardless of position. The press
	// can also outlive its session (evicted, then the user taps a stale
	// button), so an idle session is bootstrapped first.
	if ev.Kind == EventButton &&
		(strings.HasPrefix(ev.Payload, actionAcceptPrefix) || strings.HasPrefix(ev.Payload, actionDeclinePrefix)) {
		if s.State == StateIdle {
			if out, err := m.bootstrap(ctx, s); err != nil {
				return out, err
			}
		}
		return m.onDecisionButton(ctx, s, ev)
	}

	if s.State == StateIdle {
		return m.bootstrap(ctx, s)
	}

	fn, ok := m.transitions[transitionKey{s.State, ev.Kind}]
	if !ok {
		return m.onReprompt(ctx, s, ev)
	}
	return fn(ctx, s, ev)
}

// bootstrap makes sure a profile exists for the user and lands the
// session in MainMenu.
func (m *StateMachine) bootstrap(ctx context.Context, s *Session) ([]OutboundMessage, error) {
	_, err := m.store.Get(ctx, s.UserID)
	if errors.Is(err, ErrProfileNotFound) {
		err = m.store.Put(ctx, &Profile{ID: s.UserID, CreatedAt: m.now()})
	}
	if err != nil {
		return m.failToMenu(s, "bootstrap", err)
	}
	s.clearSubFlow()
	s.State = StateMainMenu
	s.ResumeState = StateMainMenu
	return []OutboundMessage{m.menuMessage(s)}, nil
}

func (m *StateMachine) menuMessage(s *Session) OutboundMessage {
	return OutboundMessage{
		TargetUserID: s.UserID,
		Text:         "What would you like to do?",
		Options: []Option{
			{Label: "Edit profile", ActionTag: actionMenuEdit},
			{Label: "Edit bio", ActionTag: actionMenuBio},
			{Label: "Browse musicians", ActionTag: actionMenuBrowse},
			{Label: "My matches", ActionTag: actionMenuMatches},
		},
	}
}

// onReprompt re-prompts the current state without transitioning. Used
// for input the state does not understand.
func (m *StateMachine) onReprompt(ctx context.Context, s *Session, ev Event) ([]OutboundMessage, error) {
	switch s.State {
	case StateEditingOffers, StateEditingSeeks:
		return []OutboundMessage{m.tagPrompt(s)}, nil
	case StateEditingBio:
		return []OutboundMessage{m.bioPrompt(s)}, nil
	case StateChoosingBrowseMode:
		return []OutboundMessage{m.browseModePrompt(s)}, nil
	case StateBrowsing:
		return m.candidateCard(ctx, s)
	case StateAwaitingResponseDecision:
		return []OutboundMessage{m.decisionPrompt(s)}, nil
	default:
		return []OutboundMessage{m.menuMessage(s)}, nil
	}
}

func (m *StateMachine) onMainMenuButton(ctx context.Context, s *Session, ev Event) ([]OutboundMessage, error) {
	switch ev.Payload {
	case actionMenuEdit:
		p, err := m.store.Get(ctx, s.UserID)
		if err != nil {
			return m.failToMenu(s, "load profile for edit", err)
		}
		s.Draft = &Draft{
			Offers: append([]string(nil), p.Offers...),
			Seeks:  append([]string(nil), p.Seeks...),
		}
		s.State = StateEditingOffers
		return []OutboundMessage{m.tagPrompt(s)}, nil

	case actionMenuBio:
		s.State = StateEditingBio
		return []OutboundMessage{m.bioPrompt(s)}, nil

	case actionMenuBrowse:
		s.State = StateChoosingBrowseMode
		return []OutboundMessage{m.browseModePrompt(s)}, nil

	case actionMenuMatches:
		return m.matchesSummary(ctx, s)

	default:
		return []OutboundMessage{m.menuMessage(s)}, nil
	}
}

// onEditTagsButton serves both EditingOffers and EditingSeeks: toggle on
// a tag button, advance on done.
func (m *StateMachine) onEditTagsButton(ctx context.Context, s *Session, ev Event) ([]OutboundMessage, error) {
	if s.Draft == nil {
		// Draft vanished (restored session without one); re-enter cleanly.
		s.State = StateMainMenu
		return []OutboundMessage{m.menuMessage(s)}, nil
	}

	if tag, ok := strings.CutPrefix(ev.Payload, actionTagPrefix); ok {
		if err := m.catalog.Check(tag); errors.Is(err, ErrUnknownTag) {
			out := []OutboundMessage{{
				TargetUserID: s.UserID,
				Text:         fmt.Sprintf("%q is not on the instrument list.", tag),
			}}
			return append(out, m.tagPrompt(s)), nil
		}
		if s.State == StateEditingOffers {
			s.Draft.Offers = toggleString(s.Draft.Offers, tag)
		} else {
			s.Draft.Seeks = toggleString(s.Draft.Seeks, tag)
		}
		return []OutboundMessage{m.tagPrompt(s)}, nil
	}

	if ev.Payload == actionDone {
		if s.State == StateEditingOffers {
			s.State = StateEditingSeeks
			return []OutboundMessage{m.tagPrompt(s)}, nil
		}
		// Done with seeks: commit the whole draft to the profile.
		p, err := m.store.Get(ctx, s.UserID)
		if err != nil {
			return m.failToMenu(s, "load profile for commit", err)
		}
		p.Offers = append([]string(nil), s.Draft.Offers...)
		p.Seeks = append([]string(nil), s.Draft.Seeks...)
		if err := m.store.Put(ctx, p); err != nil {
			return m.failToMenu(s, "commit tags", err)
		}
		s.clearSubFlow()
		s.State = StateMainMenu
		return []OutboundMessage{
			{TargetUserID: s.UserID, Text: "Profile updated."},
			m.menuMessage(s),
		}, nil
	}

	return []OutboundMessage{m.tagPrompt(s)}, nil
}

func (m *StateMachine) tagPrompt(s *Session) OutboundMessage {
	var selected []string
	var what string
	if s.State == StateEditingOffers {
		selected = s.Draft.Offers
		what = "Which instruments do you play?"
	} else {
		selected = s.Draft.Seeks
		what = "Which instruments are you looking for?"
	}

	opts := make([]Option, 0, len(m.catalog.Tags())+1)
	for _, tag := range m.catalog.Tags() {
		label := tag
		if containsString(selected, tag) {
			label = "✓ " + tag
		}
		opts = append(opts, Option{Label: label, ActionTag: actionTagPrefix + tag})
	}
	opts = append(opts, Option{Label: "Done", ActionTag: actionDone})
	return OutboundMessage{TargetUserID: s.UserID, Text: what, Options: opts}
}

func (m *StateMachine) bioPrompt(s *Session) OutboundMessage {
	return OutboundMessage{
		TargetUserID: s.UserID,
		Text:         fmt.Sprintf("Tell other musicians about yourself (up to %d characters):", m.bioMaxLen),
		Options:      []Option{{Label: "Skip", ActionTag: actionSkip}},
	}
}

// validateBio counts runes, not bytes: a 120-character limit means 120
// characters no matter the script.
func validateBio(bio string, maxLen int) error {
	if utf8.RuneCountInString(bio) > maxLen {
		return ErrBioTooLong
	}
	return nil
}

func (m *StateMachine) onBioText(ctx context.Context, s *Session, ev Event) ([]OutboundMessage, error) {
	if err := validateBio(ev.Payload, m.bioMaxLen); errors.Is(err, ErrBioTooLong) {
		// Validation failure: re-prompt, nothing stored, state unchanged.
		out := []OutboundMessage{{
			TargetUserID: s.UserID,
			Text:         fmt.Sprintf("That bio is too long (max %d characters), try again.", m.bioMaxLen),
		}}
		return append(out, m.bioPrompt(s)), nil
	}

	p, err := m.store.Get(ctx, s.UserID)
	if err != nil {
		return m.failToMenu(s, "load profile for bio", err)
	}
	p.Bio = ev.Payload
	if err := m.store.Put(ctx, p); err != nil {
		return m.failToMenu(s, "commit bio", err)
	}
	s.clearSubFlow()
	s.State = StateMainMenu
	return []OutboundMessage{
		{TargetUserID: s.UserID, Text: "Bio saved."},
		m.menuMessage(s),
	}, nil
}

func (m *StateMachine) onBioButton(ctx context.Context, s *Session, ev Event) ([]OutboundMessage, error) {
	if ev.Payload == actionSkip {
		s.clearSubFlow()
		s.State = StateMainMenu
		return []OutboundMessage{m.menuMessage(s)}, nil
	}
	return []OutboundMessage{m.bioPrompt(s)}, nil
}

func (m *StateMachine) browseModePrompt(s *Session) OutboundMessage {
	return OutboundMessage{
		TargetUserID: s.UserID,
		Text:         "How do you want to browse?",
		Options: []Option{
			{Label: "Smart matches", ActionTag: actionModeSmart},
			{Label: "Everyone", ActionTag: actionModeAll},
		},
	}
}

func (m *StateMachine) onBrowseModeButton(ctx context.Context, s *Session, ev Event) ([]OutboundMessage, error) {
	var mode BrowseMode
	switch ev.Payload {
	case actionModeSmart:
		mode = ModeSmart
	case actionModeAll:
		mode = ModeBrowseAll
	default:
		return []OutboundMessage{m.browseModePrompt(s)}, nil
	}

	ids, err := m.engine.ComputeCandidates(ctx, s.UserID, mode)
	if err != nil {
		return m.failToMenu(s, "compute candidates", err)
	}
	if len(ids) == 0 {
		// Empty result is a message, not an error.
		s.clearSubFlow()
		s.State = StateMainMenu
		return []OutboundMessage{
			{TargetUserID: s.UserID, Text: "Nobody to show right now, check back later."},
			m.menuMessage(s),
		}, nil
	}

	s.Candidates = ids
	s.Cursor = 0
	s.Mode = mode
	s.State = StateBrowsing
	return m.candidateCard(ctx, s)
}

// candidateCard renders the candidate under the cursor.
func (m *StateMachine) candidateCard(ctx context.Context, s *Session) ([]OutboundMessage, error) {
	if s.Cursor < 0 || s.Cursor >= len(s.Candidates) {
		s.clearSubFlow()
		s.State = StateMainMenu
		return []OutboundMessage{m.menuMessage(s)}, nil
	}

	card, err := m.engine.Card(ctx, s.UserID, s.Candidates[s.Cursor])
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			// Candidate deleted while browsing; skip it.
			s.Candidates = append(s.Candidates[:s.Cursor], s.Candidates[s.Cursor+1:]...)
			return m.candidateCard(ctx, s)
		}
		return m.failToMenu(s, "render candidate", err)
	}

	text := fmt.Sprintf("%s\nPlays: %s\nLooking for: %s",
		card.DisplayName, strings.Join(card.Offers, ", "), strings.Join(card.Seeks, ", "))
	if card.Bio != "" {
		text += "\n" + card.Bio
	}
	text += fmt.Sprintf("\n(%d of %d)", s.Cursor+1, len(s.Candidates))

	return []OutboundMessage{{
		TargetUserID: s.UserID,
		Text:         text,
		Options: []Option{
			{Label: "Like", ActionTag: actionLike},
			{Label: "Previous", ActionTag: actionPrev},
			{Label: "Next", ActionTag: actionNext},
			{Label: "Back to menu", ActionTag: actionMenu},
		},
	}}, nil
}

func (m *StateMachine) onBrowsingButton(ctx context.Context, s *Session, ev Event) ([]OutboundMessage, error) {
	if len(s.Candidates) == 0 {
		s.State = StateMainMenu
		return []OutboundMessage{m.menuMessage(s)}, nil
	}

	switch ev.Payload {
	case actionLike:
		targetID := s.Candidates[s.Cursor]
		err := m.engine.RequestMatch(ctx, s.UserID, targetID)
		switch {
		case err == nil:
			out := []OutboundMessage{{TargetUserID: s.UserID, Text: "Request sent!"}}
			s.Cursor++
			more, cerr := m.candidateCard(ctx, s)
			if cerr != nil {
				return out, cerr
			}
			return append(out, more...), nil

		case errors.Is(err, ErrAlreadyPending):
			// Surfaced without advancing.
			out := []OutboundMessage{{TargetUserID: s.UserID, Text: "You already sent this musician a request."}}
			more, cerr := m.candidateCard(ctx, s)
			if cerr != nil {
				return out, cerr
			}
			return append(out, more...), nil

		case errors.Is(err, ErrAlreadyMatched), errors.Is(err, ErrSelfMatch):
			out := []OutboundMessage{{TargetUserID: s.UserID, Text: "You are already connected."}}
			s.Cursor++
			more, cerr := m.candidateCard(ctx, s)
			if cerr != nil {
				return out, cerr
			}
			return append(out, more...), nil

		default:
			return m.failToMenu(s, "request match", err)
		}

	case actionNext:
		s.Cursor++
		return m.candidateCard(ctx, s)

	case actionPrev:
		s.Cursor--
		return m.candidateCard(ctx, s)

	case actionMenu:
		s.clearSubFlow()
		s.State = StateMainMenu
		return []OutboundMessage{m.menuMessage(s)}, nil

	default:
		return m.candidateCard(ctx, s)
	}
}

func (m *StateMachine) matchesSummary(ctx context.Context, s *Session) ([]OutboundMessage, error) {
	matched, err := m.engine.ListMatches(ctx, s.UserID)
	if err != nil {
		return m.failToMenu(s, "list matches", err)
	}
	compatible, err := m.engine.ListCompatible(ctx, s.UserID)
	if err != nil {
		return m.failToMenu(s, "list compatible", err)
	}

	var b strings.Builder
	if len(matched) == 0 {
		b.WriteString("No confirmed matches yet.")
	} else {
		b.WriteString("Your matches:\n")
		for _, id := range matched {
			card, cerr := m.engine.Card(ctx, s.UserID, id)
			if cerr != nil {
				continue
			}
			line := "• " + card.DisplayName
			if card.ContactHandle != "" {
				line += " — " + card.ContactHandle
			}
			b.WriteString(line + "\n")
		}
	}
	if len(compatible) > 0 {
		fmt.Fprintf(&b, "\n%d compatible musician(s) you haven't contacted yet.", len(compatible))
	}

	return []OutboundMessage{
		{TargetUserID: s.UserID, Text: strings.TrimSpace(b.String())},
		m.menuMessage(s),
	}, nil
}

// InjectRequest handles the cross-session interrupt: requesterID liked
// this user. It parks the current position and asks for a decision.
func (m *StateMachine) InjectRequest(ctx context.Context, s *Session, requesterID string) ([]OutboundMessage, error) {
	s.LastActivity = m.now()
	if s.State == StateIdle {
		if out, err := m.bootstrap(ctx, s); err != nil {
			return out, err
		}
	}
	if s.State != StateAwaitingResponseDecision {
		s.ResumeState = s.State
	}
	s.PendingFrom = requesterID
	s.State = StateAwaitingResponseDecision
	return []OutboundMessage{m.decisionPrompt(s)}, nil
}

// InjectAccepted delivers the acceptance notice with the revealed
// contact handle. No state change; it is informational.
func (m *StateMachine) InjectAccepted(ctx context.Context, s *Session, byID, contactHandle string) ([]OutboundMessage, error) {
	s.LastActivity = m.now()
	name := byID
	if card, err := m.engine.Card(ctx, s.UserID, byID); err == nil {
		name = card.DisplayName
	}
	text := fmt.Sprintf("%s accepted your request! You are now matched.", name)
	if contactHandle != "" {
		text += " Reach them at: " + contactHandle
	}
	return []OutboundMessage{{TargetUserID: s.UserID, Text: text}}, nil
}

func (m *StateMachine) decisionPrompt(s *Session) OutboundMessage {
	return OutboundMessage{
		TargetUserID: s.UserID,
		Text:         "Someone wants to play with you! Accept the request?",
		Options: []Option{
			{Label: "Accept", ActionTag: actionAcceptPrefix + s.PendingFrom},
			{Label: "Decline", ActionTag: actionDeclinePrefix + s.PendingFrom},
		},
	}
}

func (m *StateMachine) onDecisionButton(ctx context.Context, s *Session, ev Event) ([]OutboundMessage, error) {
	accept := strings.HasPrefix(ev.Payload, actionAcceptPrefix)
	requesterID := strings.TrimPrefix(strings.TrimPrefix(ev.Payload, actionAcceptPrefix), actionDeclinePrefix)
	if requesterID == "" {
		return []OutboundMessage{m.decisionPrompt(s)}, nil
	}

	handle, err := m.engine.RespondToRequest(ctx, s.UserID, requesterID, accept)
	var out []OutboundMessage
	switch {
	case errors.Is(err, ErrNoSuchPendingRequest):
		out = append(out, OutboundMessage{
			TargetUserID: s.UserID,
			Text:         "That request is no longer open.",
		})
	case err != nil:
		return m.failToMenu(s, "respond to request", err)
	case accept:
		name := requesterID
		if card, cerr := m.engine.Card(ctx, s.UserID, requesterID); cerr == nil {
			name = card.DisplayName
		}
		text := fmt.Sprintf("Matched with %s!", name)
		if handle != "" {
			text += " Reach them at: " + handle
		}
		out = append(out, OutboundMessage{TargetUserID: s.UserID, Text: text})
	default:
		out = append(out, OutboundMessage{TargetUserID: s.UserID, Text: "Request declined."})
	}

	// Resume wherever the interrupt found the user.
	if s.State == StateAwaitingResponseDecision {
		s.PendingFrom = ""
		s.State = s.ResumeState
		if s.State == StateIdle || s.State == StateAwaitingResponseDecision {
			s.State = StateMainMenu
		}
	}
	switch s.State {
	case StateBrowsing:
		more, cerr := m.candidateCard(ctx, s)
		if cerr != nil {
			return out, cerr
		}
		out = append(out, more...)
	case StateMainMenu:
		out = append(out, m.menuMessage(s))
	}
	return out, nil
}

// failToMenu logs the underlying failure, resets the session to
// MainMenu and hands the user a generic message so they are never
// stranded mid-flow. Raw errors don't reach user-facing text.
func (m *StateMachine) failToMenu(s *Session, op string, err error) ([]OutboundMessage, error) {
	log.Printf("session %s: %s: %v", s.UserID, op, err)
	s.clearSubFlow()
	s.PendingFrom = ""
	s.State = StateMainMenu
	return []OutboundMessage{
		{TargetUserID: s.UserID, Text: "Something went wrong, let's start over."},
		m.menuMessage(s),
	}, nil
}
