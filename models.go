package main

import "time"

// Profile represents one user's persisted matching profile.
// Offers/Seeks hold instrument tags from the catalog; the pending and
// match sets hold profile ids and are only ever mutated through the
// matching engine so the symmetry rules hold.
type Profile struct {
	ID              string
	DisplayName     string
	ContactHandle   string // optional, empty when the user gave none
	Offers          []string
	Seeks           []string
	Bio             string
	PendingOutgoing []string
	PendingIncoming []string
	Matches         []string
	CreatedAt       time.Time
}

// Clone returns a deep copy so callers can't alias the store's slices.
func (p *Profile) Clone() *Profile {
	c := *p
	c.Offers = append([]string(nil), p.Offers...)
	c.Seeks = append([]string(nil), p.Seeks...)
	c.PendingOutgoing = append([]string(nil), p.PendingOutgoing...)
	c.PendingIncoming = append([]string(nil), p.PendingIncoming...)
	c.Matches = append([]string(nil), p.Matches...)
	return &c
}

// PublicCard is the view of a profile another user is allowed to see.
// ContactHandle is populated only when the viewer has a confirmed match
// with this profile; the engine enforces that, not the handlers.
type PublicCard struct {
	ID            string   `json:"id"`
	DisplayName   string   `json:"display_name"`
	Offers        []string `json:"offers"`
	Seeks         []string `json:"seeks"`
	Bio           string   `json:"bio"`
	ContactHandle string   `json:"contact_handle,omitempty"`
}

// EventKind distinguishes inbound event categories from the transport.
type EventKind int

const (
	// EventCommand is a slash-command style event ("/start", "/restart").
	EventCommand EventKind = iota + 1
	// EventButton is a button press; Payload carries the action tag.
	EventButton
	// EventText is free-form text input.
	EventText
)

func (k EventKind) String() string {
	switch k {
	case EventCommand:
		return "command"
	case EventButton:
		return "button"
	case EventText:
		return "text"
	default:
		return "unknown"
	}
}

// Event is one inbound interaction, already tagged with the user it
// belongs to by the transport layer.
type Event struct {
	UserID  string    `json:"user_id"`
	Kind    EventKind `json:"kind"`
	Payload string    `json:"payload"`
}

// Option is one button offered alongside an outbound message.
type Option struct {
	Label     string `json:"label"`
	ActionTag string `json:"action_tag"`
}

// OutboundMessage is handed back to the transport for delivery. The
// core never delivers anything itself.
type OutboundMessage struct {
	TargetUserID string   `json:"target_user_id"`
	Text         string   `json:"text"`
	Options      []Option `json:"options,omitempty"`
}

// SessionState enumerates the conversation state machine positions.
type SessionState int

const (
	StateIdle SessionState = iota
	StateMainMenu
	StateEditingOffers
	StateEditingSeeks
	StateEditingBio
	StateChoosingBrowseMode
	StateBrowsing
	StateAwaitingResponseDecision
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMainMenu:
		return "main_menu"
	case StateEditingOffers:
		return "editing_offers"
	case StateEditingSeeks:
		return "editing_seeks"
	case StateEditingBio:
		return "editing_bio"
	case StateChoosingBrowseMode:
		return "choosing_browse_mode"
	case StateBrowsing:
		return "browsing"
	case StateAwaitingResponseDecision:
		return "awaiting_response_decision"
	default:
		return "unknown"
	}
}

// BrowseMode selects the candidate filter for computeCandidates.
type BrowseMode int

const (
	// ModeSmart requires bidirectional capability overlap.
	ModeSmart BrowseMode = iota + 1
	// ModeBrowseAll shows everyone the user hasn't already liked.
	ModeBrowseAll
)

func (m BrowseMode) String() string {
	if m == ModeBrowseAll {
		return "browse_all"
	}
	return "smart"
}

// --- small set helpers over tag/id slices ---

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// toggleString adds v if absent, removes it if present.
func toggleString(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	for i, s := range list {
		if s == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// intersectCount returns the size of the overlap treating both slices as sets.
func intersectCount(a, b []string) int {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	n := 0
	for _, s := range b {
		if _, ok := set[s]; ok {
			n++
		}
	}
	return n
}
