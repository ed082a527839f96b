package main

import (
	"context"
	"fmt"
	"sort"
)

// MatchNotifier receives the engine's out-of-band notification triggers.
// The dispatcher implements it: a successful like must reach the target
// user even though the target generated no inbound event.
type MatchNotifier interface {
	MatchRequested(targetID, requesterID string)
	// MatchAccepted tells userID that acceptedByID confirmed the match;
	// contactHandle is acceptedByID's now-visible handle.
	MatchAccepted(userID, acceptedByID, contactHandle string)
}

// MatchingEngine computes compatibility and manages the like/accept
// handshake. It holds no state of its own; every mutation goes through
// the ProfileStore's pair-atomic update so the matches relation stays
// symmetric under concurrency.
type MatchingEngine struct {
	store    ProfileStore
	notifier MatchNotifier

	// IncludeMatched re-admits confirmed matches into candidate lists
	// for re-display. The source variants disagreed on this; it is a
	// flag here, defaulting to exclude.
	IncludeMatched bool

	// AutoAcceptMutual promotes a like straight to a confirmed match
	// when the target had already liked the requester, instead of
	// leaving two crossed pending requests. Off by default.
	AutoAcceptMutual bool
}

func NewMatchingEngine(store ProfileStore) *MatchingEngine {
	return &MatchingEngine{store: store}
}

// SetNotifier wires the out-of-band delivery hook. Must be called before
// the engine starts taking requests.
func (e *MatchingEngine) SetNotifier(n MatchNotifier) { e.notifier = n }

// ComputeCandidates returns candidate profile ids for userID, ordered by
// descending overlap between the candidate's offers and the user's
// seeks, oldest profile first on ties, id as the final tie-break so the
// ordering is total and stable across runs.
func (e *MatchingEngine) ComputeCandidates(ctx context.Context, userID string, mode BrowseMode) ([]string, error) {
	u, err := e.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	all, err := e.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	type scored struct {
		p       *Profile
		overlap int
	}
	var candidates []scored

	for _, c := range all {
		if c.ID == userID {
			continue
		}
		if !e.IncludeMatched && containsString(u.Matches, c.ID) {
			continue
		}
		switch mode {
		case ModeBrowseAll:
			if containsString(u.PendingOutgoing, c.ID) {
				continue
			}
		default: // smart: bidirectional capability overlap
			if intersectCount(c.Offers, u.Seeks) == 0 || intersectCount(u.Offers, c.Seeks) == 0 {
				continue
			}
		}
		candidates = append(candidates, scored{p: c, overlap: intersectCount(c.Offers, u.Seeks)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].overlap != candidates[j].overlap {
			return candidates[i].overlap > candidates[j].overlap
		}
		if !candidates[i].p.CreatedAt.Equal(candidates[j].p.CreatedAt) {
			return candidates[i].p.CreatedAt.Before(candidates[j].p.CreatedAt)
		}
		return candidates[i].p.ID < candidates[j].p.ID
	})

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.p.ID)
	}
	return ids, nil
}

// RequestMatch records a like from requester to target and triggers the
// out-of-band notification to the target.
func (e *MatchingEngine) RequestMatch(ctx context.Context, requesterID, targetID string) error {
	if requesterID == targetID {
		return ErrSelfMatch
	}

	mutual := false
	var requesterHandle string
	err := e.store.UpdatePair(ctx, requesterID, targetID, func(requester, target *Profile) error {
		if containsString(requester.Matches, targetID) {
			return ErrAlreadyMatched
		}
		if containsString(requester.PendingOutgoing, targetID) {
			return ErrAlreadyPending
		}
		if e.AutoAcceptMutual && containsString(requester.PendingIncoming, targetID) {
			// The target liked first: this like is the acceptance.
			resolvePending(requester, target)
			requester.Matches = append(requester.Matches, targetID)
			target.Matches = append(target.Matches, requesterID)
			mutual = true
			requesterHandle = requester.ContactHandle
			return nil
		}
		requester.PendingOutgoing = append(requester.PendingOutgoing, targetID)
		target.PendingIncoming = append(target.PendingIncoming, requesterID)
		return nil
	})
	if err != nil {
		return err
	}

	if e.notifier != nil {
		if mutual {
			e.notifier.MatchAccepted(targetID, requesterID, requesterHandle)
		} else {
			e.notifier.MatchRequested(targetID, requesterID)
		}
	}
	return nil
}

// RespondToRequest resolves a pending request addressed to responder.
// On accept it returns the requester's now-visible contact handle; on
// decline the pending entry is dropped and nothing is revealed. Both
// sides of the handshake mutate inside one pair-atomic update, so when
// two decisions race on the same request the first writer wins and the
// second observes the cleared pending entry.
func (e *MatchingEngine) RespondToRequest(ctx context.Context, responderID, requesterID string, accept bool) (string, error) {
	if responderID == requesterID {
		return "", ErrNoSuchPendingRequest
	}

	var contactHandle, responderHandle string
	err := e.store.UpdatePair(ctx, responderID, requesterID, func(responder, requester *Profile) error {
		if !containsString(responder.PendingIncoming, requesterID) {
			return ErrNoSuchPendingRequest
		}

		responder.PendingIncoming = removeString(responder.PendingIncoming, requesterID)
		requester.PendingOutgoing = removeString(requester.PendingOutgoing, responderID)

		if !accept {
			return nil
		}

		// A crossed like in the other direction is resolved by the same
		// acceptance: a profile in matches must not linger in a pending set.
		resolvePending(responder, requester)
		responder.Matches = append(responder.Matches, requesterID)
		requester.Matches = append(requester.Matches, responderID)
		contactHandle = requester.ContactHandle
		responderHandle = responder.ContactHandle
		return nil
	})
	if err != nil {
		return "", err
	}

	if accept && e.notifier != nil {
		e.notifier.MatchAccepted(requesterID, responderID, responderHandle)
	}
	return contactHandle, nil
}

// resolvePending clears every pending entry between the two profiles,
// in both directions.
func resolvePending(a, b *Profile) {
	a.PendingOutgoing = removeString(a.PendingOutgoing, b.ID)
	a.PendingIncoming = removeString(a.PendingIncoming, b.ID)
	b.PendingOutgoing = removeString(b.PendingOutgoing, a.ID)
	b.PendingIncoming = removeString(b.PendingIncoming, a.ID)
}

// ListMatches returns the confirmed mutual matches of userID.
func (e *MatchingEngine) ListMatches(ctx context.Context, userID string) ([]string, error) {
	u, err := e.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), u.Matches...), nil
}

// ListCompatible returns currently-qualifying smart-mode candidates the
// user has not liked yet. This is the "currently compatible" view; it is
// deliberately separate from ListMatches, not folded into it.
func (e *MatchingEngine) ListCompatible(ctx context.Context, userID string) ([]string, error) {
	ids, err := e.ComputeCandidates(ctx, userID, ModeSmart)
	if err != nil {
		return nil, err
	}
	u, err := e.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if containsString(u.PendingOutgoing, id) {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Card builds the public view of targetID as seen by viewerID. The
// contact handle is withheld unless the two are confirmed matches; this
// is the engine's read path enforcing the confidentiality rule, not the
// callers'.
func (e *MatchingEngine) Card(ctx context.Context, viewerID, targetID string) (*PublicCard, error) {
	target, err := e.store.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	card := &PublicCard{
		ID:          target.ID,
		DisplayName: target.DisplayName,
		Offers:      append([]string(nil), target.Offers...),
		Seeks:       append([]string(nil), target.Seeks...),
		Bio:         target.Bio,
	}
	if viewerID == targetID {
		card.ContactHandle = target.ContactHandle
		return card, nil
	}

	viewer, err := e.store.Get(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	if containsString(viewer.Matches, targetID) {
		// Contract check: matches must be symmetric. An asymmetric pair
		// is a bug upstream and is surfaced, not patched over.
		if !containsString(target.Matches, viewerID) {
			return nil, fmt.Errorf("%w: %s sees %s but not vice versa", ErrAsymmetricMatch, viewerID, targetID)
		}
		card.ContactHandle = target.ContactHandle
	}
	return card, nil
}
