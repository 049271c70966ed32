package engine

import (
	"fmt"
	"time"
)

// Expect is the precondition a store checks atomically before merging a Patch.
// Nil fields are not checked.
type Expect struct {
	Phase       *Phase
	Round       *int
	VoteCount   *int
	PlayerCount *int
}

func ExpectPhase(p Phase) Expect {
	return Expect{Phase: &p}
}

func ExpectRound(p Phase, round int) Expect {
	return Expect{Phase: &p, Round: &round}
}

func ExpectVotes(p Phase, round, votes int) Expect {
	return Expect{Phase: &p, Round: &round, VoteCount: &votes}
}

func (e Expect) check(s RoomState) error {
	if e.Phase != nil && s.Phase != *e.Phase {
		return fmt.Errorf("%w: phase is %s, expected %s", ErrConflictRejected, s.Phase, *e.Phase)
	}
	if e.Round != nil && s.CurrentRound != *e.Round {
		return fmt.Errorf("%w: round is %d, expected %d", ErrConflictRejected, s.CurrentRound, *e.Round)
	}
	if e.VoteCount != nil && len(s.Votes) != *e.VoteCount {
		return fmt.Errorf("%w: %d votes, expected %d", ErrConflictRejected, len(s.Votes), *e.VoteCount)
	}
	if e.PlayerCount != nil && len(s.Players) != *e.PlayerCount {
		return fmt.Errorf("%w: %d players, expected %d", ErrConflictRejected, len(s.Players), *e.PlayerCount)
	}
	return nil
}

type VoteEntry struct {
	PlayerID string
	Vote     Vote
}

// Patch is a field-level merge on a RoomState. Unset fields are left alone, so
// concurrent patches touching different fields never clobber each other.
type Patch struct {
	Expect Expect

	Phase           *Phase
	CurrentRound    *int
	Roles           RoleMap
	ClearVotes      bool
	Vote            *VoteEntry // adds one key; no-op if the player already voted
	AddPlayer       *Player    // set union on player id
	LastRoundResult *RoundResult
	FinalResult     *RoundResult
	AppendHistory   *RoundResult
	GameStartedAt   *time.Time
}

func (p Patch) Empty() bool {
	return p.Phase == nil && p.CurrentRound == nil && p.Roles == nil && !p.ClearVotes &&
		p.Vote == nil && p.AddPlayer == nil && p.LastRoundResult == nil &&
		p.FinalResult == nil && p.AppendHistory == nil && p.GameStartedAt == nil
}

// ApplyTo merges p into a copy of s. changed is false when the merge was a no-op.
// s is never mutated.
func (p Patch) ApplyTo(s RoomState) (next RoomState, changed bool, err error) {
	if err := p.Expect.check(s); err != nil {
		return s, false, err
	}
	if s.Phase == PhaseFinished {
		return s, false, ErrInvalidPhase
	}

	next = s.Clone()

	if p.AddPlayer != nil && !next.HasPlayer(p.AddPlayer.ID) {
		next.Players = append(next.Players, *p.AddPlayer)
		changed = true
	}
	if p.Roles != nil {
		next.Roles = make(RoleMap, len(p.Roles))
		for id, r := range p.Roles {
			next.Roles[id] = r
		}
		changed = true
	}
	if p.ClearVotes {
		if len(next.Votes) > 0 {
			changed = true
		}
		next.Votes = VoteMap{}
	}
	if p.Vote != nil {
		if !next.HasPlayer(p.Vote.PlayerID) {
			return s, false, fmt.Errorf("%w: %s is not in the room", ErrInvalidInput, p.Vote.PlayerID)
		}
		if _, voted := next.Votes[p.Vote.PlayerID]; !voted {
			next.Votes[p.Vote.PlayerID] = p.Vote.Vote
			changed = true
		}
	}
	if p.Phase != nil && next.Phase != *p.Phase {
		next.Phase = *p.Phase
		changed = true
	}
	if p.CurrentRound != nil && next.CurrentRound != *p.CurrentRound {
		next.CurrentRound = *p.CurrentRound
		changed = true
	}
	if p.LastRoundResult != nil {
		r := *p.LastRoundResult
		next.LastRoundResult = &r
		changed = true
	}
	if p.FinalResult != nil {
		r := *p.FinalResult
		next.FinalResult = &r
		changed = true
	}
	if p.AppendHistory != nil {
		next.History = append(next.History, *p.AppendHistory)
		changed = true
	}
	if p.GameStartedAt != nil {
		t := *p.GameStartedAt
		next.GameStartedAt = &t
		changed = true
	}

	return next, changed, nil
}

func phasePtr(p Phase) *Phase { return &p }

func intPtr(i int) *int { return &i }
