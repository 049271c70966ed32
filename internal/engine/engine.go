package engine

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnauthorized = errors.New("unauthorized")
var ErrInsufficientPlayers = errors.New("insufficient players")
var ErrInvalidPhase = errors.New("invalid phase")
var ErrInvalidInput = errors.New("invalid input")
var ErrConflictRejected = errors.New("conflict rejected")
var ErrUnsupportedCommand = errors.New("unsupported command")
var ErrNotAMember = fmt.Errorf("%w: not a member of this room", ErrUnauthorized)

// MinPlayers is the headcount required to start a game.
const MinPlayers = 2

type Role string

const (
	RoleVillager Role = "villager"
	RoleImpostor Role = "impostor"
)

type Vote string

const (
	VoteApprove Vote = "approve"
	VoteReject  Vote = "reject"
)

func (v Vote) Valid() bool {
	return v == VoteApprove || v == VoteReject
}

type Phase string

const (
	PhaseLobby    Phase = "lobby"
	PhasePlaying  Phase = "playing"
	PhaseVoting   Phase = "voting"
	PhaseFinished Phase = "finished"
)

type Player struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type RoleMap map[string]Role

type VoteMap map[string]Vote

type VoteBreakdown struct {
	Total            int `json:"total"`
	Approve          int `json:"approve"`
	Reject           int `json:"reject"`
	VillagerApproves int `json:"villagerApproves"`
	ImpostorApproves int `json:"impostorApproves"`
	VillagerTotal    int `json:"villagerTotal"`
	ImpostorTotal    int `json:"impostorTotal"`
}

type ProductInfo struct {
	Name        string `json:"name"`
	IsGenuine   bool   `json:"isGenuine"`
	Description string `json:"description"`
}

type RoundResult struct {
	Round            int           `json:"round"`
	Winner           Role          `json:"winner"`
	Reason           string        `json:"reason"`
	Details          string        `json:"details"`
	MajorityApproved bool          `json:"majorityApproved"`
	VoteBreakdown    VoteBreakdown `json:"voteBreakdown"`
	ProductInfo      ProductInfo   `json:"productInfo"`
}

// RoomState is the shared room document. Stores own it; clients only ever hold copies.
type RoomState struct {
	RoomID          string        `json:"roomId"`
	HostID          string        `json:"hostId"`
	Players         []Player      `json:"players"`
	Phase           Phase         `json:"phase"`
	CurrentRound    int           `json:"currentRound"`
	MaxRounds       int           `json:"maxRounds"`
	Roles           RoleMap       `json:"roles"`
	Votes           VoteMap       `json:"votes"`
	LastRoundResult *RoundResult  `json:"lastRoundResult,omitempty"`
	FinalResult     *RoundResult  `json:"finalResult,omitempty"`
	History         []RoundResult `json:"history"`
	CreatedAt       time.Time     `json:"createdAt"`
	GameStartedAt   *time.Time    `json:"gameStartedAt,omitempty"`
}

type CommandType string

const (
	CmdJoin        CommandType = "Join"
	CmdStartGame   CommandType = "StartGame"
	CmdStartVoting CommandType = "StartVoting"
	CmdCastVote    CommandType = "CastVote"
	CmdEndRound    CommandType = "EndRound"
)

/*
	CmdJoin        -> EvtPlayerJoined
	CmdStartGame   -> EvtGameStarted -> EvtRolesAssigned
	CmdStartVoting -> EvtVotingStarted
	CmdCastVote    -> EvtVoteCast (-> EvtAllVoted when the last player votes)
	CmdEndRound    -> EvtRoundEvaluated -> EvtRoundAdvanced or EvtGameCompleted

	Every command produces a Patch whose Expect pins the phase it was validated against,
	so a store rejects it if another client moved the room first.
*/

type Command struct {
	Type     CommandType
	PlayerID string // requester
	Player   Player // CmdJoin only
	Vote     Vote
	At       time.Time
}

type EventType string

const (
	EvtPlayerJoined   EventType = "PlayerJoined"
	EvtGameStarted    EventType = "GameStarted"
	EvtRolesAssigned  EventType = "RolesAssigned"
	EvtVotingStarted  EventType = "VotingStarted"
	EvtVoteCast       EventType = "VoteCast"
	EvtAllVoted       EventType = "AllVoted"
	EvtRoundEvaluated EventType = "RoundEvaluated"
	EvtRoundAdvanced  EventType = "RoundAdvanced"
	EvtGameCompleted  EventType = "GameCompleted"
)

type Event struct {
	Type     EventType
	PlayerID string
	Round    int
	Winner   Role
}

// Apply validates cmd against s and returns the patch that performs it.
// An empty patch with a nil error is an idempotent no-op.
func Apply(cat *Catalog, s RoomState, cmd Command) ([]Event, Patch, error) {
	// Members may come back to any room, including a finished one.
	if cmd.Type == CmdJoin && cmd.Player.ID != "" && s.HasPlayer(cmd.Player.ID) {
		return nil, Patch{}, nil
	}
	if s.Phase == PhaseFinished {
		return nil, Patch{}, ErrInvalidPhase
	}

	switch cmd.Type {
	case CmdJoin:
		if cmd.Player.ID == "" {
			return nil, Patch{}, fmt.Errorf("%w: empty player id", ErrInvalidInput)
		}
		if s.Phase != PhaseLobby {
			return nil, Patch{}, ErrInvalidPhase
		}

		p := cmd.Player
		events := []Event{{Type: EvtPlayerJoined, PlayerID: p.ID}}
		return events, Patch{Expect: ExpectPhase(PhaseLobby), AddPlayer: &p}, nil

	case CmdStartGame:
		if s.Phase != PhaseLobby {
			return nil, Patch{}, ErrInvalidPhase
		}
		if cmd.PlayerID != s.HostID {
			return nil, Patch{}, ErrUnauthorized
		}
		if len(s.Players) < MinPlayers {
			return nil, Patch{}, ErrInsufficientPlayers
		}
		if s.MaxRounds < 1 || s.MaxRounds > len(cat.Products) {
			return nil, Patch{}, fmt.Errorf("%w: %d rounds with %d products", ErrInvalidInput, s.MaxRounds, len(cat.Products))
		}

		roles, err := AssignRoles(s.PlayerIDs())
		if err != nil {
			return nil, Patch{}, err
		}

		at := cmd.At
		events := []Event{
			{Type: EvtGameStarted, PlayerID: cmd.PlayerID, Round: 1},
			{Type: EvtRolesAssigned, Round: 1},
		}
		// the role map must cover exactly the players seen here
		expect := ExpectPhase(PhaseLobby)
		expect.PlayerCount = intPtr(len(s.Players))
		return events, Patch{
			Expect:        expect,
			Phase:         phasePtr(PhasePlaying),
			CurrentRound:  intPtr(1),
			Roles:         roles,
			ClearVotes:    true,
			GameStartedAt: &at,
		}, nil

	case CmdStartVoting:
		if s.Phase != PhasePlaying {
			return nil, Patch{}, ErrInvalidPhase
		}
		if cmd.PlayerID != s.HostID {
			return nil, Patch{}, ErrUnauthorized
		}

		events := []Event{{Type: EvtVotingStarted, PlayerID: cmd.PlayerID, Round: s.CurrentRound}}
		return events, Patch{
			Expect:     ExpectRound(PhasePlaying, s.CurrentRound),
			Phase:      phasePtr(PhaseVoting),
			ClearVotes: true,
		}, nil

	case CmdCastVote:
		if s.Phase != PhaseVoting {
			return nil, Patch{}, ErrInvalidPhase
		}
		if !cmd.Vote.Valid() {
			return nil, Patch{}, fmt.Errorf("%w: vote %q", ErrInvalidInput, cmd.Vote)
		}
		if !s.HasPlayer(cmd.PlayerID) {
			return nil, Patch{}, ErrNotAMember
		}
		// One vote per player per round; later attempts are no-ops
		if _, voted := s.Votes[cmd.PlayerID]; voted {
			return nil, Patch{}, nil
		}

		events := []Event{{Type: EvtVoteCast, PlayerID: cmd.PlayerID, Round: s.CurrentRound}}
		if len(s.Votes)+1 >= len(s.Players) {
			events = append(events, Event{Type: EvtAllVoted, Round: s.CurrentRound})
		}
		return events, Patch{
			Expect: ExpectRound(PhaseVoting, s.CurrentRound),
			Vote:   &VoteEntry{PlayerID: cmd.PlayerID, Vote: cmd.Vote},
		}, nil

	case CmdEndRound:
		if s.Phase != PhaseVoting {
			return nil, Patch{}, ErrInvalidPhase
		}

		product, err := cat.ProductForRound(s.CurrentRound)
		if err != nil {
			return nil, Patch{}, err
		}
		result, err := Evaluate(s.Votes, &product, s.Roles)
		if err != nil {
			return nil, Patch{}, err
		}
		result.Round = s.CurrentRound

		expect := ExpectVotes(PhaseVoting, s.CurrentRound, len(s.Votes))
		events := []Event{{Type: EvtRoundEvaluated, Round: s.CurrentRound, Winner: result.Winner}}

		if s.CurrentRound >= s.MaxRounds {
			events = append(events, Event{Type: EvtGameCompleted, Round: s.CurrentRound, Winner: result.Winner})
			return events, Patch{
				Expect:        expect,
				Phase:         phasePtr(PhaseFinished),
				FinalResult:   &result,
				AppendHistory: &result,
			}, nil
		}

		next := s.CurrentRound + 1
		events = append(events, Event{Type: EvtRoundAdvanced, Round: next})
		return events, Patch{
			Expect:          expect,
			Phase:           phasePtr(PhasePlaying),
			CurrentRound:    &next,
			ClearVotes:      true,
			LastRoundResult: &result,
			AppendHistory:   &result,
		}, nil

	default:
		return nil, Patch{}, ErrUnsupportedCommand
	}
}

// Reduce folds patches over a starting state. Stores use the same ApplyTo, so replaying
// an accepted patch log reproduces the stored document.
func Reduce(s RoomState, patches []Patch) (RoomState, error) {
	for _, p := range patches {
		next, _, err := p.ApplyTo(s)
		if err != nil {
			return s, err
		}
		s = next
	}
	return s, nil
}
