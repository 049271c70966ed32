package engine

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func newLobby(maxRounds int, ids ...string) RoomState {
	s := NewRoomState("ABC123", Player{ID: ids[0], Name: ids[0]}, maxRounds, t0)
	for _, id := range ids[1:] {
		s.Players = append(s.Players, Player{ID: id, Name: id})
	}
	return s
}

// step applies cmd and merges the resulting patch, failing the test on any error.
func step(t *testing.T, cat *Catalog, s RoomState, cmd Command) ([]Event, RoomState) {
	t.Helper()
	events, patch, err := Apply(cat, s, cmd)
	if err != nil {
		t.Fatalf("%s: unexpected err %v", cmd.Type, err)
	}
	next, _, err := patch.ApplyTo(s)
	if err != nil {
		t.Fatalf("%s: patch rejected: %v", cmd.Type, err)
	}
	return events, next
}

func containsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func TestStartGameGuards(t *testing.T) {
	cat := DefaultCatalog()

	cases := []struct {
		name    string
		setup   RoomState
		cmd     Command
		wantErr error
	}{
		{
			name:    "non-host cannot start",
			setup:   newLobby(3, "host", "bob"),
			cmd:     Command{Type: CmdStartGame, PlayerID: "bob"},
			wantErr: ErrUnauthorized,
		},
		{
			name:    "needs two players",
			setup:   newLobby(3, "host"),
			cmd:     Command{Type: CmdStartGame, PlayerID: "host"},
			wantErr: ErrInsufficientPlayers,
		},
		{
			name:    "more rounds than products",
			setup:   newLobby(len(cat.Products)+1, "host", "bob"),
			cmd:     Command{Type: CmdStartGame, PlayerID: "host"},
			wantErr: ErrInvalidInput,
		},
		{
			name: "already playing",
			setup: func() RoomState {
				s := newLobby(3, "host", "bob")
				s.Phase = PhasePlaying
				return s
			}(),
			cmd:     Command{Type: CmdStartGame, PlayerID: "host"},
			wantErr: ErrInvalidPhase,
		},
		{
			name:  "host with two players",
			setup: newLobby(3, "host", "bob"),
			cmd:   Command{Type: CmdStartGame, PlayerID: "host"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, patch, err := Apply(cat, tc.setup, tc.cmd)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("want %v, got %v", tc.wantErr, err)
				}
				if !patch.Empty() {
					t.Fatalf("failed command must not produce a patch")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
		})
	}
}

func TestStartGame_AssignsRolesAndFirstRound(t *testing.T) {
	cat := DefaultCatalog()
	s := newLobby(3, "host", "bob")

	events, next := step(t, cat, s, Command{Type: CmdStartGame, PlayerID: "host", At: t0})

	if next.Phase != PhasePlaying || next.CurrentRound != 1 {
		t.Fatalf("want playing round 1, got %s round %d", next.Phase, next.CurrentRound)
	}
	if len(next.Roles) != 2 {
		t.Fatalf("want roles for 2 players, got %+v", next.Roles)
	}
	impostors := 0
	for _, r := range next.Roles {
		if r == RoleImpostor {
			impostors++
		}
	}
	if impostors != 1 {
		t.Fatalf("want 1 impostor, got %d", impostors)
	}
	if next.GameStartedAt == nil || !next.GameStartedAt.Equal(t0) {
		t.Fatalf("gameStartedAt not set: %v", next.GameStartedAt)
	}
	if !containsEvent(events, EvtRolesAssigned) {
		t.Fatalf("expected EvtRolesAssigned")
	}
}

func TestJoin(t *testing.T) {
	cat := DefaultCatalog()
	s := newLobby(3, "host")

	_, next := step(t, cat, s, Command{Type: CmdJoin, Player: Player{ID: "bob", Name: "Bob"}})
	if len(next.Players) != 2 {
		t.Fatalf("want 2 players, got %d", len(next.Players))
	}

	// joining twice is a no-op
	_, patch, err := Apply(cat, next, Command{Type: CmdJoin, Player: Player{ID: "bob", Name: "Bob"}})
	if err != nil || !patch.Empty() {
		t.Fatalf("rejoin should be a no-op, got patch=%+v err=%v", patch, err)
	}

	for _, phase := range []Phase{PhasePlaying, PhaseVoting, PhaseFinished} {
		t.Run(string(phase), func(t *testing.T) {
			s := next.Clone()
			s.Phase = phase

			// members come back in any phase
			_, patch, err := Apply(cat, s, Command{Type: CmdJoin, Player: Player{ID: "bob", Name: "Bob"}})
			if err != nil || !patch.Empty() {
				t.Fatalf("member rejoin in %s: patch=%+v err=%v", phase, patch, err)
			}

			// no new players once the game is running
			_, _, err = Apply(cat, s, Command{Type: CmdJoin, Player: Player{ID: "carol"}})
			if !errors.Is(err, ErrInvalidPhase) {
				t.Fatalf("want ErrInvalidPhase in %s, got %v", phase, err)
			}
		})
	}
}

func TestCastVote_SecondVoteIsNoop(t *testing.T) {
	cat := DefaultCatalog()
	s := newLobby(3, "host", "bob", "carol")
	_, s = step(t, cat, s, Command{Type: CmdStartGame, PlayerID: "host"})
	_, s = step(t, cat, s, Command{Type: CmdStartVoting, PlayerID: "host"})
	_, s = step(t, cat, s, Command{Type: CmdCastVote, PlayerID: "bob", Vote: VoteApprove})

	for _, v := range []Vote{VoteApprove, VoteReject} {
		events, patch, err := Apply(cat, s, Command{Type: CmdCastVote, PlayerID: "bob", Vote: v})
		if err != nil {
			t.Fatalf("second vote must not fail: %v", err)
		}
		if len(events) != 0 || !patch.Empty() {
			t.Fatalf("second vote must be a no-op, got %+v %+v", events, patch)
		}
	}
	if s.Votes["bob"] != VoteApprove {
		t.Fatalf("vote changed: %+v", s.Votes)
	}
}

func TestCastVote_Guards(t *testing.T) {
	cat := DefaultCatalog()
	s := newLobby(3, "host", "bob")
	_, s = step(t, cat, s, Command{Type: CmdStartGame, PlayerID: "host"})

	if _, _, err := Apply(cat, s, Command{Type: CmdCastVote, PlayerID: "bob", Vote: VoteApprove}); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("voting before StartVoting: want ErrInvalidPhase, got %v", err)
	}

	_, s = step(t, cat, s, Command{Type: CmdStartVoting, PlayerID: "host"})

	if _, _, err := Apply(cat, s, Command{Type: CmdCastVote, PlayerID: "mallory", Vote: VoteApprove}); !errors.Is(err, ErrNotAMember) || !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("outsider vote: want ErrNotAMember, got %v", err)
	}
	if _, _, err := Apply(cat, s, Command{Type: CmdCastVote, PlayerID: "bob", Vote: "maybe"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad vote: want ErrInvalidInput, got %v", err)
	}
}

func TestStartVoting_OnlyHost(t *testing.T) {
	cat := DefaultCatalog()
	s := newLobby(3, "host", "bob")
	_, s = step(t, cat, s, Command{Type: CmdStartGame, PlayerID: "host"})

	if _, _, err := Apply(cat, s, Command{Type: CmdStartVoting, PlayerID: "bob"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestFullGame_AdvancesRoundsThenFinishes(t *testing.T) {
	cat := DefaultCatalog()
	s := newLobby(2, "host", "bob")
	_, s = step(t, cat, s, Command{Type: CmdStartGame, PlayerID: "host"})

	for round := 1; round <= 2; round++ {
		_, s = step(t, cat, s, Command{Type: CmdStartVoting, PlayerID: "host"})
		_, s = step(t, cat, s, Command{Type: CmdCastVote, PlayerID: "host", Vote: VoteApprove})
		events, next := step(t, cat, s, Command{Type: CmdCastVote, PlayerID: "bob", Vote: VoteApprove})
		if !containsEvent(events, EvtAllVoted) {
			t.Fatalf("round %d: expected EvtAllVoted on last vote", round)
		}
		if !next.AllVoted() {
			t.Fatalf("round %d: AllVoted false", round)
		}

		events, s = step(t, cat, next, Command{Type: CmdEndRound})
		if !containsEvent(events, EvtRoundEvaluated) {
			t.Fatalf("round %d: expected EvtRoundEvaluated", round)
		}
		if len(s.History) != round {
			t.Fatalf("round %d: want %d results in history, got %d", round, round, len(s.History))
		}
	}

	if s.Phase != PhaseFinished {
		t.Fatalf("want finished, got %s", s.Phase)
	}
	if s.FinalResult == nil || s.FinalResult.Round != 2 {
		t.Fatalf("final result missing or wrong round: %+v", s.FinalResult)
	}
	// round 1: product A is genuine and was approved
	if s.LastRoundResult == nil || s.LastRoundResult.Winner != RoleVillager {
		t.Fatalf("round 1 result: %+v", s.LastRoundResult)
	}
	// round 2: product B is counterfeit and was approved
	if s.FinalResult.Winner != RoleImpostor {
		t.Fatalf("round 2 winner: want impostor, got %s", s.FinalResult.Winner)
	}

	for _, cmd := range []Command{
		{Type: CmdStartVoting, PlayerID: "host"},
		{Type: CmdCastVote, PlayerID: "bob", Vote: VoteReject},
		{Type: CmdEndRound},
	} {
		if _, _, err := Apply(cat, s, cmd); !errors.Is(err, ErrInvalidPhase) {
			t.Fatalf("%s after finish: want ErrInvalidPhase, got %v", cmd.Type, err)
		}
	}
}

func TestEndRound_StaleEvaluationIsRejected(t *testing.T) {
	cat := DefaultCatalog()
	s := newLobby(3, "host", "bob")
	_, s = step(t, cat, s, Command{Type: CmdStartGame, PlayerID: "host"})
	_, s = step(t, cat, s, Command{Type: CmdStartVoting, PlayerID: "host"})
	_, s = step(t, cat, s, Command{Type: CmdCastVote, PlayerID: "host", Vote: VoteApprove})
	_, s = step(t, cat, s, Command{Type: CmdCastVote, PlayerID: "bob", Vote: VoteReject})

	// two clients compute the same round end from the same snapshot
	_, first, err := Apply(cat, s, Command{Type: CmdEndRound})
	if err != nil {
		t.Fatal(err)
	}
	_, second, err := Apply(cat, s, Command{Type: CmdEndRound})
	if err != nil {
		t.Fatal(err)
	}

	stored, err := Reduce(s, []Patch{first})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := second.ApplyTo(stored); !errors.Is(err, ErrConflictRejected) {
		t.Fatalf("want ErrConflictRejected for the losing evaluation, got %v", err)
	}
	if len(stored.History) != 1 || stored.CurrentRound != 2 {
		t.Fatalf("want one result and round 2, got %d results round %d", len(stored.History), stored.CurrentRound)
	}
}

func TestUnsupportedCommand(t *testing.T) {
	_, _, err := Apply(DefaultCatalog(), newLobby(3, "host"), Command{Type: "Dance"})
	if !errors.Is(err, ErrUnsupportedCommand) {
		t.Fatalf("want ErrUnsupportedCommand, got %v", err)
	}
}

func TestStartGame_RejectedIfSomeoneJoinedMeanwhile(t *testing.T) {
	cat := DefaultCatalog()
	s := newLobby(3, "host", "bob")

	_, start, err := Apply(cat, s, Command{Type: CmdStartGame, PlayerID: "host"})
	if err != nil {
		t.Fatal(err)
	}
	_, joined := step(t, cat, s, Command{Type: CmdJoin, Player: Player{ID: "carol"}})

	if _, _, err := start.ApplyTo(joined); !errors.Is(err, ErrConflictRejected) {
		t.Fatalf("want ErrConflictRejected, got %v", err)
	}
}
