package engine

import (
	"crypto/rand"
	"fmt"
	"maps"
	"math/big"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

const (
	RoomCodeLength  = 6
	RoomCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	MaxMessageLength = 200
)

func NewRoomState(roomID string, host Player, maxRounds int, at time.Time) RoomState {
	return RoomState{
		RoomID:       roomID,
		HostID:       host.ID,
		Players:      []Player{host},
		Phase:        PhaseLobby,
		CurrentRound: 0,
		MaxRounds:    maxRounds,
		Roles:        RoleMap{},
		Votes:        VoteMap{},
		History:      []RoundResult{},
		CreatedAt:    at,
	}
}

// Clone returns a deep copy; maps and slices are never shared with s.
func (s RoomState) Clone() RoomState {
	c := s
	c.Players = slices.Clone(s.Players)
	if c.Players == nil {
		c.Players = []Player{}
	}
	c.Roles = maps.Clone(s.Roles)
	if c.Roles == nil {
		c.Roles = RoleMap{}
	}
	c.Votes = maps.Clone(s.Votes)
	if c.Votes == nil {
		c.Votes = VoteMap{}
	}
	c.History = slices.Clone(s.History)
	if c.History == nil {
		c.History = []RoundResult{}
	}
	if s.LastRoundResult != nil {
		r := *s.LastRoundResult
		c.LastRoundResult = &r
	}
	if s.FinalResult != nil {
		r := *s.FinalResult
		c.FinalResult = &r
	}
	if s.GameStartedAt != nil {
		t := *s.GameStartedAt
		c.GameStartedAt = &t
	}
	return c
}

func (s RoomState) HasPlayer(id string) bool {
	return slices.ContainsFunc(s.Players, func(p Player) bool { return p.ID == id })
}

func (s RoomState) PlayerIDs() []string {
	ids := make([]string, len(s.Players))
	for i, p := range s.Players {
		ids[i] = p.ID
	}
	return ids
}

// AllVoted reports whether every current player has a vote in this round.
func (s RoomState) AllVoted() bool {
	if s.Phase != PhaseVoting || len(s.Players) == 0 {
		return false
	}
	for _, p := range s.Players {
		if _, ok := s.Votes[p.ID]; !ok {
			return false
		}
	}
	return true
}

func GenerateRoomCode() (string, error) {
	code := make([]byte, RoomCodeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(RoomCodeCharset))))
		if err != nil {
			return "", err
		}
		code[i] = RoomCodeCharset[num.Int64()]
	}
	return string(code), nil
}

// NormalizeRoomID folds full-width input and upper-cases it, then checks the code shape.
func NormalizeRoomID(raw string) (string, error) {
	id := strings.ToUpper(width.Fold.String(strings.TrimSpace(raw)))
	if len(id) != RoomCodeLength {
		return "", fmt.Errorf("%w: room id %q", ErrInvalidInput, raw)
	}
	for i := 0; i < len(id); i++ {
		if !strings.ContainsRune(RoomCodeCharset, rune(id[i])) {
			return "", fmt.Errorf("%w: room id %q", ErrInvalidInput, raw)
		}
	}
	return id, nil
}

// PrepareMessage trims and NFC-normalises chat text and enforces the length limit.
func PrepareMessage(text string) (string, error) {
	text = norm.NFC.String(strings.TrimSpace(text))
	if text == "" {
		return "", fmt.Errorf("%w: empty message", ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return "", fmt.Errorf("%w: message longer than %d characters", ErrInvalidInput, MaxMessageLength)
	}
	return text, nil
}
