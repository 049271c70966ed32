package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/yoshi-inspect/internal/engine"
	"github.com/DoyleJ11/yoshi-inspect/internal/identity"
	"github.com/DoyleJ11/yoshi-inspect/internal/store"
)

// Checker verifies that a dependency is reachable.
type Checker interface {
	Check(ctx context.Context) error
}

type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}

type sessionRequest struct {
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

type sessionResponse struct {
	Token string        `json:"token"`
	User  identity.User `json:"user"`
}

// CreateSession signs in a guest and returns its token.
func CreateSession(sessions *identity.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sessionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
		token, user, err := sessions.Issue(req.DisplayName, req.AvatarURL)
		if errors.Is(err, identity.ErrInvalidProfile) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create session")
			return
		}
		writeJSON(w, http.StatusCreated, sessionResponse{Token: token, User: user})
	}
}

type openRoom struct {
	RoomID    string    `json:"roomId"`
	HostName  string    `json:"hostName"`
	Players   int       `json:"players"`
	MaxRounds int       `json:"maxRounds"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListRooms returns the rooms still waiting in the lobby.
func ListRooms(rooms store.RoomStore, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states, err := rooms.ListRoomsWherePhase(r.Context(), engine.PhaseLobby)
		if err != nil {
			log.Warn("listing rooms", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "rooms unavailable, try again")
			return
		}
		out := make([]openRoom, 0, len(states))
		for _, s := range states {
			room := openRoom{
				RoomID:    s.RoomID,
				Players:   len(s.Players),
				MaxRounds: s.MaxRounds,
				CreatedAt: s.CreatedAt,
			}
			for _, p := range s.Players {
				if p.ID == s.HostID {
					room.HostName = p.Name
				}
			}
			out = append(out, room)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type checkResult struct {
	Status string `json:"status"`
}

func Healthz(checks map[string]Checker, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		results := make(map[string]checkResult, len(checks))
		status := http.StatusOK
		for name, c := range checks {
			if err := c.Check(ctx); err != nil {
				log.Error("health check failed", zap.String("name", name), zap.Error(err))
				results[name] = checkResult{Status: "error"}
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = checkResult{Status: "ok"}
		}
		writeJSON(w, status, results)
	}
}
