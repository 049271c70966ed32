package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/yoshi-inspect/internal/identity"
	"github.com/DoyleJ11/yoshi-inspect/internal/store"
	"github.com/DoyleJ11/yoshi-inspect/internal/ws"
)

type Deps struct {
	Rooms    store.RoomStore
	Sessions *identity.Sessions
	Checks   map[string]Checker
	WS       ws.Deps
	Log      *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	log := d.Log.Named("http")
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	// Public routes
	r.Post("/session", CreateSession(d.Sessions))
	r.Get("/rooms", ListRooms(d.Rooms, log))
	r.Get("/healthz", Healthz(d.Checks, log))

	// Authenticated routes
	r.With(d.Sessions.RequireAuth).Get("/ws", ws.Handler(d.WS))
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("requestId", middleware.GetReqID(r.Context())))
		})
	}
}
