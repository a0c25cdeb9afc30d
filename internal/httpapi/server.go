// Package httpapi отдает хранилище по HTTP: JSON для запросов и изменений,
// WebSocket для живых подписок.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/UkralStul/community-sync/internal/auth"
	"github.com/UkralStul/community-sync/internal/dataloader"
	"github.com/UkralStul/community-sync/internal/domain"
	"github.com/UkralStul/community-sync/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// errForbidden - пользователь известен, но действие ему не разрешено.
var errForbidden = errors.New("forbidden")

// Server - обработчики HTTP API.
type Server struct {
	store  storage.Storage
	tokens *auth.Tokens
	log    *slog.Logger

	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

// New - конструктор сервера.
func New(store storage.Storage, tokens *auth.Tokens, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:  store,
		tokens: tokens,
		log:    logger.With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pingInterval: 10 * time.Second,
	}
}

// Routes монтирует все маршруты на router.
func (s *Server) Routes(router chi.Router) {
	router.Use(s.authenticate)

	router.Post("/auth/token", s.issueToken)

	router.Route("/posts", func(r chi.Router) {
		r.With(func(next http.Handler) http.Handler {
			return dataloader.Middleware(s.store, next)
		}).Get("/", s.listPosts)
		r.Post("/", s.createPost)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getPost)
			r.Delete("/", s.deletePost)
			r.Post("/likes", s.toggleLike)
			r.Get("/comments", s.listComments)
			r.Post("/comments", s.createComment)
			r.Delete("/comments/{commentID}", s.deleteComment)
		})
	})

	router.Route("/notifications", func(r chi.Router) {
		r.Get("/", s.listNotifications)
		r.Post("/", s.createNotification)
		r.Post("/{id}/read", s.markRead)
	})

	router.Put("/me/author", s.renameAuthor)

	router.Get("/ws/posts/{id}", s.streamPost)
	router.Get("/ws/notifications", s.streamNotifications)
}

// authenticate кладет пользователя из токена в контекст. Запрос без токена
// проходит анонимно, с неверным токеном отклоняется.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearer(r)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		actor, err := s.tokens.Parse(raw)
		if err != nil {
			s.log.Debug("rejected token", "path", r.URL.Path, "error", err)
			s.writeErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
	})
}

// bearer достает токен из заголовка. Браузер не умеет ставить заголовки при
// открытии WebSocket, поэтому для него принимается ?token=.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return h
		}
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("token")
}

func requireActor(r *http.Request) (domain.Actor, error) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		return domain.Actor{}, domain.ErrAuthRequired
	}
	return actor, nil
}

// writeJSON пишет JSON-ответ с заданным статусом.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	if errors.Is(err, errForbidden) {
		return http.StatusForbidden
	}
	switch domain.Kind(err) {
	case domain.KindAuthRequired:
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	kind := domain.Kind(err).String()
	switch status {
	case http.StatusForbidden:
		kind = "forbidden"
	case http.StatusInternalServerError:
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  kind,
	})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// decode читает тело запроса в v. При ошибке ответ уже записан.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
