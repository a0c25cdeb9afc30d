package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/UkralStul/community-sync/internal/domain"
	"github.com/UkralStul/community-sync/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// frame - одно сообщение в WebSocket.
type frame struct {
	Type  string      `json:"type"` // post | notifications | unread | error
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
	Kind  string      `json:"kind,omitempty"`
}

// streamPost отправляет пост при каждом изменении. Удаление поста приходит
// кадром error с kind=not_found, после чего сокет закрывается.
func (s *Server) streamPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.stream(w, r, func(ctx context.Context) ([]<-chan frame, error) {
		posts, err := s.store.StreamPost(ctx, id)
		if err != nil {
			return nil, err
		}
		return []<-chan frame{frames(ctx, "post", posts)}, nil
	})
}

// streamNotifications - список уведомлений и счетчик непрочитанных текущего
// пользователя, двумя независимыми потоками кадров.
func (s *Server) streamNotifications(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.stream(w, r, func(ctx context.Context) ([]<-chan frame, error) {
		list, err := s.store.StreamNotifications(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		unread, err := s.store.StreamUnreadCount(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		return []<-chan frame{
			frames(ctx, "notifications", list),
			frames(ctx, "unread", unread),
		}, nil
	})
}

// frames превращает живой запрос в кадры.
func frames[T any](ctx context.Context, kind string, updates <-chan storage.Update[T]) <-chan frame {
	out := make(chan frame)
	go func() {
		defer close(out)
		for u := range updates {
			f := frame{Type: kind, Data: u.Value}
			if u.Err != nil {
				f = frame{Type: "error", Error: u.Err.Error(), Kind: domain.Kind(u.Err).String()}
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// stream обновляет соединение и пишет кадры, пока клиент не отключится или
// поток не закончится. Писатель в сокет один, читатель только ловит закрытие.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, open func(context.Context) ([]<-chan frame, error)) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		s.log.Warn("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sources, err := open(ctx)
	if err != nil {
		s.closeWith(conn, frame{Type: "error", Error: err.Error(), Kind: domain.Kind(err).String()})
		return
	}
	merged := merge(ctx, sources)

	readDeadline := 3 * s.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case f, ok := <-merged:
			if !ok {
				s.closeWith(conn, frame{})
				return
			}
			if f.Type == "error" {
				s.closeWith(conn, f)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				s.log.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

// closeWith отправляет последний кадр (если он есть) и закрывает соединение.
func (s *Server) closeWith(conn *websocket.Conn, last frame) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	reason := ""
	if last.Type != "" {
		_ = conn.WriteJSON(last)
		reason = last.Kind
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func merge(ctx context.Context, sources []<-chan frame) <-chan frame {
	out := make(chan frame)
	var wg sync.WaitGroup
	wg.Add(len(sources))
	for _, src := range sources {
		go func() {
			defer wg.Done()
			for f := range src {
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
