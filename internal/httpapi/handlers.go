package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/UkralStul/community-sync/internal/dataloader"
	"github.com/UkralStul/community-sync/internal/domain"
	"github.com/go-chi/chi/v5"
)

// postView - пост в списке вместе с числом комментариев.
type postView struct {
	*domain.Post
	CommentCount int `json:"commentCount"`
}

type tokenRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// issueToken выпускает токен для пользователя. Настоящий вход через
// внешних провайдеров живет вне этого сервиса.
func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		badRequest(w, "id is required")
		return
	}
	token, err := s.tokens.Issue(domain.Actor{ID: req.ID, DisplayName: req.DisplayName})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// === Posts ===

func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	posts, err := s.store.ListPosts(ctx)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	ids := make([]string, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}
	counts, err := dataloader.For(ctx).CommentCounts(ctx, ids)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	views := make([]postView, len(posts))
	for i, p := range posts {
		views[i] = postView{Post: p, CommentCount: counts[p.ID]}
	}
	writeJSON(w, http.StatusOK, views)
}

type createPostRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	var req createPostRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Content) == "" {
		badRequest(w, "title and content are required")
		return
	}

	post, err := s.store.CreatePost(r.Context(), &domain.Post{
		UserID:  actor.ID,
		Author:  actor.Name(),
		Title:   req.Title,
		Content: req.Content,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	post, err := s.store.GetPostByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// deletePost разрешен только автору поста.
func (s *Server) deletePost(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	post, err := s.store.GetPostByID(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if post.UserID != actor.ID {
		s.writeErr(w, fmt.Errorf("post %s belongs to another user: %w", id, errForbidden))
		return
	}
	if err := s.store.DeletePost(ctx, id); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type likeRequest struct {
	Liked bool `json:"liked"`
}

// toggleLike задает членство текущего пользователя в лайкнувших и
// возвращает пост после изменения.
func (s *Server) toggleLike(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	var req likeRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := s.store.ToggleLike(ctx, id, actor.ID, req.Liked); err != nil {
		s.writeErr(w, err)
		return
	}
	post, err := s.store.GetPostByID(ctx, id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

// === Comments ===

func (s *Server) listComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.store.ListComments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if comments == nil {
		comments = []*domain.Comment{}
	}
	writeJSON(w, http.StatusOK, comments)
}

type createCommentRequest struct {
	Content string `json:"content"`
}

func (s *Server) createComment(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	var req createCommentRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		badRequest(w, "content is required")
		return
	}

	comment, err := s.store.CreateComment(r.Context(), &domain.Comment{
		PostID:  chi.URLParam(r, "id"),
		UserID:  actor.ID,
		Author:  actor.Name(),
		Content: req.Content,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

// deleteComment удаляет комментарий. Право есть у автора комментария и у
// владельца поста.
func (s *Server) deleteComment(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	ctx := r.Context()
	postID := chi.URLParam(r, "id")
	commentID := chi.URLParam(r, "commentID")

	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if comment.PostID != postID {
		s.writeErr(w, fmt.Errorf("comment %s on post %s: %w", commentID, postID, domain.ErrNotFound))
		return
	}
	if comment.UserID != actor.ID {
		post, err := s.store.GetPostByID(ctx, postID)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		if post.UserID != actor.ID {
			s.writeErr(w, fmt.Errorf("comment %s belongs to another user: %w", commentID, errForbidden))
			return
		}
	}

	if err := s.store.DeleteComment(ctx, commentID); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// === Notifications ===

type notificationsResponse struct {
	Notifications []*domain.Notification `json:"notifications"`
	Unread        int                    `json:"unread"`
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	ctx := r.Context()
	list, err := s.store.ListNotifications(ctx, actor.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	unread, err := s.store.CountUnread(ctx, actor.ID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if list == nil {
		list = []*domain.Notification{}
	}
	writeJSON(w, http.StatusOK, notificationsResponse{Notifications: list, Unread: unread})
}

type createNotificationRequest struct {
	UserID  string                  `json:"userId"`
	PostID  *string                 `json:"postId"`
	Kind    domain.NotificationKind `json:"type"`
	Title   string                  `json:"title"`
	Message string                  `json:"message"`
}

// createNotification создает уведомление другому пользователю. Id и время
// назначает хранилище.
func (s *Server) createNotification(w http.ResponseWriter, r *http.Request) {
	if _, err := requireActor(r); err != nil {
		s.writeErr(w, err)
		return
	}
	var req createNotificationRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		badRequest(w, "userId is required")
		return
	}
	switch req.Kind {
	case domain.KindLike, domain.KindComment, domain.KindSchedule:
	default:
		badRequest(w, fmt.Sprintf("unknown notification type %q", req.Kind))
		return
	}

	n, err := s.store.CreateNotification(r.Context(), &domain.Notification{
		UserID:  req.UserID,
		PostID:  req.PostID,
		Kind:    req.Kind,
		Title:   req.Title,
		Message: req.Message,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	if _, err := requireActor(r); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.store.MarkNotificationRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// === Profile ===

type renameRequest struct {
	Author string `json:"author"`
}

// renameAuthor меняет имя автора во всех постах пользователя. Подписчики
// этих постов получат обновление.
func (s *Server) renameAuthor(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	var req renameRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Author) == "" {
		badRequest(w, "author is required")
		return
	}
	if err := s.store.RenameAuthor(r.Context(), actor.ID, req.Author); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
