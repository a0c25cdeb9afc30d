package inmemory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/UkralStul/community-sync/internal/broker"
	"github.com/UkralStul/community-sync/internal/domain"
	"github.com/UkralStul/community-sync/internal/storage"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

var _ storage.Storage = (*Store)(nil)

// Store реализует интерфейс Storage в памяти.
type Store struct {
	mu            sync.RWMutex
	posts         map[string]*domain.Post
	postOrder     []string // порядок создания
	comments      map[string]*domain.Comment
	commentOrder  []string
	notifications map[string]*domain.Notification
	notifOrder    []string

	broker broker.Broker
	log    *slog.Logger
}

// New создает новый экземпляр in-memory хранилища. Если b == nil,
// используется брокер в памяти.
func New(b broker.Broker, logger *slog.Logger) *Store {
	if b == nil {
		b = broker.NewMemory()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		posts:         make(map[string]*domain.Post),
		comments:      make(map[string]*domain.Comment),
		notifications: make(map[string]*domain.Notification),
		broker:        b,
		log:           logger,
	}
}

func (s *Store) publish(ctx context.Context, topic string) {
	if err := s.broker.Publish(ctx, topic); err != nil {
		s.log.Warn("failed to publish change", "topic", topic, "error", err)
	}
}

// === Post Methods ===

func (s *Store) CreatePost(ctx context.Context, post *domain.Post) (*domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := post.Clone()
	p.ID = uuid.NewString()
	p.CreatedAt = time.Now().UTC()
	p.Likes = 0
	p.UserLikes = pq.StringArray{}
	s.posts[p.ID] = p
	s.postOrder = append(s.postOrder, p.ID)
	return p.Clone(), nil
}

func (s *Store) GetPostByID(ctx context.Context, id string) (*domain.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	post, ok := s.posts[id]
	if !ok {
		return nil, fmt.Errorf("post with id %s: %w", id, domain.ErrNotFound)
	}
	return post.Clone(), nil
}

func (s *Store) ListPosts(ctx context.Context) ([]*domain.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allPosts := make([]*domain.Post, 0, len(s.posts))
	for i := len(s.postOrder) - 1; i >= 0; i-- {
		allPosts = append(allPosts, s.posts[s.postOrder[i]].Clone())
	}
	return allPosts, nil
}

func (s *Store) DeletePost(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.posts[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("post with id %s: %w", id, domain.ErrNotFound)
	}
	delete(s.posts, id)
	s.postOrder = slices.DeleteFunc(s.postOrder, func(pID string) bool { return pID == id })

	// Каскадное удаление комментариев поста
	s.commentOrder = slices.DeleteFunc(s.commentOrder, func(cID string) bool {
		if s.comments[cID].PostID == id {
			delete(s.comments, cID)
			return true
		}
		return false
	})
	s.mu.Unlock()

	s.publish(ctx, storage.PostTopic(id))
	return nil
}

func (s *Store) StreamPost(ctx context.Context, id string) (<-chan storage.Update[*domain.Post], error) {
	return storage.Watch(ctx, s.broker, storage.PostTopic(id), func(ctx context.Context) (*domain.Post, error) {
		return s.GetPostByID(ctx, id)
	})
}

func (s *Store) ToggleLike(ctx context.Context, postID, userID string, liked bool) error {
	s.mu.Lock()
	post, ok := s.posts[postID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("post with id %s: %w", postID, domain.ErrNotFound)
	}

	likers := slices.DeleteFunc(slices.Clone(post.UserLikes), func(u string) bool { return u == userID })
	if liked {
		likers = append(likers, userID)
	}
	post.UserLikes = likers
	post.Likes = len(likers)
	s.mu.Unlock()

	s.publish(ctx, storage.PostTopic(postID))
	return nil
}

func (s *Store) RenameAuthor(ctx context.Context, userID, author string) error {
	s.mu.Lock()
	var changed []string
	for id, p := range s.posts {
		if p.UserID == userID {
			p.Author = author
			changed = append(changed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range changed {
		s.publish(ctx, storage.PostTopic(id))
	}
	return nil
}

// === Comment Methods ===

func (s *Store) CreateComment(ctx context.Context, comment *domain.Comment) (*domain.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Проверка поста
	if _, ok := s.posts[comment.PostID]; !ok {
		return nil, fmt.Errorf("post with id %s: %w", comment.PostID, domain.ErrNotFound)
	}

	c := *comment
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now().UTC()
	s.comments[c.ID] = &c
	s.commentOrder = append(s.commentOrder, c.ID)
	out := c
	return &out, nil
}

func (s *Store) ListComments(ctx context.Context, postID string) ([]*domain.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Comment, 0)
	for _, id := range s.commentOrder {
		if c := s.comments[id]; c.PostID == postID {
			cc := *c
			result = append(result, &cc)
		}
	}
	return result, nil
}

func (s *Store) GetComment(ctx context.Context, id string) (*domain.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.comments[id]
	if !ok {
		return nil, fmt.Errorf("comment with id %s: %w", id, domain.ErrNotFound)
	}
	cc := *c
	return &cc, nil
}

func (s *Store) DeleteComment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.comments[id]; !ok {
		return fmt.Errorf("comment with id %s: %w", id, domain.ErrNotFound)
	}
	delete(s.comments, id)
	s.commentOrder = slices.DeleteFunc(s.commentOrder, func(cID string) bool { return cID == id })
	return nil
}

// === Dataloader Methods ===

func (s *Store) CountCommentsByPostIDs(ctx context.Context, postIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make(map[string]int, len(postIDs))
	for _, pID := range postIDs {
		results[pID] = 0
	}
	for _, c := range s.comments {
		if _, ok := results[c.PostID]; ok {
			results[c.PostID]++
		}
	}
	return results, nil
}

// === Notification Methods ===

func (s *Store) CreateNotification(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
	s.mu.Lock()
	c := *n
	if existing, ok := s.notifications[c.ID]; ok && c.ID != "" {
		s.mu.Unlock()
		out := *existing
		return &out, nil
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Timestamp == 0 {
		c.Timestamp = time.Now().UnixMilli()
	}
	s.notifications[c.ID] = &c
	s.notifOrder = append(s.notifOrder, c.ID)
	s.mu.Unlock()

	s.publish(ctx, storage.NotificationsTopic(c.UserID))
	out := c
	return &out, nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string) ([]*domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Notification, 0)
	for i := len(s.notifOrder) - 1; i >= 0; i-- {
		if n := s.notifications[s.notifOrder[i]]; n.UserID == userID {
			nn := *n
			result = append(result, &nn)
		}
	}
	// Новые сверху; при равных временных метках сохраняется порядок вставки
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp > result[j].Timestamp
	})
	return result, nil
}

func (s *Store) CountUnread(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, n := range s.notifications {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

func (s *Store) StreamNotifications(ctx context.Context, userID string) (<-chan storage.Update[[]*domain.Notification], error) {
	return storage.Watch(ctx, s.broker, storage.NotificationsTopic(userID), func(ctx context.Context) ([]*domain.Notification, error) {
		return s.ListNotifications(ctx, userID)
	})
}

func (s *Store) StreamUnreadCount(ctx context.Context, userID string) (<-chan storage.Update[int], error) {
	return storage.Watch(ctx, s.broker, storage.NotificationsTopic(userID), func(ctx context.Context) (int, error) {
		return s.CountUnread(ctx, userID)
	})
}

func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	s.mu.Lock()
	n, ok := s.notifications[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("notification with id %s: %w", id, domain.ErrNotFound)
	}
	already := n.Read
	n.Read = true
	userID := n.UserID
	s.mu.Unlock()

	if !already {
		s.publish(ctx, storage.NotificationsTopic(userID))
	}
	return nil
}
