package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/UkralStul/community-sync/internal/broker"
	"github.com/UkralStul/community-sync/internal/domain"
	"github.com/UkralStul/community-sync/internal/storage"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var _ storage.Storage = (*Store)(nil)

// Store реализует интерфейс Storage с использованием PostgreSQL.
type Store struct {
	db     *gorm.DB
	broker broker.Broker
	log    *slog.Logger
}

// New создает новый экземпляр хранилища PostgreSQL и мигрирует схему.
func New(dsn string, b broker.Broker, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Выполняем миграцию схемы
	if err := db.AutoMigrate(&domain.Post{}, &domain.Comment{}, &domain.Notification{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return NewWithDB(db, b, log), nil
}

// NewWithDB оборачивает готовое соединение без миграции.
func NewWithDB(db *gorm.DB, b broker.Broker, log *slog.Logger) *Store {
	if b == nil {
		b = broker.NewMemory()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, broker: b, log: log}
}

// invalid_text_representation, например id не в формате uuid.
const pgerrInvalidText = "22P02"

// mapErr приводит ошибки GORM, pgx и соединения к ошибкам домена.
func mapErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		// Ответа от сервера нет: обрыв соединения, пул, сеть
		return fmt.Errorf("%s: %v: %w", what, err, domain.ErrTransientIO)
	}
	if pgErr.Code == pgerrInvalidText {
		// Кривой идентификатор не может указывать на существующую строку
		return fmt.Errorf("%s: %s: %w", what, pgErr.Message, domain.ErrNotFound)
	}
	switch sqlStateClass(pgErr.Code) {
	case "08", "40", "53", "57":
		// Соединение, конфликт сериализации, ресурсы, остановка сервера
		return fmt.Errorf("%s: %s: %w", what, pgErr.Message, domain.ErrTransientIO)
	default:
		return fmt.Errorf("%s: %w", what, pgErr)
	}
}

func sqlStateClass(code string) string {
	if len(code) < 2 {
		return ""
	}
	return code[:2]
}

func (s *Store) publish(ctx context.Context, topic string) {
	if err := s.broker.Publish(ctx, topic); err != nil {
		s.log.Warn("failed to publish change", "topic", topic, "error", err)
	}
}

// === Post Methods ===

func (s *Store) CreatePost(ctx context.Context, post *domain.Post) (*domain.Post, error) {
	p := post.Clone()
	p.ID = ""
	p.Likes = 0
	p.UserLikes = pq.StringArray{}
	p.CreatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, mapErr(err, "create post")
	}
	// GORM заполнит ID после создания
	return p, nil
}

func (s *Store) GetPostByID(ctx context.Context, id string) (*domain.Post, error) {
	var post domain.Post
	if err := s.db.WithContext(ctx).First(&post, "id = ?", id).Error; err != nil {
		return nil, mapErr(err, "post with id "+id)
	}
	return &post, nil
}

func (s *Store) ListPosts(ctx context.Context) ([]*domain.Post, error) {
	var posts []*domain.Post
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&posts).Error
	return posts, mapErr(err, "list posts")
}

func (s *Store) DeletePost(ctx context.Context, id string) error {
	// Комментарии и пост удаляются в одной транзакции
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id = ?", id).Delete(&domain.Comment{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&domain.Post{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return mapErr(err, "post with id "+id)
	}

	s.publish(ctx, storage.PostTopic(id))
	return nil
}

func (s *Store) StreamPost(ctx context.Context, id string) (<-chan storage.Update[*domain.Post], error) {
	return storage.Watch(ctx, s.broker, storage.PostTopic(id), func(ctx context.Context) (*domain.Post, error) {
		return s.GetPostByID(ctx, id)
	})
}

func (s *Store) ToggleLike(ctx context.Context, postID, userID string, liked bool) error {
	// Используем транзакцию с блокировкой строки для атомарности чтения-записи
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var post domain.Post
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&post, "id = ?", postID).Error; err != nil {
			return err
		}
		likers := slices.DeleteFunc(slices.Clone(post.UserLikes), func(u string) bool { return u == userID })
		if liked {
			likers = append(likers, userID)
		}
		if likers == nil {
			likers = pq.StringArray{}
		}
		return tx.Model(&domain.Post{}).Where("id = ?", postID).Updates(map[string]interface{}{
			"likes":      len(likers),
			"user_likes": likers,
		}).Error
	})
	if err != nil {
		return mapErr(err, "post with id "+postID)
	}

	s.publish(ctx, storage.PostTopic(postID))
	return nil
}

func (s *Store) RenameAuthor(ctx context.Context, userID, author string) error {
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Post{}).Where("user_id = ?", userID).Pluck("id", &ids).Error; err != nil {
			return err
		}
		return tx.Model(&domain.Post{}).Where("user_id = ?", userID).Update("author", author).Error
	})
	if err != nil {
		return mapErr(err, "rename author")
	}

	for _, id := range ids {
		s.publish(ctx, storage.PostTopic(id))
	}
	return nil
}

// === Comment Methods ===

func (s *Store) CreateComment(ctx context.Context, comment *domain.Comment) (*domain.Comment, error) {
	c := *comment
	c.ID = ""
	c.CreatedAt = time.Now().UTC()

	// Проверяем существование поста и создаем комментарий в одной транзакции
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&domain.Post{}).Where("id = ?", c.PostID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Create(&c).Error
	})
	if err != nil {
		return nil, mapErr(err, "post with id "+c.PostID)
	}
	return &c, nil
}

func (s *Store) ListComments(ctx context.Context, postID string) ([]*domain.Comment, error) {
	var comments []*domain.Comment
	err := s.db.WithContext(ctx).
		Where("post_id = ?", postID).
		Order("created_at ASC").
		Find(&comments).Error
	return comments, mapErr(err, "list comments")
}

func (s *Store) GetComment(ctx context.Context, id string) (*domain.Comment, error) {
	var c domain.Comment
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, mapErr(err, "comment with id "+id)
	}
	return &c, nil
}

func (s *Store) DeleteComment(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Comment{})
	if res.Error != nil {
		return mapErr(res.Error, "comment with id "+id)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("comment with id %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// === Dataloader Method ===

func (s *Store) CountCommentsByPostIDs(ctx context.Context, postIDs []string) (map[string]int, error) {
	type row struct {
		PostID string
		Total  int
	}
	var rows []row
	// Считаем комментарии для всех переданных постов одним запросом
	err := s.db.WithContext(ctx).
		Model(&domain.Comment{}).
		Select("post_id, count(*) AS total").
		Where("post_id IN ?", postIDs).
		Group("post_id").
		Scan(&rows).Error
	if err != nil {
		return nil, mapErr(err, "count comments")
	}

	result := make(map[string]int, len(postIDs))
	for _, id := range postIDs {
		result[id] = 0
	}
	for _, r := range rows {
		result[r.PostID] = r.Total
	}
	return result, nil
}

// === Notification Methods ===

// CreateNotification создает уведомление. Если id задан вызывающим, повторный
// вызов с тем же id возвращает уже сохраненную запись.
func (s *Store) CreateNotification(ctx context.Context, n *domain.Notification) (*domain.Notification, error) {
	c := *n
	if c.Timestamp == 0 {
		c.Timestamp = time.Now().UnixMilli()
	}
	if c.ID == "" {
		if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
			return nil, mapErr(err, "create notification")
		}
		s.publish(ctx, storage.NotificationsTopic(c.UserID))
		return &c, nil
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&c)
	if res.Error != nil {
		return nil, mapErr(res.Error, "create notification "+c.ID)
	}
	if res.RowsAffected == 0 {
		var existing domain.Notification
		if err := s.db.WithContext(ctx).Where("id = ?", c.ID).First(&existing).Error; err != nil {
			return nil, mapErr(err, "notification with id "+c.ID)
		}
		return &existing, nil
	}
	s.publish(ctx, storage.NotificationsTopic(c.UserID))
	return &c, nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string) ([]*domain.Notification, error) {
	var list []*domain.Notification
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC").
		Find(&list).Error
	return list, mapErr(err, "list notifications")
}

func (s *Store) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&domain.Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Count(&count).Error
	return int(count), mapErr(err, "count unread")
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
	var n domain.Notification
	if err := s.db.WithContext(ctx).Select("id", "user_id").First(&n, "id = ?", id).Error; err != nil {
		return mapErr(err, "notification with id "+id)
	}
	if err := s.db.WithContext(ctx).Model(&domain.Notification{}).Where("id = ?", id).Update("read", true).Error; err != nil {
		return mapErr(err, "notification with id "+id)
	}

	s.publish(ctx, storage.NotificationsTopic(n.UserID))
	return nil
}
