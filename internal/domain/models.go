package domain

import (
	"slices"
	"time"

	"github.com/lib/pq"
)

// AnonymousAuthor подставляется, когда у пользователя нет отображаемого имени.
const AnonymousAuthor = "anonymous"

// Post представляет пост в ленте сообщества.
type Post struct {
	ID        string         `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID    string         `json:"userId" gorm:"type:varchar(255);not null;index"`
	Author    string         `json:"author" gorm:"type:varchar(255);not null"`
	Title     string         `json:"title" gorm:"type:varchar(255);not null"`
	Content   string         `json:"content" gorm:"type:text;not null"`
	CreatedAt time.Time      `json:"createdAt" gorm:"not null;default:now()"`
	Likes     int            `json:"likes" gorm:"not null;default:0"`
	UserLikes pq.StringArray `json:"userLikes" gorm:"type:text[];not null;default:'{}'"`
}

// LikedBy сообщает, есть ли userID среди лайкнувших.
func (p *Post) LikedBy(userID string) bool {
	return slices.Contains(p.UserLikes, userID)
}

// Clone возвращает глубокую копию поста.
func (p *Post) Clone() *Post {
	if p == nil {
		return nil
	}
	c := *p
	c.UserLikes = slices.Clone(p.UserLikes)
	return &c
}

// Comment представляет комментарий к посту.
type Comment struct {
	ID        string    `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	PostID    string    `json:"postId" gorm:"type:uuid;not null;index"`
	UserID    string    `json:"userId" gorm:"type:varchar(255);not null"`
	Author    string    `json:"author" gorm:"type:varchar(255);not null"`
	Content   string    `json:"content" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null;default:now()"`
}

// NotificationKind - тип уведомления.
type NotificationKind string

const (
	KindLike     NotificationKind = "like"
	KindComment  NotificationKind = "comment"
	KindSchedule NotificationKind = "schedule"
)

// Notification адресовано одному пользователю. Создается побочным эффектом
// действия другого пользователя, получатель только помечает его прочитанным.
type Notification struct {
	ID        string           `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID    string           `json:"userId" gorm:"type:varchar(255);not null;index"`
	PostID    *string          `json:"postId,omitempty" gorm:"type:uuid"`
	Kind      NotificationKind `json:"type" gorm:"type:varchar(20);not null"`
	Title     string           `json:"title" gorm:"type:varchar(255);not null"`
	Message   string           `json:"message" gorm:"type:text;not null"`
	Timestamp int64            `json:"timestamp" gorm:"not null;index"` // epoch ms
	Read      bool             `json:"read" gorm:"not null;default:false;index"`
}

// Actor - аутентифицированный пользователь.
type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Name возвращает отображаемое имя или AnonymousAuthor.
func (a Actor) Name() string {
	if a.DisplayName == "" {
		return AnonymousAuthor
	}
	return a.DisplayName
}
