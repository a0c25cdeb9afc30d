package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/UkralStul/community-sync/internal/broker"
	"github.com/UkralStul/community-sync/internal/domain"
	"github.com/UkralStul/community-sync/internal/storage"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, *broker.Memory) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		Logger:                 logger.Discard,
	})
	require.NoError(t, err)

	b := broker.NewMemory()
	return NewWithDB(gdb, b, nil), mock, b
}

func subscribe(t *testing.T, b *broker.Memory, topic string) <-chan struct{} {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)
	return ch
}

func signalled(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-time.After(100 * time.Millisecond):
		return false
	}
}

var postColumns = []string{"id", "user_id", "author", "title", "content", "created_at", "likes", "user_likes"}

func TestStore_GetPostByIDNotFound(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "posts"`).WillReturnRows(sqlmock.NewRows(postColumns))

	_, err := store.GetPostByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetPostByIDConnectionError(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "posts"`).WillReturnError(errors.New("connection reset"))

	_, err := store.GetPostByID(context.Background(), "p1")
	assert.ErrorIs(t, err, domain.ErrTransientIO)
	assert.Equal(t, domain.KindTransientIO, domain.Kind(err))
}

func TestStore_MalformedIDIsNotFound(t *testing.T) {
	badUUID := &pgconn.PgError{Code: "22P02", Message: `invalid input syntax for type uuid: "bad"`}

	t.Run("get post", func(t *testing.T) {
		store, mock, _ := newMockStore(t)
		mock.ExpectQuery(`SELECT \* FROM "posts"`).WillReturnError(badUUID)

		_, err := store.GetPostByID(context.Background(), "bad")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Equal(t, domain.KindNotFound, domain.Kind(err))
	})

	t.Run("mark read", func(t *testing.T) {
		store, mock, _ := newMockStore(t)
		mock.ExpectQuery(`SELECT .* FROM "notifications"`).WillReturnError(badUUID)

		err := store.MarkNotificationRead(context.Background(), "bad")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NotErrorIs(t, err, domain.ErrTransientIO)
	})
}

func TestStore_DriverErrorClasses(t *testing.T) {
	tests := []struct {
		code string
		want domain.ErrorKind
	}{
		{"22001", domain.KindUnknown},     // string_data_right_truncation
		{"23505", domain.KindUnknown},     // unique_violation
		{"23503", domain.KindUnknown},     // foreign_key_violation
		{"42P01", domain.KindUnknown},     // undefined_table
		{"08006", domain.KindTransientIO}, // connection_failure
		{"40001", domain.KindTransientIO}, // serialization_failure
		{"53300", domain.KindTransientIO}, // too_many_connections
		{"57P01", domain.KindTransientIO}, // admin_shutdown
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			store, mock, _ := newMockStore(t)
			mock.ExpectQuery(`SELECT \* FROM "posts"`).WillReturnError(&pgconn.PgError{Code: tt.code, Message: "boom"})

			_, err := store.GetPostByID(context.Background(), "p1")
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.Kind(err))

			var pgErr *pgconn.PgError
			if tt.want == domain.KindUnknown {
				assert.True(t, errors.As(err, &pgErr))
			}
		})
	}
}

func TestStore_GetPostByIDScansLikes(t *testing.T) {
	store, mock, _ := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM "posts"`).WillReturnRows(
		sqlmock.NewRows(postColumns).AddRow("p1", "alice", "Alice", "t", "c", now, 2, "{bob,carol}"),
	)

	post, err := store.GetPostByID(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, post.Likes)
	assert.Equal(t, []string{"bob", "carol"}, []string(post.UserLikes))
	assert.True(t, post.LikedBy("carol"))
}

func TestStore_CreatePostResetsLikes(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO "posts"`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p-new"))

	post, err := store.CreatePost(context.Background(), &domain.Post{
		ID:     "client-chosen",
		UserID: "alice",
		Title:  "t",
		Likes:  7,
	})
	require.NoError(t, err)
	assert.Equal(t, "p-new", post.ID)
	assert.Equal(t, 0, post.Likes)
	assert.Empty(t, post.UserLikes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeletePostCascades(t *testing.T) {
	store, mock, b := newMockStore(t)
	changes := subscribe(t, b, storage.PostTopic("p1"))

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "comments"`).WithArgs("p1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM "posts"`).WithArgs("p1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.DeletePost(context.Background(), "p1"))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.True(t, signalled(changes), "subscribers must hear about the delete")
}

func TestStore_DeletePostMissingRollsBack(t *testing.T) {
	store, mock, b := newMockStore(t)
	changes := subscribe(t, b, storage.PostTopic("ghost"))

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "comments"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM "posts"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.DeletePost(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.False(t, signalled(changes))
}

func TestStore_ToggleLikeLocksRow(t *testing.T) {
	store, mock, b := newMockStore(t)
	changes := subscribe(t, b, storage.PostTopic("p1"))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "posts" WHERE id = \$1 .*FOR UPDATE`).WillReturnRows(
		sqlmock.NewRows(postColumns).AddRow("p1", "alice", "Alice", "t", "c", time.Now(), 1, "{bob}"),
	)
	mock.ExpectExec(`UPDATE "posts" SET`).
		WithArgs(int64(2), sqlmock.AnyArg(), "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.ToggleLike(context.Background(), "p1", "carol", true))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.True(t, signalled(changes))
}

func TestStore_ToggleLikeUnlikeFloorsAtZero(t *testing.T) {
	store, mock, _ := newMockStore(t)

	// Счетчик в базе разошелся с множеством; пересчитываем от множества
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "posts"`).WillReturnRows(
		sqlmock.NewRows(postColumns).AddRow("p1", "alice", "Alice", "t", "c", time.Now(), 0, "{}"),
	)
	mock.ExpectExec(`UPDATE "posts" SET`).
		WithArgs(int64(0), sqlmock.AnyArg(), "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.ToggleLike(context.Background(), "p1", "bob", false))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ToggleLikeMissingPost(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "posts"`).WillReturnRows(sqlmock.NewRows(postColumns))
	mock.ExpectRollback()

	err := store.ToggleLike(context.Background(), "gone", "bob", true)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CountCommentsByPostIDs(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectQuery(`SELECT post_id, count\(\*\) AS total FROM "comments"`).WillReturnRows(
		sqlmock.NewRows([]string{"post_id", "total"}).AddRow("p1", 3),
	)

	counts, err := store.CountCommentsByPostIDs(context.Background(), []string{"p1", "p2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"p1": 3, "p2": 0}, counts)
}

func TestStore_DeleteCommentMissing(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectExec(`DELETE FROM "comments"`).WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, store.DeleteComment(context.Background(), "c1"), domain.ErrNotFound)
}

func TestStore_MarkNotificationReadPublishesToOwner(t *testing.T) {
	store, mock, b := newMockStore(t)
	changes := subscribe(t, b, storage.NotificationsTopic("alice"))

	mock.ExpectQuery(`SELECT .* FROM "notifications"`).WillReturnRows(
		sqlmock.NewRows([]string{"id", "user_id"}).AddRow("n1", "alice"),
	)
	mock.ExpectExec(`UPDATE "notifications" SET "read"`).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkNotificationRead(context.Background(), "n1"))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.True(t, signalled(changes))
}

func TestStore_MarkNotificationReadMissing(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectQuery(`SELECT .* FROM "notifications"`).WillReturnRows(sqlmock.NewRows([]string{"id", "user_id"}))

	assert.ErrorIs(t, store.MarkNotificationRead(context.Background(), "n1"), domain.ErrNotFound)
}

func TestStore_StreamUnreadCount(t *testing.T) {
	store, mock, b := newMockStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock.ExpectQuery(`SELECT count\(\*\) FROM "notifications"`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "notifications"`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	updates, err := store.StreamUnreadCount(ctx, "alice")
	require.NoError(t, err)

	first := <-updates
	require.NoError(t, first.Err)
	assert.Equal(t, 2, first.Value)

	require.NoError(t, b.Publish(ctx, storage.NotificationsTopic("alice")))
	second := <-updates
	require.NoError(t, second.Err)
	assert.Equal(t, 1, second.Value)
}

var notificationColumns = []string{"id", "user_id", "post_id", "kind", "title", "message", "timestamp", "read"}

func TestStore_CreateNotificationWithIDIsIdempotent(t *testing.T) {
	store, mock, b := newMockStore(t)
	changes := subscribe(t, b, storage.NotificationsTopic("alice"))

	// Запись уже есть: вставка ничего не делает, возвращается сохраненная
	mock.ExpectQuery(`INSERT INTO "notifications" .*ON CONFLICT DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT \* FROM "notifications" WHERE id = \$1`).WillReturnRows(
		sqlmock.NewRows(notificationColumns).
			AddRow("3f0c1f7e-6f55-4b3c-9a53-8f0e1d2c3b4a", "alice", nil, "comment", "New comment", "Bob: hi", int64(1700000000000), false),
	)

	n, err := store.CreateNotification(context.Background(), &domain.Notification{
		ID:        "3f0c1f7e-6f55-4b3c-9a53-8f0e1d2c3b4a",
		UserID:    "alice",
		Kind:      domain.KindComment,
		Title:     "New comment",
		Message:   "Bob: hi",
		Timestamp: 1700000000999,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), n.Timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.False(t, signalled(changes))
}

func TestStore_CreateNotificationWithIDInserts(t *testing.T) {
	store, mock, b := newMockStore(t)
	changes := subscribe(t, b, storage.NotificationsTopic("alice"))

	mock.ExpectQuery(`INSERT INTO "notifications" .*ON CONFLICT DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("3f0c1f7e-6f55-4b3c-9a53-8f0e1d2c3b4a"))

	n, err := store.CreateNotification(context.Background(), &domain.Notification{
		ID:     "3f0c1f7e-6f55-4b3c-9a53-8f0e1d2c3b4a",
		UserID: "alice",
		Kind:   domain.KindLike,
	})
	require.NoError(t, err)
	assert.NotZero(t, n.Timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.True(t, signalled(changes))
}

func TestStore_GetCommentMissing(t *testing.T) {
	store, mock, _ := newMockStore(t)
	mock.ExpectQuery(`SELECT \* FROM "comments"`).WillReturnRows(sqlmock.NewRows([]string{"id", "post_id"}))

	_, err := store.GetComment(context.Background(), "c1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
