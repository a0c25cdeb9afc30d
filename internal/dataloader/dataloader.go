package dataloader

import (
	"context"
	"net/http"
	"time"

	"github.com/graph-gophers/dataloader"
)

type contextKey string

const key = contextKey("dataloaders")

// CommentCounter - метод хранилища, который считает комментарии пачкой.
type CommentCounter interface {
	CountCommentsByPostIDs(ctx context.Context, postIDs []string) (map[string]int, error)
}

// Loaders содержит все дата-лоадеры приложения.
type Loaders struct {
	CommentCountByPostID *dataloader.Loader
}

// NewLoaders создает лоадеры на один запрос.
func NewLoaders(store CommentCounter) *Loaders {
	// Создаем батч-функцию для лоадера
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		postIDs := keys.Keys()

		// Вызываем метод хранилища, который делает ОДИН запрос к БД
		counts, err := store.CountCommentsByPostIDs(ctx, postIDs)
		results := make([]*dataloader.Result, len(keys))
		if err != nil {
			// В случае ошибки, возвращаем ее для всех ключей
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		// Формируем результат в том же порядке, что и ключи
		for i, postID := range postIDs {
			results[i] = &dataloader.Result{Data: counts[postID]}
		}
		return results
	}

	return &Loaders{
		CommentCountByPostID: dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(time.Millisecond*1)),
	}
}

// Middleware для внедрения лоадеров в контекст запроса.
func Middleware(store CommentCounter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), key, NewLoaders(store))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// For извлекает лоадеры из контекста. Вне Middleware возвращает nil.
func For(ctx context.Context) *Loaders {
	loaders, _ := ctx.Value(key).(*Loaders)
	return loaders
}

// CommentCounts возвращает число комментариев для каждого поста. Все ключи
// ставятся в очередь до ожидания, поэтому лоадер соберет их в один батч.
func (l *Loaders) CommentCounts(ctx context.Context, postIDs []string) (map[string]int, error) {
	thunk := l.CommentCountByPostID.LoadMany(ctx, dataloader.NewKeysFromStrings(postIDs))
	values, errs := thunk()

	counts := make(map[string]int, len(postIDs))
	for i, id := range postIDs {
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		n, _ := values[i].(int)
		counts[id] = n
	}
	return counts, nil
}
