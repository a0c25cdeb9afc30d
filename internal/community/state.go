package community

import (
	"slices"

	"github.com/UkralStul/community-sync/internal/domain"
)

// Phase - фаза UiState.
type Phase int

const (
	PhaseLoading Phase = iota
	PhaseSuccess
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseSuccess:
		return "success"
	case PhaseError:
		return "error"
	default:
		return "loading"
	}
}

// UiState - Loading | Success(posts) | Error(message).
type UiState struct {
	Phase   Phase
	Posts   []*domain.Post // только для PhaseSuccess
	Message string         // только для PhaseError
}

func Loading() UiState { return UiState{Phase: PhaseLoading} }
func Success(posts []*domain.Post) UiState { return UiState{Phase: PhaseSuccess, Posts: posts} }
func Failure(message string) UiState { return UiState{Phase: PhaseError, Message: message} }

// SyncState - состояние выбранного поста относительно сервера.
type SyncState int

const (
	// Clean - значение пришло из живой подписки.
	Clean SyncState = iota
	// PendingOptimistic - показано предполагаемое значение, запрос в пути.
	PendingOptimistic
	// Reverting - запрос не удался, показан снимок до правки; следующая
	// доставка из подписки вернет Clean.
	Reverting
)

func (s SyncState) String() string {
	switch s {
	case PendingOptimistic:
		return "pending"
	case Reverting:
		return "reverting"
	default:
		return "clean"
	}
}

// SelectedPost - пост, открытый на экране деталей.
type SelectedPost struct {
	State SyncState
	// Post - то, что сейчас показывается. nil, если ничего не выбрано.
	Post *domain.Post
	// Snapshot - пост до оптимистичной правки, только в PendingOptimistic.
	Snapshot *domain.Post

	token uint64
}

// ApplyToggle вычисляет пост после переключения лайка userID. Считает только
// от переданного снимка и не трогает его.
func ApplyToggle(post *domain.Post, userID string) *domain.Post {
	next := post.Clone()
	if post.LikedBy(userID) {
		next.UserLikes = slices.DeleteFunc(next.UserLikes, func(u string) bool { return u == userID })
		next.Likes = post.Likes - 1
	} else {
		next.UserLikes = append(next.UserLikes, userID)
		next.Likes = post.Likes + 1
	}
	return next
}
