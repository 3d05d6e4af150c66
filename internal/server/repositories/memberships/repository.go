package memberships

import "context"

// Repository is a read-only view over chat participation owned by the
// chat CRUD service.
type Repository interface {
	IsParticipant(ctx context.Context, chatID, userID string) (bool, error)
	Participants(ctx context.Context, chatID string) ([]string, error)
}
