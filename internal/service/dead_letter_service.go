package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"anpr-parking/internal/repository"
)

// Republisher puts a raw entry message back on the channel.
type Republisher interface {
	PublishRaw(ctx context.Context, body []byte) error
}

type DeadLetterService struct {
	repo        *repository.ParkingRepository
	republisher Republisher
	log         zerolog.Logger
}

func NewDeadLetterService(repo *repository.ParkingRepository, republisher Republisher, log zerolog.Logger) *DeadLetterService {
	return &DeadLetterService{
		repo:        repo,
		republisher: republisher,
		log:         log,
	}
}

type DeadLetterInput struct {
	MessageID string
	Reason    string
	Err       error
	Payload   []byte
	Attempts  int
}

func (s *DeadLetterService) Record(ctx context.Context, in DeadLetterInput) (int64, error) {
	dl := &repository.DeadLetter{
		MessageID: optional(in.MessageID),
		Reason:    in.Reason,
		Payload:   jsonPayload(in.Payload),
		Attempts:  in.Attempts,
	}
	if in.Err != nil {
		msg := in.Err.Error()
		dl.Error = &msg
	}
	if err := s.repo.CreateDeadLetter(ctx, dl); err != nil {
		return 0, fmt.Errorf("failed to store dead letter: %w", err)
	}
	return dl.ID, nil
}

func (s *DeadLetterService) List(ctx context.Context, pendingOnly bool, limit, offset int) ([]DeadLetterInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	letters, err := s.repo.ListDeadLetters(ctx, pendingOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	result := make([]DeadLetterInfo, 0, len(letters))
	for _, dl := range letters {
		result = append(result, DeadLetterInfo{
			ID:         dl.ID,
			MessageID:  dl.MessageID,
			Reason:     dl.Reason,
			Error:      dl.Error,
			Payload:    dl.Payload,
			Attempts:   dl.Attempts,
			CreatedAt:  dl.CreatedAt,
			ReplayedAt: dl.ReplayedAt,
		})
	}
	return result, nil
}

// Replay republishes a dead letter's original payload and marks it replayed.
// The consumer's idempotency guard makes replaying a stored entry safe.
func (s *DeadLetterService) Replay(ctx context.Context, id int64) error {
	if s.republisher == nil {
		return fmt.Errorf("%w: replay is not configured", ErrInvalidInput)
	}

	dl, err := s.repo.GetDeadLetter(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load dead letter: %w", err)
	}
	if dl == nil {
		return fmt.Errorf("%w: dead letter %d", ErrNotFound, id)
	}
	if len(dl.Payload) == 0 {
		return fmt.Errorf("%w: dead letter %d has no payload", ErrInvalidInput, id)
	}

	if err := s.republisher.PublishRaw(ctx, dl.Payload); err != nil {
		return fmt.Errorf("failed to republish dead letter %d: %w", id, err)
	}
	if err := s.repo.MarkDeadLetterReplayed(ctx, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to mark dead letter %d replayed: %w", id, err)
	}

	s.log.Info().Int64("dead_letter_id", id).Str("reason", dl.Reason).Msg("dead letter replayed")
	return nil
}

type DeadLetterInfo struct {
	ID         int64          `json:"id"`
	MessageID  *string        `json:"message_id,omitempty"`
	Reason     string         `json:"reason"`
	Error      *string        `json:"error,omitempty"`
	Payload    datatypes.JSON `json:"payload,omitempty"`
	Attempts   int            `json:"attempts"`
	CreatedAt  time.Time      `json:"created_at"`
	ReplayedAt *time.Time     `json:"replayed_at,omitempty"`
}

// jsonPayload stores the body verbatim when it is JSON and wraps it as a
// JSON string otherwise, so malformed bodies can still be inspected.
func jsonPayload(body []byte) datatypes.JSON {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return datatypes.JSON(body)
	}
	quoted, _ := json.Marshal(string(body))
	return datatypes.JSON(quoted)
}
