package anpr

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const SchemaVersion = 1

var (
	ErrMalformedMessage  = errors.New("malformed entry message")
	ErrUnsupportedSchema = errors.New("unsupported schema version")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// EntryMessage is the channel payload for one candidate entry event.
type EntryMessage struct {
	SchemaVersion int          `json:"schema_version"`
	MessageID     string       `json:"message_id,omitempty" validate:"omitempty,uuid"`
	Plate         string       `json:"plate" validate:"required"`
	ActorID       string       `json:"actor_id" validate:"required"`
	ShiftID       string       `json:"shift_id" validate:"required"`
	VehicleClass  VehicleClass `json:"vehicle_class,omitempty"`
	DetectorScore float64      `json:"detector_score"`
	ObservedAt    *time.Time   `json:"observed_at,omitempty"`
}

func NewEntryMessage(event ConfirmedPlateEvent, actorID, shiftID string) EntryMessage {
	observed := event.ObservedAt.UTC()
	return EntryMessage{
		SchemaVersion: SchemaVersion,
		MessageID:     uuid.NewString(),
		Plate:         event.Plate,
		ActorID:       actorID,
		ShiftID:       shiftID,
		VehicleClass:  event.VehicleClass,
		DetectorScore: event.DetectorScore,
		ObservedAt:    &observed,
	}
}

// wireMessage mirrors EntryMessage with a raw timestamp so that an
// unparseable observed_at degrades to "absent" instead of failing the decode.
type wireMessage struct {
	EntryMessage
	ObservedAt json.RawMessage `json:"observed_at,omitempty"`
}

// DecodeEntryMessage parses and validates a channel payload. Every error
// wraps ErrMalformedMessage.
func DecodeEntryMessage(body []byte) (EntryMessage, error) {
	var wire wireMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		return EntryMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	msg := wire.EntryMessage
	msg.ObservedAt = parseObservedAt(wire.ObservedAt)

	if msg.SchemaVersion != 0 && msg.SchemaVersion != SchemaVersion {
		return msg, fmt.Errorf("%w: %w %d", ErrMalformedMessage, ErrUnsupportedSchema, msg.SchemaVersion)
	}
	// Unversioned payloads predate the version field and are v1.
	msg.SchemaVersion = SchemaVersion

	if err := validate.Struct(msg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return msg, fmt.Errorf("%w: %s failed %q", ErrMalformedMessage, verrs[0].Field(), verrs[0].Tag())
		}
		return msg, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	return msg, nil
}

func parseObservedAt(raw json.RawMessage) *time.Time {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}
