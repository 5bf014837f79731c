package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"anpr-parking/internal/domain/anpr"
	"anpr-parking/internal/repository"
	"anpr-parking/internal/utils"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrNoOpenTicket = errors.New("no open ticket")
)

// DetectionNotifier is told about every ticket opened by an entry.
type DetectionNotifier interface {
	Publish(d anpr.Detection)
}

type TicketService struct {
	repo       *repository.ParkingRepository
	notifier   DetectionNotifier
	hourlyRate float64
	log        zerolog.Logger
}

func NewTicketService(repo *repository.ParkingRepository, notifier DetectionNotifier, hourlyRate float64, log zerolog.Logger) *TicketService {
	return &TicketService{
		repo:       repo,
		notifier:   notifier,
		hourlyRate: hourlyRate,
		log:        log,
	}
}

type EntryCommand struct {
	Plate        string
	ActorID      string
	ShiftID      string
	VehicleClass anpr.VehicleClass
	MessageID    string
	EntryTime    time.Time
}

type EntryResult struct {
	TicketID       int64  `json:"ticket_id"`
	VehicleID      int64  `json:"vehicle_id"`
	Plate          string `json:"plate"`
	Created        bool   `json:"created"`
	VehicleCreated bool   `json:"vehicle_created"`
	CrossShift     bool   `json:"cross_shift,omitempty"`
}

// RegisterEntry opens a ticket for the plate unless the vehicle already has
// one OPEN. Replaying the same entry is a no-op that reports Created=false.
func (s *TicketService) RegisterEntry(ctx context.Context, cmd EntryCommand) (*EntryResult, error) {
	plate := utils.NormalizePlate(cmd.Plate)
	if plate == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	if cmd.ShiftID == "" {
		return nil, fmt.Errorf("%w: shift_id is required", ErrInvalidInput)
	}
	if cmd.ActorID == "" {
		return nil, fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}

	entryTime := cmd.EntryTime
	if entryTime.IsZero() {
		entryTime = time.Now()
	}

	var result EntryResult
	err := s.repo.Transaction(ctx, func(tx *repository.ParkingRepository) error {
		vehicle, created, err := tx.GetOrCreateVehicle(ctx, plate)
		if err != nil {
			return fmt.Errorf("failed to get or create vehicle: %w", err)
		}
		result = EntryResult{VehicleID: vehicle.ID, Plate: plate, VehicleCreated: created}

		open, err := tx.FindOpenTicket(ctx, vehicle.ID)
		if err != nil {
			return fmt.Errorf("failed to find open ticket: %w", err)
		}
		if open != nil {
			result.TicketID = open.ID
			result.CrossShift = open.ShiftID != cmd.ShiftID
			return nil
		}

		ticket := &repository.Ticket{
			VehicleID:    vehicle.ID,
			ShiftID:      cmd.ShiftID,
			ActorID:      optional(cmd.ActorID),
			VehicleClass: optional(string(cmd.VehicleClass)),
			MessageID:    optional(cmd.MessageID),
			EntryTime:    entryTime.UTC(),
			State:        anpr.TicketOpen,
		}
		if err := tx.CreateTicket(ctx, ticket); err != nil {
			return err
		}
		result.TicketID = ticket.ID
		result.Created = true
		return nil
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Another writer opened the ticket between our lookup and insert.
		return s.resolveConcurrentEntry(ctx, plate, cmd.ShiftID)
	}
	if err != nil {
		s.log.Error().
			Err(err).
			Str("plate", plate).
			Str("shift_id", cmd.ShiftID).
			Msg("failed to register entry")
		return nil, fmt.Errorf("failed to register entry: %w", err)
	}

	if !result.Created {
		ev := s.log.Info()
		if result.CrossShift {
			ev = s.log.Warn()
		}
		ev.Int64("ticket_id", result.TicketID).
			Str("plate", plate).
			Str("shift_id", cmd.ShiftID).
			Bool("cross_shift", result.CrossShift).
			Msg("vehicle already has an open ticket, not creating a duplicate")
		return &result, nil
	}

	s.log.Info().
		Int64("ticket_id", result.TicketID).
		Int64("vehicle_id", result.VehicleID).
		Bool("new_vehicle", result.VehicleCreated).
		Str("plate", plate).
		Str("shift_id", cmd.ShiftID).
		Time("entry_time", entryTime).
		Msg("ticket opened")

	if s.notifier != nil {
		s.notifier.Publish(anpr.Detection{
			Plate:        plate,
			VehicleClass: cmd.VehicleClass,
			TicketID:     result.TicketID,
			EntryTime:    entryTime,
		})
	}

	return &result, nil
}

func (s *TicketService) resolveConcurrentEntry(ctx context.Context, plate, shiftID string) (*EntryResult, error) {
	vehicle, err := s.repo.FindVehicleByPlate(ctx, plate)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve concurrent entry for %s: %w", plate, err)
	}
	if vehicle == nil {
		return nil, fmt.Errorf("failed to resolve concurrent entry: %w: vehicle %s", ErrNotFound, plate)
	}
	open, err := s.repo.FindOpenTicket(ctx, vehicle.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve concurrent entry for %s: %w", plate, err)
	}
	if open == nil {
		return nil, fmt.Errorf("failed to resolve concurrent entry: %w: open ticket for %s", ErrNotFound, plate)
	}
	s.log.Info().Int64("ticket_id", open.ID).Str("plate", plate).Msg("open ticket created concurrently, treating entry as duplicate")
	return &EntryResult{
		TicketID:   open.ID,
		VehicleID:  vehicle.ID,
		Plate:      plate,
		CrossShift: open.ShiftID != shiftID,
	}, nil
}

// CloseTicket closes the plate's OPEN ticket in the given shift. The amount
// is the hourly rate times the stay rounded to whole hours, minimum one.
func (s *TicketService) CloseTicket(ctx context.Context, plateQuery, shiftID string, exitTime time.Time) (*TicketInfo, error) {
	plate := utils.NormalizePlate(plateQuery)
	if plate == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	if shiftID == "" {
		return nil, fmt.Errorf("%w: shift_id is required", ErrInvalidInput)
	}

	vehicle, err := s.repo.FindVehicleByPlate(ctx, plate)
	if err != nil {
		return nil, fmt.Errorf("failed to find vehicle: %w", err)
	}
	if vehicle == nil {
		return nil, fmt.Errorf("%w: vehicle %s", ErrNotFound, plate)
	}

	ticket, err := s.repo.FindOpenTicket(ctx, vehicle.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find open ticket: %w", err)
	}
	if ticket == nil || ticket.ShiftID != shiftID {
		return nil, fmt.Errorf("%w: plate %s in shift %s", ErrNoOpenTicket, plate, shiftID)
	}

	amount := s.Fare(ticket.EntryTime, exitTime)
	if err := s.repo.CloseTicket(ctx, ticket.ID, exitTime.UTC(), amount); err != nil {
		if errors.Is(err, repository.ErrTicketNotOpen) {
			return nil, fmt.Errorf("%w: %v", ErrNoOpenTicket, err)
		}
		return nil, fmt.Errorf("failed to close ticket: %w", err)
	}

	s.log.Info().
		Int64("ticket_id", ticket.ID).
		Str("plate", plate).
		Float64("amount", amount).
		Dur("stay", exitTime.Sub(ticket.EntryTime)).
		Msg("ticket closed")

	exit := exitTime.UTC()
	return &TicketInfo{
		ID:        ticket.ID,
		VehicleID: vehicle.ID,
		Plate:     plate,
		ShiftID:   ticket.ShiftID,
		EntryTime: ticket.EntryTime,
		ExitTime:  &exit,
		Amount:    &amount,
		State:     anpr.TicketClosed,
	}, nil
}

func (s *TicketService) Fare(entry, exit time.Time) float64 {
	hours := math.Max(1, math.Round(exit.Sub(entry).Hours()))
	return hours * s.hourlyRate
}

func (s *TicketService) ListTickets(ctx context.Context, plateQuery, shiftID, state *string, limit, offset int) ([]TicketInfo, error) {
	var filter repository.TicketFilter
	if plateQuery != nil {
		if normalized := utils.NormalizePlate(*plateQuery); normalized != "" {
			filter.Plate = &normalized
		}
	}
	if shiftID != nil && *shiftID != "" {
		filter.ShiftID = shiftID
	}
	if state != nil && *state != "" {
		st := anpr.TicketState(*state)
		if st != anpr.TicketOpen && st != anpr.TicketClosed {
			return nil, fmt.Errorf("%w: unknown ticket state %q", ErrInvalidInput, *state)
		}
		filter.State = &st
	}

	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	filter.Limit = limit
	filter.Offset = offset

	rows, err := s.repo.FindTickets(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find tickets: %w", err)
	}

	result := make([]TicketInfo, 0, len(rows))
	for _, r := range rows {
		info := TicketInfo{
			ID:        r.ID,
			VehicleID: r.VehicleID,
			Plate:     r.Plate,
			ShiftID:   r.ShiftID,
			ActorID:   r.ActorID,
			EntryTime: r.EntryTime,
			ExitTime:  r.ExitTime,
			Amount:    r.Amount,
			State:     r.State,
		}
		if r.VehicleClass != nil {
			info.VehicleClass = anpr.VehicleClass(*r.VehicleClass)
		}
		result = append(result, info)
	}
	return result, nil
}

type TicketInfo struct {
	ID           int64             `json:"id"`
	VehicleID    int64             `json:"vehicle_id"`
	Plate        string            `json:"plate"`
	ShiftID      string            `json:"shift_id"`
	ActorID      *string           `json:"actor_id,omitempty"`
	VehicleClass anpr.VehicleClass `json:"vehicle_class,omitempty"`
	EntryTime    time.Time         `json:"entry_time"`
	ExitTime     *time.Time        `json:"exit_time,omitempty"`
	Amount       *float64          `json:"amount,omitempty"`
	State        anpr.TicketState  `json:"state"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
