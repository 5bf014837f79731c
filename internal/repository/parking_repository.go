package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"anpr-parking/internal/domain/anpr"
)

var ErrTicketNotOpen = errors.New("ticket is not open")

type ParkingRepository struct {
	db *gorm.DB
}

func NewParkingRepository(db *gorm.DB) *ParkingRepository {
	return &ParkingRepository{db: db}
}

type Vehicle struct {
	ID        int64  `gorm:"primaryKey"`
	Plate     string `gorm:"not null;uniqueIndex"`
	CreatedAt time.Time
}

type Ticket struct {
	ID           int64  `gorm:"primaryKey"`
	VehicleID    int64  `gorm:"not null"`
	ShiftID      string `gorm:"not null"`
	ActorID      *string
	VehicleClass *string
	MessageID    *string
	EntryTime    time.Time `gorm:"not null"`
	ExitTime     *time.Time
	Amount       *float64
	State        anpr.TicketState `gorm:"not null"`
	CreatedAt    time.Time
}

type DeadLetter struct {
	ID         int64 `gorm:"primaryKey"`
	MessageID  *string
	Reason     string `gorm:"not null"`
	Error      *string
	Payload    datatypes.JSON
	Attempts   int
	CreatedAt  time.Time
	ReplayedAt *time.Time
}

// TicketView is a ticket joined with its vehicle plate.
type TicketView struct {
	ID           int64
	VehicleID    int64
	Plate        string
	ShiftID      string
	ActorID      *string
	VehicleClass *string
	EntryTime    time.Time
	ExitTime     *time.Time
	Amount       *float64
	State        anpr.TicketState
}

type TicketFilter struct {
	Plate   *string
	ShiftID *string
	State   *anpr.TicketState
	Limit   int
	Offset  int
}

// Transaction runs fn against a repository bound to a single transaction.
func (r *ParkingRepository) Transaction(ctx context.Context, fn func(tx *ParkingRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ParkingRepository{db: tx})
	})
}

// GetOrCreateVehicle returns the vehicle for plate, creating it on first
// sighting. created reports whether a row was inserted.
func (r *ParkingRepository) GetOrCreateVehicle(ctx context.Context, plate string) (Vehicle, bool, error) {
	var vehicle Vehicle
	err := r.db.WithContext(ctx).Where("plate = ?", plate).First(&vehicle).Error
	if err == nil {
		return vehicle, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Vehicle{}, false, err
	}

	return r.insertVehicle(ctx, plate)
}

// insertVehicle inserts plate with ON CONFLICT DO NOTHING so that losing a
// race with another writer does not abort a surrounding transaction.
func (r *ParkingRepository) insertVehicle(ctx context.Context, plate string) (Vehicle, bool, error) {
	vehicle := Vehicle{
		Plate:     plate,
		CreatedAt: time.Now().UTC(),
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "plate"}}, DoNothing: true}).
		Create(&vehicle)
	if res.Error != nil {
		return Vehicle{}, false, res.Error
	}
	if res.RowsAffected == 1 {
		return vehicle, true, nil
	}

	var existing Vehicle
	if err := r.db.WithContext(ctx).Where("plate = ?", plate).First(&existing).Error; err != nil {
		return Vehicle{}, false, fmt.Errorf("failed to load vehicle %s after insert conflict: %w", plate, err)
	}
	return existing, false, nil
}

func (r *ParkingRepository) FindVehicleByPlate(ctx context.Context, plate string) (*Vehicle, error) {
	var vehicle Vehicle
	err := r.db.WithContext(ctx).Where("plate = ?", plate).First(&vehicle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &vehicle, nil
}

// FindOpenTicket returns the vehicle's OPEN ticket, or nil when it has none.
func (r *ParkingRepository) FindOpenTicket(ctx context.Context, vehicleID int64) (*Ticket, error) {
	var ticket Ticket
	err := r.db.WithContext(ctx).
		Where("vehicle_id = ? AND state = ?", vehicleID, anpr.TicketOpen).
		Order("entry_time DESC").
		First(&ticket).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (r *ParkingRepository) CreateTicket(ctx context.Context, ticket *Ticket) error {
	if ticket.State == "" {
		ticket.State = anpr.TicketOpen
	}
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(ticket).Error
}

func (r *ParkingRepository) CloseTicket(ctx context.Context, id int64, exitTime time.Time, amount float64) error {
	res := r.db.WithContext(ctx).
		Model(&Ticket{}).
		Where("id = ? AND state = ?", id, anpr.TicketOpen).
		Updates(map[string]interface{}{
			"exit_time": exitTime,
			"amount":    amount,
			"state":     anpr.TicketClosed,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: ticket %d", ErrTicketNotOpen, id)
	}
	return nil
}

func (r *ParkingRepository) GetTicket(ctx context.Context, id int64) (*Ticket, error) {
	var ticket Ticket
	err := r.db.WithContext(ctx).First(&ticket, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (r *ParkingRepository) CountOpenTickets(ctx context.Context, vehicleID int64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&Ticket{}).
		Where("vehicle_id = ? AND state = ?", vehicleID, anpr.TicketOpen).
		Count(&n).Error
	return n, err
}

func (r *ParkingRepository) FindTickets(ctx context.Context, filter TicketFilter) ([]TicketView, error) {
	query := r.db.WithContext(ctx).
		Table("tickets").
		Select("tickets.id, tickets.vehicle_id, vehicles.plate, tickets.shift_id, tickets.actor_id, " +
			"tickets.vehicle_class, tickets.entry_time, tickets.exit_time, tickets.amount, tickets.state").
		Joins("JOIN vehicles ON tickets.vehicle_id = vehicles.id")

	if filter.Plate != nil {
		query = query.Where("vehicles.plate = ?", *filter.Plate)
	}
	if filter.ShiftID != nil {
		query = query.Where("tickets.shift_id = ?", *filter.ShiftID)
	}
	if filter.State != nil {
		query = query.Where("tickets.state = ?", *filter.State)
	}

	query = query.Order("tickets.entry_time DESC")
	query = paginate(query, filter.Limit, filter.Offset)

	var tickets []TicketView
	err := query.Scan(&tickets).Error
	return tickets, err
}

func (r *ParkingRepository) CreateDeadLetter(ctx context.Context, dl *DeadLetter) error {
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(dl).Error
}

func (r *ParkingRepository) ListDeadLetters(ctx context.Context, pending bool, limit, offset int) ([]DeadLetter, error) {
	query := r.db.WithContext(ctx).Model(&DeadLetter{})
	if pending {
		query = query.Where("replayed_at IS NULL")
	}
	query = paginate(query.Order("created_at DESC"), limit, offset)

	var letters []DeadLetter
	err := query.Find(&letters).Error
	return letters, err
}

func (r *ParkingRepository) GetDeadLetter(ctx context.Context, id int64) (*DeadLetter, error) {
	var dl DeadLetter
	err := r.db.WithContext(ctx).First(&dl, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dl, nil
}

func (r *ParkingRepository) MarkDeadLetterReplayed(ctx context.Context, id int64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&DeadLetter{}).
		Where("id = ?", id).
		Update("replayed_at", at).Error
}

func paginate(query *gorm.DB, limit, offset int) *gorm.DB {
	if limit > 0 {
		query = query.Limit(limit)
		if limit > 100 {
			query = query.Limit(100)
		}
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	return query
}
