package anpr

import (
	"time"
)

type VehicleClass string

const (
	ClassCar        VehicleClass = "car"
	ClassMotorcycle VehicleClass = "motorcycle"
	ClassBus        VehicleClass = "bus"
	ClassTruck      VehicleClass = "truck"
)

// RawReading is one OCR result for one detected box in one frame.
type RawReading struct {
	VehicleClass  VehicleClass
	TrackID       string
	Text          string
	OCRConfidence float64
	DetectorScore float64
	ObservedAt    time.Time
}

// ConfirmedPlateEvent means a distinct vehicle with this plate was reliably observed.
type ConfirmedPlateEvent struct {
	Plate         string       `json:"plate"`
	VehicleClass  VehicleClass `json:"vehicle_class"`
	DetectorScore float64      `json:"detector_score"`
	ObservedAt    time.Time    `json:"observed_at"`
}

type TicketState string

const (
	TicketOpen   TicketState = "OPEN"
	TicketClosed TicketState = "CLOSED"
)

type Detection struct {
	Plate        string       `json:"plate"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	TicketID     int64        `json:"ticket_id"`
	EntryTime    time.Time    `json:"entry_time"`
}
