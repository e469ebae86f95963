package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/ride-dispatch/internal/models"
)

// Inbound (client -> server).
const (
	TypeDriverOnline Type = "driver_online"
	TypeRideAccept   Type = "ride_accept"
	TypeRideReject   Type = "ride_reject"
	TypeRideStart    Type = "ride_start"
	TypeRideComplete Type = "ride_complete"
	TypeRideCancel   Type = "ride_cancel"
	// TypeDriverArrived is shared with the outbound event of the same name.
)

// Inbound is one decoded, validated client event.
type Inbound interface {
	Kind() Type
	Validate() error
}

type DriverOnline struct {
	DriverID string   `json:"driverId"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
}

type RideAccept struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
}

type RideReject struct {
	RideID   string `json:"rideId"`
	DriverID string `json:"driverId"`
}

type DriverArrivedEvent struct {
	RideID string `json:"rideId"`
}

type RideStart struct {
	RideID string `json:"rideId"`
	OTP    string `json:"otp"`
}

type RideComplete struct {
	RideID string `json:"rideId"`
	OTP    string `json:"otp"`
}

type RideCancel struct {
	RideID      string             `json:"rideId"`
	CancelledBy models.CancelledBy `json:"cancelledBy"`
	Reason      string             `json:"reason"`
}

func (DriverOnline) Kind() Type       { return TypeDriverOnline }
func (RideAccept) Kind() Type         { return TypeRideAccept }
func (RideReject) Kind() Type         { return TypeRideReject }
func (DriverArrivedEvent) Kind() Type { return TypeDriverArrived }
func (RideStart) Kind() Type          { return TypeRideStart }
func (RideComplete) Kind() Type       { return TypeRideComplete }
func (RideCancel) Kind() Type         { return TypeRideCancel }

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", models.ErrInvalidInput, field)
	}
	return nil
}

func (e DriverOnline) Validate() error {
	if err := required("driverId", e.DriverID); err != nil {
		return err
	}
	if e.Lat == nil || e.Lng == nil {
		return fmt.Errorf("%w: lat and lng are required", models.ErrInvalidInput)
	}
	return models.Coord{Lat: *e.Lat, Lon: *e.Lng}.Validate()
}

func (e RideAccept) Validate() error {
	if err := required("rideId", e.RideID); err != nil {
		return err
	}
	return required("driverId", e.DriverID)
}

func (e RideReject) Validate() error {
	if err := required("rideId", e.RideID); err != nil {
		return err
	}
	return required("driverId", e.DriverID)
}

func (e DriverArrivedEvent) Validate() error { return required("rideId", e.RideID) }

// OTPs are compared verbatim later, so only presence is checked here.
func (e RideStart) Validate() error {
	if err := required("rideId", e.RideID); err != nil {
		return err
	}
	return required("otp", e.OTP)
}

func (e RideComplete) Validate() error {
	if err := required("rideId", e.RideID); err != nil {
		return err
	}
	return required("otp", e.OTP)
}

func (e RideCancel) Validate() error {
	if err := required("rideId", e.RideID); err != nil {
		return err
	}
	if !e.CancelledBy.Valid() {
		return fmt.Errorf("%w: cancelledBy must be rider, driver or system", models.ErrInvalidInput)
	}
	return nil
}

// DecodeInbound parses a client frame into its typed event and validates it.
func DecodeInbound(raw []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", models.ErrInvalidInput, err)
	}
	var ev Inbound
	switch f.Type {
	case TypeDriverOnline:
		ev = &DriverOnline{}
	case TypeRideAccept:
		ev = &RideAccept{}
	case TypeRideReject:
		ev = &RideReject{}
	case TypeDriverArrived:
		ev = &DriverArrivedEvent{}
	case TypeRideStart:
		ev = &RideStart{}
	case TypeRideComplete:
		ev = &RideComplete{}
	case TypeRideCancel:
		ev = &RideCancel{}
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", models.ErrInvalidInput, f.Type)
	}
	if len(f.Data) == 0 {
		return nil, fmt.Errorf("%w: %s without data", models.ErrInvalidInput, f.Type)
	}
	if err := json.Unmarshal(f.Data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", models.ErrInvalidInput, f.Type, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}
