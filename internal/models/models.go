package models

import (
	"fmt"
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate rejects NaN/Inf and out-of-range coordinates.
func (c Coord) Validate() error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return fmt.Errorf("%w: coordinate is not a number", ErrInvalidInput)
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: coordinate out of range (%f,%f)", ErrInvalidInput, c.Lat, c.Lon)
	}
	return nil
}

type RideStatus string

const (
	StatusRequested  RideStatus = "requested"
	StatusAccepted   RideStatus = "accepted"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Cancellable reports whether a ride in status s may move to cancelled.
func (s RideStatus) Cancellable() bool {
	return s == StatusRequested || s == StatusAccepted || s == StatusInProgress
}

type CancelledBy string

const (
	CancelledByRider  CancelledBy = "rider"
	CancelledByDriver CancelledBy = "driver"
	CancelledBySystem CancelledBy = "system"
)

func (c CancelledBy) Valid() bool {
	switch c {
	case CancelledByRider, CancelledByDriver, CancelledBySystem:
		return true
	}
	return false
}

// RideRequest is the intake payload for a new ride.
type RideRequest struct {
	RiderID           string `json:"riderId"`
	RiderConnectionID string `json:"riderConnectionId"`
	Pickup            Coord  `json:"pickup"`
	Dropoff           Coord  `json:"dropoff"`
}

func (r RideRequest) Validate() error {
	if r.RiderID == "" {
		return fmt.Errorf("%w: riderId is required", ErrInvalidInput)
	}
	if err := r.Pickup.Validate(); err != nil {
		return fmt.Errorf("pickup: %w", err)
	}
	if err := r.Dropoff.Validate(); err != nil {
		return fmt.Errorf("dropoff: %w", err)
	}
	return nil
}

type Ride struct {
	ID                 string      `json:"id"`
	RiderID            string      `json:"riderId"`
	RiderConnectionID  string      `json:"riderConnectionId,omitempty"`
	DriverID           string      `json:"driverId,omitempty"`
	Pickup             Coord       `json:"pickup"`
	Dropoff            Coord       `json:"dropoff"`
	Status             RideStatus  `json:"status"`
	StartOTP           string      `json:"startOtp,omitempty"`
	StopOTP            string      `json:"stopOtp,omitempty"`
	RejectedDrivers    []string    `json:"rejectedDrivers"`
	NotifiedDrivers    []string    `json:"notifiedDrivers"`
	CancelledBy        CancelledBy `json:"cancelledBy,omitempty"`
	CancellationReason string      `json:"cancellationReason,omitempty"`
	DriverArrivedAt    *time.Time  `json:"driverArrivedAt,omitempty"`
	ActualStartTime    *time.Time  `json:"actualStartTime,omitempty"`
	ActualEndTime      *time.Time  `json:"actualEndTime,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share the driver sets.
func (r *Ride) Clone() *Ride {
	c := *r
	c.RejectedDrivers = append([]string(nil), r.RejectedDrivers...)
	c.NotifiedDrivers = append([]string(nil), r.NotifiedDrivers...)
	c.DriverArrivedAt = cloneTime(r.DriverArrivedAt)
	c.ActualStartTime = cloneTime(r.ActualStartTime)
	c.ActualEndTime = cloneTime(r.ActualEndTime)
	return &c
}

// Redacted is the view sent to drivers and ride rooms: no OTPs.
func (r *Ride) Redacted() *Ride {
	c := r.Clone()
	c.StartOTP = ""
	c.StopOTP = ""
	return c
}

func (r *Ride) HasRejected(driverID string) bool {
	return contains(r.RejectedDrivers, driverID)
}

func (r *Ride) WasNotified(driverID string) bool {
	return contains(r.NotifiedDrivers, driverID)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// DriverPresence is the ephemeral online record of a driver.
type DriverPresence struct {
	DriverID     string    `json:"driverId"`
	Loc          Coord     `json:"loc"`
	Online       bool      `json:"online"`
	ConnectionID string    `json:"connectionId"`
	Updated      time.Time `json:"updated"`
}

// Candidate is a presence query hit.
type Candidate struct {
	DriverID string  `json:"driverId"`
	Loc      Coord   `json:"loc"`
	DistM    float64 `json:"distanceMeters"`
}

// DispatchJob is the queued unit of matching work for one ride.
type DispatchJob struct {
	RideID string `json:"rideId"`
}
