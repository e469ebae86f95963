// Package events defines the realtime contract: the frames exchanged with
// clients and the messages carried between server instances.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Type string

// Outbound (server -> client).
const (
	TypeConnected     Type = "connected"
	TypeRideOffered   Type = "ride_offered"
	TypeRideTaken     Type = "ride_taken"
	TypeRideAccepted  Type = "ride_accepted"
	TypeRideConfirmed Type = "ride_confirmed"
	TypeDriverArrived Type = "driver_arrived"
	TypeRideStarted   Type = "ride_started"
	TypeRideCompleted Type = "ride_completed"
	TypeRideCancelled Type = "ride_cancelled"
	TypeRideError     Type = "ride_error"
)

// TypeRoomJoin is an instance-to-instance control message, never sent to a client.
const TypeRoomJoin Type = "room_join"

type Audience string

const (
	AudienceConn Audience = "conn"
	AudienceRoom Audience = "room"
	AudienceAll  Audience = "all"
)

type Target struct {
	Audience Audience `json:"audience"`
	ID       string   `json:"id,omitempty"`
}

// Message is what travels over the fan-out bridge.
type Message struct {
	Type    Type            `json:"type"`
	Target  Target          `json:"target"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame is the wire shape of every client-facing event.
type Frame struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Frame renders the client-facing bytes for m.
func (m Message) Frame() ([]byte, error) {
	return json.Marshal(Frame{Type: m.Type, Data: m.Payload})
}

func (m Message) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("%w: message without type", models.ErrInvalidInput)
	}
	switch m.Target.Audience {
	case AudienceConn, AudienceRoom:
		if m.Target.ID == "" {
			return fmt.Errorf("%w: %s target without id", models.ErrInvalidInput, m.Target.Audience)
		}
	case AudienceAll:
	default:
		return fmt.Errorf("%w: unknown audience %q", models.ErrInvalidInput, m.Target.Audience)
	}
	return nil
}

func RoomName(rideID string) string { return "ride:" + rideID }

// DriversRoom holds every connection that has announced a driver.
const DriversRoom = "drivers"

func ToConn(connID string) Target { return Target{Audience: AudienceConn, ID: connID} }
func ToRoom(rideID string) Target { return Target{Audience: AudienceRoom, ID: RoomName(rideID)} }
func ToAll() Target { return Target{Audience: AudienceAll} }
func ToDrivers() Target { return Target{Audience: AudienceRoom, ID: DriversRoom} }

type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

type RideOfferedPayload struct {
	RideID     string       `json:"rideId"`
	Pickup     models.Coord `json:"pickup"`
	Dropoff    models.Coord `json:"dropoff"`
	ETASeconds float64      `json:"etaSeconds,omitempty"`
	ExpiresAt  time.Time    `json:"expiresAt"`
}

type RideTakenPayload struct {
	RideID     string `json:"rideId"`
	AcceptedBy string `json:"acceptedBy,omitempty"`
}

type RidePayload struct {
	Ride    *models.Ride `json:"ride"`
	Message string       `json:"message,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type RoomJoinPayload struct {
	Room string `json:"room"`
}

func newMessage(t Type, target Target, payload interface{}) Message {
	// payload types are all plain structs; marshalling cannot fail
	b, _ := json.Marshal(payload)
	return Message{Type: t, Target: target, Payload: b}
}

func Connected(connID string) Message {
	return newMessage(TypeConnected, ToConn(connID), ConnectedPayload{ConnectionID: connID})
}

func RideOffered(connID string, p RideOfferedPayload) Message {
	return newMessage(TypeRideOffered, ToConn(connID), p)
}

// RideTaken is broadcast to every driver connection once a ride is assigned.
func RideTaken(rideID, acceptedBy string) Message {
	return newMessage(TypeRideTaken, ToDrivers(), RideTakenPayload{RideID: rideID, AcceptedBy: acceptedBy})
}

// RideTakenTo tells one losing driver that the ride is gone.
func RideTakenTo(connID, rideID, acceptedBy string) Message {
	return newMessage(TypeRideTaken, ToConn(connID), RideTakenPayload{RideID: rideID, AcceptedBy: acceptedBy})
}

// RideAccepted goes to the rider and is the only event carrying OTPs.
func RideAccepted(connID string, ride *models.Ride) Message {
	return newMessage(TypeRideAccepted, ToConn(connID), RidePayload{Ride: ride.Clone()})
}

func RideConfirmed(connID string, ride *models.Ride) Message {
	return newMessage(TypeRideConfirmed, ToConn(connID), RidePayload{Ride: ride.Redacted()})
}

func DriverArrived(ride *models.Ride) Message {
	return newMessage(TypeDriverArrived, ToRoom(ride.ID), RidePayload{Ride: ride.Redacted()})
}

func RideStarted(ride *models.Ride) Message {
	return newMessage(TypeRideStarted, ToRoom(ride.ID), RidePayload{Ride: ride.Redacted()})
}

func RideCompleted(ride *models.Ride) Message {
	return newMessage(TypeRideCompleted, ToRoom(ride.ID), RidePayload{Ride: ride.Redacted()})
}

func RideCancelled(ride *models.Ride, message string) Message {
	return newMessage(TypeRideCancelled, ToRoom(ride.ID), RidePayload{Ride: ride.Redacted(), Message: message})
}

func RideError(connID, message string) Message {
	return newMessage(TypeRideError, ToConn(connID), ErrorPayload{Message: message})
}

// RoomJoin asks whichever instance holds connID to add it to the ride room.
func RoomJoin(connID, rideID string) Message {
	return joinRoom(connID, RoomName(rideID))
}

// DriverJoin adds connID to the drivers room on whichever instance holds it.
func DriverJoin(connID string) Message {
	return joinRoom(connID, DriversRoom)
}

func joinRoom(connID, room string) Message {
	return newMessage(TypeRoomJoin, ToConn(connID), RoomJoinPayload{Room: room})
}
