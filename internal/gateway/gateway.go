// Package gateway routes decoded client events to the presence registry and
// the ride state machine, and turns their outcomes into client events.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/bridge"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	msgNotFound  = "Ride not found"
	msgBadOTP    = "Invalid OTP"
	msgTemporary = "Temporary failure, please retry"
)

// Rides is the subset of ride.Service the gateway drives.
type Rides interface {
	Accept(ctx context.Context, rideID, driverID, connID string) (*models.Ride, error)
	Reject(ctx context.Context, rideID, driverID string) error
	MarkArrived(ctx context.Context, rideID string) (*models.Ride, error)
	Start(ctx context.Context, rideID, otp string) (*models.Ride, error)
	Complete(ctx context.Context, rideID, otp string) (*models.Ride, error)
	Cancel(ctx context.Context, rideID string, by models.CancelledBy, reason string) (*models.Ride, error)
}

type Gateway struct {
	registry geo.Registry
	rides    Rides
	pub      bridge.Publisher
	logger   *slog.Logger

	mu     sync.Mutex
	online map[string]string // conn id -> driver id, this instance only
}

func New(registry geo.Registry, rides Rides, pub bridge.Publisher, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		rides:    rides,
		pub:      pub,
		logger:   logger,
		online:   make(map[string]string),
	}
}

// HandleEvent implements ws.Handler.
func (g *Gateway) HandleEvent(ctx context.Context, connID string, ev events.Inbound) {
	var err error
	log := g.logger.With("conn_id", connID, "type", ev.Kind())

	switch e := ev.(type) {
	case *events.DriverOnline:
		log = log.With("driver_id", e.DriverID)
		err = g.driverOnline(ctx, connID, e)
	case *events.RideAccept:
		log = log.With("ride_id", e.RideID, "driver_id", e.DriverID)
		_, err = g.rides.Accept(ctx, e.RideID, e.DriverID, connID)
		var taken *models.TakenError
		if errors.As(err, &taken) {
			observability.InboundEvents.WithLabelValues(string(ev.Kind()), "taken").Inc()
			g.send(ctx, log, events.RideTakenTo(connID, taken.RideID, taken.AcceptedBy))
			return
		}
	case *events.RideReject:
		log = log.With("ride_id", e.RideID, "driver_id", e.DriverID)
		err = g.rides.Reject(ctx, e.RideID, e.DriverID)
	case *events.DriverArrivedEvent:
		log = log.With("ride_id", e.RideID)
		_, err = g.rides.MarkArrived(ctx, e.RideID)
	case *events.RideStart:
		log = log.With("ride_id", e.RideID)
		_, err = g.rides.Start(ctx, e.RideID, e.OTP)
	case *events.RideComplete:
		log = log.With("ride_id", e.RideID)
		_, err = g.rides.Complete(ctx, e.RideID, e.OTP)
	case *events.RideCancel:
		log = log.With("ride_id", e.RideID)
		_, err = g.rides.Cancel(ctx, e.RideID, e.CancelledBy, e.Reason)
	default:
		observability.InboundEvents.WithLabelValues(string(ev.Kind()), "unhandled").Inc()
		log.Warn("unhandled client event")
		return
	}

	if err == nil {
		observability.InboundEvents.WithLabelValues(string(ev.Kind()), "ok").Inc()
		return
	}
	msg, infra := clientMessage(err)
	if infra {
		observability.InboundEvents.WithLabelValues(string(ev.Kind()), "error").Inc()
		log.Error("client event failed", "error", err)
	} else {
		observability.InboundEvents.WithLabelValues(string(ev.Kind()), "rejected").Inc()
		log.Info("client event refused", "reason", err)
	}
	g.send(ctx, log, events.RideError(connID, msg))
}

func (g *Gateway) driverOnline(ctx context.Context, connID string, e *events.DriverOnline) error {
	if err := g.registry.Register(ctx, e.DriverID, *e.Lat, *e.Lng, connID); err != nil {
		return err
	}
	g.mu.Lock()
	_, seen := g.online[connID]
	g.online[connID] = e.DriverID
	g.mu.Unlock()
	if !seen {
		observability.DriversOnline.Inc()
		g.logger.Info("driver online", "driver_id", e.DriverID, "conn_id", connID)
		if err := g.pub.Publish(ctx, events.DriverJoin(connID)); err != nil {
			g.logger.Warn("join drivers room", "conn_id", connID, "error", err)
		}
	}
	return nil
}

// Disconnected implements ws.Handler. Any driver bound to connID goes offline.
func (g *Gateway) Disconnected(ctx context.Context, connID string) {
	g.mu.Lock()
	_, wasOnline := g.online[connID]
	delete(g.online, connID)
	g.mu.Unlock()
	if wasOnline {
		observability.DriversOnline.Dec()
	}

	driverID, err := g.registry.Unregister(ctx, connID)
	if err != nil {
		g.logger.Error("unregister connection", "conn_id", connID, "error", err)
		return
	}
	if driverID != "" {
		g.logger.Info("driver offline", "driver_id", driverID, "conn_id", connID)
	}
}

// OnlineCount is the number of drivers registered through this instance.
func (g *Gateway) OnlineCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.online)
}

func (g *Gateway) send(ctx context.Context, log *slog.Logger, msg events.Message) {
	if err := g.pub.Publish(ctx, msg); err != nil {
		log.Warn("reply to client", "event", msg.Type, "error", err)
	}
}

// clientMessage maps err to the text shown to the client. infra reports a
// failure the client did not cause.
func clientMessage(err error) (msg string, infra bool) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return msgNotFound, false
	case errors.Is(err, models.ErrInvalidOTP):
		return msgBadOTP, false
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrAlreadyTaken):
		return err.Error(), false
	default:
		return msgTemporary, true
	}
}
