// Package dispatch bridges ride requests to driver candidates and owns the
// bounded-time offer protocol. Acceptance, rejection, timeout expiry and
// cancellation race on the same ride; a per-ride lock plus conditional store
// writes guarantee exactly one of them mutates the status.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/push"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type Options struct {
	OfferTTL       time.Duration // offer window; reference deployment: 60s
	CandidateLimit int           // drivers notified per request; reference: 3
	RadiusKm       float64       // candidate search radius; reference: 50
	Currency       string
}

func (o *Options) defaults() {
	if o.OfferTTL <= 0 {
		o.OfferTTL = 60 * time.Second
	}
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = 3
	}
	if o.RadiusKm <= 0 {
		o.RadiusKm = 50
	}
	if o.Currency == "" {
		o.Currency = "INR"
	}
}

type Coordinator struct {
	store     storage.RideStore
	registry  registry.Registry
	oracle    eta.Oracle
	fares     *fare.Table
	publisher notify.Publisher
	pusher    push.Pusher // optional
	logger    *slog.Logger
	opts      Options

	locks *keyedMutex

	mu      sync.Mutex
	pending map[string]*pendingMatch
}

func NewCoordinator(store storage.RideStore, reg registry.Registry, oracle eta.Oracle, fares *fare.Table, pub notify.Publisher, pusher push.Pusher, logger *slog.Logger, opts Options) *Coordinator {
	opts.defaults()
	return &Coordinator{
		store:     store,
		registry:  reg,
		oracle:    oracle,
		fares:     fares,
		publisher: pub,
		pusher:    pusher,
		logger:    logger,
		opts:      opts,
		locks:     newKeyedMutex(),
		pending:   make(map[string]*pendingMatch),
	}
}

// RequestRide validates the request, prices it against the distance oracle,
// persists the ride in searching status and opens the offer window. The
// oracle call happens before any persistence and outside any ride lock.
func (c *Coordinator) RequestRide(ctx context.Context, customer models.Actor, pickup, dropoff models.GeoPoint, class models.VehicleClass) (*models.Ride, error) {
	if customer.Role != models.RoleCustomer {
		return nil, unauthorizedf("only customers can request rides")
	}
	if fields := validateRequest(pickup, dropoff, class, c.fares); len(fields) > 0 {
		return nil, fieldErrors(fields)
	}

	if active, err := c.store.ActiveFor(ctx, customer); err != nil {
		return nil, err
	} else if active != nil {
		return nil, conflictf("you already have an active ride %s", active.ID)
	}

	route, err := c.oracle.Route(ctx, pickup.Coord, dropoff.Coord)
	if err != nil {
		return nil, upstream("mapping service unavailable", err)
	}
	estimate, err := c.fares.Estimate(route.DistanceKm, class)
	if err != nil {
		return nil, validationf("%v", err)
	}

	now := time.Now()
	ride := &models.Ride{
		ID:               uuid.NewString(),
		CustomerID:       customer.ID,
		Pickup:           pickup,
		Dropoff:          dropoff,
		VehicleClass:     class,
		Status:           string(lifecycle.StatusSearching),
		EstimatedFare:    estimate,
		EstimatedMinutes: route.DurationMinutes,
		DistanceKm:       route.DistanceKm,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.store.Create(ctx, ride); err != nil {
		return nil, err
	}
	observability.RidesRequested.Inc()

	cands, err := c.registry.Nearby(ctx, pickup.Coord, class, c.opts.RadiusKm, c.opts.CandidateLimit)
	if err != nil {
		// degraded registry reads are the no-drivers signal, not a request failure
		c.logger.Error("candidate query failed", "ride_id", ride.ID, "error", err)
		cands = nil
	}
	if len(cands) == 0 {
		c.resolveNoDrivers(ctx, ride.ID, "No drivers found nearby for your request.")
		ride.Status = string(lifecycle.StatusNoDriversFound)
		return ride, nil
	}

	ids := make([]string, len(cands))
	for i, d := range cands {
		ids[i] = d.DriverID
	}
	c.mu.Lock()
	c.pending[ride.ID] = &pendingMatch{
		candidates: ids,
		deadline:   now.Add(c.opts.OfferTTL),
		timer: time.AfterFunc(c.opts.OfferTTL, func() {
			c.expire(ride.ID)
		}),
	}
	c.mu.Unlock()

	offer := notify.RideOffer{
		RideID:           ride.ID,
		CustomerID:       ride.CustomerID,
		Pickup:           ride.Pickup,
		Dropoff:          ride.Dropoff,
		VehicleClass:     ride.VehicleClass,
		EstimatedFare:    ride.EstimatedFare,
		EstimatedMinutes: ride.EstimatedMinutes,
	}
	for _, id := range ids {
		c.publish(ctx, notify.TopicRideRequestNew, id, offer)
		if c.pusher != nil {
			if err := c.pusher.Offer(id, offer); err != nil {
				c.logger.Debug("offer push failed", "ride_id", ride.ID, "driver_id", id, "error", err)
			}
		}
		c.logger.Info("driver notified", "ride_id", ride.ID, "driver_id", id)
	}
	return ride, nil
}

// Accept binds an available driver to a searching ride. Exactly one of a
// concurrent accept/timeout pair wins; the loser gets a conflict and the
// ride is untouched.
func (c *Coordinator) Accept(ctx context.Context, driver models.Actor, rideID string) (*models.Ride, error) {
	if !lifecycle.Allowed(driver.Role, lifecycle.EventAccept) {
		return nil, unauthorizedf("only drivers can accept rides")
	}
	unlock := c.locks.lock(rideID)
	defer unlock()

	ride, err := c.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	entry, ok, err := c.registry.Get(ctx, driver.ID)
	if err != nil {
		return nil, err
	}
	if !ok || !entry.Available {
		return nil, conflictf("you are not available to accept rides")
	}
	next, err := lifecycle.Next(lifecycle.Status(ride.Status), lifecycle.EventAccept)
	if err != nil {
		return nil, c.asConflict(err)
	}
	ride.DriverID = driver.ID
	ride.Status = string(next)
	if err := c.applyTransition(ctx, ride, lifecycle.EventAccept); err != nil {
		return nil, err
	}
	c.clearPending(rideID)

	if err := c.registry.SetAvailability(ctx, driver.ID, false); err != nil {
		c.logger.Error("mark driver busy failed", "driver_id", driver.ID, "error", err)
	}
	observability.MatchesTotal.Inc()
	observability.MatchLatency.Observe(time.Since(ride.CreatedAt).Seconds())

	upd := notify.StatusUpdate{
		RideID:     ride.ID,
		CustomerID: ride.CustomerID,
		DriverID:   ride.DriverID,
		Status:     ride.Status,
		Message:    "Your ride has been accepted by a driver!",
	}
	loc := entry.Loc
	upd.DriverLoc = &loc
	c.publish(ctx, notify.TopicRideStatusUpdate, ride.CustomerID, upd)
	return ride, nil
}

// Reject removes the driver from the ride's candidate pool. It never flips
// the status directly; exhausting the pool invokes the same no-drivers path
// as the deadline timer, without waiting for it.
func (c *Coordinator) Reject(ctx context.Context, driver models.Actor, rideID string) error {
	if driver.Role != models.RoleDriver {
		return unauthorizedf("only drivers can reject rides")
	}
	unlock := c.locks.lock(rideID)
	defer unlock()

	if _, err := c.getRide(ctx, rideID); err != nil {
		return err
	}
	c.mu.Lock()
	pm, ok := c.pending[rideID]
	if ok {
		pm.remove(driver.ID)
	}
	var exhausted bool
	if ok && len(pm.candidates) == 0 {
		pm.timer.Stop()
		delete(c.pending, rideID)
		exhausted = true
	}
	c.mu.Unlock()

	if !ok {
		return conflictf("ride is not awaiting driver responses")
	}
	if exhausted {
		c.resolveNoDrivers(ctx, rideID, "No drivers found nearby for your request.")
	} else {
		c.logger.Info("driver rejected ride", "ride_id", rideID, "driver_id", driver.ID)
	}
	return nil
}

// Arrived marks the bound driver at the pickup point.
func (c *Coordinator) Arrived(ctx context.Context, driver models.Actor, rideID string) (*models.Ride, error) {
	return c.driverTransition(ctx, driver, rideID, lifecycle.EventArrive, "Your driver has arrived at the pickup location!", func(r *models.Ride, now time.Time) {
		r.ArrivedAt = &now
	})
}

// Start begins the trip.
func (c *Coordinator) Start(ctx context.Context, driver models.Actor, rideID string) (*models.Ride, error) {
	return c.driverTransition(ctx, driver, rideID, lifecycle.EventStart, "Your ride has started!", func(r *models.Ride, now time.Time) {
		r.StartedAt = &now
	})
}

// Complete ends the trip: actual distance from the reported end point (or
// the original dropoff when none is given), final fare from the class
// recorded at creation, driver released, payment collection event emitted.
func (c *Coordinator) Complete(ctx context.Context, driver models.Actor, rideID string, actualDropoff *models.GeoPoint) (*models.Ride, error) {
	if !lifecycle.Allowed(driver.Role, lifecycle.EventComplete) {
		return nil, unauthorizedf("only drivers can end rides")
	}
	unlock := c.locks.lock(rideID)
	defer unlock()

	ride, err := c.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID != driver.ID {
		return nil, unauthorizedf("ride is not assigned to you")
	}
	if _, err := lifecycle.Next(lifecycle.Status(ride.Status), lifecycle.EventComplete); err != nil {
		return nil, c.asConflict(err)
	}

	dropoff := ride.Dropoff
	if actualDropoff != nil {
		if fields := validateCoord("dropoff", actualDropoff.Coord); len(fields) > 0 {
			return nil, fieldErrors(fields)
		}
		dropoff.Coord = actualDropoff.Coord
		if actualDropoff.Address != "" {
			dropoff.Address = actualDropoff.Address
		}
	}
	route, err := c.oracle.Route(ctx, ride.Pickup.Coord, dropoff.Coord)
	if err != nil {
		return nil, upstream("mapping service unavailable", err)
	}

	now := time.Now()
	ride.EndedAt = &now
	finalFare, err := c.fares.Estimate(route.DistanceKm, ride.VehicleClass)
	if err != nil {
		return nil, validationf("%v", err)
	}
	ride.Status = string(lifecycle.StatusCompleted)
	ride.Dropoff = dropoff
	ride.DistanceKm = route.DistanceKm
	ride.FinalFare = finalFare
	if err := c.applyTransition(ctx, ride, lifecycle.EventComplete); err != nil {
		return nil, err
	}

	if err := c.registry.SetAvailability(ctx, driver.ID, true); err != nil {
		c.logger.Error("release driver failed", "driver_id", driver.ID, "error", err)
	}
	observability.RidesCompleted.Inc()

	c.publish(ctx, notify.TopicRideCompletedForPayment, ride.ID, notify.PaymentDue{
		RideID:     ride.ID,
		CustomerID: ride.CustomerID,
		DriverID:   ride.DriverID,
		Amount:     ride.FinalFare,
		Currency:   c.opts.Currency,
	})
	c.publish(ctx, notify.TopicRideStatusUpdate, ride.CustomerID, notify.StatusUpdate{
		RideID:     ride.ID,
		CustomerID: ride.CustomerID,
		DriverID:   ride.DriverID,
		Status:     ride.Status,
		Fare:       ride.FinalFare,
		DistanceKm: ride.DistanceKm,
		Message:    "Your ride has ended. Fare collected.",
	})
	return ride, nil
}

// Cancel ends the ride on behalf of its customer or its bound driver. A
// customer cancellation releases the assigned driver; after a driver
// cancellation availability is left to the driver's own next report.
func (c *Coordinator) Cancel(ctx context.Context, actor models.Actor, rideID, reason string) (*models.Ride, error) {
	unlock := c.locks.lock(rideID)
	defer unlock()

	ride, err := c.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	var event lifecycle.Event
	switch {
	case actor.Role == models.RoleCustomer && ride.CustomerID == actor.ID:
		event = lifecycle.EventCancelCustomer
	case actor.Role == models.RoleDriver && ride.DriverID == actor.ID:
		event = lifecycle.EventCancelDriver
	default:
		return nil, unauthorizedf("you are not authorized to cancel this ride")
	}
	next, err := lifecycle.Next(lifecycle.Status(ride.Status), event)
	if err != nil {
		return nil, c.asConflict(err)
	}
	ride.Status = string(next)
	ride.CancelReason = reason
	if err := c.applyTransition(ctx, ride, event); err != nil {
		return nil, err
	}
	c.clearPending(rideID)

	if event == lifecycle.EventCancelCustomer && ride.DriverID != "" {
		if err := c.registry.SetAvailability(ctx, ride.DriverID, true); err != nil {
			c.logger.Error("release driver failed", "driver_id", ride.DriverID, "error", err)
		}
	}
	observability.RidesCancelled.WithLabelValues(string(actor.Role)).Inc()

	upd := notify.StatusUpdate{
		RideID:       ride.ID,
		CustomerID:   ride.CustomerID,
		DriverID:     ride.DriverID,
		Status:       ride.Status,
		CancelReason: reason,
		CancelledBy:  string(actor.Role),
	}
	c.publish(ctx, notify.TopicRideStatusUpdate, ride.CustomerID, upd)
	if ride.DriverID != "" {
		c.publish(ctx, notify.TopicRideStatusUpdate, ride.DriverID, upd)
	}
	return ride, nil
}

// RideByID returns the ride to its customer, its bound driver, or an admin.
func (c *Coordinator) RideByID(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	ride, err := c.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Role == models.RoleAdmin:
	case actor.Role == models.RoleCustomer && ride.CustomerID == actor.ID:
	case actor.Role == models.RoleDriver && ride.DriverID == actor.ID:
	default:
		return nil, unauthorizedf("you are not authorized to view this ride")
	}
	return ride, nil
}

// ActiveRide returns the actor's single non-terminal ride.
func (c *Coordinator) ActiveRide(ctx context.Context, actor models.Actor) (*models.Ride, error) {
	if actor.Role != models.RoleCustomer && actor.Role != models.RoleDriver {
		return nil, unauthorizedf("only customers and drivers have active rides")
	}
	ride, err := c.store.ActiveFor(ctx, actor)
	if err != nil {
		return nil, err
	}
	if ride == nil {
		return nil, notFoundf("no active ride")
	}
	return ride, nil
}

// History returns the actor's terminal rides, most recent first.
func (c *Coordinator) History(ctx context.Context, actor models.Actor) ([]*models.Ride, error) {
	if actor.Role != models.RoleCustomer && actor.Role != models.RoleDriver {
		return nil, unauthorizedf("only customers and drivers have ride history")
	}
	return c.store.HistoryFor(ctx, actor)
}

// UpdateDriverLocation upserts the driver's registry entry and emits a
// location event. Idempotent; last write wins.
func (c *Coordinator) UpdateDriverLocation(ctx context.Context, driver models.Actor, loc models.Coord, available *bool, class models.VehicleClass) (*models.DriverEntry, error) {
	if driver.Role != models.RoleDriver {
		return nil, unauthorizedf("only drivers can report locations")
	}
	if fields := validateCoord("coordinates", loc); len(fields) > 0 {
		return nil, fieldErrors(fields)
	}
	prev, had, err := c.registry.Get(ctx, driver.ID)
	if err != nil {
		return nil, err
	}
	entry := models.DriverEntry{DriverID: driver.ID, Loc: loc, Available: true, VehicleClass: class}
	if class == "" {
		if had {
			entry.VehicleClass = prev.VehicleClass
		} else {
			entry.VehicleClass = models.ClassCar
		}
	} else if !c.fares.Known(class) && c.fares.Strict {
		return nil, fieldErrors(map[string]string{"vehicle_class": "unknown vehicle class"})
	}
	if available != nil {
		entry.Available = *available
	} else if had {
		entry.Available = prev.Available
	}
	if err := c.registry.Upsert(ctx, entry); err != nil {
		return nil, err
	}
	observability.LocationUpdates.Inc()
	c.publish(ctx, notify.TopicDriverLocationUpdated, driver.ID, notify.LocationUpdate{
		DriverID:     driver.ID,
		Loc:          loc,
		Available:    entry.Available,
		VehicleClass: entry.VehicleClass,
	})
	return &entry, nil
}

// Shutdown stops all outstanding offer timers. In-flight matches are lost by
// design; the sweep resolves them on the next pass.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pm := range c.pending {
		pm.timer.Stop()
		delete(c.pending, id)
	}
}

// expire is the offer deadline callback. If an acceptance got to the ride
// lock first the conditional transition fails and this is a no-op.
func (c *Coordinator) expire(rideID string) {
	unlock := c.locks.lock(rideID)
	defer unlock()

	c.mu.Lock()
	_, ok := c.pending[rideID]
	delete(c.pending, rideID)
	c.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.resolveNoDrivers(ctx, rideID, "Ride request timed out. No drivers accepted.")
}

// resolveNoDrivers applies the searching -> no_drivers_found transition and
// notifies the customer. Safe to call from the request path, the timer, the
// reject path and the sweeper; only the first caller succeeds.
func (c *Coordinator) resolveNoDrivers(ctx context.Context, rideID, message string) {
	ride, err := c.store.Get(ctx, rideID)
	if err != nil {
		c.logger.Error("no-drivers resolution load failed", "ride_id", rideID, "error", err)
		return
	}
	next, err := lifecycle.Next(lifecycle.Status(ride.Status), lifecycle.EventNoDrivers)
	if err != nil {
		return // ride already resolved; loser of the race
	}
	ride.Status = string(next)
	ok, err := c.store.Update(ctx, ride, lifecycle.AllowedFrom(lifecycle.EventNoDrivers))
	if err != nil {
		c.logger.Error("no-drivers resolution write failed", "ride_id", rideID, "error", err)
		return
	}
	if !ok {
		return
	}
	observability.OffersExpired.Inc()
	c.logger.Info("ride unmatched", "ride_id", rideID)
	c.publish(ctx, notify.TopicRideStatusUpdate, ride.CustomerID, notify.StatusUpdate{
		RideID:     ride.ID,
		CustomerID: ride.CustomerID,
		Status:     ride.Status,
		Message:    message,
	})
}

// SweepStale resolves searching rides whose offer window elapsed while no
// coordinator held a pending match for them, e.g. after a restart. It runs
// the same conflict-checked path as the timer, so it is idempotent.
func (c *Coordinator) SweepStale(ctx context.Context) error {
	stale, err := c.store.StaleSearching(ctx, time.Now().Add(-c.opts.OfferTTL))
	if err != nil {
		return err
	}
	for _, ride := range stale {
		c.mu.Lock()
		_, inFlight := c.pending[ride.ID]
		c.mu.Unlock()
		if inFlight {
			continue // this process still owns a live offer window
		}
		unlock := c.locks.lock(ride.ID)
		c.resolveNoDrivers(ctx, ride.ID, "Ride request timed out. No drivers accepted.")
		unlock()
	}
	return nil
}

// RunSweeper runs SweepStale on a fixed interval until ctx is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.SweepStale(ctx); err != nil {
				c.logger.Error("stale sweep failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) driverTransition(ctx context.Context, driver models.Actor, rideID string, event lifecycle.Event, message string, stamp func(*models.Ride, time.Time)) (*models.Ride, error) {
	if !lifecycle.Allowed(driver.Role, event) {
		return nil, unauthorizedf("operation requires a driver")
	}
	unlock := c.locks.lock(rideID)
	defer unlock()

	ride, err := c.getRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID != driver.ID {
		return nil, unauthorizedf("ride is not assigned to you")
	}
	next, err := lifecycle.Next(lifecycle.Status(ride.Status), event)
	if err != nil {
		return nil, c.asConflict(err)
	}
	ride.Status = string(next)
	stamp(ride, time.Now())
	if err := c.applyTransition(ctx, ride, event); err != nil {
		return nil, err
	}
	c.publish(ctx, notify.TopicRideStatusUpdate, ride.CustomerID, notify.StatusUpdate{
		RideID:     ride.ID,
		CustomerID: ride.CustomerID,
		DriverID:   ride.DriverID,
		Status:     ride.Status,
		Message:    message,
	})
	return ride, nil
}

func (c *Coordinator) applyTransition(ctx context.Context, ride *models.Ride, event lifecycle.Event) error {
	ok, err := c.store.Update(ctx, ride, lifecycle.AllowedFrom(event))
	if err != nil {
		return err
	}
	if !ok {
		return conflictf("ride %s is no longer available", ride.ID)
	}
	return nil
}

func (c *Coordinator) getRide(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := c.store.Get(ctx, rideID)
	if err == storage.ErrRideNotFound {
		return nil, notFoundf("ride %s not found", rideID)
	}
	return ride, err
}

func (c *Coordinator) clearPending(rideID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pm, ok := c.pending[rideID]; ok {
		pm.timer.Stop()
		delete(c.pending, rideID)
	}
}

// publish logs and swallows failures: notifications are advisory and never
// roll back a transition that already committed.
func (c *Coordinator) publish(ctx context.Context, topic, key string, payload any) {
	if err := c.publisher.Publish(ctx, topic, key, payload); err != nil {
		observability.PublishErrors.Inc()
		c.logger.Error("event publish failed", "topic", topic, "key", key, "error", err)
	}
}

func (c *Coordinator) asConflict(err error) error {
	return &Error{Kind: KindConflict, Msg: err.Error(), cause: err}
}

func validateRequest(pickup, dropoff models.GeoPoint, class models.VehicleClass, fares *fare.Table) map[string]string {
	fields := map[string]string{}
	for k, v := range validateCoord("pickup", pickup.Coord) {
		fields[k] = v
	}
	for k, v := range validateCoord("dropoff", dropoff.Coord) {
		fields[k] = v
	}
	if pickup.Address == "" {
		fields["pickup.address"] = "required"
	}
	if dropoff.Address == "" {
		fields["dropoff.address"] = "required"
	}
	if class == "" {
		fields["vehicle_class"] = "required"
	} else if !fares.Known(class) && fares.Strict {
		fields["vehicle_class"] = "unknown vehicle class"
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func validateCoord(prefix string, c models.Coord) map[string]string {
	fields := map[string]string{}
	if c.Lat < -90 || c.Lat > 90 {
		fields[prefix+".lat"] = "must be within [-90, 90]"
	}
	if c.Lon < -180 || c.Lon > 180 {
		fields[prefix+".lon"] = "must be within [-180, 180]"
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}
