package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeOracle struct {
	result eta.Result
	err    error
	calls  int
}

func (f *fakeOracle) Route(_ context.Context, _, _ models.Coord) (eta.Result, error) {
	f.calls++
	if f.err != nil {
		return eta.Result{}, f.err
	}
	return f.result, nil
}

type publishedEvent struct {
	topic   string
	key     string
	payload any
}

// capturePublisher must be safe for concurrent use: the offer timer fires on
// its own goroutine.
type capturePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *capturePublisher) Publish(_ context.Context, topic, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{topic: topic, key: key, payload: payload})
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) byTopic(topic string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedEvent, 0)
	for _, e := range p.events {
		if e.topic == topic {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	coord  *Coordinator
	store  *storage.MemoryStore
	reg    *registry.Index
	pub    *capturePublisher
	oracle *fakeOracle
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	reg := registry.NewIndex()
	pub := &capturePublisher{}
	oracle := &fakeOracle{result: eta.Result{DistanceKm: 10, DurationMinutes: 20}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := NewCoordinator(store, reg, oracle, fare.DefaultTable(), pub, nil, logger, opts)
	t.Cleanup(coord.Shutdown)
	return &harness{coord: coord, store: store, reg: reg, pub: pub, oracle: oracle}
}

var (
	customer = models.Actor{ID: "cust-1", Role: models.RoleCustomer}
	pickup   = models.GeoPoint{Coord: models.Coord{Lat: 12.9716, Lon: 77.5946}, Address: "MG Road"}
	dropoff  = models.GeoPoint{Coord: models.Coord{Lat: 12.9352, Lon: 77.6245}, Address: "Koramangala"}
)

func (h *harness) addDriver(t *testing.T, id string, class models.VehicleClass) models.Actor {
	t.Helper()
	err := h.reg.Upsert(context.Background(), models.DriverEntry{
		DriverID:     id,
		Loc:          models.Coord{Lat: 12.9720, Lon: 77.5950},
		Available:    true,
		VehicleClass: class,
	})
	if err != nil {
		t.Fatalf("seed driver %s: %v", id, err)
	}
	return models.Actor{ID: id, Role: models.RoleDriver}
}

func TestRequestRideNoDrivers(t *testing.T) {
	h := newHarness(t, Options{})
	ride, err := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if ride.Status != string(lifecycle.StatusNoDriversFound) {
		t.Fatalf("expected no_drivers_found, got %s", ride.Status)
	}
	stored, err := h.store.Get(context.Background(), ride.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != string(lifecycle.StatusNoDriversFound) {
		t.Fatalf("stored status %s", stored.Status)
	}
	ups := h.pub.byTopic(notify.TopicRideStatusUpdate)
	if len(ups) != 1 {
		t.Fatalf("expected one customer update, got %d", len(ups))
	}
	if ups[0].key != customer.ID {
		t.Fatalf("update keyed by %s", ups[0].key)
	}
}

func TestRequestRideValidation(t *testing.T) {
	h := newHarness(t, Options{})
	bad := models.GeoPoint{Coord: models.Coord{Lat: 95, Lon: 200}}
	_, err := h.coord.RequestRide(context.Background(), customer, bad, dropoff, "")
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *Error, got %T", err)
	}
	for _, field := range []string{"pickup.lat", "pickup.lon", "pickup.address", "vehicle_class"} {
		if _, ok := de.Fields[field]; !ok {
			t.Fatalf("missing field error %s in %v", field, de.Fields)
		}
	}
}

func TestRequestRideUnknownClass(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, "helicopter")
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRequestRideActiveConflict(t *testing.T) {
	h := newHarness(t, Options{})
	h.addDriver(t, "d1", models.ClassCar)
	if _, err := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	if KindOf(err) != KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRequestRideOracleFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.oracle.err = context.DeadlineExceeded
	_, err := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	if KindOf(err) != KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	// nothing persisted: the customer can immediately retry
	active, err := h.store.ActiveFor(context.Background(), customer)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active != nil {
		t.Fatalf("ride persisted despite oracle failure: %+v", active)
	}
}

func TestRequestRideNotifiesCandidates(t *testing.T) {
	h := newHarness(t, Options{})
	h.addDriver(t, "d1", models.ClassCar)
	h.addDriver(t, "d2", models.ClassCar)
	h.addDriver(t, "d3", models.ClassMoto) // wrong class, never offered
	ride, err := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if ride.Status != string(lifecycle.StatusSearching) {
		t.Fatalf("expected searching, got %s", ride.Status)
	}
	if ride.EstimatedFare != 120 { // 10km * 12/km above the 60 minimum
		t.Fatalf("expected fare 120, got %f", ride.EstimatedFare)
	}
	offers := h.pub.byTopic(notify.TopicRideRequestNew)
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(offers))
	}
	for _, o := range offers {
		if o.key == "d3" {
			t.Fatal("moto driver offered a car ride")
		}
		offer, ok := o.payload.(notify.RideOffer)
		if !ok {
			t.Fatalf("payload type %T", o.payload)
		}
		if offer.RideID != ride.ID || offer.EstimatedFare != 120 {
			t.Fatalf("bad offer %+v", offer)
		}
	}
}

func TestAcceptFirstWins(t *testing.T) {
	h := newHarness(t, Options{})
	d1 := h.addDriver(t, "d1", models.ClassCar)
	d2 := h.addDriver(t, "d2", models.ClassCar)
	ride, err := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	got, err := h.coord.Accept(context.Background(), d1, ride.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != string(lifecycle.StatusAccepted) || got.DriverID != "d1" {
		t.Fatalf("unexpected ride %+v", got)
	}

	if _, err := h.coord.Accept(context.Background(), d2, ride.ID); KindOf(err) != KindConflict {
		t.Fatalf("second accept should conflict, got %v", err)
	}

	e, _, _ := h.reg.Get(context.Background(), "d1")
	if e.Available {
		t.Fatal("accepting driver should be marked busy")
	}
	e2, _, _ := h.reg.Get(context.Background(), "d2")
	if !e2.Available {
		t.Fatal("losing driver must stay available")
	}
}

func TestAcceptUnavailableDriver(t *testing.T) {
	h := newHarness(t, Options{})
	h.addDriver(t, "d1", models.ClassCar)
	ride, err := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	stranger := models.Actor{ID: "ghost", Role: models.RoleDriver}
	if _, err := h.coord.Accept(context.Background(), stranger, ride.ID); KindOf(err) != KindConflict {
		t.Fatalf("unregistered driver should conflict, got %v", err)
	}
	ride2, _ := h.store.Get(context.Background(), ride.ID)
	if ride2.Status != string(lifecycle.StatusSearching) {
		t.Fatalf("ride mutated by failed accept: %s", ride2.Status)
	}
}

func TestAcceptByCustomerUnauthorized(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.coord.Accept(context.Background(), customer, "whatever"); KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestOfferTimeout(t *testing.T) {
	h := newHarness(t, Options{OfferTTL: 30 * time.Millisecond})
	d1 := h.addDriver(t, "d1", models.ClassCar)
	ride, err := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := h.store.Get(context.Background(), ride.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == string(lifecycle.StatusNoDriversFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ride never expired, status %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// a late accept loses cleanly
	if _, err := h.coord.Accept(context.Background(), d1, ride.ID); KindOf(err) != KindConflict {
		t.Fatalf("late accept should conflict, got %v", err)
	}
	ups := h.pub.byTopic(notify.TopicRideStatusUpdate)
	if len(ups) != 1 {
		t.Fatalf("expected one timeout update, got %d", len(ups))
	}
}

func TestAcceptStopsExpiry(t *testing.T) {
	h := newHarness(t, Options{OfferTTL: 30 * time.Millisecond})
	d1 := h.addDriver(t, "d1", models.ClassCar)
	ride, err := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := h.coord.Accept(context.Background(), d1, ride.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	got, _ := h.store.Get(context.Background(), ride.ID)
	if got.Status != string(lifecycle.StatusAccepted) {
		t.Fatalf("expiry overrode acceptance: %s", got.Status)
	}
}

func TestRejectLastCandidate(t *testing.T) {
	h := newHarness(t, Options{})
	d1 := h.addDriver(t, "d1", models.ClassCar)
	ride, err := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := h.coord.Reject(context.Background(), d1, ride.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, _ := h.store.Get(context.Background(), ride.ID)
	if got.Status != string(lifecycle.StatusNoDriversFound) {
		t.Fatalf("exhausted pool should resolve immediately, got %s", got.Status)
	}
}

func TestRejectWithRemainingCandidates(t *testing.T) {
	h := newHarness(t, Options{})
	d1 := h.addDriver(t, "d1", models.ClassCar)
	d2 := h.addDriver(t, "d2", models.ClassCar)
	ride, err := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := h.coord.Reject(context.Background(), d1, ride.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, _ := h.store.Get(context.Background(), ride.ID)
	if got.Status != string(lifecycle.StatusSearching) {
		t.Fatalf("ride should keep searching, got %s", got.Status)
	}
	// the remaining candidate can still accept
	if _, err := h.coord.Accept(context.Background(), d2, ride.ID); err != nil {
		t.Fatalf("accept after sibling reject: %v", err)
	}
}

func TestRejectWithoutPendingOffer(t *testing.T) {
	h := newHarness(t, Options{})
	d1 := h.addDriver(t, "d1", models.ClassCar)
	ride, err := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := h.coord.Accept(context.Background(), d1, ride.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := h.coord.Reject(context.Background(), d1, ride.ID); KindOf(err) != KindConflict {
		t.Fatalf("reject after accept should conflict, got %v", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	h := newHarness(t, Options{})
	h.oracle.result = eta.Result{DistanceKm: 8.2, DurationMinutes: 18}
	d1 := h.addDriver(t, "d1", models.ClassAuto)
	ride, err := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassAuto)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if ride.EstimatedFare != 82 { // 8.2km * 10/km above the 50 minimum
		t.Fatalf("expected estimate 82, got %f", ride.EstimatedFare)
	}

	if _, err := h.coord.Accept(context.Background(), d1, ride.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	r, err := h.coord.Arrived(context.Background(), d1, ride.ID)
	if err != nil {
		t.Fatalf("arrived: %v", err)
	}
	if r.Status != string(lifecycle.StatusDriverArrived) || r.ArrivedAt == nil {
		t.Fatalf("arrival not recorded: %+v", r)
	}
	r, err = h.coord.Start(context.Background(), d1, ride.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.Status != string(lifecycle.StatusStarted) || r.StartedAt == nil {
		t.Fatalf("start not recorded: %+v", r)
	}

	r, err = h.coord.Complete(context.Background(), d1, ride.ID, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if r.Status != string(lifecycle.StatusCompleted) || r.EndedAt == nil {
		t.Fatalf("completion not recorded: %+v", r)
	}
	if r.FinalFare != 82 {
		t.Fatalf("expected final fare 82, got %f", r.FinalFare)
	}

	e, _, _ := h.reg.Get(context.Background(), "d1")
	if !e.Available {
		t.Fatal("driver not released after completion")
	}

	pays := h.pub.byTopic(notify.TopicRideCompletedForPayment)
	if len(pays) != 1 {
		t.Fatalf("expected one payment event, got %d", len(pays))
	}
	due, ok := pays[0].payload.(notify.PaymentDue)
	if !ok {
		t.Fatalf("payload type %T", pays[0].payload)
	}
	if due.Amount != 82 || due.Currency != "INR" || due.CustomerID != customer.ID {
		t.Fatalf("bad payment event %+v", due)
	}

	hist, err := h.coord.History(context.Background(), customer)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].ID != ride.ID {
		t.Fatalf("expected completed ride in history, got %+v", hist)
	}
}

func TestCompleteWrongDriver(t *testing.T) {
	h := newHarness(t, Options{})
	d1 := h.addDriver(t, "d1", models.ClassCar)
	d2 := h.addDriver(t, "d2", models.ClassCar)
	ride, _ := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	h.coord.Accept(context.Background(), d1, ride.ID)
	h.coord.Start(context.Background(), d1, ride.ID)
	if _, err := h.coord.Complete(context.Background(), d2, ride.ID, nil); KindOf(err) != KindUnauthorized {
		t.Fatalf("unbound driver should be unauthorized, got %v", err)
	}
}

func TestCancelByCustomerReleasesDriver(t *testing.T) {
	h := newHarness(t, Options{})
	d1 := h.addDriver(t, "d1", models.ClassCar)
	ride, _ := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	if _, err := h.coord.Accept(context.Background(), d1, ride.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	r, err := h.coord.Cancel(context.Background(), customer, ride.ID, "changed my mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r.Status != string(lifecycle.StatusCancelledByCustomer) || r.CancelReason != "changed my mind" {
		t.Fatalf("unexpected ride %+v", r)
	}
	e, _, _ := h.reg.Get(context.Background(), "d1")
	if !e.Available {
		t.Fatal("driver not released after customer cancel")
	}
}

func TestCancelByDriver(t *testing.T) {
	h := newHarness(t, Options{})
	d1 := h.addDriver(t, "d1", models.ClassCar)
	ride, _ := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	h.coord.Accept(context.Background(), d1, ride.ID)
	r, err := h.coord.Cancel(context.Background(), d1, ride.ID, "vehicle breakdown")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r.Status != string(lifecycle.StatusCancelledByDriver) {
		t.Fatalf("unexpected status %s", r.Status)
	}
	// availability is left to the driver's next location report
	e, _, _ := h.reg.Get(context.Background(), "d1")
	if e.Available {
		t.Fatal("driver availability should be unchanged by driver cancel")
	}
}

func TestCancelUnauthorized(t *testing.T) {
	h := newHarness(t, Options{})
	h.addDriver(t, "d1", models.ClassCar)
	ride, _ := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	other := models.Actor{ID: "cust-2", Role: models.RoleCustomer}
	if _, err := h.coord.Cancel(context.Background(), other, ride.ID, ""); KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestCancelAfterStartConflicts(t *testing.T) {
	h := newHarness(t, Options{})
	d1 := h.addDriver(t, "d1", models.ClassCar)
	ride, _ := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	h.coord.Accept(context.Background(), d1, ride.ID)
	h.coord.Start(context.Background(), d1, ride.ID)
	if _, err := h.coord.Cancel(context.Background(), customer, ride.ID, "too late"); KindOf(err) != KindConflict {
		t.Fatalf("cancel after start should conflict, got %v", err)
	}
}

func TestRideByIDAuthorization(t *testing.T) {
	h := newHarness(t, Options{})
	h.addDriver(t, "d1", models.ClassCar)
	ride, _ := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)

	if _, err := h.coord.RideByID(context.Background(), customer, ride.ID); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	admin := models.Actor{ID: "ops", Role: models.RoleAdmin}
	if _, err := h.coord.RideByID(context.Background(), admin, ride.ID); err != nil {
		t.Fatalf("admin read: %v", err)
	}
	other := models.Actor{ID: "cust-2", Role: models.RoleCustomer}
	if _, err := h.coord.RideByID(context.Background(), other, ride.ID); KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := h.coord.RideByID(context.Background(), customer, "missing"); KindOf(err) != KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestActiveRide(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.coord.ActiveRide(context.Background(), customer); KindOf(err) != KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	h.addDriver(t, "d1", models.ClassCar)
	ride, _ := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	got, err := h.coord.ActiveRide(context.Background(), customer)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if got.ID != ride.ID {
		t.Fatalf("expected %s, got %s", ride.ID, got.ID)
	}
}

func TestSweepStaleResolvesOrphans(t *testing.T) {
	h := newHarness(t, Options{OfferTTL: time.Minute})
	// a searching ride older than the offer window with no pending match,
	// as left behind by a crashed process
	orphan := &models.Ride{
		ID:         "orphan",
		CustomerID: customer.ID,
		Status:     string(lifecycle.StatusSearching),
		CreatedAt:  time.Now().Add(-5 * time.Minute),
	}
	if err := h.store.Create(context.Background(), orphan); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.coord.SweepStale(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := h.store.Get(context.Background(), "orphan")
	if got.Status != string(lifecycle.StatusNoDriversFound) {
		t.Fatalf("expected no_drivers_found, got %s", got.Status)
	}
	// a second sweep is a no-op
	if err := h.coord.SweepStale(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	ups := h.pub.byTopic(notify.TopicRideStatusUpdate)
	if len(ups) != 1 {
		t.Fatalf("sweep must notify exactly once, got %d", len(ups))
	}
}

func TestSweepSkipsLiveOffers(t *testing.T) {
	h := newHarness(t, Options{OfferTTL: time.Minute})
	h.addDriver(t, "d1", models.ClassCar)
	ride, _ := h.coord.RequestRide(context.Background(), customer, pickup, dropoff, models.ClassCar)
	// backdate below the cutoff while the offer window is still live
	stored, _ := h.store.Get(context.Background(), ride.ID)
	stored.CreatedAt = time.Now().Add(-5 * time.Minute)
	if ok, err := h.store.Update(context.Background(), stored, []lifecycle.Status{lifecycle.StatusSearching}); err != nil || !ok {
		t.Fatalf("backdate: ok=%v err=%v", ok, err)
	}
	if err := h.coord.SweepStale(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := h.store.Get(context.Background(), ride.ID)
	if got.Status != string(lifecycle.StatusSearching) {
		t.Fatalf("sweep resolved a ride this process still owns: %s", got.Status)
	}
}

func TestUpdateDriverLocation(t *testing.T) {
	h := newHarness(t, Options{})
	d := models.Actor{ID: "d1", Role: models.RoleDriver}
	loc := models.Coord{Lat: 12.97, Lon: 77.59}

	entry, err := h.coord.UpdateDriverLocation(context.Background(), d, loc, nil, "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if entry.VehicleClass != models.ClassCar || !entry.Available {
		t.Fatalf("first report defaults wrong: %+v", entry)
	}

	off := false
	entry, err = h.coord.UpdateDriverLocation(context.Background(), d, loc, &off, models.ClassMoto)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if entry.Available || entry.VehicleClass != models.ClassMoto {
		t.Fatalf("explicit values ignored: %+v", entry)
	}

	// omitted fields carry forward from the previous report
	entry, err = h.coord.UpdateDriverLocation(context.Background(), d, loc, nil, "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if entry.Available || entry.VehicleClass != models.ClassMoto {
		t.Fatalf("previous report not carried forward: %+v", entry)
	}

	if _, err := h.coord.UpdateDriverLocation(context.Background(), d, loc, nil, "submarine"); KindOf(err) != KindValidation {
		t.Fatalf("unknown class should be rejected, got %v", err)
	}
	if _, err := h.coord.UpdateDriverLocation(context.Background(), d, models.Coord{Lat: 100, Lon: 0}, nil, ""); KindOf(err) != KindValidation {
		t.Fatalf("bad coordinate should be rejected, got %v", err)
	}

	locs := h.pub.byTopic(notify.TopicDriverLocationUpdated)
	if len(locs) != 3 {
		t.Fatalf("expected 3 location events, got %d", len(locs))
	}
}
