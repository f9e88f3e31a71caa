// Package lifecycle holds the ride status set, the transition table and the
// role authorization table. It is pure: callers apply the side effects.
package lifecycle

import (
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

type Status string

const (
	StatusPending             Status = "pending"
	StatusSearching           Status = "searching"
	StatusAccepted            Status = "accepted"
	StatusDriverArrived       Status = "driver_arrived"
	StatusStarted             Status = "started"
	StatusCompleted           Status = "completed"
	StatusCancelledByCustomer Status = "cancelled_by_customer"
	StatusCancelledByDriver   Status = "cancelled_by_driver"
	StatusNoDriversFound      Status = "no_drivers_found"
)

type Event string

const (
	EventAccept         Event = "accept"
	EventArrive         Event = "arrive"
	EventStart          Event = "start"
	EventComplete       Event = "complete"
	EventCancelCustomer Event = "cancel_customer"
	EventCancelDriver   Event = "cancel_driver"
	EventNoDrivers      Event = "no_drivers" // timeout, exhausted candidates, or sweep
)

// ActiveStatuses are the non-terminal statuses; a customer may hold at most
// one ride in this set.
var ActiveStatuses = []Status{StatusPending, StatusSearching, StatusAccepted, StatusDriverArrived, StatusStarted}

func Terminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusCancelledByCustomer, StatusCancelledByDriver, StatusNoDriversFound:
		return true
	}
	return false
}

type rule struct {
	from []Status
	to   Status
}

var transitions = map[Event]rule{
	EventAccept:         {from: []Status{StatusSearching}, to: StatusAccepted},
	EventNoDrivers:      {from: []Status{StatusSearching}, to: StatusNoDriversFound},
	EventArrive:         {from: []Status{StatusAccepted}, to: StatusDriverArrived},
	EventStart:          {from: []Status{StatusAccepted, StatusDriverArrived}, to: StatusStarted},
	EventComplete:       {from: []Status{StatusStarted}, to: StatusCompleted},
	EventCancelCustomer: {from: []Status{StatusPending, StatusSearching, StatusAccepted, StatusDriverArrived}, to: StatusCancelledByCustomer},
	EventCancelDriver:   {from: []Status{StatusAccepted, StatusDriverArrived}, to: StatusCancelledByDriver},
}

// InvalidTransitionError reports an event applied in a status outside its
// allowed set. It is a conflict for the caller, not a crash: the ride is
// unchanged and the client should re-fetch.
type InvalidTransitionError struct {
	Current Status
	Event   Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a ride in status %q", e.Event, e.Current)
}

// Next returns the target status for ev from cur, or an
// *InvalidTransitionError if cur is not an allowed source.
func Next(cur Status, ev Event) (Status, error) {
	r, ok := transitions[ev]
	if !ok {
		return "", fmt.Errorf("unknown lifecycle event %q", ev)
	}
	for _, f := range r.from {
		if f == cur {
			return r.to, nil
		}
	}
	return "", &InvalidTransitionError{Current: cur, Event: ev}
}

// AllowedFrom exposes the source set for an event; the store uses it for
// conflict-checked updates.
func AllowedFrom(ev Event) []Status {
	return transitions[ev].from
}

// eventRoles is the (role, event) authorization table. Ride-relative checks
// (bound driver only, requesting customer only) happen in the coordinator.
var eventRoles = map[Event][]models.Role{
	EventAccept:         {models.RoleDriver},
	EventArrive:         {models.RoleDriver},
	EventStart:          {models.RoleDriver},
	EventComplete:       {models.RoleDriver},
	EventCancelCustomer: {models.RoleCustomer},
	EventCancelDriver:   {models.RoleDriver},
	EventNoDrivers:      {}, // coordinator-internal only
}

func Allowed(role models.Role, ev Event) bool {
	for _, r := range eventRoles[ev] {
		if r == role {
			return true
		}
	}
	return false
}
