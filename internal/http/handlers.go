package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
)

type rideRequestBody struct {
	Pickup       models.GeoPoint     `json:"pickup"`
	Dropoff      models.GeoPoint     `json:"dropoff"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var body rideRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "malformed request body"})
		return
	}
	actor := actorFromContext(r.Context())
	ride, err := s.coord.RequestRide(r.Context(), actor, body.Pickup, body.Dropoff, body.VehicleClass)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ride.Status == string(lifecycle.StatusNoDriversFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"message": "No drivers found nearby for your request at the moment.",
			"ride_id": ride.ID,
			"status":  ride.Status,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message":           "Ride requested successfully. Searching for drivers...",
		"ride_id":           ride.ID,
		"status":            ride.Status,
		"estimated_fare":    ride.EstimatedFare,
		"estimated_minutes": ride.EstimatedMinutes,
	})
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	ride, err := s.coord.Accept(r.Context(), actor, mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "Ride accepted successfully.",
		"ride_id":   ride.ID,
		"status":    ride.Status,
		"driver_id": ride.DriverID,
	})
}

func (s *Server) handleRejectRide(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	if err := s.coord.Reject(r.Context(), actor, mux.Vars(r)["ride_id"]); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Ride rejected."})
}

func (s *Server) handleDriverArrived(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	ride, err := s.coord.Arrived(r.Context(), actor, mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Arrival recorded.", "ride_id": ride.ID, "status": ride.Status})
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	ride, err := s.coord.Start(r.Context(), actor, mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Ride started successfully.", "ride_id": ride.ID, "status": ride.Status})
}

type endRideBody struct {
	Dropoff *models.GeoPoint `json:"dropoff"`
}

func (s *Server) handleEndRide(w http.ResponseWriter, r *http.Request) {
	var body endRideBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "malformed request body"})
			return
		}
	}
	actor := actorFromContext(r.Context())
	ride, err := s.coord.Complete(r.Context(), actor, mux.Vars(r)["ride_id"], body.Dropoff)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "Ride ended successfully. Fare calculated.",
		"ride_id":     ride.ID,
		"status":      ride.Status,
		"fare":        ride.FinalFare,
		"distance_km": ride.DistanceKm,
	})
}

type cancelRideBody struct {
	Reason string `json:"cancellation_reason"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var body cancelRideBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"message": "malformed request body"})
			return
		}
	}
	actor := actorFromContext(r.Context())
	ride, err := s.coord.Cancel(r.Context(), actor, mux.Vars(r)["ride_id"], body.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Ride cancelled successfully.", "ride_id": ride.ID, "status": ride.Status})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	ride, err := s.coord.RideByID(r.Context(), actor, mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleActiveRide(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	ride, err := s.coord.ActiveRide(r.Context(), actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRideHistory(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	rides, err := s.coord.History(r.Context(), actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

type driverLocationBody struct {
	Coordinates  models.Coord        `json:"coordinates"`
	Available    *bool               `json:"available"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body driverLocationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "malformed request body"})
		return
	}
	actor := actorFromContext(r.Context())
	entry, err := s.coord.UpdateDriverLocation(r.Context(), actor, body.Coordinates, body.Available, body.VehicleClass)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Driver location updated successfully.", "driver": entry})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	id := mux.Vars(r)["driver_id"]
	if actor.Role != models.RoleDriver || actor.ID != id {
		writeJSON(w, http.StatusForbidden, map[string]any{"message": "websocket session must match the authenticated driver"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.wsReg.Add(id, conn)
	// drain until the client goes away so the session can be reaped
	go func() {
		defer func() {
			s.wsReg.Remove(id)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	switch dispatch.KindOf(err) {
	case dispatch.KindValidation:
		status = http.StatusBadRequest
	case dispatch.KindConflict:
		status = http.StatusConflict
	case dispatch.KindNotFound:
		status = http.StatusNotFound
	case dispatch.KindUnauthorized:
		status = http.StatusForbidden
	case dispatch.KindUpstream:
		status = http.StatusBadGateway
	default:
		s.logger.Error("internal error", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "internal error"})
		return
	}
	body := map[string]any{"message": err.Error()}
	var de *dispatch.Error
	if errors.As(err, &de) && len(de.Fields) > 0 {
		body["fields"] = de.Fields
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
