package eta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestOSRMRoute(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"code":"Ok","routes":[{"distance":8200,"duration":1080}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	res, err := c.Route(context.Background(), models.Coord{Lat: 12.97, Lon: 77.59}, models.Coord{Lat: 12.93, Lon: 77.62})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.DistanceKm != 8.2 || res.DurationMinutes != 18 {
		t.Fatalf("got %+v", res)
	}
	if !strings.HasPrefix(gotPath, "/route/v1/driving/") {
		t.Fatalf("unexpected path %s", gotPath)
	}
	// OSRM expects lon,lat ordering
	if !strings.Contains(gotPath, "77.590000,12.970000") {
		t.Fatalf("coordinates not lon,lat: %s", gotPath)
	}
}

func TestOSRMNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	c := NewOSRMClient(srv.URL)
	if _, err := c.Route(context.Background(), models.Coord{}, models.Coord{}); err == nil {
		t.Fatal("expected error for NoRoute")
	}
}

func TestOSRMErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := NewOSRMClient(srv.URL)
	if _, err := c.Route(context.Background(), models.Coord{}, models.Coord{}); err == nil {
		t.Fatal("expected error for 500 status")
	}
}
