package main

import (
	"encoding/json"
	"net/http"
	"time"

	proxyrotator "go-proxyrotator"
)

// fleetSource is the read side of the Controller used by the status endpoint.
type fleetSource interface {
	State() proxyrotator.State
	Snapshot() []proxyrotator.Member
}

type memberView struct {
	Address       string `json:"address"`
	Region        int    `json:"region"`
	RegionName    string `json:"region_name"`
	InstanceID    string `json:"instance_id"`
	Active        bool   `json:"active"`
	ActivatedAt   int64  `json:"activated_at,omitempty"`
	DeactivatedAt int64  `json:"deactivated_at,omitempty"`
}

type fleetView struct {
	State   string       `json:"state"`
	Active  int          `json:"active"`
	Proxies []memberView `json:"proxies"`
}

func newFleetView(source fleetSource, names map[proxyrotator.RegionID]string) fleetView {
	var (
		members = source.Snapshot()
		view    = fleetView{State: source.State().String(), Proxies: make([]memberView, 0, len(members))}
	)
	for _, member := range members {
		if member.Active {
			view.Active++
		}
		view.Proxies = append(view.Proxies, memberView{
			Address:       member.Address,
			Region:        int(member.Region),
			RegionName:    proxyrotator.RegionName(member.Region, names),
			InstanceID:    member.InstanceID,
			Active:        member.Active,
			ActivatedAt:   unixOrZero(member.ActivatedAt),
			DeactivatedAt: unixOrZero(member.DeactivatedAt),
		})
	}
	return view
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func newStatusHandler(source fleetSource, liveness proxyrotator.Liveness, names map[proxyrotator.RegionID]string) http.Handler {
	var mux = http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !liveness.Alive() {
			http.Error(w, "stopping", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /fleet", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(newFleetView(source, names))
	})

	return mux
}

func newStatusServer(addr string, source fleetSource, liveness proxyrotator.Liveness, names map[proxyrotator.RegionID]string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           newStatusHandler(source, liveness, names),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
