// Package commands is the thin surface that composes printer state reads
// with publishes on the upstream session: pause/resume/cancel, chamber light,
// and the job-status record.
package commands

import (
	"encoding/json"
	"net/http"

	"github.com/printnest/bambulink/engine"
	"github.com/printnest/bambulink/modules/printrecord"
	"github.com/printnest/bambulink/modules/state"
)

// Commander is the slice of the upstream session the command surface uses.
type Commander interface {
	Pause() error
	Resume() error
	Stop() error
	SetChamberLight(on bool) error
	Connected() bool
}

// RecordSource provides the record of the print currently being tracked.
type RecordSource interface {
	CurrentRecord() *printrecord.Record
}

type Module struct {
	cache   *state.Cache
	session Commander
	records RecordSource
}

func New(cache *state.Cache, session Commander, records RecordSource) *Module {
	return &Module{cache: cache, session: session, records: records}
}

// JobStatus assembles the full status record from the cached printer state.
func (m *Module) JobStatus() JobStatus {
	snap := m.cache.Snapshot()
	errKind := m.cache.PrinterError()

	status := JobStatus{
		State:        mapState(snap, errKind),
		Error:        errorString(errKind, snap),
		CurrentLayer: snap.LayerNum,
		TotalLayers:  snap.TotalLayerNum,
		HotendActual: round2p(snap.NozzleTemp),
		HotendTarget: round2p(snap.NozzleTarget),
		BedActual:    round2p(snap.BedTemp),
		BedTarget:    round2p(snap.BedTarget),
	}

	if snap.StageCurrent != nil {
		status.SubState = stageNames[*snap.StageCurrent]
	}
	if snap.SubtaskName != nil && *snap.SubtaskName != "" {
		status.FileName = state.FileNameNoExt(*snap.SubtaskName)
	}
	if snap.McPercent != nil {
		progress := float64(*snap.McPercent)
		status.Progress = &progress
	}
	if left, ok := m.cache.ContinuousRemainingSec(); ok {
		status.TimeLeftSec = &left
	}
	if rec := m.records.CurrentRecord(); rec != nil {
		dur := rec.CurrentDurationSec()
		status.DurationSec = &dur
	}
	if snap.ChamberLightOn != nil {
		status.Lights = []Light{{Name: "chamber", On: *snap.ChamberLightOn}}
	}
	return status
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.HandleFunc("GET /api/v1/status", m.serveStatus)
	router.HandleFunc("POST /api/v1/pause", m.command(func() error { return m.session.Pause() }))
	router.HandleFunc("POST /api/v1/resume", m.command(func() error { return m.session.Resume() }))
	router.HandleFunc("POST /api/v1/cancel", m.command(func() error { return m.session.Stop() }))
	router.HandleFunc("POST /api/v1/light", m.serveLight)
	router.HandleFunc("GET /healthz", m.serveHealth)
}

func (m *Module) serveStatus(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(m.JobStatus())
	if engine.HandleError(w, err) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// command publishes to the printer and reports a failure to the caller as a
// 400: the command didn't take, the user should retry.
func (m *Module) command(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (m *Module) serveLight(w http.ResponseWriter, r *http.Request) {
	body := struct {
		On bool `json:"on"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := m.session.SetChamberLight(body.On); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) serveHealth(w http.ResponseWriter, r *http.Request) {
	if !m.session.Connected() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
