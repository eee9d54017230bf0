// Package state caches the last-known printer state. The upstream session is
// the only writer: every report message's "print" object is merged into the
// cache as a partial update. Everything else in the agent reads snapshots.
package state

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Gcode states reported by the printer.
const (
	GcodeIdle    = "IDLE"
	GcodePrepare = "PREPARE"
	GcodeSlicing = "SLICING"
	GcodeRunning = "RUNNING"
	GcodePause   = "PAUSE"
	GcodeFinish  = "FINISH"
	GcodeFailed  = "FAILED"
	GcodeInit    = "INIT"
	GcodeOffline = "OFFLINE"
	GcodeUnknown = "UNKNOWN"
)

// Data holds the last-known value of every printer field the agent cares
// about. All fields are optional: nil means the printer never reported it.
// Safe to copy by value.
type Data struct {
	GcodeState      *string
	StageCurrent    *int
	LayerNum        *int
	TotalLayerNum   *int
	SubtaskName     *string
	ProjectID       *string
	McPercent       *int
	NozzleTemp      *float64
	NozzleTarget    *float64
	BedTemp         *float64
	BedTarget       *float64
	McRemainingMin  *int // minutes, as reported
	PrintError      *int
	RTSPURL         *string // empty string is meaningful (set but blank) and distinct from nil
	ChamberLightOn  *bool
	remainingAnchor time.Time // wall clock of the last McRemainingMin change
}

// Cache provides thread-safe access to Data.
type Cache struct {
	mu   sync.RWMutex
	data Data
	seen bool

	now func() time.Time // stubbed in tests
}

func NewCache() *Cache {
	return &Cache{now: time.Now}
}

// OnUpdate merges a partial "print" object into the cache. Keys absent from
// the partial keep their previous values; only a change to mc_remaining_time
// re-anchors the countdown wall clock.
func (c *Cache) OnUpdate(partial map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = true

	if v, ok := getString(partial, "gcode_state"); ok {
		c.data.GcodeState = &v
	}
	if v, ok := getInt(partial, "stg_cur"); ok {
		c.data.StageCurrent = &v
	}
	if v, ok := getInt(partial, "layer_num"); ok {
		c.data.LayerNum = &v
	}
	if v, ok := getInt(partial, "total_layer_num"); ok {
		c.data.TotalLayerNum = &v
	}
	if v, ok := getString(partial, "subtask_name"); ok {
		c.data.SubtaskName = &v
	}
	if v, ok := getString(partial, "project_id"); ok {
		c.data.ProjectID = &v
	}
	if v, ok := getInt(partial, "mc_percent"); ok {
		c.data.McPercent = &v
	}
	if v, ok := getFloat(partial, "nozzle_temper"); ok {
		c.data.NozzleTemp = &v
	}
	if v, ok := getFloat(partial, "nozzle_target_temper"); ok {
		c.data.NozzleTarget = &v
	}
	if v, ok := getFloat(partial, "bed_temper"); ok {
		c.data.BedTemp = &v
	}
	if v, ok := getFloat(partial, "bed_target_temper"); ok {
		c.data.BedTarget = &v
	}
	if v, ok := getInt(partial, "mc_remaining_time"); ok {
		if c.data.McRemainingMin == nil || *c.data.McRemainingMin != v {
			c.data.remainingAnchor = c.now()
		}
		c.data.McRemainingMin = &v
	}
	if v, ok := getInt(partial, "print_error"); ok {
		c.data.PrintError = &v
	}
	if ipcam, ok := partial["ipcam"].(map[string]any); ok {
		if v, ok := getString(ipcam, "rtsp_url"); ok {
			c.data.RTSPURL = &v
		}
	}
	if lights, ok := partial["lights_report"].([]any); ok {
		for _, l := range lights {
			light, ok := l.(map[string]any)
			if !ok {
				continue
			}
			if name, _ := getString(light, "node"); name == "chamber_light" {
				if mode, ok := getString(light, "mode"); ok {
					on := mode == "on"
					c.data.ChamberLightOn = &on
				}
			}
		}
	}
}

// Reset clears the cache. Called when the upstream connection drops, since
// the printer's state is unknown while disconnected.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = Data{}
	c.seen = false
}

// Snapshot returns a copy of the current state data.
func (c *Cache) Snapshot() Data {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

// HasState reports whether any update has arrived since the last reset.
func (c *Cache) HasState() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seen
}

// IsPrinting reports whether the printer is actively working on a print.
// PREPARE and SLICING count: the print is underway even before extrusion.
func (c *Cache) IsPrinting(includePaused bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return isPrinting(c.data, includePaused)
}

func isPrinting(d Data, includePaused bool) bool {
	if d.GcodeState == nil {
		return false
	}
	switch *d.GcodeState {
	case GcodeRunning, GcodeSlicing, GcodePrepare:
		return true
	case GcodePause:
		return includePaused
	}
	return false
}

func (c *Cache) IsPaused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data.GcodeState != nil && *c.data.GcodeState == GcodePause
}

func (c *Cache) IsPrepareOrSlicing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return isPrepareOrSlicing(c.data)
}

func isPrepareOrSlicing(d Data) bool {
	return d.GcodeState != nil && (*d.GcodeState == GcodeSlicing || *d.GcodeState == GcodePrepare)
}

// ContinuousRemainingSec extrapolates a sub-minute countdown from the
// printer's minute-granularity remaining time. During PREPARE/SLICING the
// printer holds the estimate constant, so the anchor is rebased instead of
// counting down.
func (c *Cache) ContinuousRemainingSec() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.data.McRemainingMin == nil {
		return 0, false
	}
	totalSec := *c.data.McRemainingMin * 60
	if isPrepareOrSlicing(c.data) {
		c.data.remainingAnchor = c.now()
		return totalSec, true
	}
	elapsed := int(c.now().Sub(c.data.remainingAnchor).Seconds())
	remaining := totalSec - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// PrintCookie identifies the current print across agent restarts. It's only
// available once both the project id and filename are known.
func (c *Cache) PrintCookie() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return printCookie(c.data)
}

func printCookie(d Data) (string, bool) {
	if d.ProjectID == nil || d.SubtaskName == nil || *d.ProjectID == "" || *d.SubtaskName == "" {
		return "", false
	}
	return *d.ProjectID + "-" + fileNameNoExt(*d.SubtaskName), true
}

// FileName returns the current print's filename, if known.
func (c *Cache) FileName() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data.SubtaskName == nil || *c.data.SubtaskName == "" {
		return "", false
	}
	return *c.data.SubtaskName, true
}

func fileNameNoExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// FileNameNoExt strips the extension from a print filename for display.
func FileNameNoExt(name string) string { return fileNameNoExt(name) }

// JSON numbers decode as float64; the printer also sends some ints as strings.
func getString(m map[string]any, key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

func getInt(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func getFloat(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
