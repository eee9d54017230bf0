package commands

import (
	"fmt"
	"math"

	"github.com/printnest/bambulink/modules/state"
)

// JobStatus is the language-neutral status record served to API consumers.
type JobStatus struct {
	State        string   `json:"state"`
	SubState     string   `json:"sub_state,omitempty"`
	CurrentLayer *int     `json:"current_layer,omitempty"`
	TotalLayers  *int     `json:"total_layers,omitempty"`
	DurationSec  *int64   `json:"duration_sec,omitempty"`
	Progress     *float64 `json:"progress,omitempty"`
	TimeLeftSec  *int     `json:"time_left_sec,omitempty"`
	HotendActual *float64 `json:"hotend_actual,omitempty"`
	HotendTarget *float64 `json:"hotend_target,omitempty"`
	BedActual    *float64 `json:"bed_actual,omitempty"`
	BedTarget    *float64 `json:"bed_target,omitempty"`
	Lights       []Light  `json:"lights,omitempty"`
	FileName     string   `json:"filename,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type Light struct {
	Name string `json:"name"`
	On   bool   `json:"on"`
}

// Stages the printer can be in while the gcode state alone says "RUNNING".
var stageNames = map[int]string{
	1:  "auto bed leveling",
	2:  "heatbed preheating",
	3:  "sweeping xy mech mode",
	4:  "changing filament",
	5:  "m400 pause",
	6:  "paused due to filament runout",
	7:  "heating hotend",
	8:  "calibrating extrusion",
	9:  "scanning bed surface",
	10: "inspecting first layer",
	11: "identifying build plate type",
	12: "calibrating micro lidar",
	13: "homing toolhead",
	14: "cleaning nozzle tip",
	15: "checking extruder temperature",
	16: "paused by the user",
	17: "pause of front cover falling",
}

// Stage codes that mean the printer is still warming up rather than printing.
var warmupStages = map[int]struct{}{2: {}, 7: {}}

// mapState reduces the printer's gcode state to the coarse job state exposed
// by the API.
func mapState(snap state.Data, errKind state.ErrorKind) string {
	if errKind != state.ErrorNone {
		return "error"
	}
	if snap.GcodeState == nil {
		return "idle"
	}
	switch *snap.GcodeState {
	case state.GcodeRunning, state.GcodeSlicing:
		if snap.StageCurrent != nil {
			if _, ok := warmupStages[*snap.StageCurrent]; ok {
				return "warmingup"
			}
		}
		return "printing"
	case state.GcodePrepare:
		return "warmingup"
	case state.GcodePause:
		return "paused"
	case state.GcodeFinish:
		// X1 printers report FINISH after first-boot calibration with no
		// layers; that's not a completed print.
		if snap.TotalLayerNum != nil && *snap.TotalLayerNum > 0 {
			return "complete"
		}
		return "idle"
	case state.GcodeFailed:
		return "cancelled"
	default: // IDLE, INIT, OFFLINE, UNKNOWN
		return "idle"
	}
}

func errorString(errKind state.ErrorKind, snap state.Data) string {
	switch errKind {
	case state.ErrorFilamentRunOut:
		return "Filament run out"
	case state.ErrorUnknown:
		code := 0
		if snap.PrintError != nil {
			code = *snap.PrintError
		}
		return fmt.Sprintf("Printer error %d", code)
	default:
		return ""
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round2p(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := round2(*v)
	return &r
}
