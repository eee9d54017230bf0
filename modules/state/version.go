package state

import (
	"strings"
	"sync"
)

type CPUFamily string

const (
	CPUESP32   CPUFamily = "ESP32"
	CPURV1126  CPUFamily = "RV1126"
	CPUUnknown CPUFamily = "Unknown"
)

type Model string

const (
	ModelP1P     Model = "P1P"
	ModelP1S     Model = "P1S"
	ModelX1C     Model = "X1C"
	ModelX1E     Model = "X1E"
	ModelA1      Model = "A1"
	ModelA1Mini  Model = "A1 Mini"
	ModelUnknown Model = "Unknown"
)

// VersionData describes the printer hardware, derived from the module list in
// a get_version response.
type VersionData struct {
	SoftwareVersion string
	HardwareVersion string
	Serial          string
	CPU             CPUFamily
	Model           Model
}

// Version holds the last-known VersionData.
type Version struct {
	mu   sync.RWMutex
	data VersionData
	seen bool
}

func NewVersion() *Version {
	return &Version{data: VersionData{CPU: CPUUnknown, Model: ModelUnknown}}
}

// OnUpdate parses a get_version "info" object. The interesting entries in the
// module list are "ota" (firmware version) and the SoC module, whose name
// tells the CPU family apart.
func (v *Version) OnUpdate(info map[string]any) {
	modules, ok := info["module"].([]any)
	if !ok {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.seen = true

	for _, raw := range modules {
		mod, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := getString(mod, "name")
		swVer, _ := getString(mod, "sw_ver")
		hwVer, _ := getString(mod, "hw_ver")
		serial, _ := getString(mod, "sn")

		switch {
		case name == "ota":
			v.data.SoftwareVersion = swVer
			if serial != "" {
				v.data.Serial = serial
			}
		case strings.Contains(name, "esp32"):
			v.data.CPU = CPUESP32
			v.data.HardwareVersion = hwVer
		case strings.Contains(name, "rv1126"):
			v.data.CPU = CPURV1126
			v.data.HardwareVersion = hwVer
		}
	}
	v.data.Model = modelFromSerial(v.data.Serial)
}

func (v *Version) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data = VersionData{CPU: CPUUnknown, Model: ModelUnknown}
	v.seen = false
}

func (v *Version) Snapshot() VersionData {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.data
}

func (v *Version) HasVersion() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.seen
}

// Bambu serial numbers encode the model in their prefix.
// TODO: extend as new hardware revisions ship; unknown prefixes degrade to ModelUnknown.
func modelFromSerial(serial string) Model {
	switch {
	case strings.HasPrefix(serial, "00M"):
		return ModelX1C
	case strings.HasPrefix(serial, "03W"):
		return ModelX1E
	case strings.HasPrefix(serial, "01S"):
		return ModelP1P
	case strings.HasPrefix(serial, "01P"):
		return ModelP1S
	case strings.HasPrefix(serial, "030"):
		return ModelA1Mini
	case strings.HasPrefix(serial, "039"):
		return ModelA1
	default:
		return ModelUnknown
	}
}
