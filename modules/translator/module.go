// Package translator turns the stream of raw printer report messages into
// high-level lifecycle events by diffing each message's resulting state
// against the previous one. It also owns the "current print" record.
package translator

import (
	"sync"
	"time"

	"github.com/printnest/bambulink/modules/printrecord"
	"github.com/printnest/bambulink/modules/state"
)

type Translator struct {
	cache    *state.Cache
	records  *printrecord.Store
	notifier Notifier

	// Written only from the session's receive goroutine. The mutex exists
	// for CurrentRecord readers (the command surface).
	mu             sync.Mutex
	lastGcodeState string // "" until the first state is observed
	lastLayer      int
	current        *printrecord.Record

	now func() time.Time
}

func New(cache *state.Cache, records *printrecord.Store, notifier Notifier) *Translator {
	return &Translator{
		cache:    cache,
		records:  records,
		notifier: notifier,
		now:      time.Now,
	}
}

// CurrentRecord returns the record of the print being tracked, if any.
func (t *Translator) CurrentRecord() *printrecord.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// OnMessage consumes one upstream report message after the state cache has
// already been updated with it. firstFullSync marks the first complete
// snapshot after a (re)connect.
func (t *Translator) OnMessage(root map[string]any, firstFullSync bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	printObj, _ := root["print"].(map[string]any)
	snap := t.cache.Snapshot()

	cur := state.GcodeUnknown
	if snap.GcodeState != nil {
		cur = *snap.GcodeState
	}
	fileName := ""
	if snap.SubtaskName != nil {
		fileName = *snap.SubtaskName
	}
	cookie, hasCookie := t.cache.PrintCookie()

	if firstFullSync {
		t.restore(cookie, hasCookie, fileName)
	}

	if t.lastGcodeState == "" {
		// Very first observed state: record it, emit nothing.
		t.lastGcodeState = cur
	} else if cur != t.lastGcodeState {
		t.onTransition(t.lastGcodeState, cur, cookie, hasCookie, fileName)
		t.lastGcodeState = cur
	}

	t.trackLayer(printObj, fileName)
	t.trackProgress(printObj, firstFullSync)
}

func (t *Translator) restore(cookie string, hasCookie bool, fileName string) {
	printing := t.cache.IsPrinting(false)
	paused := t.cache.IsPaused()
	t.notifier.OnRestorePrintIfNeeded(printing, paused, cookie)

	// Resync the current-print record so duration accounting survives an
	// agent restart mid-print.
	if (printing || paused) && hasCookie {
		t.current = t.records.GetOrNull(cookie)
		if t.current == nil {
			t.current = t.records.CreateNew(cookie, fileName)
		}
	}
}

func (t *Translator) onTransition(last, cur, cookie string, hasCookie bool, fileName string) {
	wasPrintingIncl := isPrintingState(last) || last == state.GcodePause
	nowPrintingIncl := isPrintingState(cur) || cur == state.GcodePause

	switch {
	case isPrintingState(cur) && last == state.GcodePause:
		t.notifier.OnResume(fileName)

	case isPrintingState(cur) && !isPrintingState(last):
		if hasCookie {
			if t.current = t.records.GetOrNull(cookie); t.current == nil {
				t.current = t.records.CreateNew(cookie, fileName)
			}
		}
		t.lastLayer = 0
		t.notifier.OnPrintStart(cookie, fileName)

	case cur == state.GcodePause:
		switch t.cache.PrinterError() {
		case state.ErrorFilamentRunOut:
			t.notifier.OnFilamentChange()
		case state.ErrorUnknown:
			t.notifier.OnUserInteractionNeeded()
		default:
			t.notifier.OnPaused(fileName)
		}

	case cur == state.GcodeFailed:
		t.notifier.OnFailed(fileName, "cancelled")

	case cur == state.GcodeFinish:
		t.notifier.OnComplete(fileName)
	}

	// The printer never reports elapsed time, so the final duration is
	// computed locally from the record's start time.
	if wasPrintingIncl && !nowPrintingIncl && t.current != nil && t.current.FinalDurationSec == 0 {
		t.current.SetFinalDuration(t.now().Unix() - t.current.StartTimeSec)
	}
}

func (t *Translator) trackLayer(printObj map[string]any, fileName string) {
	if printObj == nil || !t.cache.IsPrinting(false) {
		return
	}
	layer, ok := intField(printObj, "layer_num")
	if !ok {
		return
	}
	if t.lastLayer <= 1 && layer >= 2 {
		t.notifier.OnFirstLayerDone(fileName)
	}
	t.lastLayer = layer
}

func (t *Translator) trackProgress(printObj map[string]any, firstFullSync bool) {
	if firstFullSync || printObj == nil || t.current == nil || t.cache.IsPrepareOrSlicing() {
		return
	}
	if pct, ok := printObj["mc_percent"].(float64); ok {
		t.notifier.OnProgress(pct)
	}
}

func isPrintingState(s string) bool {
	return s == state.GcodeRunning || s == state.GcodeSlicing || s == state.GcodePrepare
}

func intField(m map[string]any, key string) (int, bool) {
	v, ok := m[key].(float64)
	return int(v), ok
}
