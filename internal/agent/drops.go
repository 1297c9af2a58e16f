package agent

import (
	"context"

	"firestige.xyz/whisperer/internal/core"
	"firestige.xyz/whisperer/internal/log"
	"firestige.xyz/whisperer/internal/metrics"
	"firestige.xyz/whisperer/internal/source"
)

// dropWatcher turns the cumulative capture counters into metric deltas.
type dropWatcher struct {
	iface  string
	source source.StatsSource
	last   core.CaptureStats
}

func (w *dropWatcher) poll(context.Context) error {
	st, err := w.source.Stats()
	if err != nil {
		return err
	}

	dropped := delta(st.Dropped, w.last.Dropped)
	ifDropped := delta(st.IfDropped, w.last.IfDropped)
	w.last = st

	metrics.CaptureDropsTotal.WithLabelValues(w.iface, "kernel").Add(float64(dropped))
	metrics.CaptureDropsTotal.WithLabelValues(w.iface, "interface").Add(float64(ifDropped))

	l := log.GetLogger().WithFields(map[string]interface{}{
		"interface":  w.iface,
		"received":   st.Received,
		"dropped":    dropped,
		"if_dropped": ifDropped,
	})
	if dropped+ifDropped > 0 {
		l.Warn("capture dropped packets")
	} else {
		l.Debug("capture stats")
	}
	return nil
}

// delta tolerates counter resets.
func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
