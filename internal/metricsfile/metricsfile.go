package metricsfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/zmirror/zmirror/internal/probe"
)

// Write renders the outcome as a Prometheus text exposition at path,
// written to a temp file in the same directory and renamed into place so
// the collector never reads a half-written exposition.
func Write(path string, out *probe.Outcome, elapsed time.Duration) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(f.Name()) // leftover only on error paths

	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families(out, elapsed) {
		if err := enc.Encode(mf); err != nil {
			f.Close()
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	if c, ok := enc.(expfmt.Closer); ok {
		if err := c.Close(); err != nil {
			f.Close()
			return fmt.Errorf("finish exposition: %w", err)
		}
	}

	// The collector typically runs as another user; temp files are 0600.
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		return fmt.Errorf("chmod: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// families renders the outcome as metric families in a fixed order.
func families(out *probe.Outcome, elapsed time.Duration) []*dto.MetricFamily {
	return []*dto.MetricFamily{
		gauge("zmirror_check_success",
			"Whether the last mirroring check fully succeeded.",
			metric(boolValue(out.Success()))),
		gauge("zmirror_check_missing_tokens",
			"Probe tokens lost per mirroring direction during the last check.",
			metric(float64(len(out.OnZephyr.MissingZulipOrigin)), "direction", "zulip_to_zephyr"),
			metric(float64(len(out.OnZulip.MissingZephyrOrigin)), "direction", "zephyr_to_zulip")),
		gauge("zmirror_check_duplicate_deliveries",
			"Whether any probe token arrived more than once on a side.",
			metric(boolValue(out.OnZulip.HasDuplicates), "side", "zulip"),
			metric(boolValue(out.OnZephyr.HasDuplicates), "side", "zephyr")),
		gauge("zmirror_check_duration_seconds",
			"Wall-clock duration of the last check run.",
			metric(elapsed.Seconds())),
	}
}

func gauge(name, help string, metrics ...*dto.Metric) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: metrics,
	}
}

// metric builds one gauge sample; labelPairs alternate name, value.
func metric(value float64, labelPairs ...string) *dto.Metric {
	m := &dto.Metric{Gauge: &dto.Gauge{Value: proto.Float64(value)}}
	for i := 0; i+1 < len(labelPairs); i += 2 {
		m.Label = append(m.Label, &dto.LabelPair{
			Name:  proto.String(labelPairs[i]),
			Value: proto.String(labelPairs[i+1]),
		})
	}
	return m
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
