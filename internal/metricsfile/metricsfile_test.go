package metricsfile

import (
	"maps"
	"os"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/zmirror/zmirror/internal/config"
	"github.com/zmirror/zmirror/internal/probe"
)

func testOutcome(onZulip, onZephyr []string) *probe.Outcome {
	dest := config.Destination{Class: "zmirror-nagios-test", Instance: "test", Shard: "9"}
	viaZulip := probe.Issuance{"1": dest, "2": dest}
	viaZephyr := probe.Issuance{"3": dest}
	return &probe.Outcome{
		ViaZulip:  viaZulip,
		ViaZephyr: viaZephyr,
		OnZulip:   probe.Reconcile(onZulip, viaZulip, viaZephyr),
		OnZephyr:  probe.Reconcile(onZephyr, viaZulip, viaZephyr),
	}
}

func writeAndParse(t *testing.T, out *probe.Outcome, elapsed time.Duration) map[string]*dto.MetricFamily {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zmirror.prom")
	if err := Write(path, out, elapsed); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open exposition: %v", err)
	}
	defer f.Close()
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(f)
	if err != nil {
		t.Fatalf("exposition does not parse back: %v", err)
	}
	return mfs
}

func value(t *testing.T, mfs map[string]*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	mf, ok := mfs[name]
	if !ok {
		t.Fatalf("family %s missing", name)
	}
	for _, m := range mf.GetMetric() {
		got := make(map[string]string, len(m.GetLabel()))
		for _, lp := range m.GetLabel() {
			got[lp.GetName()] = lp.GetValue()
		}
		if maps.Equal(got, labels) {
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("no %s sample with labels %v", name, labels)
	return 0
}

func TestWrite_FailureOutcome(t *testing.T) {
	// Token 2 lost locally, token 3 never mirrored to zulip, token 1
	// duplicated on zephyr.
	out := testOutcome([]string{"1"}, []string{"1", "1", "2"})
	mfs := writeAndParse(t, out, 1500*time.Millisecond)

	if got := value(t, mfs, "zmirror_check_success", nil); got != 0 {
		t.Errorf("success gauge: got %v, want 0", got)
	}
	if got := value(t, mfs, "zmirror_check_missing_tokens", map[string]string{"direction": "zulip_to_zephyr"}); got != 0 {
		t.Errorf("zulip_to_zephyr missing: got %v, want 0", got)
	}
	if got := value(t, mfs, "zmirror_check_missing_tokens", map[string]string{"direction": "zephyr_to_zulip"}); got != 1 {
		t.Errorf("zephyr_to_zulip missing: got %v, want 1", got)
	}
	if got := value(t, mfs, "zmirror_check_duplicate_deliveries", map[string]string{"side": "zephyr"}); got != 1 {
		t.Errorf("zephyr duplicate flag: got %v, want 1", got)
	}
	if got := value(t, mfs, "zmirror_check_duplicate_deliveries", map[string]string{"side": "zulip"}); got != 0 {
		t.Errorf("zulip duplicate flag: got %v, want 0", got)
	}
	if got := value(t, mfs, "zmirror_check_duration_seconds", nil); got != 1.5 {
		t.Errorf("duration gauge: got %v, want 1.5", got)
	}
}

func TestWrite_SuccessOutcome(t *testing.T) {
	all := []string{"1", "2", "3"}
	mfs := writeAndParse(t, testOutcome(all, all), time.Second)

	if got := value(t, mfs, "zmirror_check_success", nil); got != 1 {
		t.Errorf("success gauge: got %v, want 1", got)
	}
	for _, dir := range []string{"zulip_to_zephyr", "zephyr_to_zulip"} {
		if got := value(t, mfs, "zmirror_check_missing_tokens", map[string]string{"direction": dir}); got != 0 {
			t.Errorf("%s missing: got %v, want 0", dir, got)
		}
	}
}

func TestWrite_ReplacesWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zmirror.prom")
	all := []string{"1", "2", "3"}

	for range 2 {
		if err := Write(path, testOutcome(all, all), time.Second); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "zmirror.prom" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory after two writes: %v, want only zmirror.prom", names)
	}
}

func TestWrite_MissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no-such-dir", "zmirror.prom")
	all := []string{"1", "2", "3"}
	if err := Write(path, testOutcome(all, all), time.Second); err == nil {
		t.Fatal("Write() into a missing directory should fail")
	}
}
