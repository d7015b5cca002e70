package detector

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/openfluke/graveler/planner"
)

func sampleReport() Report {
	return Report{
		Index:   1,
		Name:    "Test GPU",
		Backend: "Vulkan",
		Limits: Limits{
			MaxComputeInvocationsPerWorkgroup: 1024,
			MaxComputeWorkgroupSizeX:          1024,
			MaxComputeWorkgroupsPerDimension:  65535,
		},
	}
}

func TestDeviceLimits(t *testing.T) {
	r := sampleReport()
	want := planner.DeviceLimits{MaxInvocationsPerGroup: 1024, MaxGroupSizeX: 1024, MaxGroupCountX: 65535}
	if got := r.DeviceLimits(); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestRecommend(t *testing.T) {
	r := sampleReport()
	rec := recommend(r.DeviceLimits(), DefaultTarget)
	if rec.InvocationsPerGroup != 1024 || rec.GroupsPerDispatch != 65535 || rec.DispatchCount != 15 {
		t.Errorf("recommendation %+v", rec)
	}
	if rec.ResultBytes != 65535*4 {
		t.Errorf("result bytes %d", rec.ResultBytes)
	}
	if got := recommend(planner.DeviceLimits{}, 10); got.GroupsPerDispatch != 0 || got.TargetTrials != 10 {
		t.Errorf("zero limits gave %+v", got)
	}
}

func TestEncodeFormats(t *testing.T) {
	r := sampleReport()

	var js bytes.Buffer
	if err := Encode(&js, "json", r); err != nil {
		t.Fatal(err)
	}
	var back Report
	if err := json.Unmarshal(js.Bytes(), &back); err != nil {
		t.Fatal(err)
	}
	if back.Name != r.Name || back.Limits != r.Limits {
		t.Errorf("json round trip lost data: %+v", back)
	}

	var ym bytes.Buffer
	if err := Encode(&ym, "yaml", r); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ym.String(), "max_compute_workgroups_per_dimension: 65535") {
		t.Errorf("yaml missing limit:\n%s", ym.String())
	}
	var yback Report
	if err := yaml.Unmarshal(ym.Bytes(), &yback); err != nil {
		t.Fatal(err)
	}
	if yback.Index != 1 {
		t.Errorf("yaml index = %d", yback.Index)
	}

	if err := Encode(&js, "toml", r); err == nil {
		t.Error("unknown format accepted")
	}
}

func TestDetectSkipsWithoutAdapter(t *testing.T) {
	rep, err := Detect()
	if err != nil {
		t.Skipf("no adapter: %v", err)
	}
	if rep.Limits.MaxComputeWorkgroupSizeX == 0 {
		t.Errorf("adapter reports no workgroup size: %+v", rep.Limits)
	}
}
