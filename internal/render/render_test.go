package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gputop/internal/container"
	"github.com/skobkin/gputop/internal/device"
	"github.com/skobkin/gputop/internal/metric"
	"github.com/skobkin/gputop/internal/snapshot"
)

func sampleSnapshot() snapshot.Snapshot {
	return snapshot.Snapshot{
		Session:        uuid.MustParse("6f1c8a52-3b1d-4c36-9c61-0b6f0e1a2b3c"),
		Sequence:       3,
		Timestamp:      time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		DriverVersion:  "535.129.03",
		RuntimeVersion: "12.2",
		Devices: []device.Snapshot{{
			Index:       0,
			Name:        "NVIDIA A100-SXM4-40GB",
			UUID:        "GPU-7f3a",
			Temperature: device.Temperature{Current: metric.Int(65, "C")},
			Power:       device.Power{Draw: metric.Float(250.5, "W"), Limit: metric.Float(300, "W"), DefaultLimit: metric.Float(400, "W")},
			Utilization: device.Utilization{GPU: metric.Int(87, "%")},
			Memory:      device.Memory{Total: metric.Int(40960, "MiB"), Used: metric.Int(10240, "MiB")},
		}},
		Processes: []snapshot.Process{{
			ProcessUsage: device.ProcessUsage{DeviceIndex: 0, PID: 500, UsedMemory: metric.Int(256, "MiB"), Type: "C", Name: "python3"},
			User:         "root",
			Command:      "python3 train.py",
			Container:    &container.Record{ID: "4f1c2d3e4f5a6b7c", Name: "web", InitPID: 400},
		}},
		ContainerSupport: true,
		Issues:           []snapshot.Issue{{Device: 0, Field: "temperature", Err: "query temperature: GPU is lost"}},
	}
}

func TestTableRendersDevicesAndProcesses(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Table(&buf, sampleSnapshot(), Options{ShowIssues: true}))
	out := buf.String()

	assert.Contains(t, out, "Driver: 535.129.03  CUDA: 12.2")
	assert.Contains(t, out, "NVIDIA A100-SXM4-40GB")
	assert.Contains(t, out, "65C")
	assert.Contains(t, out, "250.5W / 300W")
	assert.Contains(t, out, "87%")
	assert.Contains(t, out, "10240/40960MiB")
	assert.Contains(t, out, "25%")
	assert.Contains(t, out, "Container")
	assert.Contains(t, out, "web")
	assert.Contains(t, out, "python3 train.py")
	assert.Contains(t, out, "! gpu 0 temperature: query temperature: GPU is lost")
	assert.NotContains(t, out, "\033[")
}

func TestTableHidesContainerColumnWithoutSupport(t *testing.T) {
	t.Parallel()

	snap := sampleSnapshot()
	snap.ContainerSupport = false
	snap.Processes[0].Container = nil

	var buf bytes.Buffer
	require.NoError(t, Table(&buf, snap, Options{}))
	assert.NotContains(t, buf.String(), "Container")
	assert.NotContains(t, buf.String(), "GPU is lost")
}

func TestTableToleratesInconsistentAndMissingValues(t *testing.T) {
	t.Parallel()

	snap := sampleSnapshot()
	snap.Devices[0].Memory = device.Memory{Total: metric.Int(1024, "MiB"), Used: metric.Int(4096, "MiB")}
	snap.Devices[0].Temperature.Current = metric.Unavailable()
	snap.Devices[0].Power = device.Power{}
	snap.DriverVersion = ""

	var buf bytes.Buffer
	require.NotPanics(t, func() {
		require.NoError(t, Table(&buf, snap, Options{Color: true}))
	})
	out := buf.String()
	assert.Contains(t, out, "4096/1024MiB")
	assert.Contains(t, out, "400%")
	assert.Contains(t, out, "Driver: N/A")
}

func TestTableShowsMinusOneAsNA(t *testing.T) {
	t.Parallel()

	snap := sampleSnapshot()
	snap.Devices[0].Memory = device.Memory{Total: metric.Int(40960, "MiB"), Used: metric.MustParse("-1 MiB")}
	snap.Devices[0].Utilization.GPU = metric.Int(-1, "%")

	var buf bytes.Buffer
	require.NoError(t, Table(&buf, snap, Options{}))
	out := buf.String()
	assert.Contains(t, out, "N/A/40960MiB")
	assert.NotContains(t, out, "-1/")
	assert.NotContains(t, out, "-1%")
	assert.NotContains(t, out, "25%")
}

func TestTableColorsTemperature(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Table(&buf, sampleSnapshot(), Options{Color: true}))
	assert.Contains(t, buf.String(), "\033[33m")
}

func TestJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, sampleSnapshot()))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "535.129.03", decoded["driver_version"])
	assert.Equal(t, true, decoded["container_support"])

	procs := decoded["processes"].([]any)
	require.Len(t, procs, 1)
	proc := procs[0].(map[string]any)
	assert.Equal(t, float64(500), proc["pid"])
	assert.Equal(t, map[string]any{"value": float64(256), "unit": "MiB"}, proc["used_memory"])
	assert.Equal(t, "web", proc["container"].(map[string]any)["name"])

	gpus := decoded["gpus"].([]any)
	temp := gpus[0].(map[string]any)["temperature"].(map[string]any)
	assert.Nil(t, temp["slowdown"])
}

func TestClearScreen(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, ClearScreen(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), "\033[H"))
}
