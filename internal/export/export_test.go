package export

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gputop/internal/container"
	"github.com/skobkin/gputop/internal/device"
	"github.com/skobkin/gputop/internal/metric"
	"github.com/skobkin/gputop/internal/snapshot"
)

func testSnapshot() snapshot.Snapshot {
	return snapshot.Snapshot{
		Session:        uuid.MustParse("0b0e4d7c-6a47-4b8e-a0f5-2f9d8d1c7e11"),
		Sequence:       7,
		Timestamp:      time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC),
		Backend:        "nvml",
		DriverVersion:  "550.54.15",
		RuntimeVersion: "12.4",
		Devices: []device.Snapshot{{
			Index:       0,
			Name:        "NVIDIA A100-SXM4-40GB",
			UUID:        "GPU-a",
			Temperature: device.Temperature{Current: metric.Int(65, "C")},
			Power:       device.Power{Draw: metric.Float(250.5, "W"), Limit: metric.Float(400, "W")},
			Utilization: device.Utilization{GPU: metric.Int(87, "%"), Memory: metric.Unavailable()},
			Memory:      device.Memory{Total: metric.Int(40960, "MiB"), Used: metric.Int(10240, "MiB")},
		}},
		Processes: []snapshot.Process{
			{
				ProcessUsage: device.ProcessUsage{DeviceIndex: 0, PID: 500, UsedMemory: metric.Int(256, "MiB"), Type: "C", Name: "python3"},
				UID:          1000,
				Container:    &container.Record{ID: "4f1c2d3e4f5a6b7c8d9e", Name: "web", InitPID: 400},
			},
			{
				ProcessUsage: device.ProcessUsage{DeviceIndex: 0, PID: 1420, UsedMemory: metric.Unavailable(), Type: "G", Name: "Xorg"},
			},
			{
				ProcessUsage: device.ProcessUsage{DeviceIndex: 0, PID: 600, UsedMemory: metric.Int(64, "MiB"), Type: "C"},
			},
		},
		ContainerSupport: true,
		Issues:           []snapshot.Issue{{Device: 0, Field: "utilization", Err: "query utilization: unknown error"}},
	}
}

func TestCollectorExportsDeviceGauges(t *testing.T) {
	t.Parallel()

	expected := `
# HELP gputop_gpu_temperature_celsius Current GPU temperature in Celsius.
# TYPE gputop_gpu_temperature_celsius gauge
gputop_gpu_temperature_celsius{gpu="0",uuid="GPU-a"} 65
# HELP gputop_gpu_power_watts Current GPU power draw in Watts.
# TYPE gputop_gpu_power_watts gauge
gputop_gpu_power_watts{gpu="0",uuid="GPU-a"} 250.5
# HELP gputop_gpu_memory_used_bytes Framebuffer memory in use in bytes.
# TYPE gputop_gpu_memory_used_bytes gauge
gputop_gpu_memory_used_bytes{gpu="0",uuid="GPU-a"} 10737418240
`
	err := testutil.CollectAndCompare(NewCollector(Static(testSnapshot())), strings.NewReader(expected),
		"gputop_gpu_temperature_celsius",
		"gputop_gpu_power_watts",
		"gputop_gpu_memory_used_bytes",
		"gputop_gpu_memory_utilization_percent",
	)
	require.NoError(t, err)
}

func TestCollectorExportsProcessMemory(t *testing.T) {
	t.Parallel()

	expected := `
# HELP gputop_process_used_memory_bytes GPU memory used by a process in bytes.
# TYPE gputop_process_used_memory_bytes gauge
gputop_process_used_memory_bytes{container="web",gpu="0",pid="500",uid="1000"} 268435456
gputop_process_used_memory_bytes{container="",gpu="0",pid="600",uid="0"} 67108864
# HELP gputop_snapshot_issues Readings that degraded to unavailable in the exported snapshot.
# TYPE gputop_snapshot_issues gauge
gputop_snapshot_issues 1
`
	err := testutil.CollectAndCompare(NewCollector(Static(testSnapshot())), strings.NewReader(expected),
		"gputop_process_used_memory_bytes",
		"gputop_snapshot_issues",
	)
	require.NoError(t, err)
}

func TestCollectorMergesRepeatedProcess(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	snap.Processes = []snapshot.Process{
		{ProcessUsage: device.ProcessUsage{DeviceIndex: 0, PID: 42, UsedMemory: metric.Int(100, "MiB"), Type: "C"}},
		{ProcessUsage: device.ProcessUsage{DeviceIndex: 0, PID: 42, UsedMemory: metric.Int(200, "MiB"), Type: "G"}},
	}

	expected := `
# HELP gputop_process_used_memory_bytes GPU memory used by a process in bytes.
# TYPE gputop_process_used_memory_bytes gauge
gputop_process_used_memory_bytes{container="",gpu="0",pid="42",uid="0"} 209715200
`
	err := testutil.CollectAndCompare(NewCollector(Static(snap)), strings.NewReader(expected),
		"gputop_process_used_memory_bytes")
	require.NoError(t, err)
}

type emptySource struct{}

func (emptySource) Latest() (snapshot.Snapshot, bool) { return snapshot.Snapshot{}, false }

func TestCollectorWithoutSnapshot(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, testutil.CollectAndCount(NewCollector(emptySource{})))
}

func TestBytesOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   metric.Value
		want float64
		ok   bool
	}{
		{metric.Int(2, "GiB"), 2 << 30, true},
		{metric.Int(3, "KB"), 3000, true},
		{metric.Float(1.5, "MiB"), 1.5 * (1 << 20), true},
		{metric.Int(-1, "MiB"), 0, false},
		{metric.Int(5, "%"), 0, false},
		{metric.Unavailable(), 0, false},
	}
	for _, tc := range cases {
		got, ok := bytesOf(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in.String())
		assert.Equal(t, tc.want, got, tc.in.String())
	}
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gputop.prom")
	require.NoError(t, WriteTextfile(path, Static(testSnapshot())))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `gputop_gpu_temperature_celsius{gpu="0",uuid="GPU-a"} 65`)
	assert.Contains(t, out, "gputop_snapshot_timestamp_seconds")
	assert.Contains(t, out, `pid="500"`)
	assert.NotContains(t, out, `pid="1420"`)
}

func TestWriteTextfileMissingDirectory(t *testing.T) {
	t.Parallel()

	err := WriteTextfile(filepath.Join(t.TempDir(), "missing", "gputop.prom"), Static(testSnapshot()))
	assert.Error(t, err)
}

func TestCompressionFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CompressionNone, CompressionFor("/tmp/snap.json"))
	assert.Equal(t, CompressionGzip, CompressionFor("/tmp/snap.json.gz"))
	assert.Equal(t, CompressionZstd, CompressionFor("/tmp/snap.json.zst"))
	assert.Equal(t, CompressionZstd, CompressionFor("/tmp/SNAP.ZSTD"))
	assert.Equal(t, "gzip", CompressionGzip.String())
}

func TestSnapshotFileRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		magic []byte
	}{
		{name: "snapshot.json", magic: []byte("{")},
		{name: "snapshot.json.gz", magic: []byte{0x1f, 0x8b}},
		{name: "snapshot.json.zst", magic: []byte{0x28, 0xb5, 0x2f, 0xfd}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			path := filepath.Join(dir, tc.name)
			want := testSnapshot()

			require.NoError(t, WriteSnapshotFile(path, want))
			// Overwrite to make sure the rename replaces the old file.
			want.Sequence++
			require.NoError(t, WriteSnapshotFile(path, want))

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.True(t, bytes.HasPrefix(raw, tc.magic), "unexpected header % x", raw[:4])

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Len(t, entries, 1, "temp files left behind")

			got, err := ReadSnapshotFile(path)
			require.NoError(t, err)
			assert.Equal(t, want.Session, got.Session)
			assert.Equal(t, want.Sequence, got.Sequence)
			assert.True(t, want.Timestamp.Equal(got.Timestamp))
			require.Len(t, got.Devices, 1)
			assert.True(t, want.Devices[0].Memory.Used.Equal(got.Devices[0].Memory.Used))
			assert.True(t, want.Devices[0].Power.Draw.Equal(got.Devices[0].Power.Draw))
			assert.Equal(t, metric.KindFloat, got.Devices[0].Power.Limit.Kind())
			assert.True(t, want.Devices[0].Power.Limit.Equal(got.Devices[0].Power.Limit))
			assert.False(t, got.Devices[0].Utilization.Memory.Available())
			require.Len(t, got.Processes, 3)
			assert.Equal(t, "web", got.Processes[0].Container.Name)
			assert.False(t, got.Processes[1].UsedMemory.Available())
			assert.Equal(t, want.Issues, got.Issues)
		})
	}
}

func TestWriteSnapshotFileMissingDirectory(t *testing.T) {
	t.Parallel()

	err := WriteSnapshotFile(filepath.Join(t.TempDir(), "missing", "snap.json"), testSnapshot())
	assert.Error(t, err)
}

func TestReadSnapshotFileRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "snap.json.gz")
	require.NoError(t, os.WriteFile(path, []byte("not gzip"), 0o644))

	_, err := ReadSnapshotFile(path)
	assert.Error(t, err)
}
