package device

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jaypipes/pcidb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gputop/internal/metric"
)

func TestMemoryConsistent(t *testing.T) {
	t.Parallel()

	snap := Snapshot{Memory: Memory{Total: metric.Int(1024, "MiB"), Used: metric.Int(256, "MiB")}}
	assert.True(t, snap.MemoryConsistent())

	snap.Memory.Used = metric.Int(2048, "MiB")
	assert.False(t, snap.MemoryConsistent())

	snap.Memory.Total = metric.Unavailable()
	assert.True(t, snap.MemoryConsistent(), "missing total cannot be checked")
}

func TestPowerLimitChanged(t *testing.T) {
	t.Parallel()

	p := Power{Limit: metric.Float(250, "W"), DefaultLimit: metric.Float(300, "W")}
	assert.True(t, p.LimitChanged())

	p.Limit = metric.Float(300, "W")
	assert.False(t, p.LimitChanged())

	p.DefaultLimit = metric.Unavailable()
	assert.False(t, p.LimitChanged())
}

func TestQueryErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	cause := errors.New("driver said no")
	err := fmt.Errorf("read device 0: %w", NewQueryError("temperature", cause))

	assert.ErrorIs(t, err, ErrQuery)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrBackendUnavailable)

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "temperature", qe.Metric)
	assert.Contains(t, err.Error(), "query temperature")
}

func withPCIDatabase(t *testing.T, db *pcidb.PCIDB, err error) {
	t.Helper()
	prev := pciLoader
	reset := func() {
		pciOnce = sync.Once{}
		pciDB = nil
		pciErr = nil
	}
	reset()
	pciLoader = func() (*pcidb.PCIDB, error) { return db, err }
	t.Cleanup(func() {
		pciLoader = prev
		reset()
	})
}

func TestResolveNameFromPCIDatabase(t *testing.T) {
	withPCIDatabase(t, &pcidb.PCIDB{
		Products: map[string]*pcidb.Product{
			"10de20b0": {
				VendorID: "10de",
				ID:       "20b0",
				Name:     "GA100 [A100 SXM4 40GB]",
				Subsystems: []*pcidb.Product{
					{VendorID: "10de", ID: "1450", Name: "A100-SXM4-40GB"},
				},
			},
		},
	}, nil)

	id := ParsePCIIdentity("0x20B010DE", "0x145010DE")
	assert.Equal(t, uint32(0x20B010DE), id.Device)

	assert.Equal(t, "A100-SXM4-40GB", ResolveName("", id))
	assert.Equal(t, "A100-SXM4-40GB", ResolveName("Graphics Device", id))
	assert.Equal(t, "NVIDIA A100", ResolveName("NVIDIA A100", id), "specific names are kept")

	noSubsystem := ParsePCIIdentity("0x20B010DE", "")
	assert.Equal(t, "GA100 [A100 SXM4 40GB]", ResolveName("", noSubsystem))
}

func TestResolveNameWithoutDatabase(t *testing.T) {
	withPCIDatabase(t, nil, errors.New("no pci.ids"))

	assert.Equal(t, "Unknown", ResolveName("Unknown", ParsePCIIdentity("0x20B010DE", "")))
	assert.Equal(t, "", ResolveName("", PCIIdentity{}))
}

func TestParsePCIIdentityRejectsGarbage(t *testing.T) {
	t.Parallel()

	id := ParsePCIIdentity("N/A", "zz")
	assert.Zero(t, id.Device)
	assert.Zero(t, id.Subsystem)
}
