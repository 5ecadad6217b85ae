package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IsLeader.Set(1)
	m.AliveNodes.Set(3)
	m.UploadsTotal.WithLabelValues("success").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["cryovault_coordinator_is_leader"])
	require.True(t, names["cryovault_alive_nodes"])
	require.True(t, names["cryovault_uploads_total"])
}

func TestNew_PanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic registering collectors twice against the same registry")
		}
	}()
	New(reg)
}
