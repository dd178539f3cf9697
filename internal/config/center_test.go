package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCenterReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o644))

	center, err := NewCenter(path, nil)
	require.NoError(t, err)

	assert.InDelta(t, 0.55, center.Current().Trading.Theta, 1e-9)

	var gotOld, gotNew *Config
	center.Subscribe(func(old, new *Config) {
		gotOld, gotNew = old, new
	})

	// Change a tunable and reload
	updated := testConfigYAML + "\nadmission:\n  position_coefficient: 0.25\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, center.Reload())

	assert.InDelta(t, 0.25, center.Current().Admission.PositionCoefficient, 1e-9)
	require.NotNil(t, gotOld)
	require.NotNil(t, gotNew)
	assert.InDelta(t, 0.1, gotOld.Admission.PositionCoefficient, 1e-9)
	assert.InDelta(t, 0.25, gotNew.Admission.PositionCoefficient, 1e-9)
}

func TestCenterReloadRejectsEndpointChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o644))

	center, err := NewCenter(path, nil)
	require.NoError(t, err)

	// Moving the gateway requires a restart
	moved := strings.Replace(testConfigYAML, "addr: 127.0.0.1:5555", "addr: 10.0.0.9:5555", 1)
	require.NoError(t, os.WriteFile(path, []byte(moved), 0o644))

	err = center.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway.addr")

	// Previous configuration stays active
	assert.Equal(t, "127.0.0.1:5555", center.Current().Gateway.Addr)
}

func TestCenterReloadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o644))

	center, err := NewCenter(path, nil)
	require.NoError(t, err)

	bad := strings.Replace(testConfigYAML, "theta: 0.55", "theta: 7.0", 1)
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	require.Error(t, center.Reload())
	assert.InDelta(t, 0.55, center.Current().Trading.Theta, 1e-9)
}
