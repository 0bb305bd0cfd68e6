package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validClusterConfig = `
[cluster.topology]
leader_hostname = leader
leader_address = leader.local

[mqtt]
broker_address = leader.local
`

func TestValidateClusterConfig(t *testing.T) {
	require.NoError(t, ValidateClusterConfig(validClusterConfig))
}

func TestValidateClusterConfigMissingFields(t *testing.T) {
	var err = ValidateClusterConfig("[mqtt]\nbroker_address = leader.local\n")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Missing required field(s)")
	require.Contains(t, err.Error(), "leader_hostname")
}

func TestValidateClusterConfigRejectsHTTPAddresses(t *testing.T) {
	var code = `
[cluster.topology]
leader_hostname = leader
leader_address = http://leader.local

[mqtt]
broker_address = leader.local
`
	var err = ValidateClusterConfig(code)
	require.Error(t, err)
	require.Contains(t, err.Error(), "http://")
}

func TestValidateINIDuplicateSection(t *testing.T) {
	var err = ValidateINI("[stirring]\na = 1\n[stirring]\nb = 2\n")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Duplicate section [stirring]")
}

func TestValidateINIDuplicateOption(t *testing.T) {
	var err = ValidateINI("[stirring]\ntarget_rpm = 400\ntarget_rpm = 500\n")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Duplicate option, `target_rpm`")
}

func TestNormalizeDashes(t *testing.T) {
	require.Equal(t, "a-b-c", NormalizeDashes("a–b—c"))
}
