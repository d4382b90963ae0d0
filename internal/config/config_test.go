package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bruised-ego-labs/nancy/internal/nerr"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileIsConfigurationError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	var cerr *nerr.ConfigurationError
	require.ErrorAs(t, err, &cerr)
}

func TestLoad_RejectsUnknownVectorBackend(t *testing.T) {
	p := writeYAML(t, `
brains:
  vector:
    backend: "Z"
`)
	_, err := Load(p)
	require.Error(t, err)
	var cerr *nerr.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "brains.vector.backend", cerr.Field)
}

func TestLoad_InterpolatesEnvVarWithDefault(t *testing.T) {
	p := writeYAML(t, `
nancy_core:
  instance_name: "${NANCY_INSTANCE:-dev-instance}"
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "dev-instance", cfg.NancyCore.InstanceName)
}

func TestLoad_InterpolatesEnvVarFromEnvironment(t *testing.T) {
	t.Setenv("NANCY_TEST_INSTANCE_NAME", "prod-instance")
	p := writeYAML(t, `
nancy_core:
  instance_name: "${NANCY_TEST_INSTANCE_NAME}"
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "prod-instance", cfg.NancyCore.InstanceName)
}

func TestLoad_MissingRequiredEnvVarAbortsStartup(t *testing.T) {
	p := writeYAML(t, `
nancy_core:
  instance_name: "${NANCY_TEST_UNSET_VAR}"
`)
	_, err := Load(p)
	require.Error(t, err)
	var cerr *nerr.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "NANCY_TEST_UNSET_VAR", cerr.Field)
}

func TestValidate_RejectsNonPositiveMaxRelationshipDepth(t *testing.T) {
	cfg := Default()
	cfg.Brains.Graph.MaxRelationshipDepth = 0
	err := cfg.Validate()
	require.Error(t, err)
	var cerr *nerr.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "brains.graph.max_relationship_depth", cerr.Field)
}

func TestValidate_RejectsMultiStepThresholdOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Orchestration.MultiStepThreshold = 1.5
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsExtractorMissingExecutable(t *testing.T) {
	cfg := Default()
	cfg.Extractors.EnabledExtractors = []ExtractorSpec{{Name: "pdf"}}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestMaxConcurrentQueries_DefaultsWhenPerformanceNil(t *testing.T) {
	cfg := Default()
	cfg.Performance = nil
	assert.Equal(t, int64(8), cfg.MaxConcurrentQueries())
}

func TestConfidenceThreshold_DefaultsWhenUnset(t *testing.T) {
	cfg := Default()
	cfg.Orchestration.ConfidenceThreshold = 0
	assert.Equal(t, 0.5, cfg.ConfidenceThreshold())
}

func TestConfidenceThreshold_UsesConfiguredValue(t *testing.T) {
	cfg := Default()
	cfg.Orchestration.ConfidenceThreshold = 0.8
	assert.Equal(t, 0.8, cfg.ConfidenceThreshold())
}

func TestResultsPerBrain_DefaultsWhenUnset(t *testing.T) {
	cfg := Default()
	cfg.Orchestration.ResultsPerBrain = 0
	assert.Equal(t, 10, cfg.ResultsPerBrain())
}
