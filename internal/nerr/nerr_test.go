package nerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackendUnavailable_UnwrapsToCauseAndErrorsAs(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := fmt.Errorf("querying vector store: %w", &BackendUnavailable{Brain: "vector", Cause: cause})

	var target *BackendUnavailable
	assert.True(t, errors.As(wrapped, &target))
	assert.Equal(t, "vector", target.Brain)
	assert.True(t, errors.Is(wrapped, cause))
}

func TestExtractorError_UnwrapsToRPCError(t *testing.T) {
	rpcErr := errors.New("-32000: boom")
	err := &ExtractorError{Worker: "pdf", RPCError: rpcErr}

	assert.ErrorIs(t, err, rpcErr)
	assert.Contains(t, err.Error(), "pdf")
	assert.Contains(t, err.Error(), "boom")
}

func TestExtractorCrash_UnwrapsToCause(t *testing.T) {
	cause := errors.New("exit status 1")
	err := &ExtractorCrash{Worker: "office", Cause: cause}
	assert.ErrorIs(t, err, cause)
}

func TestLLMError_UnwrapsToCause(t *testing.T) {
	cause := errors.New("rate limited")
	err := &LLMError{Operation: "synthesize", Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "synthesize")
}

func TestNoExtractorForContentType_MessageNamesFileAndType(t *testing.T) {
	err := &NoExtractorForContentType{FilePath: "archive.zip", ContentType: "application/zip"}
	assert.Contains(t, err.Error(), "archive.zip")
	assert.Contains(t, err.Error(), "application/zip")
}

func TestConfigurationError_MessageNamesFieldAndReason(t *testing.T) {
	err := &ConfigurationError{Field: "brains.vector.backend", Reason: "unknown backend"}
	assert.Contains(t, err.Error(), "brains.vector.backend")
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestValidationError_DistinctFromConfigurationError(t *testing.T) {
	var verr error = &ValidationError{Path: "content", Reason: "missing"}
	var cerr *ConfigurationError
	assert.False(t, errors.As(verr, &cerr))
}
