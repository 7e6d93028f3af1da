package fatal

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigf(t *testing.T) {
	e := exceptions.TryCatch[*ConfigurationError](func() {
		Configf("combiner %d not supported", 7)
	})
	require.NotNil(t, e)
	assert.Contains(t, e.Error(), "combiner 7 not supported")
	assert.Contains(t, e.Error(), "configuration error")
}

func TestContractf(t *testing.T) {
	e := exceptions.TryCatch[*ContractViolationError](func() {
		Contractf("data bound before indices")
	})
	require.NotNil(t, e)
	assert.Contains(t, e.Error(), "contract violation")
}

func TestResourcefWraps(t *testing.T) {
	cause := errors.New("DMA engine timeout")
	e := exceptions.TryCatch[*ResourceError](func() {
		Resourcef(cause, "copying %d keys", 1024)
	})
	require.NotNil(t, e)
	assert.Contains(t, e.Error(), "copying 1024 keys")
	assert.ErrorContains(t, errors.Cause(e.Unwrap()), "DMA engine timeout")
}

func TestCategoriesAreDistinct(t *testing.T) {
	// A ConfigurationError must pass through a handler for the wrong category
	// and only be caught by its own.
	e := exceptions.TryCatch[*ConfigurationError](func() {
		wrong := exceptions.TryCatch[*ContractViolationError](func() {
			Configf("bad shard matrix")
		})
		t.Errorf("ConfigurationError caught by the wrong handler: %v", wrong)
	})
	require.NotNil(t, e)
	assert.Contains(t, e.Error(), "bad shard matrix")
}
