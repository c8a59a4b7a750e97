package luxerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lux-pm/lux/pkg/luxerr"
)

func TestPackageError_WrapsAndUnwraps(t *testing.T) {
	underlying := errors.New("boom")
	err := &luxerr.PackageError{Package: "penlight", Phase: luxerr.PhaseBuild, Err: underlying}

	assert.Contains(t, err.Error(), "penlight")
	assert.Contains(t, err.Error(), "build")
	assert.Same(t, underlying, errors.Unwrap(err))
}

func TestDuplicateEntrypointsError(t *testing.T) {
	err := &luxerr.DuplicateEntrypointsError{Name: "say"}
	assert.Contains(t, err.Error(), "say")
}

func TestNonReproducibleSourceError(t *testing.T) {
	err := &luxerr.NonReproducibleSourceError{Package: "say"}
	assert.Contains(t, err.Error(), "say")
	assert.Contains(t, err.Error(), "not reproducible")
}
