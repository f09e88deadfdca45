package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckRestoreAllowed_DirectDelete(t *testing.T) {
	zero := 0
	assert.NoError(t, CheckRestoreAllowed(&zero, false, "User"))
	assert.NoError(t, CheckRestoreAllowed(nil, false, "User"))
}

func TestCheckRestoreAllowed_CascadeWithoutForce(t *testing.T) {
	depth := 1
	err := CheckRestoreAllowed(&depth, false, "Project")
	assert.Error(t, err)

	var cascade ErrCascadeRestore
	assert.ErrorAs(t, err, &cascade)
	assert.Equal(t, "Project", cascade.Entity)
	assert.Contains(t, err.Error(), "force=true")
}

func TestCheckRestoreAllowed_CascadeWithForce(t *testing.T) {
	for _, depth := range []int{1, 2, 3} {
		d := depth
		assert.NoError(t, CheckRestoreAllowed(&d, true, "License"))
	}
}
