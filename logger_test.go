package cerver

import (
	"testing"

	"github.com/gocerver/cerver/logger"
	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	old := logger.Default
	defer SetLogger(old)

	lg := logger.Mute()
	SetLogger(lg)
	assert.Equal(t, lg, logger.Default)
}
