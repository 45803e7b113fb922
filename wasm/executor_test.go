package wasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// niladic i32-returning "main" that returns the constant 0.
var smokeModule = []byte{
	0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7F,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x08, 0x01, 0x04, 'm', 'a', 'i', 'n', 0x00, 0x00,
	0x0A, 0x06, 0x01, 0x04, 0x00, 0x41, 0x00, 0x0B,
}

func TestRunCallsExportedFunction(t *testing.T) {
	rc, err := Run(smokeModule, "main")
	assert.NoError(t, err)
	assert.Equal(t, int32(0), rc)
}

func TestRunRejectsMissingExport(t *testing.T) {
	_, err := Run(smokeModule, "nonexistent")
	assert.Error(t, err)
}
