package selftest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magnolia/kernel/internal/jobctx"
	"magnolia/kernel/internal/kconfig"
)

func testCtx(t *testing.T) *jobctx.Ctx {
	t.Helper()
	return jobctx.New(kconfig.DefaultConfig(), 1, 0, false, func(string) {})
}

func TestWASMSmokeRunsCleanly(t *testing.T) {
	assert.NoError(t, WASMSmoke())
}

func TestELFSmokeRunsRegisteredEntry(t *testing.T) {
	require.NoError(t, ELFSmoke(testCtx(t)))
}

func TestRunAllPassesBothLayers(t *testing.T) {
	assert.NoError(t, RunAll(testCtx(t)))
}
