package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("LEDGER_TEST_INT", "42")
	t.Setenv("LEDGER_TEST_BAD_INT", "nope")
	t.Setenv("LEDGER_TEST_DURATION", "90s")
	t.Setenv("LEDGER_TEST_BOOL", "true")
	t.Setenv("LEDGER_TEST_LIST", " a, b ,,c ")

	require.Equal(t, 42, EnvInt("LEDGER_TEST_INT", 1))
	require.Equal(t, 7, EnvInt("LEDGER_TEST_BAD_INT", 7))
	require.Equal(t, uint64(42), EnvUint64("LEDGER_TEST_INT", 1))
	require.Equal(t, 90*time.Second, EnvDuration("LEDGER_TEST_DURATION", time.Second))
	require.True(t, EnvBool("LEDGER_TEST_BOOL", false))
	require.Equal(t, []string{"a", "b", "c"}, EnvList("LEDGER_TEST_LIST", nil))
	require.Equal(t, "fallback", Env("LEDGER_TEST_MISSING", "fallback"))
}

func TestDedupStrings(t *testing.T) {
	require.Equal(t, []string{"x", "y"}, DedupStrings([]string{"x", "", "y", "x"}))
	require.Equal(t, []string{"http://a"}, Dedup([]string{"http://a/", "http://a"}))
}
