package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/astock-sentinel/internal/domain"
)

// withEnv sets key for the duration of the test, restoring its prior value
// (or absence) afterward.
func withEnv(t *testing.T, key, value string) {
	t.Helper()
	original, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			os.Setenv(key, original)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoad_RequiresAtLeastOneAgent(t *testing.T) {
	withEnv(t, "AGENTS", "")
	_, err := Load()
	require.ErrorContains(t, err, "AGENTS")
}

func TestLoad_ParsesSingleAgent(t *testing.T) {
	withEnv(t, "AGENTS", "value-investor:llm-trader:100000:600519.SH|000858.SZ:live")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Agents, 1)

	a := cfg.Agents[0]
	require.Equal(t, "value-investor", a.Name)
	require.Equal(t, "llm-trader", a.Kind)
	require.Equal(t, 100000.0, a.InitialCash)
	require.ElementsMatch(t, []string{"600519.SH", "000858.SZ"}, symbolStrings(a.Symbols))
	require.True(t, a.LiveEnabled)
}

func TestLoad_ParsesMultipleAgentsSeparatedBySemicolon(t *testing.T) {
	withEnv(t, "AGENTS", "alpha:llm-trader:50000:600519.SH;beta:llm-trader:75000:000858.SZ")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Agents, 2)
	require.Equal(t, "alpha", cfg.Agents[0].Name)
	require.Equal(t, "beta", cfg.Agents[1].Name)
	require.False(t, cfg.Agents[1].LiveEnabled)
}

func TestLoad_RejectsMalformedAgentEntry(t *testing.T) {
	withEnv(t, "AGENTS", "value-investor:llm-trader:not-a-number:600519.SH")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RejectsNonPositiveInitialCash(t *testing.T) {
	withEnv(t, "AGENTS", "value-investor:llm-trader:0:600519.SH")
	_, err := Load()
	require.ErrorContains(t, err, "initial cash")
}

func TestLoad_DefaultsAppliedWhenUnset(t *testing.T) {
	withEnv(t, "AGENTS", "alpha:llm-trader:10000:600519.SH")
	for _, key := range []string{"DATABASE_PATH", "JOURNAL_DIR", "LOG_LEVEL", "DRIVER_MAX_STEPS", "DRIVER_MAX_RETRIES"} {
		os.Unsetenv(key)
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "./data/sentinel.db", cfg.DatabasePath)
	require.Equal(t, "./data/journal", cfg.JournalDir)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 20, cfg.MaxSteps)
	require.Equal(t, 3, cfg.MaxRetries)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	withEnv(t, "AGENTS", "alpha:llm-trader:10000:600519.SH")
	withEnv(t, "DATABASE_PATH", "/tmp/custom.db")
	withEnv(t, "DRIVER_MAX_STEPS", "7")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom.db", cfg.DatabasePath)
	require.Equal(t, 7, cfg.MaxSteps)
}

func symbolStrings(symbols []domain.Symbol) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = string(s)
	}
	return out
}
