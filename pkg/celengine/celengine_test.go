package celengine

import (
	"testing"

	"github.com/google/cel-go/cel"
	"github.com/stretchr/testify/require"
)

func TestCompileAndEvaluate(t *testing.T) {
	env, err := cel.NewEnv(cel.Variable("counts", cel.MapType(cel.IntType, cel.IntType)))
	require.NoError(t, err)

	prg, err := CompileBool(env, "counts[1] >= 2")
	require.NoError(t, err)

	ok, err := EvaluateBool(prg, map[string]any{"counts": map[int64]int64{1: 2}})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = EvaluateBool(prg, map[string]any{"counts": map[int64]int64{1: 1}})
	require.NoError(t, err)
	require.False(t, ok)

	_, err = EvaluateBool(prg, map[string]any{"counts": map[int64]int64{}})
	require.Error(t, err)
}

func TestCompileBoolRejects(t *testing.T) {
	env, err := cel.NewEnv(cel.Variable("counts", cel.MapType(cel.IntType, cel.IntType)))
	require.NoError(t, err)

	for _, expr := range []string{"counts[1] +", "counts[1] * 2", "unknown > 1"} {
		_, err := CompileBool(env, expr)
		require.Errorf(t, err, "expr %q", expr)
	}
}
