package expressions

import (
	"context"
	"testing"

	"github.com/rendis/agentflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const disqualifyPolicy = `decision == "no" && score < threshold`

func newPolicyEngine(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine("decision", "score", "threshold", "criteria_matched")
	require.NoError(t, err)
	return e
}

func TestCEL_DisqualifyPolicy(t *testing.T) {
	e := newPolicyEngine(t)
	assert.Equal(t, "cel", e.Name())

	out, err := e.EvaluateBool(context.Background(), disqualifyPolicy, map[string]any{
		"decision": "no", "score": 30, "threshold": 40,
	})
	require.NoError(t, err)
	assert.True(t, out)

	out, err = e.EvaluateBool(context.Background(), disqualifyPolicy, map[string]any{
		"decision": "no", "score": 45, "threshold": 40,
	})
	require.NoError(t, err)
	assert.False(t, out)

	out, err = e.EvaluateBool(context.Background(), disqualifyPolicy, map[string]any{
		"decision": "maybe", "score": 10, "threshold": 40,
	})
	require.NoError(t, err)
	assert.False(t, out)
}

func TestCEL_CompileValidatesPolicy(t *testing.T) {
	e := newPolicyEngine(t)
	require.NoError(t, e.Compile(disqualifyPolicy))

	err := e.Compile(`decision ==`)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = e.Compile(`unknown_var > 1`)
	assert.Error(t, err)
}

func TestCEL_NonBoolResult(t *testing.T) {
	e := newPolicyEngine(t)
	_, err := e.EvaluateBool(context.Background(), `score + 1`, map[string]any{"score": 1})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestCEL_ProgramCached(t *testing.T) {
	e := newPolicyEngine(t)
	require.NoError(t, e.Compile(disqualifyPolicy))
	require.NoError(t, e.Compile(disqualifyPolicy))

	assert.Equal(t, 1, e.cache.len())
}
