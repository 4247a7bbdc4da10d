package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/drip/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCEL_ConditionOverNodes(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	data := testScope().Data()

	ok, err := e.EvaluateBool(context.Background(), `nodes.Webhook.opt_in && "vip" in nodes.Webhook.contact.tags`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `nodes.Webhook.contact.phone > 100`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(context.Background(), `workflow.id == "welcome_sequence"`, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_MissingVariablesDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `size(nodes) == 0`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Compile("nodes.A ==")
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))

	err = e.Compile("")
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))

	_, err = e.EvaluateBool(context.Background(), `"not a bool"`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want bool")

	_, err = e.Evaluate(context.Background(), `nodes.Missing.field == 1`, testScope().Data())
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestCEL_Concurrent(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	data := testScope().Data()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.EvaluateBool(context.Background(), `nodes.Webhook.opt_in`, data)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Len(t, e.cache, 1)
}

func TestExpr_TransformExpressions(t *testing.T) {
	e := NewExprEngine()
	data := testScope().Data()

	out, err := e.Evaluate(context.Background(), `upper(nodes.Webhook.contact.name)`, data)
	require.NoError(t, err)
	assert.Equal(t, "ANA", out)

	out, err = e.Evaluate(context.Background(), `len(nodes.Webhook.contact.tags)`, data)
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	out, err = e.Evaluate(context.Background(), `nodes.Webhook.coupon ?? "WELCOME10"`, data)
	require.NoError(t, err)
	assert.Equal(t, "WELCOME10", out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()
	assert.True(t, schema.HasCode(e.Compile(""), schema.ErrCodeExpression))
	assert.True(t, schema.HasCode(e.Compile("1 +"), schema.ErrCodeExpression))
	require.NoError(t, e.Compile("nodes.A.total * 2"))
}

func TestGoJQ_Transform(t *testing.T) {
	e := NewGoJQEngine()
	data := testScope().Data()

	out, err := e.Evaluate(context.Background(), `.nodes.Webhook.contact.tags | map(ascii_upcase)`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"VIP", "NEW"}, out)

	out, err = e.Evaluate(context.Background(), `.workflow.version * 1.5`, data)
	require.NoError(t, err)
	assert.Equal(t, 3.0, out)

	out, err = e.Evaluate(context.Background(), `.nodes.Webhook.contact.tags[]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"vip", "new"}, out)

	out, err = e.Evaluate(context.Background(), `empty`, data)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	assert.True(t, schema.HasCode(e.Compile(".a |"), schema.ErrCodeExpression))
	assert.True(t, schema.HasCode(e.Compile("$ENV.HOME | undefined_fn"), schema.ErrCodeExpression))

	_, err := e.Evaluate(context.Background(), `error("boom")`, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestEngines_ByName(t *testing.T) {
	engines, err := NewEngines()
	require.NoError(t, err)

	e, ok := engines.ByName("")
	require.True(t, ok)
	assert.Equal(t, "expr", e.Name())

	e, ok = engines.ByName("jq")
	require.True(t, ok)
	assert.Equal(t, "jq", e.Name())

	_, ok = engines.ByName("lua")
	assert.False(t, ok)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		op          string
		left, right any
		want        bool
	}{
		{OpEq, 5.0, "5", true},
		{OpEq, "yes", "yes", true},
		{OpEq, true, true, true},
		{OpNe, "a", "b", true},
		{OpGt, 150.0, 100, true},
		{OpGte, "100", 100.0, true},
		{OpLt, "abc", 10, false},
		{OpLte, 3, 3.0, true},
		{OpContains, "hello world", "world", true},
		{OpContains, []any{"vip", "new"}, "vip", true},
		{OpNotContains, []any{"vip"}, "churned", true},
		{OpStartsWith, "+5511", "+55", true},
		{OpEndsWith, "ana@example.com", "@example.com", true},
		{OpExists, "x", nil, true},
		{OpExists, "", nil, false},
		{OpNotExists, nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			got, err := Compare(tt.op, tt.left, tt.right)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Compare("matches", "a", "b")
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
	assert.True(t, UnaryOperator(OpExists))
	assert.False(t, UnaryOperator(OpEq))
}
