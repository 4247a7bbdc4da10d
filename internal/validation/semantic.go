package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/drip/internal/expressions"
	"github.com/rendis/drip/pkg/schema"
	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors like @hourly.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a trigger schedule with the same rules validation uses.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(spec)
}

// semanticChecker holds the state shared by the per-node checks.
type semanticChecker struct {
	def     *schema.WorkflowDefinition
	schemas *JSONSchemaValidator
	engines *expressions.Engines
	names   map[string]schema.NodeKind
	result  *schema.ValidationResult
}

// validateSemantic checks node kinds, name uniqueness, the single trigger,
// connection endpoints and ports, and every node's params.
func validateSemantic(def *schema.WorkflowDefinition, schemas *JSONSchemaValidator, engines *expressions.Engines) *schema.ValidationResult {
	c := &semanticChecker{
		def:     def,
		schemas: schemas,
		engines: engines,
		names:   make(map[string]schema.NodeKind, len(def.Nodes)),
		result:  &schema.ValidationResult{},
	}

	triggers := 0
	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if _, dup := c.names[n.Name]; dup {
			c.result.AddErrorf(path+".name", schema.ReasonDuplicateNode, "duplicate node name %q", n.Name)
			continue
		}
		c.names[n.Name] = n.Kind

		if !n.Kind.Valid() {
			c.result.AddErrorf(path+".kind", schema.ReasonUnknownKind, "node %q has unknown kind %q", n.Name, n.Kind)
			continue
		}
		if n.Kind == schema.KindTrigger {
			triggers++
		}
	}

	switch {
	case triggers == 0:
		c.result.AddError("nodes", schema.ReasonMissingTrigger, "workflow has no trigger node")
	case triggers > 1:
		c.result.AddErrorf("nodes", schema.ReasonMultipleTriggers, "workflow has %d trigger nodes, want exactly one", triggers)
	}

	c.checkConnections()

	for i := range def.Nodes {
		c.checkNode(fmt.Sprintf("nodes[%d]", i), &def.Nodes[i])
	}

	return c.result
}

func (c *semanticChecker) checkConnections() {
	for i, conn := range c.def.Connections {
		path := fmt.Sprintf("connections[%d]", i)

		srcKind, srcOK := c.names[conn.From]
		if !srcOK {
			c.result.AddErrorf(path+".from", schema.ReasonDanglingConnection, "unknown source node %q", conn.From)
		}
		dstKind, dstOK := c.names[conn.To]
		if !dstOK {
			c.result.AddErrorf(path+".to", schema.ReasonDanglingConnection, "unknown target node %q", conn.To)
		}
		if dstOK && dstKind == schema.KindTrigger {
			c.result.AddErrorf(path+".to", schema.ReasonMalformedDefinition, "trigger node %q cannot be a connection target", conn.To)
		}
		if srcOK && srcKind.Valid() && !portAllowed(srcKind, conn.Port) {
			c.result.AddErrorf(path+".port", schema.ReasonDanglingConnection,
				"%s node %q has no output port %q", srcKind, conn.From, portOrMain(conn.Port))
		}
	}
}

// portAllowed reports whether a node of the given kind exposes port.
// Conditional nodes expose only "true" and "false"; every other kind only "main".
func portAllowed(kind schema.NodeKind, port string) bool {
	if kind == schema.KindConditional {
		return port == schema.PortTrue || port == schema.PortFalse
	}
	return port == "" || port == schema.PortMain
}

func portOrMain(port string) string {
	if port == "" {
		return schema.PortMain
	}
	return port
}

func (c *semanticChecker) checkNode(path string, n *schema.NodeDefinition) {
	if !n.Kind.Valid() {
		return
	}

	violations := c.schemas.ValidateParams(n.Kind, n.Params, path)
	if !violations.Valid() {
		c.result.Merge(violations)
		return
	}

	params, err := schema.DecodeParams(n.Kind, n.Params)
	if err != nil {
		c.result.AddError(path+".params", schema.ReasonMalformedParams, err.Error())
		return
	}

	switch p := params.(type) {
	case *schema.TriggerParams:
		if p.Schedule != "" {
			if _, err := ParseSchedule(p.Schedule); err != nil {
				c.result.AddErrorf(path+".params.schedule", schema.ReasonMalformedParams, "invalid cron schedule %q: %s", p.Schedule, err.Error())
			}
		}
	case *schema.TransformParams:
		c.checkTransform(path, p)
	case *schema.ConditionalParams:
		c.checkConditional(path, p)
	case *schema.DelayParams:
		if _, err := p.Duration(); err != nil {
			c.result.AddError(path+".params", schema.ReasonMalformedParams, err.Error())
		}
	case *schema.ActionParams:
		c.checkTemplate(path+".params.recipient", p.Recipient)
		c.checkTemplate(path+".params.body", p.Body)
		for k, v := range p.Credentials {
			c.checkTemplate(path+".params.credentials."+k, v)
		}
		if p.Retry != nil && p.Retry.MaxAttempts > schema.MaxAttemptsCap {
			c.result.AddWarning(path+".params.retry.max_attempts", schema.ReasonMalformedParams,
				fmt.Sprintf("max_attempts %d exceeds the cap and is clamped to %d", p.Retry.MaxAttempts, schema.MaxAttemptsCap))
		}
	}
}

func (c *semanticChecker) checkTransform(path string, p *schema.TransformParams) {
	seen := make(map[string]bool, len(p.Assignments))
	for i, a := range p.Assignments {
		apath := fmt.Sprintf("%s.params.assignments[%d]", path, i)
		if seen[a.Key] {
			c.result.AddErrorf(apath+".key", schema.ReasonMalformedParams, "duplicate assignment key %q", a.Key)
		}
		seen[a.Key] = true

		hasExpr := a.Expression != ""
		if hasExpr == (a.Value != nil) {
			c.result.AddError(apath, schema.ReasonMalformedParams, "assignment needs exactly one of value or expression")
			continue
		}
		if !hasExpr {
			if a.Engine != "" {
				c.result.AddError(apath+".engine", schema.ReasonMalformedParams, "engine applies only to expression assignments")
			}
			c.checkValueTemplates(apath+".value", a.Value)
			continue
		}
		c.compile(apath+".expression", a.Engine, a.Expression)
	}
}

func (c *semanticChecker) checkConditional(path string, p *schema.ConditionalParams) {
	if !p.Structured() {
		if p.Operator != "" || p.Value != "" {
			c.result.AddError(path+".params", schema.ReasonMalformedParams, "use either expression or value/operator, not both")
			return
		}
		c.compile(path+".params.expression", "cel", p.Expression)
		return
	}

	if p.Operator == "" || p.Value == "" {
		c.result.AddError(path+".params", schema.ReasonMalformedParams, "conditional needs value and operator, or an expression")
		return
	}
	c.checkTemplate(path+".params.value", p.Value)
	if expressions.UnaryOperator(p.Operator) {
		return
	}
	if p.Operand == nil {
		c.result.AddErrorf(path+".params.operand", schema.ReasonMalformedParams, "operator %q requires an operand", p.Operator)
		return
	}
	c.checkValueTemplates(path+".params.operand", p.Operand)
}

func (c *semanticChecker) compile(path, engine, expression string) {
	if c.engines == nil {
		return
	}
	e, ok := c.engines.ByName(engine)
	if !ok {
		c.result.AddErrorf(path, schema.ReasonMalformedParams, "unknown expression engine %q", engine)
		return
	}
	compiler, ok := e.(expressions.Compiler)
	if !ok {
		return
	}
	if err := compiler.Compile(expression); err != nil {
		c.result.AddError(path, schema.ReasonMalformedParams, err.Error())
	}
}

func (c *semanticChecker) checkValueTemplates(path string, v any) {
	switch val := v.(type) {
	case string:
		c.checkTemplate(path, val)
	case map[string]any:
		for k, item := range val {
			c.checkValueTemplates(path+"."+k, item)
		}
	case []any:
		for i, item := range val {
			c.checkValueTemplates(fmt.Sprintf("%s[%d]", path, i), item)
		}
	}
}

// checkTemplate verifies that every reference in tpl names a known namespace
// and, for nodes.*, a node that exists in this workflow.
func (c *semanticChecker) checkTemplate(path, tpl string) {
	if !expressions.HasReferences(tpl) {
		return
	}
	refs := expressions.References(tpl)
	if strings.Count(tpl, "${{") != len(refs) {
		c.result.AddError(path, schema.ReasonMalformedParams, "unclosed ${{ reference")
	}
	for _, ref := range refs {
		namespace, rest, _ := strings.Cut(ref, ".")
		switch namespace {
		case "run", "workflow", "secrets":
			if rest == "" {
				c.result.AddErrorf(path, schema.ReasonMalformedParams, "reference ${{%s}} needs a field", ref)
			}
		case "nodes":
			name, _, _ := strings.Cut(rest, ".")
			if _, ok := c.names[name]; !ok {
				c.result.AddErrorf(path, schema.ReasonMalformedParams, "reference ${{%s}} names unknown node %q", ref, name)
			}
		default:
			c.result.AddErrorf(path, schema.ReasonMalformedParams, "reference ${{%s}} has unknown namespace %q", ref, namespace)
		}
	}
}
