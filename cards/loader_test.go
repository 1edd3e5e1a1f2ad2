package cards

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/types"
)

const personaYAML = `card_type: persona
id: persona.writer
version: 1
identity: A careful technical writer
principles:
  - be precise
`

const taskJSON = `{
  "card_type": "task",
  "id": "task.summarize",
  "goal": "Summarize the input",
  "constraints": ["under 100 words"]
}`

const nodeYAML = `card_type: node
id: node.summarize
persona: persona.writer
task: task.summarize
provider: provider.openai
model: model.gpt
outputs:
  artifacts: [summary]
limits:
  max_calls: 2
  timeout: 30s
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoader_LoadsNestedCards(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "personas/writer.yaml", personaYAML)
	writeFile(t, root, "tasks/summarize.json", taskJSON)
	writeFile(t, root, "nodes/deep/summarize.yml", nodeYAML)
	writeFile(t, root, "README.md", "not a card")

	reg, report, err := NewLoader(zap.NewNop()).Load(root)
	require.NoError(t, err)
	assert.True(t, report.OK(), "errors: %v", report.Errors)
	assert.Equal(t, 3, report.Loaded)
	assert.Equal(t, 3, reg.Len())

	persona, err := Get[*PersonaCard](reg, KindPersona, "persona.writer")
	require.NoError(t, err)
	assert.Equal(t, "A careful technical writer", persona.Identity)
	assert.Equal(t, []string{"be precise"}, persona.Principles)

	task, err := Get[*TaskCard](reg, KindTask, "task.summarize")
	require.NoError(t, err)
	assert.Equal(t, 1, task.Version, "version defaults to 1")

	node, err := Get[*NodeCard](reg, KindNode, "node.summarize")
	require.NoError(t, err)
	assert.Equal(t, "30s", node.Limits.Timeout.Std().String())
	assert.Equal(t, []string{"summary"}, node.Outputs.Artifacts)
}

func TestLoader_MalformedCardDoesNotAbortOthers(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "good.yaml", personaYAML)
	writeFile(t, root, "missing_field.yaml", "card_type: task\nid: task.empty\n")
	writeFile(t, root, "bad_prefix.yaml", "card_type: persona\nid: writer2\nidentity: x\n")
	writeFile(t, root, "unknown.yaml", "card_type: robot\nid: robot.x\n")
	writeFile(t, root, "broken.yaml", "card_type: [unterminated\n")

	reg, report, err := NewLoader(nil).Load(root)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Loaded)
	assert.Len(t, report.Errors, 4)
	for _, le := range report.Errors {
		assert.True(t, types.IsCode(le.Err, types.ErrValidation), "%s: %v", le.Path, le.Err)
	}

	_, err = reg.Resolve(KindPersona, "persona.writer")
	assert.NoError(t, err)
	_, err = reg.Resolve(KindTask, "task.empty")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	_, err = reg.Resolve(KindPersona, "writer2")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestLoader_DuplicateIDRejected(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.yaml", personaYAML)
	writeFile(t, root, "b.yaml", personaYAML)

	reg, report, err := NewLoader(nil).Load(root)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Loaded)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "persona.writer", report.Errors[0].ID)
	assert.Equal(t, []string{"persona.writer"}, reg.List(KindPersona))
}

func TestLoader_MissingRoot(t *testing.T) {
	_, _, err := NewLoader(nil).Load(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)

	reg, report, err := NewLoader(nil).Load("")
	require.NoError(t, err)
	assert.Zero(t, reg.Len())
	assert.True(t, report.OK())
}

func TestDecode_SchemaRules(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"node reference with wrong prefix", "card_type: node\nid: node.x\npersona: writer\ntask: task.t\nprovider: provider.p\nmodel: model.m\n"},
		{"unknown field", "card_type: persona\nid: persona.x\nidentity: x\nvoicee: typo\n"},
		{"bad strategy", "card_type: run_profile\nid: profile.x\nartifact_storage: cloud\nshared_state: local\npii: local\nretrieval: local\n"},
		{"bad on_fail", "card_type: flow\nid: flow.x\nnodes: [node.a]\nentry: node.a\nexits: [node.a]\npolicy: {on_fail: retry}\n"},
		{"bad duration", "card_type: provider\nid: provider.x\nbackend: openai\ntimeout: soon\n"},
		{"id with path separator", "card_type: persona\nid: persona.a/b\nidentity: x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrValidation), "%v", err)
		})
	}
}

func TestDecode_FlowDefaultsToHalt(t *testing.T) {
	c, err := Decode([]byte("card_type: flow\nid: flow.x\nnodes: [node.a]\nentry: node.a\nexits: [node.a]\n"))
	require.NoError(t, err)
	flow := c.(*FlowCard)
	assert.Equal(t, OnFailHalt, flow.Policy.OnFail)
}
