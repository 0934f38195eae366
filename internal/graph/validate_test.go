package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKnownAgent map[string]bool

func (f fakeKnownAgent) HasAdapter(id string) bool { return f[id] }

func TestValidate_RejectsUnsupportedVersion(t *testing.T) {
	f := &File{Version: "99", Tasks: map[string]Task{}}
	_, err := Validate(f, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported graph version")
}

func TestValidate_RejectsDanglingDependency(t *testing.T) {
	f := &File{Version: "1", Tasks: map[string]Task{
		"a": {Name: "a", DependsOn: []string{"b"}},
	}}
	_, err := Validate(f, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `undeclared task "b"`)
}

func TestValidate_RejectsCycle(t *testing.T) {
	f := &File{Version: "1", Tasks: map[string]Task{
		"a": {Name: "a", DependsOn: []string{"b"}},
		"b": {Name: "b", DependsOn: []string{"a"}},
	}}
	_, err := Validate(f, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Circular dependency detected")
	assert.Contains(t, err.Error(), "a → b → a")
}

func TestValidate_UnknownAgentIsWarningNotError(t *testing.T) {
	agent := "claude-code"
	f := &File{Version: "1", Tasks: map[string]Task{
		"a": {Name: "a", Agent: &agent},
	}}
	warnings, err := Validate(f, fakeKnownAgent{})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], `unregistered agent "claude-code"`)
}

func TestValidate_KnownAgentProducesNoWarning(t *testing.T) {
	agent := "claude-code"
	f := &File{Version: "1", Tasks: map[string]Task{
		"a": {Name: "a", Agent: &agent},
	}}
	warnings, err := Validate(f, fakeKnownAgent{"claude-code": true})
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestValidate_UnrecognizedTaskTypeIsWarning(t *testing.T) {
	f := &File{Version: "1", Tasks: map[string]Task{
		"a": {Name: "a", Type: "bogus"},
	}}
	warnings, err := Validate(f, nil)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "unrecognized type")
}

func TestValidate_NilKnownAgentSkipsAgentCheck(t *testing.T) {
	agent := "anything"
	f := &File{Version: "1", Tasks: map[string]Task{
		"a": {Name: "a", Agent: &agent},
	}}
	warnings, err := Validate(f, nil)
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestTopologicalOrder_RespectsDependencies(t *testing.T) {
	f := &File{Version: "1", Tasks: map[string]Task{
		"c": {Name: "c", DependsOn: []string{"a", "b"}},
		"a": {Name: "a"},
		"b": {Name: "b", DependsOn: []string{"a"}},
	}}
	order := TopologicalOrder(f)
	require.Equal(t, []string{"a", "b", "c"}, order)
}
