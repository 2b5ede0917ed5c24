package parser

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malamar-dev/malamar/internal/models"
)

func parseErrKind(t *testing.T, err error) ErrorKind {
	t.Helper()
	var perr *ParseError
	require.True(t, errors.As(err, &perr), "expected *ParseError, got %T: %v", err, err)
	return perr.Kind
}

func TestErrorKindOrdering(t *testing.T) {
	tmpDir := t.TempDir()

	// Missing file first.
	missing := filepath.Join(tmpDir, "nope.json")
	_, err := ParseTaskOutputFile(missing)
	assert.Equal(t, ErrFileMissing, parseErrKind(t, err))
	assert.Contains(t, err.Error(), "output file was not created at "+missing)

	// A present but blank file next.
	empty := filepath.Join(tmpDir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("  \n\t"), 0o644))
	_, err = ParseTaskOutputFile(empty)
	assert.Equal(t, ErrFileEmpty, parseErrKind(t, err))

	// Non-JSON content next.
	garbage := filepath.Join(tmpDir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte("not json at all"), 0o644))
	_, err = ParseTaskOutputFile(garbage)
	assert.Equal(t, ErrJSONParse, parseErrKind(t, err))
	assert.Contains(t, err.Error(), "CLI output was not valid JSON")

	// Valid JSON of the wrong shape last.
	wrongShape := filepath.Join(tmpDir, "wrong.json")
	require.NoError(t, os.WriteFile(wrongShape, []byte(`{"nothing":true}`), 0o644))
	_, err = ParseTaskOutputFile(wrongShape)
	assert.Equal(t, ErrSchema, parseErrKind(t, err))
	assert.Contains(t, err.Error(), "CLI output structure was invalid")
}

func TestParseTaskOutputActions(t *testing.T) {
	output, err := ParseTaskOutput(`{"actions":[
		{"type":"skip"},
		{"type":"comment","content":"looking good"},
		{"type":"change_status","status":"in_review"}
	]}`)
	require.NoError(t, err)
	require.Len(t, output.Actions, 3)

	assert.IsType(t, SkipAction{}, output.Actions[0])

	comment, ok := output.Actions[1].(CommentAction)
	require.True(t, ok)
	assert.Equal(t, "looking good", comment.Content)

	status, ok := output.Actions[2].(ChangeStatusAction)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusInReview, status.Status)
}

func TestParseTaskOutputRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
		field   string
	}{
		{"missing actions", `{}`, "actions"},
		{"actions not array", `{"actions":42}`, "actions"},
		{"unknown type", `{"actions":[{"type":"explode"}]}`, "actions[0].type"},
		{"comment without content", `{"actions":[{"type":"comment"}]}`, "actions[0].content"},
		{"empty comment", `{"actions":[{"type":"comment","content":""}]}`, "actions[0].content"},
		{"bad status", `{"actions":[{"type":"change_status","status":"archived"}]}`, "actions[0].status"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTaskOutput(tc.content)
			require.Error(t, err)
			assert.Equal(t, ErrSchema, parseErrKind(t, err))
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestParseChatOutputMessageOnly(t *testing.T) {
	output, err := ParseChatOutput(`{"message":"hello there"}`)
	require.NoError(t, err)
	assert.Equal(t, "hello there", output.Message)
	assert.Empty(t, output.Actions)
	assert.Empty(t, output.RawActions)
}

func TestParseChatOutputAllActionKinds(t *testing.T) {
	output, err := ParseChatOutput(`{"message":"done","actions":[
		{"type":"create_agent","name":"reviewer","instruction":"review code","cliType":"codex","order":2},
		{"type":"update_agent","agentId":"a1","name":"planner","cliType":null},
		{"type":"delete_agent","agentId":"a2"},
		{"type":"reorder_agents","agentIds":["a1","a3"]},
		{"type":"update_workspace","title":"New title","description":"","notifyOnError":true},
		{"type":"rename_chat","title":"Kickoff"}
	]}`)
	require.NoError(t, err)
	require.Len(t, output.Actions, 6)
	assert.NotEmpty(t, output.RawActions)

	create, ok := output.Actions[0].(CreateAgentAction)
	require.True(t, ok)
	assert.Equal(t, "reviewer", create.Name)
	assert.Equal(t, "review code", create.Instruction)
	require.NotNil(t, create.CLIType)
	assert.Equal(t, models.CLICodex, *create.CLIType)
	require.NotNil(t, create.Order)
	assert.Equal(t, 2, *create.Order)

	update, ok := output.Actions[1].(UpdateAgentAction)
	require.True(t, ok)
	assert.Equal(t, "a1", update.AgentID)
	require.NotNil(t, update.Name)
	assert.Equal(t, "planner", *update.Name)
	assert.Nil(t, update.Instruction)
	assert.True(t, update.CLITypeSet, "explicit null should mark cliType as set")
	assert.Nil(t, update.CLIType)

	del, ok := output.Actions[2].(DeleteAgentAction)
	require.True(t, ok)
	assert.Equal(t, "a2", del.AgentID)

	reorder, ok := output.Actions[3].(ReorderAgentsAction)
	require.True(t, ok)
	assert.Equal(t, []string{"a1", "a3"}, reorder.AgentIDs)

	ws, ok := output.Actions[4].(UpdateWorkspaceAction)
	require.True(t, ok)
	require.NotNil(t, ws.Title)
	assert.Equal(t, "New title", *ws.Title)
	require.NotNil(t, ws.Description)
	assert.Equal(t, "", *ws.Description, "description may be empty")
	require.NotNil(t, ws.NotifyOnError)
	assert.True(t, *ws.NotifyOnError)
	assert.Nil(t, ws.NotifyOnInReview)

	rename, ok := output.Actions[5].(RenameChatAction)
	require.True(t, ok)
	assert.Equal(t, "Kickoff", rename.Title)
}

func TestParseChatOutputRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
		field   string
	}{
		{"create without name", `{"actions":[{"type":"create_agent","instruction":"x"}]}`, "actions[0].name"},
		{"create without instruction", `{"actions":[{"type":"create_agent","name":"x"}]}`, "actions[0].instruction"},
		{"create bad cliType", `{"actions":[{"type":"create_agent","name":"x","instruction":"y","cliType":"vim"}]}`, "actions[0].cliType"},
		{"create negative order", `{"actions":[{"type":"create_agent","name":"x","instruction":"y","order":-1}]}`, "actions[0].order"},
		{"update without agentId", `{"actions":[{"type":"update_agent","name":"x"}]}`, "actions[0].agentId"},
		{"update empty name", `{"actions":[{"type":"update_agent","agentId":"a","name":""}]}`, "actions[0].name"},
		{"reorder without ids", `{"actions":[{"type":"reorder_agents"}]}`, "actions[0].agentIds"},
		{"reorder empty id", `{"actions":[{"type":"reorder_agents","agentIds":["a",""]}]}`, "actions[0].agentIds[1]"},
		{"workspace empty title", `{"actions":[{"type":"update_workspace","title":""}]}`, "actions[0].title"},
		{"rename without title", `{"actions":[{"type":"rename_chat"}]}`, "actions[0].title"},
		{"unknown type", `{"actions":[{"type":"drop_tables"}]}`, "actions[0].type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseChatOutput(tc.content)
			require.Error(t, err)
			assert.Equal(t, ErrSchema, parseErrKind(t, err))
			assert.Contains(t, err.Error(), tc.field)
		})
	}
}

func TestGenerateErrorComment(t *testing.T) {
	assert.Equal(t, "CLI exited with code 2. boom", GenerateErrorComment(2, "boom\n"))
	assert.Equal(t, "CLI exited with code 1.", GenerateErrorComment(1, "   "))
	assert.Equal(t, "CLI exited with code 137.", GenerateErrorComment(137, ""))

	long := strings.Repeat("x", 5000)
	comment := GenerateErrorComment(1, long)
	assert.Len(t, comment, len("CLI exited with code 1. ")+1000)
	assert.True(t, strings.HasSuffix(comment, "..."))
}
