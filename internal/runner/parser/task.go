package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/malamar-dev/malamar/internal/models"
)

// TaskAction is the tagged union of actions a task agent may return.
type TaskAction interface {
	isTaskAction()
}

// SkipAction means the agent has nothing to contribute this iteration.
type SkipAction struct{}

// CommentAction adds a comment to the task.
type CommentAction struct {
	Content string
}

// ChangeStatusAction moves the task to a new status.
type ChangeStatusAction struct {
	Status models.TaskStatus
}

func (SkipAction) isTaskAction()         {}
func (CommentAction) isTaskAction()      {}
func (ChangeStatusAction) isTaskAction() {}

// TaskOutput is a validated task agent response.
type TaskOutput struct {
	Actions []TaskAction
}

// ParseTaskOutputFile reads and parses the file the CLI was asked to write.
func ParseTaskOutputFile(path string) (*TaskOutput, error) {
	content, perr := readOutputFile(path)
	if perr != nil {
		return nil, perr
	}
	return ParseTaskOutput(content)
}

// ParseTaskOutput parses a task agent response from a string.
func ParseTaskOutput(content string) (*TaskOutput, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fileEmptyError()
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &root); err != nil {
		return nil, jsonParseError(err)
	}

	rawActions, ok := root["actions"]
	if !ok {
		return nil, schemaError("actions is required and must be an array")
	}
	var actionList []json.RawMessage
	if err := json.Unmarshal(rawActions, &actionList); err != nil {
		return nil, schemaError("actions must be an array")
	}

	output := &TaskOutput{Actions: make([]TaskAction, 0, len(actionList))}
	for i, raw := range actionList {
		action, perr := parseTaskAction(i, raw)
		if perr != nil {
			return nil, perr
		}
		output.Actions = append(output.Actions, action)
	}
	return output, nil
}

func parseTaskAction(index int, raw json.RawMessage) (TaskAction, *ParseError) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, schemaError(fmt.Sprintf("actions[%d] must be an object", index))
	}

	actionType, perr := requiredString(fields, "type", fmt.Sprintf("actions[%d].type", index))
	if perr != nil {
		return nil, perr
	}

	switch actionType {
	case "skip":
		return SkipAction{}, nil

	case "comment":
		content, perr := requiredString(fields, "content", fmt.Sprintf("actions[%d].content", index))
		if perr != nil {
			return nil, perr
		}
		return CommentAction{Content: content}, nil

	case "change_status":
		status, perr := requiredString(fields, "status", fmt.Sprintf("actions[%d].status", index))
		if perr != nil {
			return nil, perr
		}
		if !models.IsValidTaskStatus(status) {
			return nil, schemaError(fmt.Sprintf("actions[%d].status must be one of todo, in_progress, in_review, done", index))
		}
		return ChangeStatusAction{Status: models.TaskStatus(status)}, nil

	default:
		return nil, schemaError(fmt.Sprintf("actions[%d].type %q is not a recognised task action", index, actionType))
	}
}

// requiredString extracts a non-empty string field or reports a schema error
// naming the field.
func requiredString(fields map[string]json.RawMessage, key, fieldName string) (string, *ParseError) {
	raw, ok := fields[key]
	if !ok {
		return "", schemaError(fieldName + " is required")
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", schemaError(fieldName + " must be a string")
	}
	if value == "" {
		return "", schemaError(fieldName + " must be a non-empty string")
	}
	return value, nil
}
