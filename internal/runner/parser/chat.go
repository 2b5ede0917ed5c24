package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/malamar-dev/malamar/internal/models"
)

// ChatAction is the tagged union of actions a chat agent may return.
type ChatAction interface {
	isChatAction()
	// ActionType returns the wire name used in failure summaries.
	ActionType() string
}

// CreateAgentAction adds an agent to the workspace.
type CreateAgentAction struct {
	Name        string
	Instruction string
	CLIType     *models.CLIType
	Order       *int
}

// UpdateAgentAction edits an existing agent. CLITypeSet distinguishes an
// explicit null (clear the override) from an absent field.
type UpdateAgentAction struct {
	AgentID     string
	Name        *string
	Instruction *string
	CLIType     *models.CLIType
	CLITypeSet  bool
	Order       *int
}

// DeleteAgentAction removes an agent.
type DeleteAgentAction struct {
	AgentID string
}

// ReorderAgentsAction replaces the workspace's agent ordering.
type ReorderAgentsAction struct {
	AgentIDs []string
}

// UpdateWorkspaceAction edits workspace settings; only present fields apply.
type UpdateWorkspaceAction struct {
	Title            *string
	Description      *string
	WorkingDirectory *string
	NotifyOnError    *bool
	NotifyOnInReview *bool
}

// RenameChatAction renames the chat; honoured only on the first response.
type RenameChatAction struct {
	Title string
}

func (CreateAgentAction) isChatAction()     {}
func (UpdateAgentAction) isChatAction()     {}
func (DeleteAgentAction) isChatAction()     {}
func (ReorderAgentsAction) isChatAction()   {}
func (UpdateWorkspaceAction) isChatAction() {}
func (RenameChatAction) isChatAction()      {}

func (CreateAgentAction) ActionType() string     { return "create_agent" }
func (UpdateAgentAction) ActionType() string     { return "update_agent" }
func (DeleteAgentAction) ActionType() string     { return "delete_agent" }
func (ReorderAgentsAction) ActionType() string   { return "reorder_agents" }
func (UpdateWorkspaceAction) ActionType() string { return "update_workspace" }
func (RenameChatAction) ActionType() string      { return "rename_chat" }

// ChatOutput is a validated chat agent response. RawActions preserves the
// original JSON array for storage alongside the agent message.
type ChatOutput struct {
	Message    string
	Actions    []ChatAction
	RawActions string
}

// ParseChatOutputFile reads and parses the file the CLI was asked to write.
func ParseChatOutputFile(path string) (*ChatOutput, error) {
	content, perr := readOutputFile(path)
	if perr != nil {
		return nil, perr
	}
	return ParseChatOutput(content)
}

// ParseChatOutput parses a chat agent response from a string.
func ParseChatOutput(content string) (*ChatOutput, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fileEmptyError()
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &root); err != nil {
		return nil, jsonParseError(err)
	}

	output := &ChatOutput{}

	if rawMessage, ok := root["message"]; ok && !isJSONNull(rawMessage) {
		if err := json.Unmarshal(rawMessage, &output.Message); err != nil {
			return nil, schemaError("message must be a string")
		}
	}

	rawActions, ok := root["actions"]
	if !ok || isJSONNull(rawActions) {
		return output, nil
	}
	var actionList []json.RawMessage
	if err := json.Unmarshal(rawActions, &actionList); err != nil {
		return nil, schemaError("actions must be an array")
	}
	output.RawActions = string(rawActions)

	output.Actions = make([]ChatAction, 0, len(actionList))
	for i, raw := range actionList {
		action, perr := parseChatAction(i, raw)
		if perr != nil {
			return nil, perr
		}
		output.Actions = append(output.Actions, action)
	}
	return output, nil
}

func parseChatAction(index int, raw json.RawMessage) (ChatAction, *ParseError) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, schemaError(fmt.Sprintf("actions[%d] must be an object", index))
	}

	actionType, perr := requiredString(fields, "type", fmt.Sprintf("actions[%d].type", index))
	if perr != nil {
		return nil, perr
	}
	prefix := fmt.Sprintf("actions[%d]", index)

	switch actionType {
	case "create_agent":
		return parseCreateAgent(prefix, fields)
	case "update_agent":
		return parseUpdateAgent(prefix, fields)
	case "delete_agent":
		agentID, perr := requiredString(fields, "agentId", prefix+".agentId")
		if perr != nil {
			return nil, perr
		}
		return DeleteAgentAction{AgentID: agentID}, nil
	case "reorder_agents":
		return parseReorderAgents(prefix, fields)
	case "update_workspace":
		return parseUpdateWorkspace(prefix, fields)
	case "rename_chat":
		title, perr := requiredString(fields, "title", prefix+".title")
		if perr != nil {
			return nil, perr
		}
		return RenameChatAction{Title: title}, nil
	default:
		return nil, schemaError(fmt.Sprintf("%s.type %q is not a recognised chat action", prefix, actionType))
	}
}

func parseCreateAgent(prefix string, fields map[string]json.RawMessage) (ChatAction, *ParseError) {
	name, perr := requiredString(fields, "name", prefix+".name")
	if perr != nil {
		return nil, perr
	}
	instruction, perr := requiredString(fields, "instruction", prefix+".instruction")
	if perr != nil {
		return nil, perr
	}

	action := CreateAgentAction{Name: name, Instruction: instruction}

	if raw, ok := fields["cliType"]; ok && !isJSONNull(raw) {
		cliType, perr := parseCLIType(raw, prefix+".cliType")
		if perr != nil {
			return nil, perr
		}
		action.CLIType = cliType
	}
	if raw, ok := fields["order"]; ok && !isJSONNull(raw) {
		order, perr := parseOrder(raw, prefix+".order")
		if perr != nil {
			return nil, perr
		}
		action.Order = order
	}
	return action, nil
}

func parseUpdateAgent(prefix string, fields map[string]json.RawMessage) (ChatAction, *ParseError) {
	agentID, perr := requiredString(fields, "agentId", prefix+".agentId")
	if perr != nil {
		return nil, perr
	}
	action := UpdateAgentAction{AgentID: agentID}

	if raw, ok := fields["name"]; ok && !isJSONNull(raw) {
		name, perr := optionalNonEmptyString(raw, prefix+".name")
		if perr != nil {
			return nil, perr
		}
		action.Name = name
	}
	if raw, ok := fields["instruction"]; ok && !isJSONNull(raw) {
		instruction, perr := optionalNonEmptyString(raw, prefix+".instruction")
		if perr != nil {
			return nil, perr
		}
		action.Instruction = instruction
	}
	if raw, ok := fields["cliType"]; ok {
		// Explicit null clears the agent's CLI kind override.
		action.CLITypeSet = true
		if !isJSONNull(raw) {
			cliType, perr := parseCLIType(raw, prefix+".cliType")
			if perr != nil {
				return nil, perr
			}
			action.CLIType = cliType
		}
	}
	if raw, ok := fields["order"]; ok && !isJSONNull(raw) {
		order, perr := parseOrder(raw, prefix+".order")
		if perr != nil {
			return nil, perr
		}
		action.Order = order
	}
	return action, nil
}

func parseReorderAgents(prefix string, fields map[string]json.RawMessage) (ChatAction, *ParseError) {
	raw, ok := fields["agentIds"]
	if !ok {
		return nil, schemaError(prefix + ".agentIds is required")
	}
	var agentIDs []string
	if err := json.Unmarshal(raw, &agentIDs); err != nil {
		return nil, schemaError(prefix + ".agentIds must be an array of strings")
	}
	for i, id := range agentIDs {
		if id == "" {
			return nil, schemaError(fmt.Sprintf("%s.agentIds[%d] must be a non-empty string", prefix, i))
		}
	}
	return ReorderAgentsAction{AgentIDs: agentIDs}, nil
}

func parseUpdateWorkspace(prefix string, fields map[string]json.RawMessage) (ChatAction, *ParseError) {
	action := UpdateWorkspaceAction{}

	if raw, ok := fields["title"]; ok && !isJSONNull(raw) {
		title, perr := optionalNonEmptyString(raw, prefix+".title")
		if perr != nil {
			return nil, perr
		}
		action.Title = title
	}
	if raw, ok := fields["description"]; ok && !isJSONNull(raw) {
		var description string
		if err := json.Unmarshal(raw, &description); err != nil {
			return nil, schemaError(prefix + ".description must be a string")
		}
		action.Description = &description
	}
	if raw, ok := fields["workingDirectory"]; ok && !isJSONNull(raw) {
		var workingDir string
		if err := json.Unmarshal(raw, &workingDir); err != nil {
			return nil, schemaError(prefix + ".workingDirectory must be a string")
		}
		action.WorkingDirectory = &workingDir
	}
	if raw, ok := fields["notifyOnError"]; ok && !isJSONNull(raw) {
		var notify bool
		if err := json.Unmarshal(raw, &notify); err != nil {
			return nil, schemaError(prefix + ".notifyOnError must be a boolean")
		}
		action.NotifyOnError = &notify
	}
	if raw, ok := fields["notifyOnInReview"]; ok && !isJSONNull(raw) {
		var notify bool
		if err := json.Unmarshal(raw, &notify); err != nil {
			return nil, schemaError(prefix + ".notifyOnInReview must be a boolean")
		}
		action.NotifyOnInReview = &notify
	}
	return action, nil
}

func parseCLIType(raw json.RawMessage, fieldName string) (*models.CLIType, *ParseError) {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, schemaError(fieldName + " must be a string")
	}
	if !models.IsValidCLIType(value) {
		return nil, schemaError(fieldName + " must be one of claude, gemini, codex, opencode")
	}
	cliType := models.CLIType(value)
	return &cliType, nil
}

func parseOrder(raw json.RawMessage, fieldName string) (*int, *ParseError) {
	var order int
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, schemaError(fieldName + " must be an integer")
	}
	if order < 0 {
		return nil, schemaError(fieldName + " must be non-negative")
	}
	return &order, nil
}

func optionalNonEmptyString(raw json.RawMessage, fieldName string) (*string, *ParseError) {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, schemaError(fieldName + " must be a string")
	}
	if value == "" {
		return nil, schemaError(fieldName + " must be a non-empty string")
	}
	return &value, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
