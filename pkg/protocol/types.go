// Package protocol holds the data model shared by every bridge component:
// conversation messages, tool schemas, tool calls and their results.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation history.
type Message struct {
	Role     Role   `json:"role" yaml:"role"`
	Content  string `json:"content" yaml:"content"`
	ToolName string `json:"tool_name,omitempty" yaml:"tool_name,omitempty"`
}

func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

func ToolMessage(toolName, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolName: toolName}
}

// ParameterSchema describes one function parameter. Items and Properties
// describe nested array elements and object members.
type ParameterSchema struct {
	Name        string            `json:"name" yaml:"name"`
	Type        string            `json:"type" yaml:"type"`
	Required    bool              `json:"required" yaml:"required"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []string          `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default     any               `json:"default,omitempty" yaml:"default,omitempty"`
	Items       *ParameterSchema  `json:"items,omitempty" yaml:"items,omitempty"`
	Properties  []ParameterSchema `json:"properties,omitempty" yaml:"properties,omitempty"`
}

type FunctionSchema struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []ParameterSchema `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// ToolSchema describes a tool and the functions it exposes. Server names the
// tool server whose transport executes the tool.
type ToolSchema struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Functions   []FunctionSchema `json:"functions" yaml:"functions"`
	Category    string           `json:"category,omitempty" yaml:"category,omitempty"`
	Keywords    []string         `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Server      string           `json:"server,omitempty" yaml:"server,omitempty"`
}

// Function returns the named function of the tool.
func (s ToolSchema) Function(name string) (FunctionSchema, bool) {
	for _, fn := range s.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return FunctionSchema{}, false
}

// HasKeyword reports whether the tool declares keyword, ignoring case.
func (s ToolSchema) HasKeyword(keyword string) bool {
	for _, kw := range s.Keywords {
		if strings.EqualFold(kw, keyword) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so registered schemas cannot be mutated through
// slices held by the caller.
func (s ToolSchema) Clone() ToolSchema {
	out := s
	out.Keywords = append([]string(nil), s.Keywords...)
	out.Functions = make([]FunctionSchema, len(s.Functions))
	for i, fn := range s.Functions {
		out.Functions[i] = FunctionSchema{
			Name:        fn.Name,
			Description: fn.Description,
			Parameters:  cloneParams(fn.Parameters),
		}
	}
	return out
}

func cloneParams(params []ParameterSchema) []ParameterSchema {
	if params == nil {
		return nil
	}
	out := make([]ParameterSchema, len(params))
	for i, p := range params {
		out[i] = p
		out[i].Enum = append([]string(nil), p.Enum...)
		if p.Items != nil {
			items := cloneParams([]ParameterSchema{*p.Items})[0]
			out[i].Items = &items
		}
		out[i].Properties = cloneParams(p.Properties)
	}
	return out
}

// ToolCall is a request to run one function of one tool.
type ToolCall struct {
	ID           string         `json:"id"`
	ToolName     string         `json:"tool"`
	FunctionName string         `json:"function"`
	Arguments    map[string]any `json:"parameters"`
}

// NewToolCall builds a ToolCall with a fresh ID.
func NewToolCall(tool, function string, args map[string]any) ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return ToolCall{
		ID:           NewCallID(),
		ToolName:     tool,
		FunctionName: function,
		Arguments:    args,
	}
}

func NewCallID() string {
	return "call_" + uuid.NewString()
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is the uniform outcome of a transport invocation.
type Result struct {
	Status Status `json:"status"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

func Success(value any) Result {
	return Result{Status: StatusSuccess, Value: value}
}

func Failure(msg string) Result {
	return Result{Status: StatusError, Error: msg}
}

func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// ToolCallResult pairs a Result with the call that produced it.
type ToolCallResult struct {
	ToolCallID string `json:"tool_call_id"`
	Status     Status `json:"status"`
	Value      any    `json:"value,omitempty"`
	Error      string `json:"error,omitempty"`
}

func NewToolCallResult(callID string, r Result) ToolCallResult {
	return ToolCallResult{
		ToolCallID: callID,
		Status:     r.Status,
		Value:      r.Value,
		Error:      r.Error,
	}
}

// Content serializes the result for a tool-role message.
func (r ToolCallResult) Content() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"tool_call_id":"` + r.ToolCallID + `","status":"error","error":"unserializable tool result"}`
	}
	return string(data)
}
