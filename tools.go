package poe

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"
)

// ToolExecutable binds local code to a tool name. Execute receives the
// parsed call arguments and returns the value serialized back to the bot as
// the tool result.
type ToolExecutable struct {
	Name    string
	Execute func(ctx context.Context, req *ToolRequest) (any, error)
}

// ToolCallAccumulator assembles streamed tool-call deltas into complete
// calls. Deltas sharing an index belong to one call; their argument
// fragments concatenate in arrival order.
type ToolCallAccumulator struct {
	calls map[int]*pendingToolCall
}

type pendingToolCall struct {
	id        string
	callType  string
	name      string
	arguments strings.Builder
}

// NewToolCallAccumulator creates an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{
		calls: make(map[int]*pendingToolCall),
	}
}

// ProcessData feeds one streamed json payload into the accumulator. A
// payload without choices[0].delta.tool_calls is ignored; a malformed delta
// is skipped rather than failing the stream.
func (acc *ToolCallAccumulator) ProcessData(data map[string]any) {
	for _, delta := range toolCallDeltas(data) {
		index, ok := intField(delta, "index")
		if !ok {
			continue
		}

		call := acc.calls[index]
		if call == nil {
			call = &pendingToolCall{}
			acc.calls[index] = call
		}

		if id, ok := delta["id"].(string); ok && id != "" {
			call.id = id
		}
		if callType, ok := delta["type"].(string); ok && callType != "" {
			call.callType = callType
		}
		if function, ok := delta["function"].(map[string]any); ok {
			if name, ok := function["name"].(string); ok && name != "" {
				call.name = name
			}
			if args, ok := function["arguments"].(string); ok && args != "" {
				call.arguments.WriteString(args)
			}
		}
	}
}

// HasCalls reports whether any deltas were accumulated.
func (acc *ToolCallAccumulator) HasCalls() bool {
	return len(acc.calls) > 0
}

// Finalize returns the aggregated calls ordered by ascending index. A call
// that never received a function name is dropped, as it cannot be routed to
// an executable.
func (acc *ToolCallAccumulator) Finalize() []ToolCallDefinition {
	if len(acc.calls) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(acc.calls))
	for index := range acc.calls {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	calls := make([]ToolCallDefinition, 0, len(acc.calls))
	for _, index := range indexes {
		pending := acc.calls[index]
		if pending.name == "" {
			continue
		}

		callType := pending.callType
		if callType == "" {
			callType = "function"
		}

		calls = append(calls, ToolCallDefinition{
			Index: index,
			ID:    pending.id,
			Type:  callType,
			Function: FunctionCall{
				Name:      pending.name,
				Arguments: pending.arguments.String(),
			},
		})
	}
	return calls
}

// toolCallDeltas walks choices[0].delta.tool_calls, tolerating any shape
// mismatch by returning what it could read.
func toolCallDeltas(data map[string]any) []map[string]any {
	choices, ok := data["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil
	}
	first, ok := choices[0].(map[string]any)
	if !ok {
		return nil
	}
	delta, ok := first["delta"].(map[string]any)
	if !ok {
		return nil
	}
	rawCalls, ok := delta["tool_calls"].([]any)
	if !ok {
		return nil
	}

	calls := make([]map[string]any, 0, len(rawCalls))
	for _, raw := range rawCalls {
		if call, ok := raw.(map[string]any); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

// intField reads a JSON number as an int.
func intField(obj map[string]any, key string) (int, bool) {
	switch v := obj[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// camelToSnake converts an executable name to the wire's snake_case form:
// every upper case letter becomes an underscore plus its lower case form.
func camelToSnake(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	for _, r := range name {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// parseToolArguments decodes a streamed arguments string. Bots occasionally
// produce truncated or otherwise broken JSON here, so a repair pass runs
// before giving up; an unreadable payload degrades to no arguments.
func parseToolArguments(arguments string) map[string]any {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(trimmed)
		if repairErr != nil || json.Unmarshal([]byte(repaired), &args) != nil {
			return map[string]any{}
		}
	}
	if args == nil {
		return map[string]any{}
	}
	return args
}

// streamToolRounds runs the two-round tool flow: stream the first response
// while collecting its tool-call deltas, execute the calls locally, then
// stream the follow-up response with the calls and results attached. Each
// round is retried independently under the normal policy.
func (s *streamSettings) streamToolRounds(ctx context.Context, query *QueryRequest, emit func(PartialResponse) error) error {
	accumulator := NewToolCallAccumulator()

	firstRound := &queryPayload{QueryRequest: query, Tools: s.tools}
	err := s.streamWithRetries(ctx, firstRound, true, func(resp PartialResponse) error {
		if resp.Data != nil {
			accumulator.ProcessData(resp.Data)
			return nil
		}
		return emit(resp)
	})
	if err != nil {
		return err
	}

	toolCalls := accumulator.Finalize()
	toolResults, err := s.executeToolCalls(ctx, toolCalls, emit)
	if err != nil {
		return err
	}

	secondRound := &queryPayload{
		QueryRequest: query,
		Tools:        s.tools,
		ToolCalls:    toolCalls,
		ToolResults:  toolResults,
	}
	return s.streamWithRetries(ctx, secondRound, true, emit)
}

// executeToolCalls runs each aggregated call against its executable. A call
// naming no known executable is skipped; an executable failure aborts the
// whole query.
func (s *streamSettings) executeToolCalls(ctx context.Context, calls []ToolCallDefinition, emit func(PartialResponse) error) ([]ToolResultDefinition, error) {
	executables := make(map[string]*ToolExecutable, len(s.executables))
	for i := range s.executables {
		executables[camelToSnake(s.executables[i].Name)] = &s.executables[i]
	}

	var results []ToolResultDefinition
	for _, call := range calls {
		executable, ok := executables[call.Function.Name]
		if !ok {
			s.logger.Debug("no executable for tool call",
				zap.String("bot", s.botName), zap.String("tool", call.Function.Name))
			continue
		}

		req := newToolRequest(parseToolArguments(call.Function.Arguments), emit)
		result, err := executable.Execute(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("tool %s failed: %w", call.Function.Name, err)
		}

		content, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result of tool %s: %w", call.Function.Name, err)
		}

		results = append(results, ToolResultDefinition{
			Role:       "tool",
			ToolCallID: call.ID,
			Name:       call.Function.Name,
			Content:    string(content),
		})
	}
	return results, nil
}
