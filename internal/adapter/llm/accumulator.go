package llm

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/xiaot623/agentrun/internal/domain"
)

// accumulator folds stream chunks into a Completion.
type accumulator struct {
	content      strings.Builder
	calls        map[int]*partialCall
	order        []int
	finishReason string
	usage        *Usage
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newAccumulator() *accumulator {
	return &accumulator{calls: make(map[int]*partialCall)}
}

// add merges one chunk and returns the content delta it carried.
func (a *accumulator) add(chunk *StreamChunk) string {
	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}
	var delta string
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		if choice.FinishReason != "" {
			a.finishReason = choice.FinishReason
		}
		if choice.Delta == nil {
			continue
		}
		delta += choice.Delta.Content
		for pos, tc := range choice.Delta.ToolCalls {
			idx := pos
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc, ok := a.calls[idx]
			if !ok {
				pc = &partialCall{}
				a.calls[idx] = pc
				a.order = append(a.order, idx)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name += tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
	}
	a.content.WriteString(delta)
	return delta
}

func (a *accumulator) completion() (Completion, error) {
	out := Completion{
		Content:      a.content.String(),
		FinishReason: a.finishReason,
	}
	order := slices.Clone(a.order)
	slices.Sort(order)
	for _, idx := range order {
		pc := a.calls[idx]
		args := strings.TrimSpace(pc.args.String())
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return Completion{}, fmt.Errorf("tool call %s returned invalid arguments", pc.name)
		}
		out.ToolCalls = append(out.ToolCalls, domain.RequestedToolCall{
			ID:   pc.id,
			Name: pc.name,
			Args: json.RawMessage(args),
		})
	}
	if a.usage != nil {
		out.InputTokens = a.usage.PromptTokens
		out.OutputTokens = a.usage.CompletionTokens
	}
	return out, nil
}
