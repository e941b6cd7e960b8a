package llm

import "strings"

const maxWireNameLen = 64

// wireToolName maps a registry name onto the function-name alphabet OpenAI accepts
// (^[a-zA-Z0-9_-]{1,64}$). Dots become "__" so they can be restored.
func wireToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '.':
			b.WriteString("__")
		case r == '_' || r == '-',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > maxWireNameLen {
		out = out[:maxWireNameLen]
	}
	return out
}

// toolNames remembers the names declared in one request so returned calls map back exactly.
type toolNames map[string]string

func newToolNames(tools []ToolSpec) toolNames {
	names := make(toolNames, len(tools))
	for _, t := range tools {
		names[wireToolName(t.Name)] = t.Name
	}
	return names
}

func (n toolNames) decode(wire string) string {
	if name, ok := n[wire]; ok {
		return name
	}
	return strings.ReplaceAll(wire, "__", ".")
}
