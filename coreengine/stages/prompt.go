package stages

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/config"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/statebag"
)

// ToolResultInput is the input name under which a tool stage's generation step sees
// the tool's response.
const ToolResultInput = "tool_result"

// section is one named value rendered into a prompt.
type section struct {
	Name  string
	Value any
}

// sections orders the resolved inputs by the stage's binding list. Optional bindings
// that resolved to nothing are skipped.
func sections(bindings []config.InputBinding, in Inputs) []section {
	out := make([]section, 0, len(bindings))
	for _, b := range bindings {
		v, ok := in[b.Name]
		if !ok || v == nil {
			continue
		}
		out = append(out, section{Name: b.Name, Value: v})
	}
	return out
}

// ComposeInput renders the bound input values, without the instruction. This is the
// text the safety filter inspects.
func ComposeInput(bindings []config.InputBinding, in Inputs) string {
	return renderSections(sections(bindings, in))
}

func renderSections(secs []section) string {
	var b strings.Builder
	for i, s := range secs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s.Name)
		b.WriteString(":\n")
		b.WriteString(Render(s.Value))
	}
	return b.String()
}

// BuildPrompt joins the instruction, the rendered inputs and, for records, the
// expected JSON shape.
func BuildPrompt(instruction string, secs []section, schema config.OutputSchema) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(instruction))
	if body := renderSections(secs); body != "" {
		b.WriteString("\n\n")
		b.WriteString(body)
	}
	if schema.IsRecord() {
		b.WriteString("\n\n")
		b.WriteString(SchemaHint(schema))
	}
	return b.String()
}

// SchemaHint describes a record schema in words the model can follow.
func SchemaHint(schema config.OutputSchema) string {
	var b strings.Builder
	b.WriteString("Respond with only a JSON object with these fields:")
	for _, f := range schema.Fields {
		b.WriteString("\n- ")
		b.WriteString(f.Name)
		b.WriteString(" (")
		switch f.Type {
		case config.FieldStringList:
			b.WriteString("list of strings")
			switch {
			case f.MinItems > 0 && f.MaxItems > 0:
				fmt.Fprintf(&b, ", %d to %d items", f.MinItems, f.MaxItems)
			case f.MinItems > 0:
				fmt.Fprintf(&b, ", at least %d items", f.MinItems)
			case f.MaxItems > 0:
				fmt.Fprintf(&b, ", at most %d items", f.MaxItems)
			}
		default:
			b.WriteString(string(f.Type))
		}
		if f.Required {
			b.WriteString(", required")
		}
		b.WriteString(")")
	}
	return b.String()
}

// Render turns a bag value into prompt text. Records render as "field: value" lines,
// lists render numbered.
func Render(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case []string:
		return numbered(val)
	case []any:
		items := make([]string, len(val))
		for i, item := range val {
			items[i] = Render(item)
		}
		return numbered(items)
	case []int:
		items := make([]string, len(val))
		for i, n := range val {
			items[i] = fmt.Sprint(n)
		}
		return strings.Join(items, ", ")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			rendered := Render(val[k])
			if strings.Contains(rendered, "\n") {
				lines = append(lines, k+":\n"+rendered)
			} else {
				lines = append(lines, k+": "+rendered)
			}
		}
		return strings.Join(lines, "\n")
	case *statebag.Image:
		if val.Empty() {
			return "[no image]"
		}
		return fmt.Sprintf("[image %s, %d bytes]", val.MIMEType, len(val.Data))
	default:
		return fmt.Sprint(val)
	}
}

func numbered(items []string) string {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, item)
	}
	return b.String()
}
