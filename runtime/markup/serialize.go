package markup

import (
	"fmt"
	"strings"

	"goa.design/agentflow/runtime/tools"
)

// Serialize renders a parameter map as a markup block for the given schema.
// It is the inverse of ParseBlock for parameters the schema maps: parsing the
// returned block yields the same parameter values. Absent parameters are
// omitted; a block with no body content is self-closed.
func Serialize(schema *tools.MarkupSchema, args map[string]any) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(schema.Tag)

	var body strings.Builder
	for _, mp := range schema.Mappings {
		v, ok := args[mp.Param]
		if !ok {
			continue
		}
		s := fmt.Sprint(v)
		switch mp.Node {
		case tools.NodeAttribute:
			fmt.Fprintf(&b, ` %s="%s"`, mp.Path, EscapeEntities(s))
		case tools.NodeElement:
			fmt.Fprintf(&body, "<%s>%s</%s>", mp.Path, s, mp.Path)
		case tools.NodeText, tools.NodeContent:
			if mp.Path == "." {
				body.WriteString(s)
			}
		}
	}

	if body.Len() == 0 {
		b.WriteString("/>")
		return b.String()
	}
	b.WriteByte('>')
	b.WriteString(body.String())
	b.WriteString("</")
	b.WriteString(schema.Tag)
	b.WriteByte('>')
	return b.String()
}
