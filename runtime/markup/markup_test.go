package markup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentflow/runtime/tools"
)

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	noop := func(context.Context, map[string]any) (tools.Result, error) {
		return tools.Ok("ok"), nil
	}
	require.NoError(t, reg.Register(tools.Registration{
		Name: "greet_user",
		Markup: &tools.MarkupSchema{
			Tag: "greet",
			Mappings: []tools.Mapping{
				{Param: "name", Node: tools.NodeAttribute, Path: "name", Required: true},
				{Param: "text", Node: tools.NodeContent, Path: "."},
			},
		},
		Handler: noop,
	}))
	require.NoError(t, reg.Register(tools.Registration{
		Name: "execute_x",
		Markup: &tools.MarkupSchema{
			Tag: "x",
			Mappings: []tools.Mapping{
				{Param: "mode", Node: tools.NodeAttribute, Path: "mode"},
			},
		},
		Handler: noop,
	}))
	require.NoError(t, reg.Register(tools.Registration{
		Name: "write_file",
		Markup: &tools.MarkupSchema{
			Tag: "create-file",
			Mappings: []tools.Mapping{
				{Param: "path", Node: tools.NodeAttribute, Path: "path", Required: true},
				{Param: "content", Node: tools.NodeElement, Path: "body", Required: true},
			},
		},
		Handler: noop,
	}))
	return reg
}

func TestParserDrainSingleBlock(t *testing.T) {
	p := NewParser(testRegistry(t))
	p.Feed(`Okay <greet name="Ada">Hi</greet> done`)
	blocks := p.Drain()
	require.Equal(t, []string{`<greet name="Ada">Hi</greet>`}, blocks)
	require.Equal(t, "Okay  done", p.Pending())
	// A second drain finds nothing: blocks are consumed exactly once.
	require.Empty(t, p.Drain())
}

func TestParserDrainIncremental(t *testing.T) {
	p := NewParser(testRegistry(t))
	p.Feed(`<greet name="Ada">`)
	require.Empty(t, p.Drain(), "unterminated block must wait for more input")
	p.Feed("Hello")
	require.Empty(t, p.Drain())
	p.Feed("</greet>")
	blocks := p.Drain()
	require.Len(t, blocks, 1)
	require.Equal(t, `<greet name="Ada">Hello</greet>`, blocks[0])
	require.Empty(t, p.Pending())
}

func TestParserDrainNestedSameTag(t *testing.T) {
	p := NewParser(testRegistry(t))
	p.Feed(`<greet name="a">outer <greet name="b">inner</greet> tail</greet>`)
	blocks := p.Drain()
	require.Len(t, blocks, 1)
	require.Equal(t, `<greet name="a">outer <greet name="b">inner</greet> tail</greet>`, blocks[0])
}

func TestParserDrainSelfClosing(t *testing.T) {
	p := NewParser(testRegistry(t))
	p.Feed(`one <x/> two <x mode="fast"/> three`)
	blocks := p.Drain()
	require.Equal(t, []string{`<x/>`, `<x mode="fast"/>`}, blocks)
}

func TestParserIgnoresPrefixTags(t *testing.T) {
	reg := testRegistry(t)
	p := NewParser(reg)
	p.Feed(`<xy>not ours</xy>`)
	require.Empty(t, p.Drain())
}

func TestParserStrayClosingTagSkipped(t *testing.T) {
	p := NewParser(testRegistry(t))
	p.Feed(`</greet> noise <greet name="b">c</greet>`)
	blocks := p.Drain()
	require.Len(t, blocks, 1)
	require.Equal(t, `<greet name="b">c</greet>`, blocks[0])
}

func TestParseBlockAttributesAndContent(t *testing.T) {
	reg := testRegistry(t)
	call, err := ParseBlock(reg, `<greet name="Ada">Hello there</greet>`)
	require.NoError(t, err)
	require.Equal(t, "greet_user", call.FunctionName)
	require.Equal(t, "greet", call.XMLTagName)
	require.NotEmpty(t, call.ID)
	require.Equal(t, map[string]any{"name": "Ada", "text": "Hello there"}, call.Arguments)
}

func TestParseBlockQuoteStyles(t *testing.T) {
	reg := testRegistry(t)

	call, err := ParseBlock(reg, `<greet name='Ada'>hi</greet>`)
	require.NoError(t, err)
	require.Equal(t, "Ada", call.Arguments["name"])

	call, err = ParseBlock(reg, `<greet name=Ada>hi</greet>`)
	require.NoError(t, err)
	require.Equal(t, "Ada", call.Arguments["name"])
}

func TestParseBlockDecodesEntities(t *testing.T) {
	reg := testRegistry(t)
	call, err := ParseBlock(reg, `<greet name="A &amp; B &lt;3 &quot;q&quot; &apos;s&apos;">hi</greet>`)
	require.NoError(t, err)
	require.Equal(t, `A & B <3 "q" 's'`, call.Arguments["name"])
}

func TestParseBlockElementMapping(t *testing.T) {
	reg := testRegistry(t)
	call, err := ParseBlock(reg, `<create-file path="/tmp/a.txt"><body>line one</body></create-file>`)
	require.NoError(t, err)
	require.Equal(t, "write_file", call.FunctionName)
	require.Equal(t, "/tmp/a.txt", call.Arguments["path"])
	require.Equal(t, "line one", call.Arguments["content"])
}

func TestParseBlockMissingRequired(t *testing.T) {
	reg := testRegistry(t)
	_, err := ParseBlock(reg, `<greet>no name</greet>`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing required")
}

func TestParseBlockUnknownTag(t *testing.T) {
	reg := testRegistry(t)
	_, err := ParseBlock(reg, `<unknown a="b">x</unknown>`)
	require.Error(t, err)
}

func TestExtract(t *testing.T) {
	reg := testRegistry(t)
	blocks := Extract(reg, `a <x/> b <greet name="n">t</greet> c`)
	require.Equal(t, []string{`<x/>`, `<greet name="n">t</greet>`}, blocks)
}

func TestEntityRoundTrip(t *testing.T) {
	for _, s := range []string{`a&b`, `<tag>`, `"quoted"`, `it's`, `&amp;`, `plain`} {
		require.Equal(t, s, UnescapeEntities(EscapeEntities(s)))
	}
}
