// Package markup extracts tool invocations expressed as XML-like blocks
// embedded in model prose. The parser is incremental: it owns an append-only
// buffer fed from the streaming processor and yields each complete block
// exactly once, leaving partial blocks in place until more input arrives.
//
// Block-to-call mapping is schema driven: the tool registry supplies, per
// markup tag, the set of locations (attributes, nested elements, tag body)
// that bind to tool parameters.
package markup

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"goa.design/agentflow/runtime/tools"
)

// Parser incrementally extracts complete markup blocks for registry-known
// tags from a growing text buffer. Not safe for concurrent use; each response
// owns its parser.
type Parser struct {
	reg *tools.Registry
	buf string
}

// NewParser returns a parser scanning for the registry's markup tags.
func NewParser(reg *tools.Registry) *Parser {
	return &Parser{reg: reg}
}

// Feed appends streamed text to the pending buffer.
func (p *Parser) Feed(text string) {
	p.buf += text
}

// Pending returns the text not yet consumed by a complete block.
func (p *Parser) Pending() string { return p.buf }

// Drain removes and returns every complete block currently in the buffer, in
// order of appearance. Opening tags with no closing tag yet stay in the
// buffer; stray closing tags are skipped.
func (p *Parser) Drain() []string {
	var blocks []string
	for {
		block, rest, ok := nextBlock(p.buf, p.reg.Tags())
		if !ok {
			return blocks
		}
		blocks = append(blocks, block)
		p.buf = rest
	}
}

// Extract returns every complete block in content without buffer state. Used
// by the non-streaming processor.
func Extract(reg *tools.Registry, content string) []string {
	p := NewParser(reg)
	p.Feed(content)
	return p.Drain()
}

// nextBlock finds the earliest complete block for any known tag. It returns
// the block, the buffer with the block removed, and whether a block was found.
func nextBlock(buf string, tags []string) (string, string, bool) {
	start, tag := earliestOpen(buf, tags)
	if start < 0 {
		return "", buf, false
	}
	end, ok := blockEnd(buf, start, tag)
	if !ok {
		// Opening tag with no closing tag yet: await more input.
		return "", buf, false
	}
	block := buf[start:end]
	return block, buf[:start] + buf[end:], true
}

// earliestOpen locates the first opening delimiter of any known tag.
func earliestOpen(buf string, tags []string) (int, string) {
	best := -1
	var bestTag string
	for _, tag := range tags {
		pos := findOpen(buf, tag, 0)
		if pos >= 0 && (best < 0 || pos < best) {
			best = pos
			bestTag = tag
		}
	}
	return best, bestTag
}

// findOpen locates the next opening delimiter of tag at or after from,
// rejecting tags that merely share a prefix (so "<x" does not match "<xy>").
func findOpen(buf, tag string, from int) int {
	open := "<" + tag
	for {
		pos := strings.Index(buf[from:], open)
		if pos < 0 {
			return -1
		}
		pos += from
		next := pos + len(open)
		if next >= len(buf) {
			// Could still be completed by more input; report it so the
			// caller waits rather than consuming past it.
			return pos
		}
		switch buf[next] {
		case ' ', '\t', '\n', '\r', '>', '/':
			return pos
		}
		from = pos + 1
	}
}

// blockEnd walks forward from the opening delimiter at start, maintaining a
// depth counter over same-named tags, and returns the index one past the
// matching closing delimiter. Self-closing openings ("<tag .../>") complete
// immediately.
func blockEnd(buf string, start int, tag string) (int, bool) {
	openEnd := strings.IndexByte(buf[start:], '>')
	if openEnd < 0 {
		return 0, false
	}
	openEnd += start
	if buf[openEnd-1] == '/' {
		return openEnd + 1, true
	}

	closing := "</" + tag + ">"
	depth := 1
	pos := openEnd + 1
	for depth > 0 {
		nextOpen := findOpen(buf, tag, pos)
		nextClose := strings.Index(buf[pos:], closing)
		if nextClose < 0 {
			return 0, false
		}
		nextClose += pos
		if nextOpen >= 0 && nextOpen < nextClose {
			// Same-named nested opening. Self-closing nested tags do not
			// deepen the nesting.
			gt := strings.IndexByte(buf[nextOpen:], '>')
			if gt < 0 {
				return 0, false
			}
			gt += nextOpen
			if buf[gt-1] != '/' {
				depth++
			}
			pos = gt + 1
			continue
		}
		depth--
		pos = nextClose + len(closing)
	}
	return pos, true
}

// tagName extracts the tag name from a block's opening delimiter.
var tagNameRE = regexp.MustCompile(`^<([^\s/>]+)`)

// ParseBlock maps a complete block onto a tool call using the registry's
// markup schema for its tag. Blocks with missing required parameters or
// unknown tags are rejected.
func ParseBlock(reg *tools.Registry, block string) (tools.Call, error) {
	m := tagNameRE.FindStringSubmatch(block)
	if m == nil {
		return tools.Call{}, fmt.Errorf("markup: no tag in block %q", truncate(block))
	}
	tag := m[1]
	registration, ok := reg.LookupTag(tag)
	if !ok {
		return tools.Call{}, fmt.Errorf("markup: unknown tag %q", tag)
	}
	schema := registration.Markup

	args := make(map[string]any)
	remaining := block
	for _, mp := range schema.Mappings {
		switch mp.Node {
		case tools.NodeAttribute:
			opening := block
			if gt := strings.IndexByte(block, '>'); gt >= 0 {
				opening = block[:gt]
			}
			if v, ok := extractAttribute(opening, mp.Path); ok {
				args[mp.Param] = v
			}
		case tools.NodeElement:
			content, rest, ok := extractTagContent(remaining, mp.Path)
			if ok {
				args[mp.Param] = strings.TrimSpace(content)
				remaining = rest
			}
		case tools.NodeText, tools.NodeContent:
			if mp.Path != "." {
				continue
			}
			content, _, ok := extractTagContent(block, tag)
			if ok {
				args[mp.Param] = strings.TrimSpace(content)
			}
		}
	}

	var missing []string
	for _, mp := range schema.Mappings {
		if !mp.Required {
			continue
		}
		if _, ok := args[mp.Param]; !ok {
			missing = append(missing, mp.Param)
		}
	}
	if len(missing) > 0 {
		return tools.Call{}, fmt.Errorf("markup: tag %q missing required parameters %v", tag, missing)
	}

	return tools.Call{
		ID:           uuid.NewString(),
		FunctionName: registration.Name,
		XMLTagName:   tag,
		Arguments:    args,
	}, nil
}

// extractTagContent returns the body of the first tag occurrence in chunk,
// honoring same-tag nesting, together with the text following the closing
// delimiter.
func extractTagContent(chunk, tag string) (string, string, bool) {
	start := findOpen(chunk, tag, 0)
	if start < 0 {
		return "", chunk, false
	}
	openEnd := strings.IndexByte(chunk[start:], '>')
	if openEnd < 0 {
		return "", chunk, false
	}
	openEnd += start
	if chunk[openEnd-1] == '/' {
		return "", chunk[openEnd+1:], false
	}
	end, ok := blockEnd(chunk, start, tag)
	if !ok {
		return "", chunk, false
	}
	closing := "</" + tag + ">"
	return chunk[openEnd+1 : end-len(closing)], chunk[end:], true
}

// Attribute value patterns: double-quoted, single-quoted and bare.
var (
	attrDoublePattern = `%s="([^"]*)"`
	attrSinglePattern = `%s='([^']*)'`
	attrBarePattern   = `%s=([^\s/>;]+)`
)

// extractAttribute reads a named attribute off an opening tag, decoding XML
// entities in the value.
func extractAttribute(opening, name string) (string, bool) {
	quoted := regexp.QuoteMeta(name)
	for _, pattern := range []string{attrDoublePattern, attrSinglePattern, attrBarePattern} {
		re, err := regexp.Compile(fmt.Sprintf(pattern, quoted))
		if err != nil {
			continue
		}
		if m := re.FindStringSubmatch(opening); m != nil {
			return UnescapeEntities(m[1]), true
		}
	}
	return "", false
}

func truncate(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
