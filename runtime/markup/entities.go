package markup

import "strings"

// The five entities the wire format defines. The replacer decodes in a
// single pass, so "&amp;lt;" yields "&lt;" and not "<".
var entityDecoder = strings.NewReplacer(
	"&quot;", `"`,
	"&apos;", "'",
	"&lt;", "<",
	"&gt;", ">",
	"&amp;", "&",
)

var entityEncoder = strings.NewReplacer(
	"&", "&amp;",
	`"`, "&quot;",
	"'", "&apos;",
	"<", "&lt;",
	">", "&gt;",
)

// UnescapeEntities decodes the five XML entities used in attribute values.
func UnescapeEntities(s string) string { return entityDecoder.Replace(s) }

// EscapeEntities encodes attribute values for serialization.
func EscapeEntities(s string) string { return entityEncoder.Replace(s) }
