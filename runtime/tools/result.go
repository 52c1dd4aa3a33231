package tools

import "encoding/json"

// Ok builds a successful result with the given output.
func Ok(output any) Result { return Result{Success: true, Output: output} }

// Fail builds a failed result whose output is the error message.
func Fail(msg string) Result { return Result{Success: false, Output: msg} }

// String renders the result output for persistence and event payloads.
// String outputs pass through unchanged; structured outputs are JSON-encoded.
func (r Result) String() string {
	switch v := r.Output.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "unencodable tool output"
		}
		return string(b)
	}
}
