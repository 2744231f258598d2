package execution

import (
	"strconv"
	"strings"
)

// Token groups a call schema can reference.
const (
	groupInput = iota
	groupOutput
	groupParameter
)

type schemaToken struct {
	group int
	index int
}

// CallSchema is a parsed command-line template. A schema is a comma-separated
// list of tokens such as "i0,p0,o0,i1": "i<n>" stands for the n-th input
// file, "o<n>" for the n-th output name and "p<n>" for the n-th parameter.
// Tokens that are too short, carry no parseable index or use an unknown
// group letter are dropped.
type CallSchema struct {
	tokens []schemaToken
}

// ParseSchema parses a schema string. Parsing never fails; malformed tokens
// are skipped so the zero schema expands to the bare tool path.
func ParseSchema(schema string) CallSchema {
	var cs CallSchema
	for _, token := range strings.Split(schema, ",") {
		if len(token) <= 1 {
			continue
		}
		index, err := strconv.ParseUint(token[1:], 10, 32)
		if err != nil {
			continue
		}
		var group int
		switch token[0] {
		case 'i':
			group = groupInput
		case 'o':
			group = groupOutput
		case 'p':
			group = groupParameter
		default:
			continue
		}
		cs.tokens = append(cs.tokens, schemaToken{group: group, index: int(index)})
	}
	return cs
}

// Len returns the number of usable tokens in the schema.
func (s CallSchema) Len() int {
	return len(s.tokens)
}

// Expand renders the full command line for a tool invocation. Tokens whose
// index falls outside the referenced group are skipped. The result has runs
// of spaces collapsed and trailing whitespace removed, so empty arguments
// cannot smuggle extra separators into the command.
func (s CallSchema) Expand(toolPath string, inputs, outputs, params []string) string {
	groups := [3][]string{inputs, outputs, params}
	var b strings.Builder
	b.WriteString(toolPath)
	b.WriteByte(' ')
	for _, token := range s.tokens {
		group := groups[token.group]
		if token.index >= len(group) {
			continue
		}
		b.WriteString(group[token.index])
		b.WriteByte(' ')
	}
	command := b.String()
	for strings.Contains(command, "  ") {
		command = strings.ReplaceAll(command, "  ", " ")
	}
	return strings.TrimRight(command, " \t\r\n\v\f")
}

// OutputArity reports how many output names a verification over the given
// schema needs. It counts raw 'o' characters, which matches how report
// fingerprints incorporate the output count.
func OutputArity(schema string) int {
	return strings.Count(schema, "o")
}
