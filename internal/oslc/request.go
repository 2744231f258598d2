package oslc

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	verrors "github.com/tkratochvila/VerifyServer/internal/errors"
)

// VerifyPayload is what a verify request's RDF body names. Input file IDs
// stay raw strings; the service validates and resolves them against the
// workspace.
type VerifyPayload struct {
	ToolName   string
	InputFiles []string
	Parameters []string
	Schema     string
	PlanName   string
}

// ParseVerifyPayload extracts the verification fields from an OSLC
// automation-plan document. Matching is by local element name anywhere in
// the document, so namespace prefixes do not matter, and no schema
// validation happens beyond the documented fields.
func ParseVerifyPayload(body []byte) (VerifyPayload, error) {
	const op = "oslc.parse_verify_payload"

	var (
		payload      VerifyPayload
		environments []string
		schemas      []string
		plans        []string
	)

	decoder := xml.NewDecoder(bytes.NewReader(body))
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return VerifyPayload{}, verrors.Wrap(verrors.KindMalformed, op, err)
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "usesExecutionEnvironment":
			if v, ok := attrLocal(start, "resource"); ok {
				environments = append(environments, v)
			}
		case "AutomationPlan":
			if v, ok := attrLocal(start, "about"); ok {
				plans = append(plans, v)
			}
		case "CallParameters":
			v, err := elementText(decoder)
			if err != nil {
				return VerifyPayload{}, verrors.Wrap(verrors.KindMalformed, op, err)
			}
			payload.Parameters = append(payload.Parameters, v)
		case "InputFiles":
			v, err := elementText(decoder)
			if err != nil {
				return VerifyPayload{}, verrors.Wrap(verrors.KindMalformed, op, err)
			}
			payload.InputFiles = append(payload.InputFiles, v)
		case "CallSchemaSignature":
			v, err := elementText(decoder)
			if err != nil {
				return VerifyPayload{}, verrors.Wrap(verrors.KindMalformed, op, err)
			}
			schemas = append(schemas, v)
		}
	}

	if len(environments) != 1 {
		return VerifyPayload{}, verrors.Malformed(op,
			"The OSLC request does not contain a usesExecutionEnvironment element.")
	}
	if len(schemas) != 1 {
		return VerifyPayload{}, verrors.Malformed(op,
			"The OSLC request does not contain a CallSchemaSignature element.")
	}
	if len(plans) != 1 {
		return VerifyPayload{}, verrors.Malformed(op,
			"The OSLC request does not contain an AutomationPlan element.")
	}

	payload.ToolName = toolNameFromEnvironment(environments[0])
	payload.Schema = schemas[0]
	payload.PlanName = plans[0]
	return payload, nil
}

// toolNameFromEnvironment reduces an execution-environment reference to a
// tool name. A URL keeps only its last path segment; anything else is
// already a name.
func toolNameFromEnvironment(ref string) string {
	if !strings.Contains(ref, "://") {
		return ref
	}
	lastSlash := strings.LastIndexByte(ref, '/')
	if lastSlash+1 >= len(ref) {
		return ""
	}
	return ref[lastSlash+1:]
}

func attrLocal(start xml.StartElement, name string) (string, bool) {
	for _, attr := range start.Attr {
		if attr.Name.Local == name {
			return attr.Value, true
		}
	}
	return "", false
}

// elementText collects the trimmed character data of an element, reading
// through any nested markup until the element closes.
func elementText(decoder *xml.Decoder) (string, error) {
	var b strings.Builder
	depth := 1
	for depth > 0 {
		token, err := decoder.Token()
		if err != nil {
			return "", err
		}
		switch t := token.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			b.Write(t)
		}
	}
	return strings.TrimSpace(b.String()), nil
}
