package llms

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelrelay/modelrelay/pkg/registry"
)

// SanitizeRequest normalizes a raw request before execution. It never
// mutates its input: the returned request is a shallow copy with the
// temperature knob dropped or clamped per model capability and the
// response format resolved into either a schema or prose instructions
// appended to the system prompt.
func SanitizeRequest(reg *registry.Registry, req *Request) (*Request, *ResponseSchema) {
	out := *req

	if out.Temperature != nil {
		if !reg.SupportsTemperature(out.Model) {
			slog.Debug("dropping temperature for model without the knob", "model", out.Model)
			out.Temperature = nil
		} else if max := reg.MaxTemperature(out.Model); max > 0 && *out.Temperature > max {
			clamped := max
			out.Temperature = &clamped
		}
	}

	schema, instructions := normalizeResponseFormat(out.ResponseFormat)
	out.ResponseFormat = nil
	if instructions != "" {
		if out.SystemPrompt != "" {
			out.SystemPrompt = out.SystemPrompt + "\n\n" + instructions
		} else {
			out.SystemPrompt = instructions
		}
	}

	return &out, schema
}

// normalizeResponseFormat resolves the accepted responseFormat shapes: a
// ResponseSchema (typically from SchemaFor), a JSON schema map or string
// (native structured output), a legacy field list (converted to prose
// instructions), or nothing.
func normalizeResponseFormat(rf any) (*ResponseSchema, string) {
	switch v := rf.(type) {
	case nil:
		return nil, ""
	case *ResponseSchema:
		if v == nil {
			return nil, ""
		}
		return v, ""
	case ResponseSchema:
		return &v, ""
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, ""
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			slog.Debug("ignoring unparseable responseFormat string")
			return nil, ""
		}
		return normalizeResponseFormat(m)
	case map[string]any:
		if fields, ok := v["fields"].([]any); ok {
			return nil, legacyFieldInstructions(fields)
		}
		if inner, ok := v["schema"].(map[string]any); ok {
			name, _ := v["name"].(string)
			if name == "" {
				name = "response"
			}
			return &ResponseSchema{Name: name, Schema: inner, Strict: true}, ""
		}
		if t, _ := v["type"].(string); t == "object" || v["properties"] != nil {
			return &ResponseSchema{Name: "response", Schema: v, Strict: true}, ""
		}
		return nil, ""
	default:
		return nil, ""
	}
}

// legacyFieldInstructions renders the deprecated fields[] format as prose.
// Entries missing a name or type are skipped without complaint.
func legacyFieldInstructions(fields []any) string {
	var lines []string
	for _, f := range fields {
		fm, ok := f.(map[string]any)
		if !ok {
			continue
		}
		name, _ := fm["name"].(string)
		typ, _ := fm["type"].(string)
		if name == "" || typ == "" {
			continue
		}
		desc, _ := fm["description"].(string)
		line := fmt.Sprintf("- %q (%s)", name, typ)
		if desc != "" {
			line += ": " + desc
		}
		lines = append(lines, line)
		if props, ok := fm["properties"].(map[string]any); ok && typ == "object" {
			for pname, p := range props {
				pm, ok := p.(map[string]any)
				if !ok {
					continue
				}
				ptyp, _ := pm["type"].(string)
				pdesc, _ := pm["description"].(string)
				sub := fmt.Sprintf("  - %q.%q (%s)", name, pname, ptyp)
				if pdesc != "" {
					sub += ": " + pdesc
				}
				lines = append(lines, sub)
			}
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Respond with a single JSON object containing exactly these fields:\n" +
		strings.Join(lines, "\n") +
		"\nReturn valid JSON only, with no surrounding prose."
}
