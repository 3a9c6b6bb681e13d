package intent

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/renfield-hub/renfield/internal/toolhost"
)

// patternSimilarity is the minimum Jaro-Winkler score for a learned
// correction pattern to be considered a match for the utterance.
const patternSimilarity = 0.85

// enumMaxEdits bounds the Levenshtein distance accepted when snapping an
// argument value onto a schema enum.
const enumMaxEdits = 3

// patternMatches reports whether the utterance resembles a stored correction
// pattern closely enough to reuse its tool call.
func patternMatches(pattern, text string) bool {
	p := strings.ToLower(strings.TrimSpace(pattern))
	t := strings.ToLower(strings.TrimSpace(text))
	if p == "" || t == "" {
		return false
	}
	if p == t {
		return true
	}
	return matchr.JaroWinkler(p, t, false) >= patternSimilarity
}

// bindArguments turns a classified tool name plus raw arguments into an
// executable plan. Missing required arguments are filled from room context
// where the schema suggests a room or area; enum-typed values are snapped to
// the nearest allowed value. Anything still missing yields a clarification
// plan instead of a call.
func (r *Resolver) bindArguments(toolName string, args map[string]any, req Request, snapshot []toolhost.ToolDescriptor) (DirectActionPlan, bool) {
	var desc toolhost.ToolDescriptor
	found := false
	for _, d := range snapshot {
		if d.Name == toolName {
			desc = d
			found = true
			break
		}
	}
	if !found {
		return DirectActionPlan{}, false
	}

	bound := make(map[string]any, len(args))
	for k, v := range args {
		bound[k] = v
	}

	props, required := schemaProperties(desc.InputSchema)
	for name, prop := range props {
		if v, ok := bound[name]; ok {
			if s, isStr := v.(string); isStr {
				if snapped, ok := snapEnum(s, prop); ok {
					bound[name] = snapped
				}
			}
			continue
		}
		if isRoomParameter(name) && req.RoomID != "" {
			bound[name] = req.RoomID
		}
	}

	var missing []string
	for _, name := range required {
		if _, ok := bound[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return DirectActionPlan{
			Call:               ToolCall{Name: toolName, Args: bound},
			NeedsClarification: true,
			ClarifyQuestion:    clarifyQuestion(toolName, missing),
		}, true
	}

	return DirectActionPlan{Call: ToolCall{Name: toolName, Args: bound}}, true
}

// schemaProperties extracts the property map and required list from a
// decoded JSON schema. Malformed schemas yield empty results, which binds
// the arguments as given.
func schemaProperties(schema map[string]any) (map[string]map[string]any, []string) {
	props := make(map[string]map[string]any)
	if raw, ok := schema["properties"].(map[string]any); ok {
		for name, p := range raw {
			if pm, ok := p.(map[string]any); ok {
				props[name] = pm
			}
		}
	}

	var required []string
	if raw, ok := schema["required"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}
	return props, required
}

// snapEnum matches a free-text value onto a schema enum, tolerating small
// transcription differences. Reports false when the property has no enum or
// nothing is close enough.
func snapEnum(value string, prop map[string]any) (string, bool) {
	raw, ok := prop["enum"].([]any)
	if !ok || len(raw) == 0 {
		return "", false
	}

	lower := strings.ToLower(strings.TrimSpace(value))
	best := ""
	bestDist := enumMaxEdits + 1
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			continue
		}
		if strings.ToLower(s) == lower {
			return s, true
		}
		if d := matchr.Levenshtein(lower, strings.ToLower(s)); d < bestDist {
			bestDist = d
			best = s
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}

// isRoomParameter reports whether a parameter name conventionally denotes
// the room or area a command applies to.
func isRoomParameter(name string) bool {
	switch strings.ToLower(name) {
	case "room", "room_id", "area", "area_id", "location", "zone":
		return true
	}
	return false
}

func clarifyQuestion(toolName string, missing []string) string {
	short := toolName
	if _, tool, err := toolhost.SplitName(toolName); err == nil {
		short = strings.ReplaceAll(tool, "_", " ")
	}
	if len(missing) == 1 {
		return fmt.Sprintf("Which %s should I use for %s?", strings.ReplaceAll(missing[0], "_", " "), short)
	}
	return fmt.Sprintf("I need a bit more to %s: %s?", short, strings.Join(missing, ", "))
}
