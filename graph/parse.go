package graph

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// thinkRe strips reasoning sections emitted by R1-style models.
var thinkRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// ExtractJSON attempts to find a JSON object in the LLM response text.
// It handles common LLM quirks: reasoning tags, markdown code blocks, and
// text before or after the object.
func ExtractJSON(raw string) (string, error) {
	raw = thinkRe.ReplaceAllString(raw, "")

	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}

	raw = strings.TrimSpace(raw)

	start := strings.Index(raw, "{")
	if start < 0 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	if end := balancedEnd(raw[start:]); end > 0 {
		return raw[start : start+end], nil
	}
	// Unbalanced, most likely truncated: keep the widest span so the
	// decoder reports where it broke.
	if end := strings.LastIndex(raw, "}"); end > start {
		return raw[start : end+1], nil
	}
	return "", fmt.Errorf("no JSON object found in response")
}

// balancedEnd returns the length of the object opening s, or 0 when its
// braces never balance. Braces inside string literals are ignored.
func balancedEnd(s string) int {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return 0
}

var knownEntityTypes = map[string]bool{
	EntityPerson: true, EntityCompany: true, EntityOrganization: true,
	EntityRegulator: true, EntityExchange: true, EntityAuditor: true,
	EntityRegistrar: true, EntitySecurity: true, EntityProduct: true,
	EntityLocation: true, EntityCountry: true, EntityShareholder: true,
	EntityFinancialMetric: true, EntityUnknown: true,
}

// NormalizeEntityType upper-cases t and maps anything outside the known
// vocabulary to UNKNOWN.
func NormalizeEntityType(t string) string {
	t = strings.ToUpper(strings.TrimSpace(t))
	t = strings.ReplaceAll(t, " ", "_")
	if !knownEntityTypes[t] {
		return EntityUnknown
	}
	return t
}

// LooksLikeEntity reports whether a claim object reads as an entity name:
// shorter than 200 characters, containing an uppercase letter, and not a
// plain number once '.' and ',' are removed.
func LooksLikeEntity(obj string) bool {
	if obj == "" || utf8.RuneCountInString(obj) >= 200 {
		return false
	}
	hasUpper := false
	for _, r := range obj {
		if unicode.IsUpper(r) {
			hasUpper = true
			break
		}
	}
	if !hasUpper {
		return false
	}
	digits := strings.NewReplacer(".", "", ",", "").Replace(obj)
	if digits == "" {
		return true
	}
	for _, r := range digits {
		if !unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// ParseExtraction decodes an LLM response into an Extraction. It never
// fails: unparseable output yields an empty Extraction with Error set.
// Both the id-based "relationships" shape and the name-based "claims"
// shape are accepted; claims whose object looks like an entity also
// produce a relationship.
func ParseExtraction(chunkID, raw string) Extraction {
	x := Extraction{ChunkID: chunkID}

	jsonStr, err := ExtractJSON(raw)
	if err != nil {
		x.Error = err.Error()
		return x
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		x.Error = fmt.Sprintf("decoding extraction: %v", err)
		return x
	}

	byName := make(map[string]string)
	for _, item := range objects(doc["entities"]) {
		name := strings.TrimSpace(str(item["name"]))
		if name == "" {
			continue
		}
		id := str(item["id"])
		if id == "" {
			id = uuid.NewString()
		}
		conf := 1.0
		if c, ok := number(item["confidence"]); ok {
			conf = c
		}
		x.Entities = append(x.Entities, Entity{
			ID:         id,
			Name:       name,
			Type:       NormalizeEntityType(str(item["type"])),
			Attributes: attrMap(item["attributes"]),
			Confidence: conf,
		})
		byName[strings.ToLower(name)] = id
	}

	for _, item := range objects(doc["relationships"]) {
		relType := strings.TrimSpace(str(item["type"]))
		if relType == "" {
			relType = RelRelatedTo
		}
		x.Relationships = append(x.Relationships, Relationship{
			SourceID:   str(item["source_id"]),
			TargetID:   str(item["target_id"]),
			Type:       relType,
			Attributes: attrMap(item["attributes"]),
		})
	}

	// entityFor finds the chunk entity named name or adds an UNKNOWN one.
	entityFor := func(name string) string {
		if id, ok := byName[strings.ToLower(name)]; ok {
			return id
		}
		id := uuid.NewString()
		x.Entities = append(x.Entities, Entity{
			ID: id, Name: name, Type: EntityUnknown, Attributes: map[string]any{}, Confidence: 1.0,
		})
		byName[strings.ToLower(name)] = id
		return id
	}

	for _, item := range objects(doc["claims"]) {
		subject := strings.TrimSpace(str(item["subject"]))
		object := strings.TrimSpace(str(item["object"]))
		if subject == "" || object == "" {
			continue
		}
		predicate := strings.ToUpper(strings.TrimSpace(str(item["predicate"])))
		if predicate == "" {
			predicate = RelRelatedTo
		}
		claim := Claim{
			SubjectID:     entityFor(subject),
			Predicate:     predicate,
			ObjectValue:   object,
			SourceChunkID: chunkID,
		}
		if LooksLikeEntity(object) {
			claim.ObjectID = entityFor(object)
			x.Relationships = append(x.Relationships, Relationship{
				SourceID:   claim.SubjectID,
				TargetID:   claim.ObjectID,
				Type:       predicate,
				Attributes: map[string]any{},
			})
		}
		x.Claims = append(x.Claims, claim)
	}

	for _, item := range objects(doc["definitions"]) {
		term := strings.TrimSpace(str(item["term"]))
		def := strings.TrimSpace(str(item["definition"]))
		if term == "" || def == "" {
			continue
		}
		x.Definitions = append(x.Definitions, Definition{Term: term, Definition: def})
	}

	for _, item := range objects(doc["events"]) {
		desc := strings.TrimSpace(str(item["description"]))
		if desc == "" {
			continue
		}
		eventType := strings.TrimSpace(str(item["type"]))
		if eventType == "" {
			eventType = "GENERAL"
		}
		date := str(item["date"])
		if _, err := time.Parse("2006-01-02", date); err != nil {
			date = ""
		}
		x.Events = append(x.Events, Event{Type: eventType, Description: desc, Date: date})
	}

	return x
}

func objects(v any) []map[string]any {
	list, _ := v.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// str renders a scalar JSON value as text; nil and containers give "".
func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func number(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func attrMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
