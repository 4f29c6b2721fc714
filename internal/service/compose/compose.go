// Package compose turns knowledge graph payloads into chat responses.
package compose

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"kgchat/internal/models"
)

// DefaultReferenceType is used for references the engine did not type.
const DefaultReferenceType = "document"

// ErrNoAnswer is returned when the payload carries no answer text.
var ErrNoAnswer = errors.New("knowledge graph payload has no answer")

var answerPaths = []string{"response", "answer", "message.content"}
var referencePaths = []string{"references", "context_data.sources"}

// Compose builds the chat response of one turn. The returned response has
// no creation time yet; it is assigned on persistence.
func Compose(input string, payload json.RawMessage, catalog *Catalog, id string) (*models.ChatResponse, error) {
	if !gjson.ValidBytes(payload) {
		return nil, errors.New("knowledge graph payload is not valid json")
	}
	doc := gjson.ParseBytes(payload)

	var answer string
	for _, path := range answerPaths {
		if v := doc.Get(path); v.Type == gjson.String {
			answer = v.String()
			break
		}
	}
	if strings.TrimSpace(answer) == "" {
		return nil, ErrNoAnswer
	}

	refs, err := extractReferences(doc, catalog)
	if err != nil {
		return nil, err
	}
	return &models.ChatResponse{
		ID:         id,
		Input:      input,
		Output:     answer,
		References: refs,
	}, nil
}

func extractReferences(doc gjson.Result, catalog *Catalog) ([]models.Reference, error) {
	refs := []models.Reference{}
	var list gjson.Result
	for _, path := range referencePaths {
		if v := doc.Get(path); v.Exists() {
			list = v
			break
		}
	}
	if !list.Exists() || list.Type == gjson.Null {
		return refs, nil
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("references must be an array, got %s", list.Type)
	}

	seen := make(map[string]bool)
	for _, item := range list.Array() {
		id := strings.TrimSpace(item.Get("id").String())
		if id == "" {
			continue
		}
		ref := models.Reference{
			ID:    id,
			Type:  strings.TrimSpace(item.Get("type").String()),
			Title: item.Get("title").String(),
		}
		if ref.Type == "" {
			ref.Type = DefaultReferenceType
		}
		// ids are numbered per type, so the same id may name several references
		key := strings.ToLower(ref.Type) + "\x00" + id
		if seen[key] {
			continue
		}
		seen[key] = true
		if strings.EqualFold(ref.Type, "product") {
			if p, ok := catalog.Lookup(id); ok {
				ref.Title = p.Name
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// ReferenceRows assigns every reference its ordinal, the position in refs.
func ReferenceRows(refs []models.Reference) []models.Reference {
	rows := make([]models.Reference, len(refs))
	for i, ref := range refs {
		ref.Idx = i
		rows[i] = ref
	}
	return rows
}

var (
	dataMarker  = regexp.MustCompile(`(\s*)\[Data:\s*([^\]]*)\]`)
	dataSegment = regexp.MustCompile(`([A-Za-z][A-Za-z ]*?)\s*\(([^)]*)\)`)
	refMarker   = regexp.MustCompile(`(\s*)\[ref:\s*([^\]\s]+)\s*\]`)
)

// StripReferences removes every citation marker from output.
func StripReferences(output string) string {
	return FormatReferences(output, nil)
}

// FormatReferences rewrites inline citation markers into [n] where n is the
// 1-based position of the cited reference. Both "[Data: Sources (3, 7)]"
// and "[ref:3]" markers are understood. Ids not present in refs are
// dropped, as are markers left empty.
func FormatReferences(output string, refs []models.Reference) string {
	output = dataMarker.ReplaceAllStringFunc(output, func(m string) string {
		sub := dataMarker.FindStringSubmatch(m)
		var positions []int
		for _, seg := range strings.Split(sub[2], ";") {
			parts := dataSegment.FindStringSubmatch(seg)
			if parts == nil {
				continue
			}
			for _, id := range strings.Split(parts[2], ",") {
				id = strings.TrimSpace(id)
				if id == "" || strings.HasPrefix(id, "+") {
					continue
				}
				if pos := position(refs, strings.TrimSpace(parts[1]), id); pos > 0 {
					positions = append(positions, pos)
				}
			}
		}
		return render(sub[1], positions)
	})
	output = refMarker.ReplaceAllStringFunc(output, func(m string) string {
		sub := refMarker.FindStringSubmatch(m)
		var positions []int
		if pos := position(refs, "", sub[2]); pos > 0 {
			positions = append(positions, pos)
		}
		return render(sub[1], positions)
	})
	return output
}

// position prefers a reference whose type matches typ, falling back to any
// reference with that id.
func position(refs []models.Reference, typ, id string) int {
	fallback := 0
	for i, ref := range refs {
		if ref.ID != id {
			continue
		}
		if typ == "" || sameType(ref.Type, typ) {
			return i + 1
		}
		if fallback == 0 {
			fallback = i + 1
		}
	}
	return fallback
}

func sameType(a, b string) bool {
	a = strings.TrimSuffix(strings.ToLower(a), "s")
	b = strings.TrimSuffix(strings.ToLower(b), "s")
	return a == b
}

func render(lead string, positions []int) string {
	if len(positions) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(lead)
	seen := make(map[int]bool)
	for _, p := range positions {
		if seen[p] {
			continue
		}
		seen[p] = true
		b.WriteString("[" + strconv.Itoa(p) + "]")
	}
	return b.String()
}

var contextPaths = []string{"context_data.sources.#.text", "references.#.text", "context_data.reports.#.content"}

// Contexts returns the retrieved passages carried by the payload, used as
// grounding for answer quality scoring.
func Contexts(payload json.RawMessage) []string {
	var out []string
	for _, path := range contextPaths {
		for _, v := range gjson.GetBytes(payload, path).Array() {
			if s := strings.TrimSpace(v.String()); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
