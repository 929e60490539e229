// Package labels holds the BIO tag table shared by the classifier and the decoder.
//
// Tag strings ("O", "B-EMAIL", "I-PHONE") are parsed once when a Table is built.
// A Table is read-only after construction and safe for concurrent use.
package labels

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// EntityType names a category of sensitive information.
type EntityType string

const (
	CreditCard EntityType = "CREDIT_CARD"
	Phone      EntityType = "PHONE"
	Email      EntityType = "EMAIL"
	PersonName EntityType = "PERSON_NAME"
	Date       EntityType = "DATE"
	City       EntityType = "CITY"
	Location   EntityType = "LOCATION"
)

// DefaultEntityTypes is the entity set the stock model is trained on, in id order.
var DefaultEntityTypes = []EntityType{CreditCard, Phone, Email, PersonName, Date, City, Location}

// DefaultPIITypes are the entity types flagged as personally identifiable.
var DefaultPIITypes = []EntityType{CreditCard, Phone, Email, PersonName, Date}

// Boundary is the B/I part of a BIO tag.
type Boundary uint8

const (
	Outside Boundary = iota
	Begin
	Inside
)

func (b Boundary) String() string {
	switch b {
	case Begin:
		return "B"
	case Inside:
		return "I"
	default:
		return "O"
	}
}

// Tag is a parsed BIO label. The zero value is Outside.
type Tag struct {
	Boundary Boundary
	Type     EntityType
}

// IsOutside reports whether the tag marks a non-entity token.
func (t Tag) IsOutside() bool { return t.Boundary == Outside }

func (t Tag) String() string {
	if t.IsOutside() {
		return "O"
	}
	return t.Boundary.String() + "-" + string(t.Type)
}

// ParseTag parses "O", "B-X" or "I-X". Anything else is rejected.
func ParseTag(s string) (Tag, error) {
	s = strings.TrimSpace(s)
	if s == "O" {
		return Tag{}, nil
	}
	prefix, typ, ok := strings.Cut(s, "-")
	if !ok || typ == "" {
		return Tag{}, fmt.Errorf("malformed tag %q", s)
	}
	switch strings.ToUpper(prefix) {
	case "B":
		return Tag{Boundary: Begin, Type: EntityType(strings.ToUpper(typ))}, nil
	case "I":
		return Tag{Boundary: Inside, Type: EntityType(strings.ToUpper(typ))}, nil
	default:
		return Tag{}, fmt.Errorf("malformed tag %q: unknown prefix %q", s, prefix)
	}
}

// Table maps tag ids to parsed tags and entity types to their pii flag.
type Table struct {
	tags []Tag
	pii  map[EntityType]bool
}

// NewTable builds a table from id-ordered tag strings.
func NewTable(tagNames []string, piiTypes []EntityType) (*Table, error) {
	if len(tagNames) == 0 {
		return nil, fmt.Errorf("label table is empty")
	}
	tags := make([]Tag, len(tagNames))
	for i, name := range tagNames {
		tag, err := ParseTag(name)
		if err != nil {
			return nil, fmt.Errorf("tag id %d: %w", i, err)
		}
		tags[i] = tag
	}
	pii := make(map[EntityType]bool, len(piiTypes))
	for _, t := range piiTypes {
		pii[EntityType(strings.ToUpper(string(t)))] = true
	}
	return &Table{tags: tags, pii: pii}, nil
}

// DefaultTagNames renders "O" followed by B-/I- pairs for each type.
func DefaultTagNames(types []EntityType) []string {
	names := make([]string, 0, 1+2*len(types))
	names = append(names, "O")
	for _, t := range types {
		names = append(names, "B-"+string(t), "I-"+string(t))
	}
	return names
}

// NewDefaultTable returns the stock 15-tag table.
func NewDefaultTable() *Table {
	t, err := NewTable(DefaultTagNames(DefaultEntityTypes), DefaultPIITypes)
	if err != nil {
		panic(err)
	}
	return t
}

// Tag returns the tag for id. Unknown ids map to Outside.
func (t *Table) Tag(id int) Tag {
	if t == nil || id < 0 || id >= len(t.tags) {
		return Tag{}
	}
	return t.tags[id]
}

// Len is the number of tag ids.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.tags)
}

// IsPII reports whether the entity type is flagged as pii.
func (t *Table) IsPII(typ EntityType) bool {
	if t == nil {
		return false
	}
	return t.pii[typ]
}

// EntityTypes lists the distinct entity types in the table, sorted.
func (t *Table) EntityTypes() []EntityType {
	seen := map[EntityType]bool{}
	var out []EntityType
	for _, tag := range t.tags {
		if tag.IsOutside() || seen[tag.Type] {
			continue
		}
		seen[tag.Type] = true
		out = append(out, tag.Type)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Names returns the tag strings in id order.
func (t *Table) Names() []string {
	out := make([]string, len(t.tags))
	for i, tag := range t.tags {
		out[i] = tag.String()
	}
	return out
}

// LoadFromModelDir reads id2label from a Hugging Face style config.json,
// falling back to label_map.json (list or {"id": "label"} object).
func LoadFromModelDir(dir string, piiTypes []EntityType) (*Table, error) {
	configPath := filepath.Join(dir, "config.json")
	if data, err := os.ReadFile(configPath); err == nil {
		var cfg struct {
			ID2Label map[string]string `json:"id2label"`
			Label2ID map[string]int    `json:"label2id"`
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configPath, err)
		}
		if names := namesFromIDMap(cfg.ID2Label); len(names) > 0 {
			return NewTable(names, piiTypes)
		}
		if names := namesFromLabel2ID(cfg.Label2ID); len(names) > 0 {
			return NewTable(names, piiTypes)
		}
	}

	labelPath := filepath.Join(dir, "label_map.json")
	data, err := os.ReadFile(labelPath)
	if err != nil {
		return nil, fmt.Errorf("no id2label in %s and no %s: %w", configPath, labelPath, err)
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return NewTable(list, piiTypes)
	}
	var idMap map[string]string
	if err := json.Unmarshal(data, &idMap); err != nil {
		return nil, fmt.Errorf("parse %s: %w", labelPath, err)
	}
	names := namesFromIDMap(idMap)
	if len(names) == 0 {
		return nil, fmt.Errorf("%s has no labels", labelPath)
	}
	return NewTable(names, piiTypes)
}

// Gaps in the id space are filled with "O".
func namesFromIDMap(id2label map[string]string) []string {
	if len(id2label) == 0 {
		return nil
	}
	byID := make(map[int]string, len(id2label))
	maxID := -1
	for k, v := range id2label {
		id, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || id < 0 {
			continue
		}
		byID[id] = v
		if id > maxID {
			maxID = id
		}
	}
	return fillNames(byID, maxID)
}

func namesFromLabel2ID(label2id map[string]int) []string {
	if len(label2id) == 0 {
		return nil
	}
	byID := make(map[int]string, len(label2id))
	maxID := -1
	for lbl, id := range label2id {
		if id < 0 {
			continue
		}
		byID[id] = lbl
		if id > maxID {
			maxID = id
		}
	}
	return fillNames(byID, maxID)
}

func fillNames(byID map[int]string, maxID int) []string {
	if maxID < 0 {
		return nil
	}
	names := make([]string, maxID+1)
	for i := range names {
		if lbl, ok := byID[i]; ok {
			names[i] = lbl
		} else {
			names[i] = "O"
		}
	}
	return names
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
)

// Init installs the process-wide table. Only the first call has any effect;
// it reports whether t was installed.
func Init(t *Table) bool {
	installed := false
	defaultOnce.Do(func() {
		if t == nil {
			t = NewDefaultTable()
		}
		defaultTable = t
		installed = true
	})
	return installed
}

// Default returns the process-wide table, installing the stock table if Init
// was never called.
func Default() *Table {
	Init(nil)
	return defaultTable
}
