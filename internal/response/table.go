// Package response maps deception signals to playbook ids. Only explicit
// mappings trigger anything; an unmapped interaction type is a recorded
// no-action.
package response

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvMappings names the environment variable holding mapping overrides in
// "interaction_type:playbook_id,..." form.
const EnvMappings = "DECEPTION_PLAYBOOK_MAPPINGS"

// Table is a read-only interaction_type → playbook_id mapping.
type Table struct {
	m map[string]string
}

// NewTable copies m into a Table.
func NewTable(m map[string]string) *Table {
	t := &Table{m: make(map[string]string, len(m))}
	for k, v := range m {
		t.m[k] = v
	}
	return t
}

// Resolve returns the playbook mapped to interactionType.
func (t *Table) Resolve(interactionType string) (string, bool) {
	id, ok := t.m[interactionType]
	return id, ok
}

// Len returns the number of mappings.
func (t *Table) Len() int {
	return len(t.m)
}

// Mappings returns a copy of the mappings.
func (t *Table) Mappings() map[string]string {
	out := make(map[string]string, len(t.m))
	for k, v := range t.m {
		out[k] = v
	}
	return out
}

// InteractionTypes returns the mapped interaction types, sorted.
func (t *Table) InteractionTypes() []string {
	keys := make([]string, 0, len(t.m))
	for k := range t.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Override returns a new Table with extra applied over t.
func (t *Table) Override(extra map[string]string) *Table {
	out := NewTable(t.m)
	for k, v := range extra {
		out.m[k] = v
	}
	return out
}

// mappingEntry is the list form of a mapping in YAML.
type mappingEntry struct {
	InteractionType string `yaml:"interaction_type"`
	PlaybookID      string `yaml:"playbook_id"`
}

type tableFile struct {
	Mappings yaml.Node `yaml:"mappings"`
}

// ParseTable parses a mapping document. mappings may be a YAML map or a list
// of {interaction_type, playbook_id} entries.
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mapping table: %w", err)
	}

	m := make(map[string]string)
	switch f.Mappings.Kind {
	case 0:
	case yaml.MappingNode:
		if err := f.Mappings.Decode(&m); err != nil {
			return nil, fmt.Errorf("parse mapping table: %w", err)
		}
	case yaml.SequenceNode:
		var entries []mappingEntry
		if err := f.Mappings.Decode(&entries); err != nil {
			return nil, fmt.Errorf("parse mapping table: %w", err)
		}
		for _, e := range entries {
			if _, dup := m[e.InteractionType]; dup {
				return nil, fmt.Errorf("parse mapping table: duplicate interaction_type %q", e.InteractionType)
			}
			m[e.InteractionType] = e.PlaybookID
		}
	default:
		return nil, errors.New("parse mapping table: mappings must be a map or a list")
	}

	if err := validateMappings(m); err != nil {
		return nil, err
	}
	return NewTable(m), nil
}

// LoadTable reads a mapping document from path. A missing file yields an
// empty table.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewTable(nil), nil
		}
		return nil, fmt.Errorf("read mapping table: %w", err)
	}
	return ParseTable(data)
}

// ParseEnvMappings parses "a:b,c:d". Malformed entries are returned
// separately and skipped.
func ParseEnvMappings(s string) (map[string]string, []string) {
	m := make(map[string]string)
	var invalid []string
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 2 {
			invalid = append(invalid, entry)
			continue
		}
		k, v := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if k == "" || v == "" {
			invalid = append(invalid, entry)
			continue
		}
		m[k] = v
	}
	return m, invalid
}

func validateMappings(m map[string]string) error {
	for k, v := range m {
		if strings.TrimSpace(k) == "" {
			return errors.New("mapping table: empty interaction_type")
		}
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("mapping table: empty playbook_id for %q", k)
		}
	}
	return nil
}
