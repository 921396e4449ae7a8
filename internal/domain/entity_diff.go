package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// EntitySnapshot is the state the change detector compares: attributes and
// collections of one entity at a given journal version.
type EntitySnapshot struct {
	Ref         EntityRef
	Attributes  map[string]any
	Collections map[string][]any
	Version     int64
}

// NewEntitySnapshot captures a deep copy of the entity's current state.
func NewEntitySnapshot(entity VersionedEntity) EntitySnapshot {
	return EntitySnapshot{
		Ref:         entity.Ref,
		Attributes:  copyAttributes(entity.Attributes),
		Collections: copyCollections(entity.Collections),
		Version:     entity.Version,
	}
}

// CanonicalText flattens the snapshot into a deterministic set of lines suitable for diffing.
func (s EntitySnapshot) CanonicalText() ([]string, error) {
	lines := []string{
		fmt.Sprintf("Entity: %s", s.Ref),
		fmt.Sprintf("Version: %d", s.Version),
		"Attributes:",
	}

	flattened := map[string]string{}
	if len(s.Attributes) > 0 {
		if err := flattenValues("", s.Attributes, flattened); err != nil {
			return nil, err
		}
	}
	lines = appendSorted(lines, flattened)

	lines = append(lines, "Collections:")
	names := make([]string, 0, len(s.Collections))
	for name := range s.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	collected := map[string]string{}
	for _, name := range names {
		items := s.Collections[name]
		if len(items) == 0 {
			collected[name] = "[]"
			continue
		}
		for idx, item := range items {
			if err := flattenValues(fmt.Sprintf("%s[%d]", name, idx), item, collected); err != nil {
				return nil, err
			}
		}
	}
	return appendSorted(lines, collected), nil
}

func appendSorted(lines []string, flattened map[string]string) []string {
	if len(flattened) == 0 {
		return append(lines, "  (empty)")
	}
	keys := make([]string, 0, len(flattened))
	for key := range flattened {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("  %s: %s", key, flattened[key]))
	}
	return lines
}

// DiffEntitySnapshots produces a unified diff between two snapshots using the provided labels.
func DiffEntitySnapshots(baseLabel string, base *EntitySnapshot, targetLabel string, target *EntitySnapshot) (string, error) {
	baseString, err := canonicalString(base)
	if err != nil {
		return "", err
	}

	targetString, err := canonicalString(target)
	if err != nil {
		return "", err
	}

	return buildUnifiedDiff(baseLabel, targetLabel, baseString, targetString), nil
}

func canonicalString(snapshot *EntitySnapshot) (string, error) {
	if snapshot == nil {
		return "", nil
	}

	lines, err := snapshot.CanonicalText()
	if err != nil {
		return "", err
	}

	return strings.Join(lines, "\n") + "\n", nil
}

func flattenValues(prefix string, value any, acc map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "{}"
			}
			return nil
		}
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			next := key
			if prefix != "" {
				next = prefix + "." + key
			}
			if err := flattenValues(next, typed[key], acc); err != nil {
				return err
			}
		}
	case []any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "[]"
			}
			return nil
		}
		for idx, item := range typed {
			next := fmt.Sprintf("%s[%d]", prefix, idx)
			if err := flattenValues(next, item, acc); err != nil {
				return err
			}
		}
	case nil:
		if prefix != "" {
			acc[prefix] = "null"
		}
	default:
		if prefix == "" {
			return fmt.Errorf("attribute key missing for value %v", typed)
		}
		encoded, err := json.Marshal(typed)
		if err != nil {
			acc[prefix] = fmt.Sprintf("%v", typed)
		} else {
			acc[prefix] = string(encoded)
		}
	}

	return nil
}

type diffOp struct {
	prefix string
	line   string
}

func buildUnifiedDiff(baseLabel, targetLabel, baseContent, targetContent string) string {
	ops := diffLines(splitLines(baseContent), splitLines(targetContent))

	var builder strings.Builder
	fmt.Fprintf(&builder, "--- %s\n", baseLabel)
	fmt.Fprintf(&builder, "+++ %s\n", targetLabel)
	removed, added := 0, 0
	for _, op := range ops {
		switch op.prefix {
		case "-":
			removed++
		case "+":
			added++
		}
	}
	fmt.Fprintf(&builder, "@@ -%d +%d @@\n", removed, added)
	for _, op := range ops {
		builder.WriteString(op.prefix)
		builder.WriteString(op.line)
		builder.WriteString("\n")
	}

	return builder.String()
}

func splitLines(input string) []string {
	if input == "" {
		return nil
	}
	lines := strings.Split(input, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// diffLines walks the longest common subsequence table of the two inputs.
func diffLines(base, target []string) []diffOp {
	m, n := len(base), len(target)
	lcs := make([][]int, m+1)
	for i := range lcs {
		lcs[i] = make([]int, n+1)
	}

	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			switch {
			case base[i] == target[j]:
				lcs[i][j] = lcs[i+1][j+1] + 1
			case lcs[i+1][j] >= lcs[i][j+1]:
				lcs[i][j] = lcs[i+1][j]
			default:
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	ops := make([]diffOp, 0, m+n)
	i, j := 0, 0
	for i < m && j < n {
		switch {
		case base[i] == target[j]:
			ops = append(ops, diffOp{prefix: " ", line: base[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			ops = append(ops, diffOp{prefix: "-", line: base[i]})
			i++
		default:
			ops = append(ops, diffOp{prefix: "+", line: target[j]})
			j++
		}
	}
	for ; i < m; i++ {
		ops = append(ops, diffOp{prefix: "-", line: base[i]})
	}
	for ; j < n; j++ {
		ops = append(ops, diffOp{prefix: "+", line: target[j]})
	}

	return ops
}
