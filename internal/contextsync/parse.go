// Package contextsync reconciles externally edited governance documents
// (policies and canonical memory, typically synced from a git repo) into
// the store, with pre-image backups for every conflict-resolved write.
package contextsync

import (
	"bufio"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/cogos-system/athena/internal/model"
)

// PolicyEntry is one parsed rule from a policies document.
type PolicyEntry struct {
	Category string
	Type     model.BoundaryType
	Rule     string
}

// FactEntry is one parsed statement from a canonical memory document.
type FactEntry struct {
	Category string
	Content  string
}

// frontmatter is the optional YAML header of a canonical memory
// document. A category set here is the default for entries that appear
// before the first heading.
type frontmatter struct {
	Category string `yaml:"category"`
}

// severityTypes maps document severity markers to boundary types.
// Unknown markers fall back to contextual so an externally added
// severity never hard-blocks anything by accident.
var severityTypes = map[string]model.BoundaryType{
	"critical": model.BoundaryHard,
	"warning":  model.BoundarySoft,
	"normal":   model.BoundaryContextual,
}

// ParsePolicies parses a markdown policies document. Sections are
// introduced by "## Category" headings; rules are list items ("- " or
// "* ") optionally carrying a "**[SEVERITY]**" marker. Items without a
// marker are plain guidance and default to contextual. Entries outside
// any section are skipped.
func ParsePolicies(doc string) ([]PolicyEntry, error) {
	var entries []PolicyEntry
	var category string

	sc := bufio.NewScanner(strings.NewReader(doc))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "## "):
			category = normalizeCategory(strings.TrimPrefix(line, "## "))
		case isListItem(line):
			if category == "" {
				continue
			}
			severity, rule, marked := splitSeverity(strings.TrimSpace(line[2:]))
			if !marked {
				severity = "normal"
			}
			if rule == "" {
				continue
			}
			btype, ok := severityTypes[strings.ToLower(severity)]
			if !ok {
				btype = model.BoundaryContextual
			}
			entries = append(entries, PolicyEntry{Category: category, Type: btype, Rule: rule})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "contextsync: scan policies")
	}
	return entries, nil
}

func isListItem(line string) bool {
	return strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ")
}

// splitSeverity extracts the "**[SEVERITY]**" marker from a list item.
// Unmarked items come back whole with marked false.
func splitSeverity(item string) (severity, rule string, marked bool) {
	rest, ok := strings.CutPrefix(item, "**[")
	if !ok {
		return "", item, false
	}
	head, tail, ok := strings.Cut(rest, "]**")
	if !ok {
		return "", item, false
	}
	return head, strings.TrimSpace(tail), true
}

// ParseCanonicalMemory parses a markdown canonical memory document.
// An optional YAML frontmatter block sets the default category;
// "## Category" headings switch it; list items become facts.
func ParseCanonicalMemory(doc string) ([]FactEntry, error) {
	body, fm, err := stripFrontmatter(doc)
	if err != nil {
		return nil, err
	}
	category := normalizeCategory(fm.Category)

	var entries []FactEntry
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "## "):
			category = normalizeCategory(strings.TrimPrefix(line, "## "))
		case isListItem(line):
			content := strings.TrimSpace(line[2:])
			if category == "" || content == "" {
				continue
			}
			entries = append(entries, FactEntry{Category: category, Content: content})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "contextsync: scan canonical memory")
	}
	return entries, nil
}

// stripFrontmatter splits an optional leading "---" YAML block from the
// document body.
func stripFrontmatter(doc string) (string, frontmatter, error) {
	var fm frontmatter
	rest, ok := strings.CutPrefix(doc, "---\n")
	if !ok {
		return doc, fm, nil
	}
	header, body, ok := strings.Cut(rest, "\n---")
	if !ok {
		return doc, fm, nil
	}
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return "", fm, eris.Wrap(err, "contextsync: parse frontmatter")
	}
	return strings.TrimPrefix(body, "\n"), fm, nil
}

func normalizeCategory(heading string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(heading)), " ", "_")
}
