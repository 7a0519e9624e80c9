// Package mapping expands a Push event against a configured ruleset into
// the set of sync operations it implies for each destination repository.
package mapping

import (
	"fmt"
	"regexp"

	"github.com/mozilla-conduit/git-hg-sync/internal/events"
)

// SyncBranchOperation asks the Synchronizer to make destination_branch on
// the destination point at source_commit.
type SyncBranchOperation struct {
	SourceCommit      string
	DestinationBranch string
}

// SyncTagOperation asks the Synchronizer to create a tag commit for Tag on
// TagsDestinationBranch, tagging SourceCommit.
type SyncTagOperation struct {
	SourceCommit          string
	Tag                   string
	TagsDestinationBranch string
	TagMessageSuffix      string
}

// SyncOperation is the sum type of operations the Mapping Engine produces.
// Exactly one of Branch or Tag is non-nil.
type SyncOperation struct {
	Branch *SyncBranchOperation
	Tag    *SyncTagOperation
}

// MappingMatch pairs a concrete destination URL (after back-reference
// substitution) with the SyncOperation it implies.
type MappingMatch struct {
	DestinationURL string
	Operation      SyncOperation
}

// Mapping matches a Push event and produces zero or more MappingMatch
// values.
type Mapping interface {
	Match(event events.Push) ([]MappingMatch, error)
}

// BranchMapping maps a branch-name pattern on a source repository to a
// destination branch on a destination repository. destination_url and
// destination_branch may reference capture groups from branch_pattern
// using standard regexp.ReplaceAll back-reference syntax (`$1`, `${name}`).
type BranchMapping struct {
	SourceURL          string `toml:"source_url"`
	BranchPattern      string `toml:"branch_pattern"`
	DestinationURL     string `toml:"destination_url"`
	DestinationBranch  string `toml:"destination_branch"`
	compiledBranchOnce *regexp.Regexp
}

func (m *BranchMapping) compiled() (*regexp.Regexp, error) {
	if m.compiledBranchOnce != nil {
		return m.compiledBranchOnce, nil
	}
	re, err := regexp.Compile(anchor(m.BranchPattern))
	if err != nil {
		return nil, fmt.Errorf("compiling branch_pattern %q: %w", m.BranchPattern, err)
	}
	m.compiledBranchOnce = re
	return re, nil
}

// Match implements Mapping.
func (m *BranchMapping) Match(event events.Push) ([]MappingMatch, error) {
	if event.RepoURL != m.SourceURL {
		return nil, nil
	}
	pattern, err := m.compiled()
	if err != nil {
		return nil, err
	}

	var matches []MappingMatch
	for branchName, commit := range event.Branches {
		loc := pattern.FindStringSubmatchIndex(branchName)
		if loc == nil {
			continue
		}
		destinationURL := string(pattern.ExpandString(nil, m.DestinationURL, branchName, loc))
		destinationBranch := string(pattern.ExpandString(nil, m.DestinationBranch, branchName, loc))
		matches = append(matches, MappingMatch{
			DestinationURL: destinationURL,
			Operation: SyncOperation{
				Branch: &SyncBranchOperation{
					SourceCommit:      commit,
					DestinationBranch: destinationBranch,
				},
			},
		})
	}
	return matches, nil
}

// TagMapping maps a tag-name pattern on a source repository onto a
// dedicated tag-holding branch on a destination repository.
// TagsDestinationBranch and TagMessageSuffix are copied verbatim: unlike
// DestinationURL, they never undergo back-reference substitution.
type TagMapping struct {
	SourceURL             string `toml:"source_url"`
	TagPattern            string `toml:"tag_pattern"`
	DestinationURL        string `toml:"destination_url"`
	TagsDestinationBranch string `toml:"tags_destination_branch"`
	TagMessageSuffix      string `toml:"tag_message_suffix"`
	compiledTagOnce       *regexp.Regexp
}

func (m *TagMapping) compiled() (*regexp.Regexp, error) {
	if m.compiledTagOnce != nil {
		return m.compiledTagOnce, nil
	}
	re, err := regexp.Compile(anchor(m.TagPattern))
	if err != nil {
		return nil, fmt.Errorf("compiling tag_pattern %q: %w", m.TagPattern, err)
	}
	m.compiledTagOnce = re
	return re, nil
}

// Match implements Mapping.
func (m *TagMapping) Match(event events.Push) ([]MappingMatch, error) {
	if event.RepoURL != m.SourceURL {
		return nil, nil
	}
	pattern, err := m.compiled()
	if err != nil {
		return nil, err
	}

	var matches []MappingMatch
	for tagName, commit := range event.Tags {
		loc := pattern.FindStringSubmatchIndex(tagName)
		if loc == nil {
			continue
		}
		destinationURL := string(pattern.ExpandString(nil, m.DestinationURL, tagName, loc))
		matches = append(matches, MappingMatch{
			DestinationURL: destinationURL,
			Operation: SyncOperation{
				Tag: &SyncTagOperation{
					SourceCommit:          commit,
					Tag:                   tagName,
					TagsDestinationBranch: m.TagsDestinationBranch,
					TagMessageSuffix:      m.TagMessageSuffix,
				},
			},
		})
	}
	return matches, nil
}

// anchor makes a pattern behave like Python's re.match: it must match from
// the start of the string (Go's regexp has no match-at-start-only mode, so
// we anchor explicitly rather than requiring a full-string match).
func anchor(pattern string) string {
	if len(pattern) > 0 && pattern[0] == '^' {
		return pattern
	}
	return "^(?:" + pattern + ")"
}

// Engine expands a Push event against an ordered sequence of Mappings,
// returning the resulting SyncOperations grouped by destination URL. The
// relative order in which mappings matched is preserved within each
// destination's operation list.
type Engine struct {
	Mappings []Mapping
}

// Expand implements the Mapping Engine contract of spec §4.2.
func (e *Engine) Expand(event events.Push) (map[string][]SyncOperation, error) {
	operationsByDestination := map[string][]SyncOperation{}
	for _, m := range e.Mappings {
		matches, err := m.Match(event)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			operationsByDestination[match.DestinationURL] = append(
				operationsByDestination[match.DestinationURL], match.Operation,
			)
		}
	}
	return operationsByDestination, nil
}
