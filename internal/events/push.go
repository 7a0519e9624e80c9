// Package events defines the inbound Pulse event model.
package events

import "fmt"

// Push is the only event type the core accepts. It describes a set of
// branch-head and tag updates observed on a tracked source repository.
type Push struct {
	RepoURL     string            `json:"repo_url"`
	Branches    map[string]string `json:"branches"`
	Tags        map[string]string `json:"tags"`
	Time        int64             `json:"time"`
	PushID      int64             `json:"push_id"`
	User        string            `json:"user"`
	PushJSONURL string            `json:"push_json_url"`
}

// Validate enforces the structural invariant from spec §3: at least one of
// Branches or Tags must be non-empty.
func (p Push) Validate() error {
	if len(p.Branches) == 0 && len(p.Tags) == 0 {
		return fmt.Errorf("push event for %q has neither branches nor tags", p.RepoURL)
	}
	return nil
}
