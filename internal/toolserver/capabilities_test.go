package toolserver

import "testing"

func TestCanAccessMatrix(t *testing.T) {
	cases := []struct {
		name             string
		agentID          string
		tool             string
		githubConfigured bool
		want             bool
	}{
		{"worker tool available to worker", "fe-1", "send_message", false, true},
		{"worker tool available to archie", "archie", "get_messages", false, true},
		{"archie-only tool denied to worker", "fe-1", "spawn_agent", false, false},
		{"archie-only tool allowed for archie", "archie", "spawn_agent", false, true},
		{"unknown tool denied", "archie", "delete_everything", false, false},
		{"github tool denied without tracker", "archie", "gh_create_issue", false, false},
		{"github tool allowed for archie with tracker", "archie", "gh_create_issue", true, true},
		{"github tool denied to worker even with tracker", "fe-1", "gh_create_issue", true, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := canAccess(c.agentID, c.tool, c.githubConfigured); got != c.want {
				t.Errorf("canAccess(%q, %q, %v) = %v, want %v", c.agentID, c.tool, c.githubConfigured, got, c.want)
			}
		})
	}
}
