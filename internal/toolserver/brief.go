package toolserver

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const briefFileName = "BRIEF.md"

func (s *Server) briefPath() string {
	if s.repoPath == "" {
		return ""
	}
	return filepath.Join(s.repoPath, briefFileName)
}

func (s *Server) readBrief() string {
	path := s.briefPath()
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

var currentStatusSection = regexp.MustCompile(`(?s)(## Current Status\n).*?(\n## |\z)`)

// updateBriefSection rewrites one named section of BRIEF.md, grounded on
// original_source/arch/mcp_server.py's _handle_update_brief: "current_status"
// replaces the section body in place, "decisions_log" appends a row to the
// Decisions Log table.
func (s *Server) updateBriefSection(section, content string) (bool, error) {
	path := s.briefPath()
	if path == "" {
		return false, fmt.Errorf("repo_path not configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("BRIEF.md not found")
	}
	brief := string(data)

	var updated string
	switch section {
	case "current_status":
		if !currentStatusSection.MatchString(brief) {
			return false, fmt.Errorf("Current Status section not found")
		}
		updated = currentStatusSection.ReplaceAllString(brief, "${1}"+content+"\n${2}")
	case "decisions_log":
		updated = appendDecisionRow(brief, content)
	default:
		return false, fmt.Errorf("unknown section: %s", section)
	}

	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return false, err
	}
	return true, nil
}

func appendDecisionRow(brief, content string) string {
	today := time.Now().UTC().Format("2006-01-02")
	row := fmt.Sprintf("| %s | %s |", today, content)

	lines := strings.Split(brief, "\n")
	out := make([]string, 0, len(lines)+1)
	inDecisions := false
	for _, line := range lines {
		out = append(out, line)
		if strings.Contains(line, "## Decisions Log") {
			inDecisions = true
			continue
		}
		if inDecisions && strings.HasPrefix(line, "|") && strings.Contains(line, "---") {
			out = append(out, row)
			inDecisions = false
		}
	}
	return strings.Join(out, "\n")
}
