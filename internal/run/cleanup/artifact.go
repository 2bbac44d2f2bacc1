package cleanup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// artifactVars is the substitution set for an artifact path template,
// recovered from original_source/'s save_run_response_to_file
// (libs/agno/agno/agent/_run.py ~line 4233).
type artifactVars struct {
	Name      string
	SessionID string
	UserID    string
	Message   string
	RunID     string
}

var artifactPlaceholders = []struct {
	token string
	get   func(artifactVars) string
}{
	{"{name}", func(v artifactVars) string { return v.Name }},
	{"{session_id}", func(v artifactVars) string { return v.SessionID }},
	{"{user_id}", func(v artifactVars) string { return v.UserID }},
	{"{message}", func(v artifactVars) string { return v.Message }},
	{"{run_id}", func(v artifactVars) string { return v.RunID }},
}

// sanitizeSubstitution strips path-traversal characters from a
// substitution value before it is woven into a file path: path
// separators, ".." segments, and null bytes.
func sanitizeSubstitution(s string) string {
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return s
}

// resolveArtifactPath expands template's substitution tokens into a
// concrete file path and cleans the result. Substituted values cannot
// add path segments (sanitizeSubstitution strips ".." and replaces
// separators); the template itself is not checked, so a template that
// names a path outside its own directory is used as given.
func resolveArtifactPath(template string, vars artifactVars) string {
	out := template
	for _, ph := range artifactPlaceholders {
		out = strings.ReplaceAll(out, ph.token, sanitizeSubstitution(ph.get(vars)))
	}
	return filepath.Clean(out)
}

// writeArtifact implements Cleanup & Store step 4: write content to a
// sanitized, formatted filename. JSON content (a string starting with '{'
// or '[') is pretty-printed; everything else is written raw, matching the
// original's JSON-vs-raw-text branch by content type.
func writeArtifact(template string, vars artifactVars, content string) error {
	path := resolveArtifactPath(template, vars)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			pretty, err := json.MarshalIndent(v, "", "  ")
			if err == nil {
				return os.WriteFile(path, pretty, 0o644)
			}
		}
	}

	return os.WriteFile(path, []byte(content), 0o644)
}
