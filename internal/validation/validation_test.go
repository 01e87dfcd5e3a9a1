package validation

import (
	"strings"
	"testing"
)

func TestValidateChannelID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "c1", false},
		{"uuid", "550e8400-e29b-41d4-a716-446655440000", false},
		{"with colon and dot", "tab:3.main", false},
		{"empty", "", true},
		{"leading dash", "-c1", true},
		{"space", "c 1", true},
		{"path traversal attempt", "../../../etc/passwd", true},
		{"SQL injection attempt", "'; DROP TABLE channels; --", true},
		{"too long", strings.Repeat("a", MaxChannelIDLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChannelID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChannelID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCwd(t *testing.T) {
	tests := []struct {
		name    string
		cwd     string
		wantErr bool
	}{
		{"absolute", "/home/dev/project", false},
		{"root", "/", false},
		{"empty", "", true},
		{"relative", "project", true},
		{"not clean", "/home/dev/../etc", true},
		{"trailing slash", "/home/dev/", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCwd(tt.cwd)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCwd() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateModel(t *testing.T) {
	tests := []struct {
		model   string
		wantErr bool
	}{
		{"", false},
		{"claude-sonnet-4-5", false},
		{"gpt-4o-mini", false},
		{"accounts/fireworks/models/llama-v3", false},
		{"model name", true},
		{"$(rm -rf)", true},
	}

	for _, tt := range tests {
		err := ValidateModel(tt.model)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateModel(%q) error = %v, wantErr %v", tt.model, err, tt.wantErr)
		}
	}
}

func TestValidatePermissionMode(t *testing.T) {
	for _, mode := range []string{"", "default", "acceptEdits", "plan", "bypassPermissions"} {
		if err := ValidatePermissionMode(mode); err != nil {
			t.Errorf("ValidatePermissionMode(%q) error = %v", mode, err)
		}
	}
	if err := ValidatePermissionMode("yolo"); err == nil {
		t.Error("ValidatePermissionMode(yolo) expected error")
	}
}

func TestValidateThinkingBudget(t *testing.T) {
	tests := []struct {
		tokens  int
		wantErr bool
	}{
		{0, false},
		{1024, false},
		{MaxThinkingBudget, false},
		{-1, true},
		{MaxThinkingBudget + 1, true},
	}

	for _, tt := range tests {
		err := ValidateThinkingBudget(tt.tokens)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateThinkingBudget(%d) error = %v, wantErr %v", tt.tokens, err, tt.wantErr)
		}
	}
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{"simple path", "foo/bar", "foo/bar", false},
		{"single component", "filename.txt", "filename.txt", false},
		{"with underscore", "my_file.txt", "my_file.txt", false},
		{"trailing slash", "foo/bar/", "foo/bar/", false},
		{"empty", "", "", true},
		{"path traversal", "../../../etc/passwd", "", true},
		{"path traversal in middle", "foo/../../../etc/passwd", "", true},
		{"absolute path", "/etc/passwd", "", true},
		{"unsafe chars semicolon", "foo;rm -rf /", "", true},
		{"unsafe chars space", "foo bar", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("SanitizePath() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("SanitizePath() = %v, want %v", got, tt.want)
			}
		})
	}
}
