package policy

import (
	"path/filepath"
	"strings"
)

// Dangerous command patterns rejected regardless of the allow-list. Matching
// is on the tokenized command, not raw substrings, so "formatted" does not
// trip the "format" rule.
type dangerRule struct {
	binary string
	flags  []string // empty means the binary itself is dangerous
	reason string
}

var dangerRules = []dangerRule{
	{binary: "rm", flags: []string{"-rf", "-fr", "-r", "-f"}, reason: "recursive or forced delete"},
	{binary: "find", flags: []string{"-delete"}, reason: "find with -delete"},
	{binary: "dd", reason: "raw device write"},
	{binary: "mkfs", reason: "filesystem format"},
	{binary: "shred", reason: "destructive overwrite"},
	{binary: "chmod", flags: []string{"777", "-R"}, reason: "broad permission change"},
}

// CheckCommand validates a shell command line against the profile. The first
// token must be an allowed binary; dangerous flag combinations and
// pipe-to-shell are rejected outright.
func (p *Profile) CheckCommand(command string) error {
	tokens := strings.Fields(command)
	if len(tokens) == 0 {
		return violationf("command", "empty command")
	}

	if err := checkPipeToShell(tokens); err != nil {
		return err
	}

	// Each pipeline segment is validated independently.
	segment := tokens[:0:0]
	for i := 0; i <= len(tokens); i++ {
		if i < len(tokens) && tokens[i] != "|" && tokens[i] != "&&" && tokens[i] != ";" {
			segment = append(segment, tokens[i])
			continue
		}
		if len(segment) > 0 {
			if err := p.checkSegment(segment); err != nil {
				return err
			}
		}
		segment = segment[:0]
	}
	return nil
}

func (p *Profile) checkSegment(tokens []string) error {
	bin := filepath.Base(tokens[0])

	allowed := false
	for _, a := range p.AllowedCommands {
		if bin == a {
			allowed = true
			break
		}
	}
	if !allowed {
		return violationf("command", "binary %q not in allowed commands", bin)
	}

	for _, rule := range dangerRules {
		if bin != rule.binary {
			continue
		}
		if len(rule.flags) == 0 {
			return violationf("dangerous_command", "%s: %s", bin, rule.reason)
		}
		for _, tok := range tokens[1:] {
			for _, flag := range rule.flags {
				if tok == flag || (strings.HasPrefix(flag, "-") && combinedFlagContains(tok, flag)) {
					return violationf("dangerous_command", "%s %s: %s", bin, tok, rule.reason)
				}
			}
		}
	}
	return nil
}

// combinedFlagContains matches "-rf" inside combined short flags like "-rfv".
func combinedFlagContains(token, flag string) bool {
	if !strings.HasPrefix(token, "-") || strings.HasPrefix(token, "--") {
		return false
	}
	want := strings.TrimPrefix(flag, "-")
	got := strings.TrimPrefix(token, "-")
	for _, r := range want {
		if !strings.ContainsRune(got, r) {
			return false
		}
	}
	return true
}

var shellBinaries = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true,
}

func checkPipeToShell(tokens []string) error {
	for i, tok := range tokens {
		if tok != "|" || i+1 >= len(tokens) {
			continue
		}
		if shellBinaries[filepath.Base(tokens[i+1])] {
			return violationf("pipe_to_shell", "piping into %s is not allowed", tokens[i+1])
		}
	}
	return nil
}
