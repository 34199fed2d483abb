// Package sandbox runs a small allowlisted set of read-only commands on
// behalf of tool calls. Input passes a tokenizer, a binary and
// subcommand allowlist, and a filesystem jail before anything executes;
// execution gets no shell, a minimal environment, a timeout with a
// process-group kill, and capped, redacted output. Every allow and deny
// lands in a rotating audit log.
package sandbox

import (
	"fmt"
	"strings"
)

// Deny reasons recorded in the audit log.
const (
	ReasonEmptyCommand         = "empty_command"
	ReasonMetacharacters       = "metacharacters"
	ReasonBinaryNotAllowed     = "binary_not_allowed"
	ReasonSubcommandNotAllowed = "subcommand_not_allowed"
	ReasonFlagDenied           = "flag_denied"
	ReasonEscapesJail          = "escapes_jail"
)

// shell metacharacters; a token containing any of these is rejected
// outright, there is no quoting or escaping in this surface.
const metachars = "|&;$`()><#"

// Tokenize splits the command on whitespace and rejects anything that
// could smuggle shell syntax through the no-shell execution below.
func Tokenize(command string) ([]string, string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, ReasonEmptyCommand
	}
	for _, tok := range fields {
		if strings.ContainsAny(tok, metachars) {
			return nil, ReasonMetacharacters
		}
	}
	return fields, ""
}

// Policy is the allowlist: which binaries run, which subcommands
// multi-verb tools may use, and which flags are denied regardless.
type Policy struct {
	// Binaries maps an allowed binary to its subcommand allowlist.
	// A nil subcommand list means the binary takes no subcommand.
	Binaries map[string][]string

	// DeniedFlags are rejected in both "-c value" and "-c=value" forms.
	DeniedFlags []string
}

// DefaultPolicy covers the read-only tool surface.
func DefaultPolicy() Policy {
	return Policy{
		Binaries: map[string][]string{
			"ls":   nil,
			"cat":  nil,
			"head": nil,
			"tail": nil,
			"wc":   nil,
			"grep": nil,
			"find": nil,
			"git":  {"log", "show", "diff", "status", "branch", "blame", "ls-files"},
		},
		// git -c injects arbitrary config (e.g. core.pager, core.fsmonitor)
		// and --exec-path redirects to attacker binaries.
		DeniedFlags: []string{"-c", "--exec-path", "--upload-pack", "--receive-pack", "-P"},
	}
}

// Check validates tokenized input against the policy. It returns the
// empty string when the command is allowed, else the deny reason.
func (p Policy) Check(tokens []string) string {
	if len(tokens) == 0 {
		return ReasonEmptyCommand
	}
	binary := tokens[0]
	subcommands, ok := p.Binaries[binary]
	if !ok {
		return ReasonBinaryNotAllowed
	}

	for _, tok := range tokens[1:] {
		for _, denied := range p.DeniedFlags {
			if tok == denied || strings.HasPrefix(tok, denied+"=") {
				return ReasonFlagDenied
			}
		}
	}

	if subcommands != nil {
		sub := firstNonFlag(tokens[1:])
		if sub == "" || !contains(subcommands, sub) {
			return ReasonSubcommandNotAllowed
		}
	}
	return ""
}

func firstNonFlag(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Describe renders a policy summary for the health surface.
func (p Policy) Describe() string {
	return fmt.Sprintf("%d binaries allowed, %d flags denied", len(p.Binaries), len(p.DeniedFlags))
}
