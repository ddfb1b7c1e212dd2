package secrets

import "regexp"

// Pattern is one detectable secret class.
type Pattern struct {
	Name string
	Re   *regexp.Regexp
}

// defaultPatterns covers the common credential shapes that show up in
// chat content. Matches are replaced with opaque reference tokens
// before the message enters the pipeline.
var defaultPatterns = []Pattern{
	{Name: "openai_api_key", Re: regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{Name: "github_token", Re: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{Name: "aws_access_key", Re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{Name: "slack_token", Re: regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`)},
	{Name: "bearer_token", Re: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{20,}=*`)},
	{Name: "private_key_block", Re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{Name: "password_assignment", Re: regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*\S{6,}`)},
	{Name: "connection_string", Re: regexp.MustCompile(`(?i)[a-z]+://[^:\s]+:[^@\s]+@[^\s]+`)},
}

// DefaultPatterns returns a copy of the built-in pattern set.
func DefaultPatterns() []Pattern {
	out := make([]Pattern, len(defaultPatterns))
	copy(out, defaultPatterns)
	return out
}
