package runtime

import "strings"

// FailureClass is the name attached to a classified envelope failure.
type FailureClass string

const (
	ClassAuthenticationError  FailureClass = "AuthenticationError"
	ClassRateLimitExceeded    FailureClass = "RateLimitExceeded"
	ClassTimeout              FailureClass = "Timeout"
	ClassResourceExhausted    FailureClass = "ResourceExhausted"
	ClassInvalidInput         FailureClass = "InvalidInput"
	ClassNotFound             FailureClass = "NotFound"
	ClassPermissionDenied     FailureClass = "PermissionDenied"
	ClassNetworkError         FailureClass = "NetworkError"
	ClassConfigurationError   FailureClass = "ConfigurationError"
	ClassUnknown              FailureClass = "Unknown"
)

// classifyRule is one row of the harness-classification keyword table, in
// match order.
type classifyRule struct {
	keywords   []string
	class      FailureClass
	retryable  bool
	backoffHint string
}

// classifyTable is ordered: first matching rule wins.
var classifyTable = []classifyRule{
	{[]string{"unauthorized", "invalid api key", "401"}, ClassAuthenticationError, false, ""},
	{[]string{"rate limit", "429", "too many requests", "overloaded"}, ClassRateLimitExceeded, true, "60s"},
	{[]string{"timeout", "deadline exceeded"}, ClassTimeout, true, "30s"},
	{[]string{"out of memory", "oom", "exit code 137", "exit-code 137"}, ClassResourceExhausted, true, "60s"},
	{[]string{"invalid", "malformed", "400", "content policy"}, ClassInvalidInput, false, ""},
	{[]string{"not found", "404"}, ClassNotFound, false, ""},
	{[]string{"permission denied", "forbidden", "403", "approval denied"}, ClassPermissionDenied, false, ""},
	{[]string{"network", "connection", "dns", "socket", "unreachable"}, ClassNetworkError, true, "30s"},
	{[]string{"config", "missing", "not configured"}, ClassConfigurationError, false, ""},
}

// Classification is the result of scanning an envelope's error text.
type Classification struct {
	Class       FailureClass
	Retryable   bool
	BackoffHint string
}

// Classify scans errText (and, for the OOM rule, the exit code) and returns
// the first matching classification, defaulting to Unknown/retryable.
func Classify(errText string, exitCode int) Classification {
	lower := strings.ToLower(errText)
	for _, rule := range classifyTable {
		if rule.class == ClassResourceExhausted && exitCode == 137 {
			return Classification{Class: rule.class, Retryable: rule.retryable, BackoffHint: rule.backoffHint}
		}
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return Classification{Class: rule.class, Retryable: rule.retryable, BackoffHint: rule.backoffHint}
			}
		}
	}
	return Classification{Class: ClassUnknown, Retryable: true, BackoffHint: "10s"}
}
