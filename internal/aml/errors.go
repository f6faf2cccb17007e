package aml

import (
	"strings"
)

// Stages reported by MoneyLaunderingError
const (
	StageFetchActivity  = "fetch_activity"
	StageFetchProfile   = "fetch_profile"
	StageAnalyzeFlows   = "analyze_flows"
	StageDetectPatterns = "detect_patterns"
	StageGenerateAlerts = "generate_alerts"
)

// MoneyLaunderingError is the single error kind surfaced by the engine.
// Upstream fetch failures and internal failures are told apart by Stage.
type MoneyLaunderingError struct {
	Stage     string
	Addresses []string
	Message   string
	Err       error
}

func newError(stage string, addresses []string, message string, err error) *MoneyLaunderingError {
	return &MoneyLaunderingError{
		Stage:     stage,
		Addresses: append([]string(nil), addresses...),
		Message:   message,
		Err:       err,
	}
}

func (e *MoneyLaunderingError) Error() string {
	var b strings.Builder
	b.WriteString("aml ")
	b.WriteString(e.Stage)
	if len(e.Addresses) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Addresses, ","))
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *MoneyLaunderingError) Unwrap() error {
	return e.Err
}

// IsUpstream reports whether the failure came from a ledger or profile collaborator
func (e *MoneyLaunderingError) IsUpstream() bool {
	return e.Stage == StageFetchActivity || e.Stage == StageFetchProfile
}
