// Package builtin provides the domain operations invocable from execution
// plans: credential checks, consent checks, record access, audit logging,
// reporting, and summarization.
package builtin

import (
	"fmt"

	"github.com/oakmont-health/medgate/pkg/records"
	"github.com/oakmont-health/medgate/pkg/storage"
	"github.com/oakmont-health/medgate/pkg/tool"
)

// RegisterAll wires every builtin operation into the registry.
func RegisterAll(reg *tool.Registry, rec *records.Store, store *storage.Store, reportDir string) {
	reg.Register(&VerifyCredentials{Records: rec})
	reg.Register(&CheckConsent{Records: rec})
	reg.Register(&FetchRecord{Records: rec})
	reg.Register(&AppendRecord{Records: rec})
	reg.Register(&AuditLog{Store: store})
	reg.Register(&GenerateReport{Records: rec, ReportDir: reportDir})
	reg.Register(&SummarizeRecord{Records: rec})
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func boolParam(params map[string]any, key string, fallback bool) bool {
	if params == nil {
		return fallback
	}
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}

func stringSliceParam(params map[string]any, key string) []string {
	if params == nil {
		return nil
	}
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func failure(format string, args ...any) *tool.Result {
	return &tool.Result{
		Success: false,
		Error:   fmt.Sprintf(format, args...),
	}
}
