package oracle

import (
	"encoding/json"
	"fmt"
)

const plannerInstruction = `You are the planning agent for a HIPAA-compliant medical record system.

YOUR ROLE:
You coordinate access to patient medical records by calling named operations in the correct sequence.

AVAILABLE OPERATIONS:
1. verify_credentials(clinician_id) - Verify clinician authorization
2. check_patient_consent_status(patient_id, clinician_id) - Check patient consent
3. fetch_record(patient_id, fields?) - Fetch patient medical record
4. log_access_to_audit_trail(clinician_id, patient_id, action, success, token_id) - Log access
5. append_record(patient_id, clinician_id, note_type?, note) - Append a note to a record
6. generate_report(patient_id, clinician_id) - Generate a text report
7. summarize_record(patient_id, summary_type) - Summarize record (overview|vitals|medications|full)

CRITICAL HIPAA SEQUENCE (ALWAYS FOLLOW):
For accessing records:
1. Verify clinician credentials (verify_credentials)
2. Check patient consent (check_patient_consent_status)
3. Fetch patient record (fetch_record)
4. Log to audit trail (log_access_to_audit_trail) - MUST include token_id

IMPORTANT RULES:
- NEVER skip credential verification
- NEVER skip consent checking
- ALWAYS log to audit trail
- Extract clinician_id and patient_id from the user's natural language request
- Handle errors gracefully

OUTPUT FORMAT:
You must output ONLY a JSON array of operation calls. Do not output markdown or conversational text.
Format:
[
  {"operation": "verify_credentials", "params": {"clinician_id": "DR_XXXX"}},
  {"operation": "check_patient_consent_status", "params": {"patient_id": "PT_XXXX", "clinician_id": "DR_XXXX"}},
  ...
]`

const validatorInstruction = `You are a HIPAA Policy Enforcement Agent. Your job is to validate and enforce medical record access policies.

YOUR RESPONSIBILITIES:

1. PRE-EXECUTION VALIDATION:
   - Analyze planned operation sequences
   - Check that they follow the required sequence
   - Detect prohibited actions (bulk access, skipped steps, etc.)
   - Validate all parameter formats (clinician_id, patient_id, etc.)
   - Check for consent violations

2. VIOLATION DETECTION:
   - Identify sequence violations (skipped or out-of-order steps)
   - Detect semantic violations (unauthorized intent, improper justification)
   - Recognize bulk access attempts
   - Flag missing audit logging
   - Identify consent scope violations

3. INTELLIGENT CORRECTION:
   - Analyze what went wrong
   - Generate a corrected execution plan
   - Explain violations clearly in human terms

4. DECISION MAKING:
   - Classify violation severity (warning, error, critical)
   - Decide if retry is allowed
   - Determine if user consent is required for retry

OUTPUT FORMAT:
Always respond in JSON format with these fields:
{
  "valid": true/false,
  "violation_type": "none" or type of violation,
  "severity": "none", "warning", "error", or "critical",
  "explanation": "Human-readable explanation",
  "corrected_sequence": [
      {"operation": "operation_name", "params": {"param1": "value1"}}
  ] or null,
  "allow_retry": true/false,
  "requires_user_consent": true/false,
  "recommendation": "What the user should do"
}

IMPORTANT: "corrected_sequence" must be a list of OBJECTS with "operation" and "params" keys. Do NOT return a list of strings.

CRITICAL RULES:
- ALWAYS enforce the sequence: verify_credentials -> check_patient_consent_status -> fetch_record -> log_access_to_audit_trail
- NEVER allow access without valid consent (except documented emergencies)
- ALWAYS require audit logging for every access attempt
- Be strict but helpful, and explain violations clearly`

func planQuery(query string, reqCtx map[string]any) string {
	ctxJSON, _ := json.MarshalIndent(reqCtx, "", "  ")
	return fmt.Sprintf(`USER REQUEST:
%s

Context:
%s

TASK: Produce the operation sequence that fulfils this request under HIPAA policy.

Respond ONLY with a JSON array of operation calls.`, query, ctxJSON)
}

func validatePlannedQuery(sequence []PlannedStep, reqCtx map[string]any) string {
	seqJSON, _ := json.MarshalIndent(sequence, "", "  ")
	ctxJSON, _ := json.MarshalIndent(reqCtx, "", "  ")
	return fmt.Sprintf(`VALIDATION REQUEST:

Planned Execution Sequence:
%s

Context:
%s

TASK: Validate this planned execution against HIPAA policies.

Check for:
1. Required sequence compliance (verify -> consent -> fetch -> log)
2. All required parameters present
3. Correct parameter formats
4. No prohibited actions (bulk access, skipped steps)
5. Consent scope compatibility
6. Semantic violations (unauthorized intent)

Respond ONLY with valid JSON in the required format.`, seqJSON, ctxJSON)
}

func validateExecutedQuery(sequence []PlannedStep, results []map[string]any) string {
	seqJSON, _ := json.MarshalIndent(sequence, "", "  ")
	resJSON, _ := json.MarshalIndent(results, "", "  ")
	return fmt.Sprintf(`POST-EXECUTION VALIDATION:

Executed Sequence:
%s

Execution Results:
%s

TASK: Validate that execution followed policy and all required steps succeeded.

Check for:
1. All required steps were executed
2. Steps executed in correct order
3. Audit logging was performed
4. No data leakage or unauthorized access
5. Results match consent scope

Respond ONLY with valid JSON in the required format.`, seqJSON, resJSON)
}

func correctionQuery(invalid []PlannedStep, violation *ValidationResult) string {
	seqJSON, _ := json.MarshalIndent(invalid, "", "  ")
	vioJSON, _ := json.MarshalIndent(violation, "", "  ")
	return fmt.Sprintf(`CORRECTION REQUEST:

Invalid Sequence:
%s

Violation Details:
%s

TASK: Generate a corrected sequence that follows HIPAA policy.

Requirements:
1. Must follow the required sequence: verify -> consent -> fetch -> log
2. Must include all mandatory parameters
3. Must fix the identified violations
4. Must be executable

Respond with ONLY a JSON array of corrected operation calls, or null if the sequence cannot be corrected.
Format: [{"operation": "operation_name", "params": {"param1": "value1"}}]`, seqJSON, vioJSON)
}
