// Package agent contains the core orchestrator driving the
// think-act-observe loop. It renders prompts from session history, invokes
// the credential-pool-backed model layer, parses structured responses, and
// dispatches proposed tool calls either inline or through the job bridge.
package agent
