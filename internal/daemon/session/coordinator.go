package session

import (
	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/query"
)

// CoordinatorAgent is the agent the transport is pointed at in
// coordinator mode.
const CoordinatorAgent = "Coordinator"

// specialistNames lists the agents injected in coordinator mode, the
// coordinator itself included.
var specialistNames = []string{
	CoordinatorAgent, "Coder", "Debugger", "Tester",
	"Reviewer", "VCS", "Verifier", "Executor",
}

var specialistDefs = map[string]db.AgentDefinition{
	CoordinatorAgent: {
		Description: "Plans the work, delegates to specialists, and integrates their results",
		Prompt: "You are the Coordinator. Break the user's request into tasks, " +
			"delegate each task to the best-suited specialist agent, and assemble " +
			"their results into a coherent answer. Do not implement changes yourself.",
	},
	"Coder": {
		Description: "Writes and edits code",
		Prompt:      "You are the Coder. Implement the requested changes with minimal, focused edits.",
		Tools:       []string{"Read", "Edit", "Write", "Glob", "Grep"},
	},
	"Debugger": {
		Description: "Diagnoses failures and regressions",
		Prompt:      "You are the Debugger. Reproduce the failure, isolate the root cause, and propose a fix.",
		Tools:       []string{"Read", "Bash", "Glob", "Grep"},
	},
	"Tester": {
		Description: "Writes and runs tests",
		Prompt:      "You are the Tester. Write tests that pin the expected behavior and run the suite.",
		Tools:       []string{"Read", "Edit", "Write", "Bash", "Glob", "Grep"},
	},
	"Reviewer": {
		Description: "Reviews changes for correctness and style",
		Prompt:      "You are the Reviewer. Read the diff, flag correctness and style problems, and suggest improvements.",
		Tools:       []string{"Read", "Glob", "Grep"},
	},
	"VCS": {
		Description: "Handles version control operations",
		Prompt:      "You are the VCS agent. Stage, commit, branch, and inspect history as asked.",
		Tools:       []string{"Bash", "Read"},
	},
	"Verifier": {
		Description: "Verifies that the work satisfies the request",
		Prompt:      "You are the Verifier. Check the final state against the original request and report gaps.",
		Tools:       []string{"Read", "Bash", "Glob", "Grep"},
	},
	"Executor": {
		Description: "Runs commands and reports output",
		Prompt:      "You are the Executor. Run the requested commands and report their output faithfully.",
		Tools:       []string{"Bash"},
	},
}

// applyCoordinatorMode points the query at the coordinator and injects
// the specialist definitions. Worktree isolation rules go into every
// specialist except the coordinator; user-defined agents and the
// session's tool preset are preserved, and session-level tools are not
// narrowed to the coordinator's set (specialists filter further).
func applyCoordinatorMode(opts *query.Options, cfg db.SessionConfig, worktree *db.WorktreeInfo) {
	opts.Agent = CoordinatorAgent

	agents := make(map[string]db.AgentDefinition, len(specialistNames)+len(cfg.Agents))
	for _, name := range specialistNames {
		def := specialistDefs[name]
		if worktree != nil && name != CoordinatorAgent {
			def.Prompt += "\n\n" + worktreeIsolationBlock(worktree)
		}
		agents[name] = def
	}
	for name, def := range cfg.Agents {
		agents[name] = def
	}
	opts.Agents = agents
}
