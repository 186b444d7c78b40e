package activity

import (
	"regexp"

	"github.com/AGENTMUX/internal/types"
)

// Pattern priorities by semantic category. Error patterns outrank everything
// so an erroring agent is never reported as working.
const (
	priorityError   = 100
	priorityThink   = 90
	priorityCoding  = 80
	priorityFileOp  = 70
	priorityCommand = 60
	priorityIdle    = 10

	maxPriority = priorityError
)

// pattern is one classification rule. matches counts hits for reordering.
type pattern struct {
	re           *regexp.Regexp
	activityType types.ActivityType
	priority     int
	isError      bool
	description  string
	matches      int64
}

// compilePatterns builds the full ordered rule set. The slice starts in
// priority order; the classifier re-sorts within equal priority by observed
// hit counts every reorderEvery matches.
func compilePatterns() []*pattern {
	return []*pattern{
		// Errors force idle: an agent showing a stack trace is not working.
		{re: regexp.MustCompile(`(?im)^\s*(?:error|fatal|panic)\b[:\s]`), activityType: types.ActivityIdle, priority: priorityError, isError: true, description: "Error in output"},
		{re: regexp.MustCompile(`(?i)\b(?:exception|traceback|segmentation fault)\b`), activityType: types.ActivityIdle, priority: priorityError, isError: true, description: "Error in output"},
		{re: regexp.MustCompile(`(?i)\bcommand not found\b|\bpermission denied\b|\bno such file or directory\b`), activityType: types.ActivityIdle, priority: priorityError, isError: true, description: "Error in output"},
		{re: regexp.MustCompile(`(?i)\bbuild failed\b|\btests? failed\b|\bcompilation error\b`), activityType: types.ActivityIdle, priority: priorityError, isError: true, description: "Error in output"},

		// Thinking indicators from the agent CLI spinner and banners.
		{re: regexp.MustCompile(`(?i)(?:✻|✽|✢|·|∗)\s*(?:thinking|pondering|deliberating|musing|reflecting)`), activityType: types.ActivityThinking, priority: priorityThink, description: "Thinking"},
		{re: regexp.MustCompile(`(?i)\bthinking\b|\besc to interrupt\b`), activityType: types.ActivityThinking, priority: priorityThink, description: "Thinking"},
		{re: regexp.MustCompile(`(?i)\banalyzing\b|\bplanning\b|\bconsidering\b`), activityType: types.ActivityThinking, priority: priorityThink - 5, description: "Analyzing"},

		// Coding.
		{re: regexp.MustCompile("```[a-zA-Z]*"), activityType: types.ActivityCoding, priority: priorityCoding, description: "Writing code"},
		{re: regexp.MustCompile(`(?m)^\s*[+-]\s{2,}\S`), activityType: types.ActivityCoding, priority: priorityCoding - 2, description: "Editing code"},
		{re: regexp.MustCompile(`(?i)\b(?:writing|implementing|refactoring)\b.{0,40}\b(?:code|function|class|test|module)\b`), activityType: types.ActivityCoding, priority: priorityCoding - 4, description: "Writing code"},
		{re: regexp.MustCompile(`\b(?:func|function|class|def|const|import)\s+\w+`), activityType: types.ActivityCoding, priority: priorityCoding - 6, description: "Writing code"},

		// File operations: tool-call lines first, then prose.
		{re: regexp.MustCompile(`(?:⏺\s*)?(?:Write|Edit|Update|Read|Create)\([^)]+\)`), activityType: types.ActivityFileOperation, priority: priorityFileOp, description: "File operation"},
		{re: regexp.MustCompile(`(?i)\b(?:creating|editing|reading|updating|deleting)\s+(?:file|directory)\b`), activityType: types.ActivityFileOperation, priority: priorityFileOp - 2, description: "File operation"},
		{re: regexp.MustCompile(`(?m)\b(?:touch|cp|mv|mkdir|rm)\s+\S+`), activityType: types.ActivityFileOperation, priority: priorityFileOp - 4, description: "File operation"},

		// Command execution.
		{re: regexp.MustCompile(`(?:⏺\s*)?Bash\([^)]+\)`), activityType: types.ActivityCommandExecution, priority: priorityCommand + 4, description: "Running command"},
		{re: regexp.MustCompile(`(?im)^\s*(?:running|executing|starting):\s*\S`), activityType: types.ActivityCommandExecution, priority: priorityCommand + 2, description: "Running command"},
		{re: regexp.MustCompile(`(?m)^\s*[$#]\s+\S+`), activityType: types.ActivityCommandExecution, priority: priorityCommand, description: "Running command"},
		{re: regexp.MustCompile(`(?m)\b(?:npm|yarn|pnpm|go|cargo|pip|pytest|git|docker|make)\s+(?:run|test|build|install|commit|push|exec|up|apply)\b`), activityType: types.ActivityCommandExecution, priority: priorityCommand - 2, description: "Running command"},

		// Idle markers: the interactive prompt waiting for input.
		{re: regexp.MustCompile(`(?i)\?\s+for\s+shortcuts|\bwaiting for input\b`), activityType: types.ActivityIdle, priority: priorityIdle + 2, description: "Idle"},
		{re: regexp.MustCompile(`(?m)^\s*[>│]\s*$`), activityType: types.ActivityIdle, priority: priorityIdle, description: "Idle"},
	}
}

// File-name extraction in priority order: tool calls, prose, quoted paths,
// shell utilities.
var filePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:Write|Edit|Update|Read|Create)\(([^)\s][^)]*\.[a-zA-Z0-9]{1,8})\)`),
	regexp.MustCompile(`(?i)(?:creating|editing|reading|updating)\s+(?:file\s+)?[:\s]?\s*([\w./-]+\.[a-zA-Z0-9]{1,8})`),
	regexp.MustCompile("[\"'`]([^\"'`\\s]*[./][^\"'`\\s]*)[\"'`]"),
	regexp.MustCompile(`\b(?:touch|cp|mv|cat)\s+([\w./-]+\.[a-zA-Z0-9]{1,8})`),
}

// Command extraction: prompt prefixes, announcement lines, tool calls,
// well-known tool invocations.
var commandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*[$#>]\s+(.{3,120})$`),
	regexp.MustCompile(`(?im)^\s*(?:running|executing|starting):\s*(.{3,120})$`),
	regexp.MustCompile(`Bash\(([^)]{3,200})\)`),
	regexp.MustCompile(`(?m)\b((?:npm|yarn|pnpm|go|cargo|pip|pytest|git|docker|make)\s+[a-z][\w ./=-]{1,100})`),
}

var codeFenceRe = regexp.MustCompile("```")

var ansiRe = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[a-zA-Z]|\][^\x07]*(?:\x07|\x1b\\))`)

var spaceRunRe = regexp.MustCompile(`[ \t]{2,}`)
