package pipeline

import "strings"

// Stage is a pipeline stage tag.
type Stage string

const (
	StagePlanning    Stage = "Planning"
	StageTransfer    Stage = "Transfer"
	StageSearch      Stage = "Search"
	StageValidation  Stage = "Validation"
	StageGeneration  Stage = "Generation"
	StageCompilation Stage = "Compilation"
	StageResponse    Stage = "Response"
	StageOther       Stage = "Other"
)

// stageOrder is the classification order and the left-to-right display order.
var stageOrder = []Stage{
	StagePlanning,
	StageTransfer,
	StageSearch,
	StageValidation,
	StageGeneration,
	StageCompilation,
	StageResponse,
}

// Order returns the position of s in the pipeline; Other sorts last.
func (s Stage) Order() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return len(stageOrder)
}

// TerminalAuthor is the agent whose final plain-text event ends the pipeline.
const TerminalAuthor = "feedback_agent"

// TransferTitle is the title of synthetic transfer events.
const TransferTitle = "Agent Transfer"

// AuthorInfo is the display mapping for one agent.
type AuthorInfo struct {
	Title   string
	Summary string
	Stage   Stage
}

// authors maps each sub-agent to its title and stage. Every title contains
// its stage name so ClassifyTitle agrees with the table.
var authors = map[string]AuthorInfo{
	"planner_agent":           {"Planning", "Analyzing the request and planning the diagram", StagePlanning},
	"kb_retriever_agent":      {"Knowledge Base Search", "Searching the TikZ knowledge base for examples", StageSearch},
	"deep_research_agent":     {"Deep Research Search", "Researching physics background", StageSearch},
	"physics_validator_agent": {"Physics Validation", "Checking conservation laws and particle properties", StageValidation},
	"diagram_generator_agent": {"TikZ Generation", "Generating TikZ-Feynman code", StageGeneration},
	"tikz_validator_agent":    {"LaTeX Compilation", "Compiling and validating the TikZ code", StageCompilation},
	TerminalAuthor:            {"Final Response", "Preparing the final answer", StageResponse},
}

// LookupAuthor returns the mapping for author, if it is a known agent.
func LookupAuthor(author string) (AuthorInfo, bool) {
	info, ok := authors[author]
	return info, ok
}

// ClassifyTitle returns the first stage whose name is a substring of title,
// or StageOther.
func ClassifyTitle(title string) Stage {
	for _, st := range stageOrder {
		if strings.Contains(title, string(st)) {
			return st
		}
	}
	return StageOther
}
