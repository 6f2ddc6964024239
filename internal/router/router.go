// Package router maps raw command text plus request context to routing
// decisions: model complexity, the tool subset offered to the model, and an
// optional fast-path template that bypasses the loop entirely.
//
// Everything here is a pure function over the command text. Routing never
// touches storage and never fails; unknown input degrades to safe defaults.
package router

import (
	"strings"

	"github.com/banshohq/bansho/internal/tools"
)

// Complexity gates model choice and prompt size.
type Complexity string

const (
	Simple  Complexity = "simple"
	Complex Complexity = "complex"
)

const complexLengthThreshold = 200

// multiStepMarkers indicate a command that chains multiple operations.
var multiStepMarkers = []string{
	"then", "after that", "next,", "finally", "first", "second", "step",
	"for each", "and also",
}

// complexVerbs are operations that typically require reading the board and
// reasoning over it, not just appending to it.
var complexVerbs = []string{
	"organize", "organise", "arrange", "group", "connect", "summarize",
	"summarise", "restructure", "rework", "cluster", "sort", "rearrange",
}

// selectionVerbs suggest the command targets specific existing objects.
var selectionVerbs = []string{
	"delete", "remove", "these", "selected", "selection", "them", "those",
}

// layoutKeywords trigger the layout tool group on simple commands too.
var layoutKeywords = []string{
	"arrange", "grid", "align", "layout", "tidy", "organize", "organise",
	"rearrange", "row", "column",
}

// destructiveKeywords are the only way the destructive group is offered.
var destructiveKeywords = []string{
	"clear the board", "clear board", "clear everything", "delete everything",
	"wipe the board", "remove everything", "start over", "start from scratch",
}

// Classify applies deterministic heuristics to decide command complexity.
func Classify(text string) Complexity {
	lower := strings.ToLower(text)

	if len(text) > complexLengthThreshold {
		return Complex
	}
	if sentenceCount(text) >= 3 {
		return Complex
	}

	markers := 0
	for _, m := range multiStepMarkers {
		if strings.Contains(lower, m) {
			markers++
		}
	}
	if markers >= 2 {
		return Complex
	}

	verbs := 0
	for _, v := range complexVerbs {
		if strings.Contains(lower, v) {
			verbs++
		}
	}
	if verbs >= 2 || (verbs >= 1 && markers >= 1) {
		return Complex
	}
	return Simple
}

func sentenceCount(text string) int {
	count := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' || r == ';' {
			count++
		}
	}
	if count == 0 && strings.TrimSpace(text) != "" {
		return 1
	}
	return count
}

// SelectTools returns the tool names offered for this command: the fixed core
// set, plus groups the text or context justifies. The destructive group needs
// an explicit keyword and is never implied.
func SelectTools(text string, complexity Complexity, hasSelection bool) []string {
	lower := strings.ToLower(text)

	selected := make([]string, 0, 5)
	selected = append(selected, tools.CoreTools...)

	if hasSelection || containsAny(lower, selectionVerbs) {
		selected = append(selected, tools.SelectionTools...)
	}
	if complexity == Complex || containsAny(lower, layoutKeywords) {
		selected = append(selected, tools.LayoutTools...)
	}
	if containsAny(lower, destructiveKeywords) {
		selected = append(selected, tools.DestructiveTools...)
	}
	return selected
}

func containsAny(lower string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
