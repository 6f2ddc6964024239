package router

import (
	"strings"

	"github.com/banshohq/bansho/internal/model"
	"github.com/banshohq/bansho/internal/tools"
)

// FastPath is a template-matched shortcut: a pre-built plan executed directly
// against the tool registry, with no model turns. Fast paths assume a fresh,
// context-free request; callers must not match one when the command carries
// history or a selection.
type FastPath struct {
	Name     string
	Text     string
	Steps    []model.PlanStep
	Navigate *model.Viewport
}

type fastPathPattern struct {
	name     string
	keywords []string
	build    func() FastPath
}

// Patterns are tried in order; the first keyword hit wins.
var fastPathPatterns = []fastPathPattern{
	{name: "swot", keywords: []string{"swot"}, build: buildSWOT},
	{name: "retro", keywords: []string{"retro", "retrospective"}, build: buildRetro},
	{name: "kanban", keywords: []string{"kanban"}, build: buildKanban},
}

// MatchFastPath returns the first template matching the command text, or nil.
func MatchFastPath(text string) *FastPath {
	lower := strings.ToLower(text)
	for _, p := range fastPathPatterns {
		for _, k := range p.keywords {
			if strings.Contains(lower, k) {
				fp := p.build()
				return &fp
			}
		}
	}
	return nil
}

const (
	frameW = 600.0
	frameH = 450.0
	gutter = 60.0
)

func frameStep(title string, x, y float64) model.PlanStep {
	return model.PlanStep{
		Tool:    tools.ToolCreateObject,
		Summary: "create frame: " + title,
		Args: map[string]any{
			"kind": string(model.KindFrame),
			"props": map[string]any{
				"title":  title,
				"x":      x,
				"y":      y,
				"width":  frameW,
				"height": frameH,
			},
		},
	}
}

func quadrantLayout(titles [4]string) ([]model.PlanStep, *model.Viewport) {
	steps := []model.PlanStep{
		frameStep(titles[0], 0, 0),
		frameStep(titles[1], frameW+gutter, 0),
		frameStep(titles[2], 0, frameH+gutter),
		frameStep(titles[3], frameW+gutter, frameH+gutter),
	}
	nav := &model.Viewport{
		X: -gutter,
		Y: -gutter,
		W: 2*frameW + 3*gutter,
		H: 2*frameH + 3*gutter,
	}
	return steps, nav
}

func columnLayout(titles []string) ([]model.PlanStep, *model.Viewport) {
	steps := make([]model.PlanStep, 0, len(titles))
	for i, title := range titles {
		steps = append(steps, frameStep(title, float64(i)*(frameW+gutter), 0))
	}
	nav := &model.Viewport{
		X: -gutter,
		Y: -gutter,
		W: float64(len(titles))*(frameW+gutter) + gutter,
		H: frameH + 2*gutter,
	}
	return steps, nav
}

func buildSWOT() FastPath {
	steps, nav := quadrantLayout([4]string{
		"Strengths", "Weaknesses", "Opportunities", "Threats",
	})
	return FastPath{
		Name:     "swot",
		Text:     "Created a SWOT analysis with four quadrants: Strengths, Weaknesses, Opportunities and Threats.",
		Steps:    steps,
		Navigate: nav,
	}
}

func buildRetro() FastPath {
	steps, nav := columnLayout([]string{
		"What went well", "What to improve", "Action items",
	})
	return FastPath{
		Name:     "retro",
		Text:     "Set up a retrospective board with three columns: what went well, what to improve, and action items.",
		Steps:    steps,
		Navigate: nav,
	}
}

func buildKanban() FastPath {
	steps, nav := columnLayout([]string{"To do", "In progress", "Done"})
	return FastPath{
		Name:     "kanban",
		Text:     "Set up a kanban board with To do, In progress and Done columns.",
		Steps:    steps,
		Navigate: nav,
	}
}
