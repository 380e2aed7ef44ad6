// Package planner turns conversation history into the next tool call via
// an LLM, with a bounded-retry wrapper around the network call.
package planner

import (
	"context"
	"fmt"

	"github.com/stephengodman/ios-agent-runner/internal/action"
	"github.com/stephengodman/ios-agent-runner/internal/device"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolResult reports a previous tool call's outcome back to the model.
type ToolResult struct {
	CallID string
	Text   string
	Image  []byte // optional PNG attached for vision
}

// Message is one turn of planner history. Exactly one of Text, Call, or
// Result is the payload; user turns may pair Text with an Image.
type Message struct {
	Role   string
	Text   string
	Image  []byte // optional PNG shown to the model
	Call   *action.Call
	Result *ToolResult
}

// Decision is the planner's verdict for a turn: either a tool call or a
// text-only response that the loop must nudge past.
type Decision struct {
	Call *action.Call
	Text string
}

// Planner picks the next action from the conversation so far.
type Planner interface {
	Plan(ctx context.Context, history []Message) (Decision, error)
}

const systemPrompt = `You are an iOS UI automation agent driving a simulator to accomplish a goal.

Each turn you receive the current screen as a list of UI elements (and sometimes a screenshot). You must call exactly one tool per turn to make progress.

Rules:
- Prefer tapping elements by their visible text with the tap tool.
- Use type_text only after focusing a text field.
- Scroll when the element you need is likely off-screen.
- When the goal is accomplished, call done with a short summary.
- If the goal cannot be accomplished, call fail with the reason.
- Never invent element text; use what the screen listing shows.`

// SystemPrompt returns the fixed system prompt.
func SystemPrompt() string { return systemPrompt }

// toolSpec is the provider-independent tool schema.
type toolSpec struct {
	Name        string
	Description string
	Properties  map[string]propSpec
	Required    []string
}

type propSpec struct {
	Type        string
	Description string
	Enum        []string
}

// buildTools returns the fixed tool vocabulary schemas. Screen dimensions
// are interpolated into the tap_xy description so the model stays inside
// the visible area.
func buildTools(geom device.Geometry) []toolSpec {
	return []toolSpec{
		{
			Name:        string(action.Tap),
			Description: "Tap the UI element whose visible text best matches the given text.",
			Properties: map[string]propSpec{
				"text": {Type: "string", Description: "Visible text of the element to tap."},
			},
			Required: []string{"text"},
		},
		{
			Name:        string(action.TypeText),
			Description: "Type text into the currently focused text field.",
			Properties: map[string]propSpec{
				"text": {Type: "string", Description: "Text to type."},
			},
			Required: []string{"text"},
		},
		{
			Name:        string(action.Scroll),
			Description: "Scroll the screen to reveal more content.",
			Properties: map[string]propSpec{
				"direction": {Type: "string", Description: "Content direction to reveal.", Enum: []string{"down", "up", "left", "right"}},
			},
			Required: []string{"direction"},
		},
		{
			Name:        string(action.TakeScreenshot),
			Description: "Capture a screenshot of the current screen and attach it to the conversation.",
			Properties:  map[string]propSpec{},
		},
		{
			Name:        string(action.Wait),
			Description: "Wait for the given number of seconds for the UI to settle.",
			Properties: map[string]propSpec{
				"seconds": {Type: "integer", Description: "Seconds to wait."},
			},
			Required: []string{"seconds"},
		},
		{
			Name:        string(action.OpenApp),
			Description: "Launch an app by bundle identifier.",
			Properties: map[string]propSpec{
				"bundle_id": {Type: "string", Description: "Bundle identifier, e.g. com.apple.Preferences."},
			},
			Required: []string{"bundle_id"},
		},
		{
			Name:        string(action.PressHome),
			Description: "Press the home button.",
			Properties:  map[string]propSpec{},
		},
		{
			Name:        string(action.PressKey),
			Description: "Press a hardware key by name, e.g. RETURN.",
			Properties: map[string]propSpec{
				"key": {Type: "string", Description: "Key name."},
			},
			Required: []string{"key"},
		},
		{
			Name: string(action.TapXY),
			Description: fmt.Sprintf(
				"Tap an absolute screen coordinate. The screen is %d points wide and %d points tall. Use only when no element text matches.",
				geom.Width, geom.Height),
			Properties: map[string]propSpec{
				"x": {Type: "integer", Description: "X coordinate in points."},
				"y": {Type: "integer", Description: "Y coordinate in points."},
			},
			Required: []string{"x", "y"},
		},
		{
			Name:        string(action.Done),
			Description: "Declare the goal accomplished.",
			Properties: map[string]propSpec{
				"summary": {Type: "string", Description: "Short summary of what was accomplished."},
			},
			Required: []string{"summary"},
		},
		{
			Name:        string(action.Fail),
			Description: "Declare the goal impossible.",
			Properties: map[string]propSpec{
				"reason": {Type: "string", Description: "Why the goal cannot be accomplished."},
			},
			Required: []string{"reason"},
		},
	}
}
