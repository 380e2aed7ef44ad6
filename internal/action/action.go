// Package action defines the fixed tool vocabulary the agent may execute
// and the typed parameter set carried by each planned call.
package action

import (
	"fmt"
	"strings"
)

// Name identifies one tool in the agent's vocabulary.
type Name string

const (
	Tap            Name = "tap"
	TypeText       Name = "type_text"
	Scroll         Name = "scroll"
	TakeScreenshot Name = "take_screenshot"
	Wait           Name = "wait"
	OpenApp        Name = "open_app"
	PressHome      Name = "press_home"
	PressKey       Name = "press_key"
	TapXY          Name = "tap_xy"
	Done           Name = "done"
	Fail           Name = "fail"

	// Internal bookkeeping names recorded in history but never planned.
	Recover   Name = "_recover"
	ModelCall Name = "_model_call"
)

var vocabulary = map[Name]struct{}{
	Tap:            {},
	TypeText:       {},
	Scroll:         {},
	TakeScreenshot: {},
	Wait:           {},
	OpenApp:        {},
	PressHome:      {},
	PressKey:       {},
	TapXY:          {},
	Done:           {},
	Fail:           {},
}

// Known reports whether n is in the fixed planner-facing tool vocabulary.
// Internal bookkeeping names are not part of the vocabulary.
func Known(n Name) bool {
	_, ok := vocabulary[n]
	return ok
}

// Internal reports whether n is a bookkeeping record (recovery, model
// failure) rather than a planner-chosen tool.
func (n Name) Internal() bool {
	return strings.HasPrefix(string(n), "_")
}

// Terminal reports whether n ends the run outright.
func (n Name) Terminal() bool {
	return n == Done || n == Fail
}

// Params is the parameter set for every tool, as one named-field variant.
// Each tool reads only its own fields; Validate checks the required ones
// before dispatch. Unused fields stay zero and are omitted from JSON.
type Params struct {
	Text      string `json:"text,omitempty"`      // tap, type_text
	Direction string `json:"direction,omitempty"` // scroll
	Seconds   int    `json:"seconds,omitempty"`   // wait
	Key       string `json:"key,omitempty"`       // press_key
	BundleID  string `json:"bundle_id,omitempty"` // open_app
	X         int    `json:"x,omitempty"`         // tap_xy
	Y         int    `json:"y,omitempty"`         // tap_xy
	Summary   string `json:"summary,omitempty"`   // done
	Reason    string `json:"reason,omitempty"`    // fail, _recover
	Reasoning string `json:"reasoning,omitempty"` // all tools

	// Recovery bookkeeping.
	Attempt int `json:"attempt,omitempty"`
}

// Validate checks that the fields required by tool n are present.
func Validate(n Name, p Params) error {
	switch n {
	case Tap, TypeText:
		if p.Text == "" {
			return fmt.Errorf("action: %s requires 'text' param", n)
		}
	case OpenApp:
		if p.BundleID == "" {
			return fmt.Errorf("action: %s requires 'bundle_id' param", n)
		}
	}
	return nil
}

// Call is one planned tool invocation: the tool, its parameters, the
// planner's correlation id, and the stated reasoning.
type Call struct {
	Name      Name   `json:"name"`
	Params    Params `json:"params"`
	ID        string `json:"id,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}
