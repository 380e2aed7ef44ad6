package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stephengodman/ios-agent-runner/internal/action"
	"github.com/stephengodman/ios-agent-runner/internal/locator"
	"github.com/stephengodman/ios-agent-runner/internal/screenmap"
)

// outcome is the result of executing one tool call. The Result string is
// both the persisted step result and the text fed back to the planner.
type outcome struct {
	Result string
	Image  []byte // attached to the planner turn (take_screenshot)
}

// failed reports whether the outcome should count toward the failure
// streak. Policy blocks and action failures both mark the result text.
func (o outcome) failed() bool {
	return strings.Contains(o.Result, "FAILED") || strings.Contains(o.Result, "POLICY BLOCKED")
}

// execute runs one validated tool call against the simulator. Device
// errors surface as FAILED result strings, not Go errors: the planner is
// expected to route around them.
func (a *Agent) execute(ctx context.Context, call *action.Call, elements []screenmap.Element) outcome {
	p := call.Params
	switch call.Name {
	case action.Tap:
		el, score := locator.FindElement(p.Text, elements, locator.DefaultThreshold)
		if el == nil {
			return outcome{Result: fmt.Sprintf("TAP FAILED: no element matching '%s'. Screen has: %s",
				p.Text, screenmap.Summary(elements, 15))}
		}
		if !el.Frame.HasArea() {
			return outcome{Result: fmt.Sprintf("TAP FAILED: element '%s' has no tappable frame", el.DisplayText())}
		}
		x, y := el.Center()
		if err := a.device.Tap(ctx, x, y); err != nil {
			return outcome{Result: fmt.Sprintf("TAP FAILED: %v", err)}
		}
		return outcome{Result: fmt.Sprintf("TAPPED %s [score=%d]", el.DisplayText(), score)}

	case action.TypeText:
		if err := a.device.TypeText(ctx, p.Text); err != nil {
			return outcome{Result: fmt.Sprintf("TYPE FAILED: %v", err)}
		}
		return outcome{Result: fmt.Sprintf("TYPED '%s'", p.Text)}

	case action.Scroll:
		dir := p.Direction
		if dir == "" {
			dir = "down"
		}
		if err := a.device.Scroll(ctx, dir); err != nil {
			return outcome{Result: fmt.Sprintf("SCROLL FAILED: %v", err)}
		}
		return outcome{Result: fmt.Sprintf("SCROLLED %s", dir)}

	case action.TakeScreenshot:
		path, err := a.capturer.CaptureWithLabel(ctx, "requested")
		if err != nil {
			return outcome{Result: fmt.Sprintf("SCREENSHOT FAILED: %v", err)}
		}
		png, err := os.ReadFile(path)
		if err != nil {
			return outcome{Result: fmt.Sprintf("SCREENSHOT FAILED: %v", err)}
		}
		return outcome{Result: "SCREENSHOT CAPTURED", Image: png}

	case action.Wait:
		// Clamp to [1, 5] regardless of policy; an unbounded sleep would
		// stall the loop even with safe mode off.
		secs := p.Seconds
		if secs < 1 {
			secs = 1
		}
		if secs > 5 {
			secs = 5
		}
		if err := a.sleep(ctx, time.Duration(secs)*time.Second); err != nil {
			return outcome{Result: fmt.Sprintf("WAIT FAILED: %v", err)}
		}
		return outcome{Result: fmt.Sprintf("WAITED %ds", secs)}

	case action.OpenApp:
		if err := a.device.LaunchApp(ctx, p.BundleID); err != nil {
			return outcome{Result: fmt.Sprintf("OPEN FAILED: %v", err)}
		}
		a.sleep(ctx, a.launchDelay)
		return outcome{Result: fmt.Sprintf("OPENED %s", p.BundleID)}

	case action.PressHome:
		if err := a.device.PressHome(ctx); err != nil {
			return outcome{Result: fmt.Sprintf("PRESS FAILED: %v", err)}
		}
		return outcome{Result: "PRESSED HOME"}

	case action.PressKey:
		if err := a.device.KeyPress(ctx, p.Key); err != nil {
			return outcome{Result: fmt.Sprintf("PRESS FAILED: %v", err)}
		}
		return outcome{Result: fmt.Sprintf("PRESSED %s", p.Key)}

	case action.TapXY:
		// Out-of-bounds coordinates usually mean the model read pixel
		// coordinates off a screenshot instead of screen points.
		if p.X < 0 || p.Y < 0 || p.X > a.geom.Width || p.Y > a.geom.Height {
			return outcome{Result: fmt.Sprintf(
				"TAP FAILED: coordinates (%d, %d) are outside the screen (%dx%d points); you are likely using image pixel coordinates instead of screen points",
				p.X, p.Y, a.geom.Width, a.geom.Height)}
		}
		if err := a.device.Tap(ctx, p.X, p.Y); err != nil {
			return outcome{Result: fmt.Sprintf("TAP FAILED: %v", err)}
		}
		return outcome{Result: fmt.Sprintf("TAPPED (%d, %d)", p.X, p.Y)}

	default:
		return outcome{Result: fmt.Sprintf("EXECUTION FAILED: unknown tool '%s'", call.Name)}
	}
}
