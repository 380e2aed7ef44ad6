// Package device drives a booted iOS simulator through idb and simctl.
//
// idb carries the UI interactions (tap, type, swipe, key presses, the
// accessibility dump); simctl handles lifecycle (boot discovery, app
// launch fallback). A Simulator is an explicit per-process session: the
// UDID and geometry are resolved once at construction and held for the
// life of the run.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Device is the simulator surface the control loop drives.
type Device interface {
	LaunchApp(ctx context.Context, bundleID string) error
	DescribeAll(ctx context.Context) (string, error)
	Tap(ctx context.Context, x, y int) error
	TypeText(ctx context.Context, text string) error
	Scroll(ctx context.Context, direction string) error
	KeyPress(ctx context.Context, key string) error
	PressHome(ctx context.Context) error
}

// preferredDevice is booted when nothing suitable is already running.
const preferredDevice = "iPhone 17 Pro"

// Simulator is the production Device backed by idb and simctl.
type Simulator struct {
	UDID     string
	Geometry Geometry

	idbPath string
	logger  *slog.Logger
}

// NewSimulator binds to a booted simulator by UDID. idb is optional; when
// absent, interactions that have no simctl equivalent return errors.
func NewSimulator(udid string, geom Geometry, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	idbPath, err := exec.LookPath("idb")
	if err != nil {
		idbPath = ""
		logger.Warn("device: idb not found on PATH, UI interactions unavailable")
	}
	return &Simulator{UDID: udid, Geometry: geom, idbPath: idbPath, logger: logger}
}

// simctlDevice is one entry of `simctl list devices -j`.
type simctlDevice struct {
	Name        string `json:"name"`
	UDID        string `json:"udid"`
	State       string `json:"state"`
	IsAvailable bool   `json:"isAvailable"`
}

type simctlDeviceList struct {
	Devices map[string][]simctlDevice `json:"devices"`
}

// EnsureBooted finds a booted simulator, or boots the preferred device,
// and returns a session bound to it.
func EnsureBooted(ctx context.Context, logger *slog.Logger) (*Simulator, error) {
	devices, err := listDevices(ctx)
	if err != nil {
		return nil, err
	}

	for _, d := range devices {
		if d.State == "Booted" {
			return NewSimulator(d.UDID, GeometryForDeviceName(d.Name), logger), nil
		}
	}

	var target *simctlDevice
	for i, d := range devices {
		if d.Name == preferredDevice && d.IsAvailable {
			target = &devices[i]
			break
		}
	}
	if target == nil {
		for i, d := range devices {
			if d.IsAvailable && strings.HasPrefix(d.Name, "iPhone") {
				target = &devices[i]
				break
			}
		}
	}
	if target == nil {
		return nil, fmt.Errorf("device: no available iPhone simulator found")
	}

	if out, err := exec.CommandContext(ctx, "xcrun", "simctl", "boot", target.UDID).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("device: boot %s: %w: %s", target.Name, err, strings.TrimSpace(string(out)))
	}
	if logger != nil {
		logger.Info("device: booted simulator", "name", target.Name, "udid", target.UDID)
	}
	return NewSimulator(target.UDID, GeometryForDeviceName(target.Name), logger), nil
}

func listDevices(ctx context.Context) ([]simctlDevice, error) {
	out, err := exec.CommandContext(ctx, "xcrun", "simctl", "list", "devices", "-j").Output()
	if err != nil {
		return nil, fmt.Errorf("device: simctl list devices: %w", err)
	}
	var list simctlDeviceList
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, fmt.Errorf("device: parse simctl device list: %w", err)
	}
	var flat []simctlDevice
	for _, runtime := range list.Devices {
		flat = append(flat, runtime...)
	}
	return flat, nil
}

func (s *Simulator) idb(ctx context.Context, args ...string) (string, error) {
	if s.idbPath == "" {
		return "", fmt.Errorf("device: idb unavailable for %q", strings.Join(args, " "))
	}
	full := append([]string{"--udid", s.UDID}, args...)
	out, err := exec.CommandContext(ctx, s.idbPath, full...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("device: idb %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// LaunchApp starts the app via idb, falling back to simctl when idb is
// missing.
func (s *Simulator) LaunchApp(ctx context.Context, bundleID string) error {
	if s.idbPath != "" {
		_, err := s.idb(ctx, "launch", bundleID)
		return err
	}
	out, err := exec.CommandContext(ctx, "xcrun", "simctl", "launch", s.UDID, bundleID).CombinedOutput()
	if err != nil {
		return fmt.Errorf("device: simctl launch %s: %w: %s", bundleID, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// DescribeAll returns the raw accessibility dump of the current screen.
func (s *Simulator) DescribeAll(ctx context.Context) (string, error) {
	return s.idb(ctx, "ui", "describe-all")
}

// Tap taps a point in screen coordinates.
func (s *Simulator) Tap(ctx context.Context, x, y int) error {
	_, err := s.idb(ctx, "ui", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// TypeText types into the focused field.
func (s *Simulator) TypeText(ctx context.Context, text string) error {
	_, err := s.idb(ctx, "ui", "text", text)
	return err
}

// Scroll swipes from screen center by the geometry's swipe delta. Scroll
// direction is content direction: "down" reveals content below, so the
// finger moves up.
func (s *Simulator) Scroll(ctx context.Context, direction string) error {
	cx, cy := s.Geometry.CenterX, s.Geometry.CenterY
	delta := s.Geometry.SwipeDelta
	var x1, y1, x2, y2 int
	switch direction {
	case "down":
		x1, y1, x2, y2 = cx, cy+delta/2, cx, cy-delta/2
	case "up":
		x1, y1, x2, y2 = cx, cy-delta/2, cx, cy+delta/2
	case "left":
		x1, y1, x2, y2 = cx+delta/2, cy, cx-delta/2, cy
	case "right":
		x1, y1, x2, y2 = cx-delta/2, cy, cx+delta/2, cy
	default:
		return fmt.Errorf("device: unknown scroll direction %q", direction)
	}
	_, err := s.idb(ctx, "ui", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2),
		"--duration", "0.5")
	return err
}

// KeyPress sends a hardware key or key sequence by name.
func (s *Simulator) KeyPress(ctx context.Context, key string) error {
	_, err := s.idb(ctx, "ui", "key-sequence", key)
	return err
}

// PressHome presses the home button.
func (s *Simulator) PressHome(ctx context.Context) error {
	_, err := s.idb(ctx, "ui", "button", "HOME")
	return err
}
