// Package screenmap parses raw accessibility dumps (from `idb ui
// describe-all` or `simctl accessibility`) into a flat list of UI elements
// suitable for fuzzy lookup and tap-coordinate calculation.
//
// Dumps arrive in two shapes: JSON (preferred) or an indented-text tree.
// Parse attempts a structured decode first and falls back to the
// line-grammar parser, so either path is exercised independently.
package screenmap

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Frame is an element's on-screen rectangle in points. A zero-area frame
// means the dump carried no usable geometry; callers must not tap it.
type Frame struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// HasArea reports whether the frame covers any screen area.
func (f Frame) HasArea() bool {
	return f.Width > 0 || f.Height > 0
}

// Element is one perceived UI node with normalized text fields and a
// precomputed lowercase search string.
type Element struct {
	Type       string `json:"type"`
	Label      string `json:"label,omitempty"`
	Name       string `json:"name,omitempty"`
	Value      string `json:"value,omitempty"`
	Title      string `json:"title,omitempty"`
	Frame      Frame  `json:"frame"`
	SearchText string `json:"searchable_text"`
}

// Center returns the integer center point of the element's frame.
func (e Element) Center() (int, int) {
	return int(e.Frame.X + e.Frame.Width/2), int(e.Frame.Y + e.Frame.Height/2)
}

// DisplayText returns the first non-empty text field, used for change
// signatures and element summaries.
func (e Element) DisplayText() string {
	for _, s := range []string{e.Label, e.Name, e.Title, e.Value} {
		if s != "" {
			return s
		}
	}
	return ""
}

// signatureText is DisplayText without the Value fallback. Values churn
// (clocks, counters, text fields mid-edit) and would defeat stuck-state
// detection if they fed the signature.
func (e Element) signatureText() string {
	for _, s := range []string{e.Label, e.Name, e.Title} {
		if s != "" {
			return s
		}
	}
	return ""
}

var (
	frameCurlyRE = regexp.MustCompile(`\{\{([\d.]+),\s*([\d.]+)\},\s*\{([\d.]+),\s*([\d.]+)\}\}`)
	frameParenRE = regexp.MustCompile(`\(([\d.]+),\s*([\d.]+),\s*([\d.]+),\s*([\d.]+)\)`)
	indentNodeRE = regexp.MustCompile(`^(\s*)(\w+)(?:\s*[:\-]\s*(.*))?$`)
	kvRE         = regexp.MustCompile(`(\w+)\s*[:=]\s*['"]?([^'",}]+)['"]?`)
)

// Parse decodes a raw accessibility dump into a tree. JSON input yields the
// decoded structure; anything else goes through the indented-text grammar.
// The returned tree is a nested map/slice structure fed to Flatten.
func Parse(raw string) any {
	text := strings.TrimSpace(raw)
	if text == "" {
		return []any{}
	}

	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			return parsed
		}
	}

	return parseTextTree(text)
}

// parseTextTree parses indented accessibility output where leading
// whitespace depth determines nesting. Lines look roughly like:
//
//	Button: label='OK' frame={{10, 20}, {80, 30}}
type stackEntry struct {
	indent int
	node   map[string]any
}

func parseTextTree(text string) []any {
	var roots []any
	var stack []stackEntry

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			continue
		}

		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		m := indentNodeRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		node := map[string]any{
			"type":     m[2],
			"children": []any{},
		}
		rest := m[3]
		for _, kv := range kvRE.FindAllStringSubmatch(rest, -1) {
			node[strings.ToLower(kv[1])] = strings.TrimSpace(kv[2])
		}
		if frame, ok := parseFrameString(rest); ok {
			node["frame"] = frame
		}

		for len(stack) > 0 && stack[len(stack)-1].indent >= indent {
			stack = stack[:len(stack)-1]
		}

		if len(stack) > 0 {
			parent := stack[len(stack)-1].node
			parent["children"] = append(parent["children"].([]any), node)
		} else {
			roots = append(roots, node)
		}
		stack = append(stack, stackEntry{indent: indent, node: node})
	}

	if roots == nil {
		return []any{}
	}
	return roots
}

// Flatten walks a parsed tree and produces the flat element list. It
// accepts a single node, a slice of nodes, or anything in between; unknown
// shapes contribute nothing.
func Flatten(tree any) []Element {
	var out []Element
	flattenInto(tree, &out)
	return out
}

func flattenInto(tree any, out *[]Element) {
	switch node := tree.(type) {
	case map[string]any:
		*out = append(*out, normalize(node))
		if children, ok := node["children"].([]any); ok {
			for _, child := range children {
				flattenInto(child, out)
			}
		}
	case []any:
		for _, item := range node {
			flattenInto(item, out)
		}
	}
}

// normalize pulls an element's text fields out of a node, checking both
// role-specific and accessibility-specific key spellings.
func normalize(node map[string]any) Element {
	label := firstString(node, "label", "AXLabel")
	name := firstString(node, "name", "AXName", "identifier")
	value := firstString(node, "value", "AXValue")
	title := firstString(node, "title", "AXTitle")
	etype := firstString(node, "type", "AXRole", "role")
	if etype == "" {
		etype = "Unknown"
	}

	frame, ok := extractFrame(node)
	if !ok {
		frame = Frame{}
	}

	return Element{
		Type:       etype,
		Label:      label,
		Name:       name,
		Value:      value,
		Title:      title,
		Frame:      frame,
		SearchText: searchText(label, name, value, title),
	}
}

func searchText(parts ...string) string {
	present := make([]string, 0, len(parts))
	for _, s := range parts {
		if s != "" {
			present = append(present, s)
		}
	}
	return strings.ToLower(strings.Join(present, " "))
}

func firstString(node map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := node[key]; ok {
			if s := asString(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// asString renders scalar node values; JSON dumps occasionally carry
// numeric AXValue fields.
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// extractFrame pulls a frame from a node, checking common key names and
// both string and structured encodings.
func extractFrame(node map[string]any) (Frame, bool) {
	for _, key := range []string{"frame", "rect", "bounds", "Frame", "Rect", "Bounds"} {
		val, ok := node[key]
		if !ok || val == nil {
			continue
		}
		switch t := val.(type) {
		case string:
			if f, ok := parseFrameString(t); ok {
				return f, true
			}
		case Frame:
			return t, true
		case map[string]any:
			if f, ok := parseFrameMap(t); ok {
				return f, true
			}
		}
	}
	return Frame{}, false
}

// parseFrameString extracts a frame from `{{x, y}, {w, h}}` or
// `(x, y, w, h)` substrings.
func parseFrameString(raw string) (Frame, bool) {
	if raw == "" {
		return Frame{}, false
	}
	for _, re := range []*regexp.Regexp{frameCurlyRE, frameParenRE} {
		if m := re.FindStringSubmatch(raw); m != nil {
			f := Frame{}
			for i, dst := range []*float64{&f.X, &f.Y, &f.Width, &f.Height} {
				v, err := strconv.ParseFloat(m[i+1], 64)
				if err != nil {
					return Frame{}, false
				}
				*dst = v
			}
			return f, true
		}
	}
	return Frame{}, false
}

func parseFrameMap(d map[string]any) (Frame, bool) {
	keySets := [][4]string{
		{"X", "Y", "Width", "Height"},
		{"x", "y", "width", "height"},
		{"x", "y", "w", "h"},
	}
	for _, keys := range keySets {
		vals := [4]float64{}
		ok := true
		for i, key := range keys {
			v, found := asFloat(d[key])
			if !found {
				ok = false
				break
			}
			vals[i] = v
		}
		if ok {
			return Frame{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}, true
		}
	}

	// Nested origin/size: {"origin": {"x":..,"y":..}, "size": {"width":..,"height":..}}
	origin, _ := anyMap(d, "origin", "Origin")
	size, _ := anyMap(d, "size", "Size")
	if origin != nil && size != nil {
		x, _ := firstFloat(origin, "x", "X")
		y, _ := firstFloat(origin, "y", "Y")
		w, wok := firstFloat(size, "width", "Width", "w")
		h, hok := firstFloat(size, "height", "Height", "h")
		if wok || hok {
			return Frame{X: x, Y: y, Width: w, Height: h}, true
		}
	}

	return Frame{}, false
}

func anyMap(d map[string]any, keys ...string) (map[string]any, bool) {
	for _, key := range keys {
		if m, ok := d[key].(map[string]any); ok {
			return m, true
		}
	}
	return nil, false
}

func firstFloat(d map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := asFloat(d[key]); ok {
			return v, true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Compact reduces elements to the planner-facing JSON form: type, the
// present text fields, and the frame when it has area.
func Compact(elements []Element) string {
	type entry struct {
		Type  string `json:"type"`
		Label string `json:"label,omitempty"`
		Name  string `json:"name,omitempty"`
		Value string `json:"value,omitempty"`
		Title string `json:"title,omitempty"`
		Frame *Frame `json:"frame,omitempty"`
	}
	compact := make([]entry, 0, len(elements))
	for _, el := range elements {
		e := entry{Type: el.Type, Label: el.Label, Name: el.Name, Value: el.Value, Title: el.Title}
		if el.Frame.HasArea() {
			f := el.Frame
			e.Frame = &f
		}
		compact = append(compact, e)
	}
	data, err := json.MarshalIndent(compact, "", " ")
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Summary lists the first limit element texts, for error messages shown to
// the planner after a failed lookup.
func Summary(elements []Element, limit int) string {
	var labels []string
	for _, el := range elements {
		if text := el.DisplayText(); text != "" {
			labels = append(labels, text)
			if len(labels) == limit {
				break
			}
		}
	}
	return strings.Join(labels, ", ")
}

// Signature hashes ordered type:label pairs into a compact string for
// stuck-state change detection. Element values are deliberately excluded.
func Signature(elements []Element) string {
	var b strings.Builder
	for i, el := range elements {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(el.Type)
		b.WriteByte(':')
		b.WriteString(el.signatureText())
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
