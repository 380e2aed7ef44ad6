package screenmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONTree(t *testing.T) {
	raw := `{
		"type": "Window",
		"children": [
			{"type": "Button", "label": "Sign In", "frame": {"x": 10, "y": 20, "width": 100, "height": 44}},
			{"type": "StaticText", "AXLabel": "Welcome back", "frame": "{{0, 100}, {390, 30}}"}
		]
	}`

	elements := Flatten(Parse(raw))
	require.Len(t, elements, 3)

	assert.Equal(t, "Window", elements[0].Type)

	btn := elements[1]
	assert.Equal(t, "Button", btn.Type)
	assert.Equal(t, "Sign In", btn.Label)
	assert.Equal(t, "sign in", btn.SearchText)
	x, y := btn.Center()
	assert.Equal(t, 60, x)
	assert.Equal(t, 42, y)

	text := elements[2]
	assert.Equal(t, "Welcome back", text.Label)
	assert.Equal(t, Frame{X: 0, Y: 100, Width: 390, Height: 30}, text.Frame)
}

func TestParseJSONTopLevelArray(t *testing.T) {
	raw := `[{"type": "Button", "name": "OK"}, {"type": "Button", "title": "Cancel"}]`
	elements := Flatten(Parse(raw))
	require.Len(t, elements, 2)
	assert.Equal(t, "OK", elements[0].Name)
	assert.Equal(t, "Cancel", elements[1].Title)
}

func TestParseIndentedText(t *testing.T) {
	raw := `Window
  Button: label='Continue' frame={{12, 700}, {366, 50}}
    Image
  StaticText: label='Terms apply'`

	elements := Flatten(Parse(raw))
	require.Len(t, elements, 4)

	assert.Equal(t, "Window", elements[0].Type)
	assert.Equal(t, "Button", elements[1].Type)
	assert.Equal(t, "Continue", elements[1].Label)
	assert.Equal(t, Frame{X: 12, Y: 700, Width: 366, Height: 50}, elements[1].Frame)
	assert.Equal(t, "Image", elements[2].Type)
	assert.Equal(t, "Terms apply", elements[3].Label)
}

func TestParseEmptyAndMalformed(t *testing.T) {
	assert.Empty(t, Flatten(Parse("")))
	assert.Empty(t, Flatten(Parse("   \n  \n")))

	// Malformed JSON falls through to the text grammar without panicking.
	elements := Flatten(Parse(`{"type": "Button", "label":`))
	assert.Empty(t, elements)
}

func TestFrameVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Frame
	}{
		{
			name: "paren string",
			raw:  `{"type": "Cell", "label": "Row", "frame": "(5, 6, 70, 80)"}`,
			want: Frame{X: 5, Y: 6, Width: 70, Height: 80},
		},
		{
			name: "short keys",
			raw:  `{"type": "Cell", "label": "Row", "rect": {"x": 1, "y": 2, "w": 3, "h": 4}}`,
			want: Frame{X: 1, Y: 2, Width: 3, Height: 4},
		},
		{
			name: "origin size",
			raw:  `{"type": "Cell", "label": "Row", "frame": {"origin": {"x": 9, "y": 8}, "size": {"width": 7, "height": 6}}}`,
			want: Frame{X: 9, Y: 8, Width: 7, Height: 6},
		},
		{
			name: "missing frame defaults to zero",
			raw:  `{"type": "Cell", "label": "Row"}`,
			want: Frame{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			elements := Flatten(Parse(tc.raw))
			require.Len(t, elements, 1)
			assert.Equal(t, tc.want, elements[0].Frame)
		})
	}
}

func TestZeroFrameHasNoArea(t *testing.T) {
	assert.False(t, Frame{}.HasArea())
	assert.True(t, Frame{Width: 10, Height: 10}.HasArea())
}

func TestSearchTextJoinsAllFields(t *testing.T) {
	raw := `{"type": "Field", "label": "Email", "value": "user@example.com", "title": "Login"}`
	elements := Flatten(Parse(raw))
	require.Len(t, elements, 1)
	assert.Equal(t, "email user@example.com login", elements[0].SearchText)
}

func TestSignatureStableAndSensitive(t *testing.T) {
	a := []Element{{Type: "Button", Label: "OK"}, {Type: "StaticText", Label: "Hi"}}
	b := []Element{{Type: "Button", Label: "OK"}, {Type: "StaticText", Label: "Hi"}}
	c := []Element{{Type: "Button", Label: "Cancel"}, {Type: "StaticText", Label: "Hi"}}

	assert.Equal(t, Signature(a), Signature(b))
	assert.NotEqual(t, Signature(a), Signature(c))
}

func TestSignatureIgnoresValueChurn(t *testing.T) {
	// A ticking clock or counter changes only element values; the screen
	// is still the same screen for stuck detection.
	a := []Element{{Type: "StaticText", Label: "Clock", Value: "09:41"}, {Type: "Button", Label: "OK"}}
	b := []Element{{Type: "StaticText", Label: "Clock", Value: "09:42"}, {Type: "Button", Label: "OK"}}
	assert.Equal(t, Signature(a), Signature(b))

	// An element whose only text is its value still hashes by structure,
	// not by the churning value.
	c := []Element{{Type: "StaticText", Value: "42%"}}
	d := []Element{{Type: "StaticText", Value: "43%"}}
	assert.Equal(t, Signature(c), Signature(d))

	e := []Element{{Type: "StaticText", Label: "Timer", Value: "0:10"}}
	f := []Element{{Type: "StaticText", Label: "Alarm", Value: "0:10"}}
	assert.NotEqual(t, Signature(e), Signature(f))
}

func TestSummaryLimits(t *testing.T) {
	elements := []Element{
		{Type: "Button", Label: "One"},
		{Type: "Button"},
		{Type: "Button", Name: "Two"},
		{Type: "Button", Title: "Three"},
	}
	assert.Equal(t, "One, Two", Summary(elements, 2))
	assert.Equal(t, "One, Two, Three", Summary(elements, 10))
}
