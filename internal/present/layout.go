package present

import (
	"fmt"
	"image"
	"image/color"
	"sort"
	"strings"

	"github.com/satindergrewal/moodlens/internal/analysis"
)

// Overlay geometry, in pixels.
const (
	BarMaxWidth = 200
	barHeight   = 20
	barTop      = 60
	barSpacing  = 25
)

var (
	white  = color.RGBA{255, 255, 255, 0}
	yellow = color.RGBA{255, 255, 0, 0}
)

// Colors maps each emotion to its overlay colour.
var Colors = map[string]color.RGBA{
	"happy":    {0, 255, 0, 0},
	"sad":      {0, 0, 255, 0},
	"angry":    {255, 0, 0, 0},
	"surprise": {0, 255, 255, 0},
	"fear":     {128, 0, 128, 0},
	"disgust":  {128, 128, 0, 0},
	"neutral":  {128, 128, 128, 0},
}

// ColorOf returns the overlay colour for label, white when unknown.
func ColorOf(label string) color.RGBA {
	if c, ok := Colors[strings.ToLower(label)]; ok {
		return c
	}
	return white
}

// Text is a line of overlay text. Origin is the bottom-left of the baseline.
type Text struct {
	Origin    image.Point
	Value     string
	Scale     float64
	Thickness int
	Color     color.RGBA
}

// Rect is an overlay rectangle. A negative Thickness fills it.
type Rect struct {
	Bounds    image.Rectangle
	Color     color.RGBA
	Thickness int
}

// Overlay is everything drawn over a preview frame, rectangles first.
type Overlay struct {
	Rects []Rect
	Texts []Text
}

// StoppedBanner is drawn in the middle of the last frame while capture is paused.
func StoppedBanner(size image.Point) Text {
	return Text{
		Origin:    image.Pt(size.X/2-130, size.Y/2),
		Value:     "CAMERA STOPPED",
		Scale:     1,
		Thickness: 2,
		Color:     Colors["angry"],
	}
}

// Headline formats the dominant emotion, e.g. "HAPPY - 87.3%".
func Headline(label string, confidence float64) string {
	return fmt.Sprintf("%s - %.1f%%", strings.ToUpper(label), confidence*100)
}

// Layout builds the overlay for a frame of the given size from the latest
// analyzed result, which may be nil.
func Layout(res *analysis.Result, size image.Point, voiceOn bool) Overlay {
	var ov Overlay

	var (
		face analysis.Face
		ok   bool
	)
	if res != nil {
		face, ok = res.Dominant()
	}

	if !ok {
		ov.Texts = append(ov.Texts, Text{Origin: image.Pt(10, 30), Value: "NO FACE DETECTED", Scale: 1, Thickness: 2, Color: white})
	} else {
		label, conf := face.Dominant()
		ov.Texts = append(ov.Texts, Text{Origin: image.Pt(10, 30), Value: Headline(label, conf), Scale: 1, Thickness: 2, Color: ColorOf(label)})

		for _, f := range res.Faces {
			l, c := f.Dominant()
			ov.Rects = append(ov.Rects, Rect{Bounds: f.Region, Color: ColorOf(l), Thickness: 2})
			ov.Texts = append(ov.Texts, Text{
				Origin:    image.Pt(f.Region.Min.X, max(f.Region.Min.Y-8, 12)),
				Value:     fmt.Sprintf("%s %.0f%%", l, c*100),
				Scale:     0.5,
				Thickness: 1,
				Color:     ColorOf(l),
			})
		}

		ov.Texts = append(ov.Texts, Text{Origin: image.Pt(10, barTop), Value: "Emotion Breakdown:", Scale: 0.5, Thickness: 1, Color: white})
		for i, l := range orderedLabels(face.Scores) {
			c := face.Scores[l]
			y := barTop + barSpacing*(i+1)
			ov.Rects = append(ov.Rects,
				Rect{Bounds: image.Rect(10, y, 10+BarWidth(c), y+barHeight), Color: ColorOf(l), Thickness: -1},
				Rect{Bounds: image.Rect(10, y, 10+BarMaxWidth, y+barHeight), Color: white, Thickness: 1},
			)
			ov.Texts = append(ov.Texts, Text{
				Origin:    image.Pt(20+BarMaxWidth, y+15),
				Value:     fmt.Sprintf("%s: %.1f%%", l, c*100),
				Scale:     0.4,
				Thickness: 1,
				Color:     white,
			})
		}
	}

	voice := "off"
	if voiceOn {
		voice = "on"
	}
	hints := []string{
		"Press 'q' to quit",
		fmt.Sprintf("Press 'v' to toggle voice (%s)", voice),
		"Press 's' to save screenshot",
	}
	for i, h := range hints {
		ov.Texts = append(ov.Texts, Text{
			Origin:    image.Pt(size.X-250, size.Y-60+i*20),
			Value:     h,
			Scale:     0.4,
			Thickness: 1,
			Color:     yellow,
		})
	}
	return ov
}

// BarWidth scales a confidence in [0,1] to a bar length.
func BarWidth(confidence float64) int {
	if confidence <= 0 {
		return 0
	}
	if confidence >= 1 {
		return BarMaxWidth
	}
	return int(confidence * BarMaxWidth)
}

// orderedLabels lists known emotions in canonical order, then any others
// alphabetically.
func orderedLabels(scores analysis.Scores) []string {
	known := make(map[string]bool, len(analysis.Labels))
	var out []string
	for _, l := range analysis.Labels {
		known[l] = true
		if _, ok := scores[l]; ok {
			out = append(out, l)
		}
	}
	var extra []string
	for l := range scores {
		if !known[l] {
			extra = append(extra, l)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
