package recovery

import (
	"fmt"
	"strconv"
	"strings"
)

// RGB is a presentation color.
type RGB struct {
	R, G, B uint8
}

// Hex formats the color as #rrggbb.
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// Value packs the color as 0xRRGGBB, the form embed APIs expect.
func (c RGB) Value() int {
	return int(c.R)<<16 | int(c.G)<<8 | int(c.B)
}

// DefaultColor is used for any color string that is not understood.
var DefaultColor = RGB{105, 90, 205}

var namedColors = map[string]RGB{
	"base-purple":   DefaultColor,
	"light-purple":  {123, 111, 211},
	"deep-purple":   {80, 72, 199},
	"cool-blue":     {74, 144, 226},
	"sky-blue":      {111, 168, 220},
	"soft-violet":   {142, 124, 195},
	"dark-slate":    {45, 55, 72},
	"bright-violet": {128, 90, 213},
	"indigo":        {76, 81, 191},
	"periwinkle":    {102, 126, 234},
}

// ParseColor accepts #rrggbb or a named preset, case-insensitively.
// Anything else maps to DefaultColor.
func ParseColor(s string) RGB {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := parseHex(s); ok {
		return c
	}
	if c, ok := namedColors[s]; ok {
		return c
	}
	return DefaultColor
}

func parseHex(s string) (RGB, bool) {
	if len(s) != 7 || s[0] != '#' {
		return RGB{}, false
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return RGB{}, false
	}
	return RGB{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, true
}
