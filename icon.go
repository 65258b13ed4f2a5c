package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
)

// Tray icons are drawn at startup: a filled disc whose colour tracks the
// agent status.
var (
	iconIdle      = discIcon(color.RGBA{0x9e, 0x9e, 0x9e, 0xff})
	iconConnected = discIcon(color.RGBA{0x2e, 0x7d, 0x32, 0xff})
	iconError     = discIcon(color.RGBA{0xc6, 0x28, 0x28, 0xff})
)

const iconSize = 22

func discIcon(c color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, iconSize, iconSize))
	center := float64(iconSize-1) / 2
	radius := center - 1

	for y := 0; y < iconSize; y++ {
		for x := 0; x < iconSize; x++ {
			dx, dy := float64(x)-center, float64(y)-center
			if dx*dx+dy*dy <= radius*radius {
				img.SetRGBA(x, y, c)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}
