// Package device captures the local camera and microphone through
// pion/mediadevices. Capture is only available on Linux; other platforms
// get a Capture whose Acquire reports the media as unavailable.
package device

import "meshcall/internal/core/ports"

var _ ports.MediaCapture = (*Capture)(nil)

type Config struct {
	Width        int     `yaml:"width"`
	Height       int     `yaml:"height"`
	FrameRate    float64 `yaml:"frame_rate"`
	VideoBitRate int     `yaml:"video_bitrate"`
}

func DefaultConfig() Config {
	return Config{
		Width:        640,
		Height:       480,
		FrameRate:    30,
		VideoBitRate: 1_500_000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = d.Width, d.Height
	}
	if c.FrameRate <= 0 {
		c.FrameRate = d.FrameRate
	}
	if c.VideoBitRate <= 0 {
		c.VideoBitRate = d.VideoBitRate
	}
	return c
}
