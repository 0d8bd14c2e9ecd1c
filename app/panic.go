package app

import (
	"fmt"
	"image/color"
	"strings"
	"unicode/utf8"

	"stride/hal"
	"stride/strideos/kernel"
	"stride/strideos/services/monitor"

	"tinygo.org/x/tinyfont"
)

func installPanicHandler(h hal.HAL) {
	kernel.SetPanicHandler(func(info kernel.PanicInfo) {
		lines := panicLines(info)
		if l := h.Logger(); l != nil {
			for _, line := range lines {
				l.WriteLineString(line)
			}
		}

		disp := h.Display()
		if disp == nil {
			return
		}
		if fb := disp.Framebuffer(); fb != nil {
			drawPanicScreen(fb, lines)
		}
	})
}

func panicLines(info kernel.PanicInfo) []string {
	lines := []string{"Kernel Panic:"}
	if info.HasTask {
		lines = append(lines, fmt.Sprintf("task: %d", info.TaskID))
	} else {
		lines = append(lines, "task: none")
	}
	lines = append(lines, fmt.Sprintf("panic: %v", info.Value))
	if len(info.Stack) == 0 {
		return append(lines, "stack: unavailable")
	}
	lines = append(lines, "stack:")
	for _, line := range strings.Split(string(info.Stack), "\n") {
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func drawPanicScreen(fb hal.Framebuffer, lines []string) {
	fb.ClearRGB(255, 255, 255)

	_, outboxWidth := tinyfont.LineWidth(monitor.Font, "0")
	fontWidth := int16(outboxWidth)
	fontHeight := monitor.FontHeight
	if fontWidth <= 0 {
		_ = fb.Present()
		return
	}

	d := panicDisplay{fb: fb}
	fg := color.RGBA{A: 255}
	cols := int16(fb.Width()) / fontWidth
	if cols <= 0 {
		cols = 1
	}
	maxH := int16(fb.Height())

	y := int16(0)
	for _, line := range lines {
		for len(line) > 0 && y+fontHeight <= maxH {
			chunk, rest := takeRunes(line, cols)
			x := int16(0)
			for _, r := range chunk {
				tinyfont.DrawChar(d, monitor.Font, x, y+monitor.FontOffset, r, fg)
				x += fontWidth
			}
			y += fontHeight
			line = strings.TrimLeft(rest, " ")
		}
		if y+fontHeight > maxH {
			break
		}
	}
	_ = fb.Present()
}

type panicDisplay struct {
	fb hal.Framebuffer
}

func (d panicDisplay) Size() (x, y int16) {
	return int16(d.fb.Width()), int16(d.fb.Height())
}

func (d panicDisplay) SetPixel(x, y int16, c color.RGBA) {
	hal.PutRGB565(d.fb, int(x), int(y), hal.RGB565(c.R, c.G, c.B))
}

func (d panicDisplay) Display() error { return nil }

func takeRunes(s string, n int16) (prefix, rest string) {
	if n <= 0 || s == "" {
		return "", s
	}
	if int64(len(s)) <= int64(n) {
		return s, ""
	}
	var i int
	var count int16
	for i < len(s) && count < n {
		_, size := utf8.DecodeRuneInString(s[i:])
		if size <= 0 {
			break
		}
		i += size
		count++
	}
	if i >= len(s) {
		return s, ""
	}
	return s[:i], s[i:]
}
