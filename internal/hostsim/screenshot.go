package hostsim

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"github.com/meshforge/meshbridge/internal/dispatch"
)

const maxScreenshotDim = 8192

// handleScreenshot renders the simulated viewport to a PNG: a sky gradient
// with one silhouette per visible mesh. With a filepath the image goes to
// disk; without one it comes back base64-encoded.
func (h *Host) handleScreenshot(ctx context.Context, params map[string]any) (map[string]any, error) {
	width := intParam(params, "width", 1920)
	height := intParam(params, "height", 1080)
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: width and height must be positive, got %dx%d",
			dispatch.ErrInvalidParams, width, height)
	}
	if width > maxScreenshotDim || height > maxScreenshotDim {
		return nil, fmt.Errorf("%w: width and height must be at most %d, got %dx%d",
			dispatch.ErrInvalidParams, maxScreenshotDim, width, height)
	}
	filePath := stringParam(params, "filepath", "")

	var buf bytes.Buffer
	if err := png.Encode(&buf, h.renderViewport(width, height)); err != nil {
		return nil, err
	}

	if filePath != "" {
		abs, err := filepath.Abs(filePath)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(abs, buf.Bytes(), 0o644); err != nil {
			return nil, err
		}
		return map[string]any{
			"filepath":        abs,
			"width":           width,
			"height":          height,
			"file_size_bytes": buf.Len(),
		}, nil
	}

	return map[string]any{
		"image_base64": base64.StdEncoding.EncodeToString(buf.Bytes()),
		"width":        width,
		"height":       height,
	}, nil
}

func (h *Host) renderViewport(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	top := color.RGBA{R: 62, G: 80, B: 112, A: 255}
	bottom := color.RGBA{R: 28, G: 30, B: 36, A: 255}
	for y := 0; y < height; y++ {
		t := float64(y) / float64(max(height-1, 1))
		row := color.RGBA{
			R: lerp8(top.R, bottom.R, t),
			G: lerp8(top.G, bottom.G, t),
			B: lerp8(top.B, bottom.B, t),
			A: 255,
		}
		draw.Draw(img, image.Rect(0, y, width, y+1), &image.Uniform{C: row}, image.Point{}, draw.Src)
	}

	h.mu.Lock()
	var meshes []*Object
	for _, o := range h.objects {
		if o.Type == "MESH" && o.Visible {
			meshes = append(meshes, o)
		}
	}
	h.mu.Unlock()

	// One grey silhouette per mesh, spread across the lower half.
	fill := color.RGBA{R: 150, G: 152, B: 158, A: 255}
	for i, o := range meshes {
		size := boundsSize(o.Min, o.Max)
		w := clampInt(int(float64(width)*0.08*max(size[0], 0.5)), 4, width/3)
		hgt := clampInt(int(float64(height)*0.08*max(size[2], 0.5)), 4, height/3)
		cx := (i*2 + 1) * width / (len(meshes) * 2)
		cy := height * 2 / 3
		rect := image.Rect(cx-w/2, cy-hgt/2, cx+w/2, cy+hgt/2).Intersect(img.Bounds())
		draw.Draw(img, rect, &image.Uniform{C: fill}, image.Point{}, draw.Src)
	}
	return img
}

func lerp8(a, b uint8, t float64) uint8 {
	return uint8(float64(a) + (float64(b)-float64(a))*t)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
