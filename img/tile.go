package img

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Number of source images in a tiled image, laid out as a 2x2 grid.
const Tiles = 4

// Resize scales src to a size x size square.
func Resize(src image.Image, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// Tile resizes each of the four images to a size x size square and draws them in a 2x2 grid
// in the order top left, top right, bottom left, bottom right.
func Tile(images []image.Image, size int) (*image.RGBA, error) {
	if len(images) != Tiles {
		return nil, fmt.Errorf("tile: expected %d images, got %d", Tiles, len(images))
	}
	if size < 1 {
		return nil, fmt.Errorf("tile: invalid size %d", size)
	}
	dst := image.NewRGBA(image.Rect(0, 0, 2*size, 2*size))
	for i, src := range images {
		if src == nil {
			return nil, fmt.Errorf("tile: image %d is nil", i)
		}
		at := image.Pt((i%2)*size, (i/2)*size)
		r := image.Rectangle{Min: at, Max: at.Add(image.Pt(size, size))}
		draw.Draw(dst, r, Resize(src, size), image.Point{}, draw.Src)
	}
	return dst, nil
}
