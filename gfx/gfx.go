// Package gfx converts images into 2bpp planar tile data for #INCGFX.
// Tiles are 8 pixels wide; PNG and BMP inputs are supported.
package gfx

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"

	_ "image/png" // register PNG decoding

	_ "github.com/jsummers/gobmp" // register BMP decoding
)

// Options is the parsed #INCGFX option map.
type Options struct {
	// TileHeight is the pixel height of one tile; 0 selects 8 for
	// 8-pixel-high images and 16 otherwise.
	TileHeight int
	// ColorMap assigns shade indices by palette color, as four 0xRRGGBB
	// values for shades 0..3.
	ColorMap []int
	// Unique deduplicates tiles, keeping first occurrences.
	Unique bool
	// TileMap emits one index byte per source tile instead of tile data.
	TileMap bool
	// HasRange limits output to tiles [RangeStart, RangeEnd); with TileMap
	// the range does not limit output and RangeStart only biases the
	// emitted indices.
	HasRange             bool
	RangeStart, RangeEnd int
	// Debug renders the converted tiles as ASCII art on Output.
	Debug  bool
	Output io.Writer
}

const tileWidth = 8

// Read decodes an image file and converts it per the options.
func Read(filename string, opts Options) ([]byte, error) {
	f, err := os.Open(filename) // #nosec G304 -- user-provided image path
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return Convert(img, opts)
}

// Convert turns an image into tile data (or a tile map) per the options.
func Convert(img image.Image, opts Options) ([]byte, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width%tileWidth != 0 {
		return nil, fmt.Errorf("image width %d is not a multiple of %d", width, tileWidth)
	}
	tileHeight := opts.TileHeight
	if tileHeight == 0 {
		tileHeight = 16
		if height == 8 {
			tileHeight = 8
		}
	}
	if height%tileHeight != 0 {
		return nil, fmt.Errorf("image height %d is not a multiple of the tile height %d", height, tileHeight)
	}

	shadeAt := shadeFunc(img, opts.ColorMap)
	cols := width / tileWidth
	rows := height / tileHeight

	var tiles [][]byte
	for ty := 0; ty < rows; ty++ {
		for tx := 0; tx < cols; tx++ {
			tile := make([]byte, tileHeight*2)
			for y := 0; y < tileHeight; y++ {
				var lo, hi byte
				for x := 0; x < tileWidth; x++ {
					shade := shadeAt(bounds.Min.X+tx*tileWidth+x, bounds.Min.Y+ty*tileHeight+y)
					if shade&1 != 0 {
						lo |= 0x80 >> x
					}
					if shade&2 != 0 {
						hi |= 0x80 >> x
					}
				}
				tile[y*2] = lo
				tile[y*2+1] = hi
			}
			tiles = append(tiles, tile)
		}
	}

	unique := tiles
	indexOf := make([]int, len(tiles))
	if opts.Unique {
		unique = nil
		seen := make(map[string]int)
		for i, tile := range tiles {
			key := string(tile)
			idx, ok := seen[key]
			if !ok {
				idx = len(unique)
				seen[key] = idx
				unique = append(unique, tile)
			}
			indexOf[i] = idx
		}
	} else {
		for i := range tiles {
			indexOf[i] = i
		}
	}

	if opts.Debug {
		debugDump(opts.Output, unique, tileHeight)
	}

	if opts.TileMap {
		result := make([]byte, 0, len(tiles))
		for _, idx := range indexOf {
			if opts.HasRange {
				idx += opts.RangeStart
			}
			if idx < 0 || idx > 255 {
				return nil, fmt.Errorf("tile index %d out of range", idx)
			}
			result = append(result, byte(idx))
		}
		return result, nil
	}

	start, end := 0, len(unique)
	if opts.HasRange {
		start, end = opts.RangeStart, opts.RangeEnd
		if start < 0 || end > len(unique) || start > end {
			return nil, fmt.Errorf("tile range %d-%d outside of %d tiles", start, end, len(unique))
		}
	}
	var result []byte
	for _, tile := range unique[start:end] {
		result = append(result, tile...)
	}
	return result, nil
}

// shadeFunc picks the pixel-to-shade mapping: palette indices (optionally
// remapped through COLORMAP) for paletted images, luminance buckets
// otherwise.
func shadeFunc(img image.Image, colorMap []int) func(x, y int) int {
	if paletted, ok := img.(*image.Paletted); ok {
		remap := [4]int{0, 1, 2, 3}
		if len(colorMap) == 4 {
			for n := 0; n < 4 && n < len(paletted.Palette); n++ {
				rgb := packRGB(paletted.Palette[n])
				for m := 0; m < 4; m++ {
					if rgb == colorMap[m] {
						remap[n] = m
						break
					}
				}
			}
		}
		return func(x, y int) int {
			return remap[paletted.ColorIndexAt(x, y)&3]
		}
	}
	if len(colorMap) == 4 {
		return func(x, y int) int {
			rgb := packRGB(img.At(x, y))
			for m := 0; m < 4; m++ {
				if rgb == colorMap[m] {
					return m
				}
			}
			return 0
		}
	}
	// lighter pixels take lower shades, matching the usual 4-shade palettes
	return func(x, y int) int {
		r, g, b, _ := img.At(x, y).RGBA()
		luminance := (299*int(r>>8) + 587*int(g>>8) + 114*int(b>>8)) / 1000
		return 3 - luminance/64
	}
}

func packRGB(c color.Color) int {
	r, g, b, _ := c.RGBA()
	return int(r>>8)<<16 | int(g>>8)<<8 | int(b>>8)
}

var shadeGlyphs = [4]byte{'.', '+', '*', '#'}

func debugDump(w io.Writer, tiles [][]byte, tileHeight int) {
	if w == nil {
		return
	}
	for idx, tile := range tiles {
		fmt.Fprintf(w, "tile %d:\n", idx)
		for y := 0; y < tileHeight; y++ {
			row := make([]byte, tileWidth)
			for x := 0; x < tileWidth; x++ {
				shade := 0
				if tile[y*2]&(0x80>>x) != 0 {
					shade |= 1
				}
				if tile[y*2+1]&(0x80>>x) != 0 {
					shade |= 2
				}
				row[x] = shadeGlyphs[shade]
			}
			fmt.Fprintf(w, "  %s\n", row)
		}
	}
}
