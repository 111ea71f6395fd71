// Command texdump converts a raw guest texture dump into an image file.
//
// The dump is untiled from its guest layout, decoded if block compressed and
// written as PNG, BMP or TIFF depending on the output extension:
//
//	texdump -width 256 -height 256 -format bc1 -tile block -block-height 16 -output tex.png dump.bin
package main

import (
	"flag"
	"fmt"
	"image"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/guestgpu/internal/bcn"
	"github.com/gogpu/guestgpu/internal/layout"
)

// texelFormat is a guest format texdump can turn into NRGBA.
type texelFormat struct {
	info layout.FormatInfo
	bc   bcn.Format // zero for uncompressed formats
	// expand writes one decoded texel as NRGBA.
	expand func(dst, src []byte)
}

func rgba(dst, src []byte) { copy(dst, src[:4]) }

func bgra(dst, src []byte) { dst[0], dst[1], dst[2], dst[3] = src[2], src[1], src[0], src[3] }

func r8(dst, src []byte) { dst[0], dst[1], dst[2], dst[3] = src[0], src[0], src[0], 0xff }

func rg8(dst, src []byte) { dst[0], dst[1], dst[2], dst[3] = src[0], src[1], 0, 0xff }

func compressedFormat(f bcn.Format, expand func(dst, src []byte)) texelFormat {
	return texelFormat{
		info:   layout.FormatInfo{BlockWidth: 4, BlockHeight: 4, Bpb: uint32(f.BlockSize())},
		bc:     f,
		expand: expand,
	}
}

var formats = map[string]texelFormat{
	"rgba8": {info: layout.FormatInfo{BlockWidth: 1, BlockHeight: 1, Bpb: 4}, expand: rgba},
	"bgra8": {info: layout.FormatInfo{BlockWidth: 1, BlockHeight: 1, Bpb: 4}, expand: bgra},
	"r8":    {info: layout.FormatInfo{BlockWidth: 1, BlockHeight: 1, Bpb: 1}, expand: r8},
	"rg8":   {info: layout.FormatInfo{BlockWidth: 1, BlockHeight: 1, Bpb: 2}, expand: rg8},
	"bc1":   compressedFormat(bcn.BC1, rgba),
	"bc2":   compressedFormat(bcn.BC2, rgba),
	"bc3":   compressedFormat(bcn.BC3, rgba),
	"bc4":   compressedFormat(bcn.BC4U, r8),
	"bc5":   compressedFormat(bcn.BC5U, rg8),
	"bc7":   compressedFormat(bcn.BC7, rgba),
}

type options struct {
	width, height uint32
	format        string
	tile          string
	pitch         uint32
	blockHeight   uint32 // in GOBs
}

// guestSize returns the number of dump bytes the surface occupies.
func (o options) guestSize(f texelFormat) uint64 {
	d := layout.Dims2D(o.width, o.height)
	switch o.tile {
	case "pitch":
		return uint64(o.pitch) * uint64(f.info.Lines(o.height))
	case "block":
		return layout.BlockLinearSize(d, f.info, o.blockHeight, 1)
	}
	return f.info.Size(d)
}

// untile returns the tightly packed contents of the guest surface in raw.
func (o options) untile(f texelFormat, raw []byte) ([]byte, error) {
	d := layout.Dims2D(o.width, o.height)
	linear := make([]byte, f.info.Size(d))
	var err error
	switch o.tile {
	case "linear":
		if uint64(len(raw)) < uint64(len(linear)) {
			return nil, fmt.Errorf("%w: dump has %d bytes, need %d", layout.ErrShortBuffer, len(raw), len(linear))
		}
		copy(linear, raw)
	case "pitch":
		err = layout.CopyPitchLinearToLinear(d, f.info, o.pitch, raw, linear)
	case "block":
		if o.blockHeight == 0 || o.blockHeight&(o.blockHeight-1) != 0 {
			return nil, fmt.Errorf("block height %d is not a power of two", o.blockHeight)
		}
		err = layout.CopyBlockLinearToLinear(d, f.info, o.blockHeight, 1, raw, linear)
	default:
		return nil, fmt.Errorf("unknown tile mode %q", o.tile)
	}
	if err != nil {
		return nil, err
	}
	return linear, nil
}

// convert decodes a guest dump into an image.
func convert(o options, raw []byte) (*image.NRGBA, error) {
	f, ok := formats[o.format]
	if !ok {
		return nil, fmt.Errorf("unknown format %q", o.format)
	}
	if o.width == 0 || o.height == 0 {
		return nil, fmt.Errorf("empty surface %dx%d", o.width, o.height)
	}
	texels, err := o.untile(f, raw)
	if err != nil {
		return nil, err
	}
	texelSize := int(f.info.Bpb)
	if f.bc != 0 {
		decoded := make([]byte, bcn.DecodedSize(f.bc, o.width, o.height, 1))
		if err := bcn.Decode(f.bc, texels, o.width, o.height, 1, decoded); err != nil {
			return nil, err
		}
		texels, texelSize = decoded, f.bc.DecodedTexelSize()
	}

	img := image.NewNRGBA(image.Rect(0, 0, int(o.width), int(o.height)))
	for i := 0; i < int(o.width)*int(o.height); i++ {
		f.expand(img.Pix[i*4:i*4+4], texels[i*texelSize:])
	}
	return img, nil
}

// encode writes img in the format named by the extension of name.
func encode(w io.Writer, name string, img image.Image) error {
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".png":
		return png.Encode(w, img)
	case ".bmp":
		return bmp.Encode(w, img)
	case ".tif", ".tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unsupported output extension %q", ext)
	}
}

func run(o options, input, output string) error {
	raw, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	img, err := convert(o, raw)
	if err != nil {
		return err
	}
	out, err := os.Create(output)
	if err != nil {
		return err
	}
	if err := encode(out, output, img); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	p := message.NewPrinter(language.English)
	log.Print(p.Sprintf("%s: %dx%d %s (%s), %d of %d dump bytes", output, o.width, o.height,
		o.format, o.tile, o.guestSize(formats[o.format]), len(raw)))
	return nil
}

func main() {
	var (
		width       = flag.Uint("width", 0, "surface width in texels")
		height      = flag.Uint("height", 0, "surface height in texels")
		format      = flag.String("format", "rgba8", "texel format: rgba8, bgra8, r8, rg8, bc1-bc5, bc7")
		tile        = flag.String("tile", "block", "guest layout: linear, pitch or block")
		pitch       = flag.Uint("pitch", 0, "row pitch in bytes for -tile pitch")
		blockHeight = flag.Uint("block-height", 16, "block height in GOBs for -tile block")
		output      = flag.String("output", "texture.png", "output file (.png, .bmp, .tif)")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: texdump [flags] dump.bin")
		flag.PrintDefaults()
		os.Exit(2)
	}

	o := options{
		width:       uint32(*width),
		height:      uint32(*height),
		format:      *format,
		tile:        *tile,
		pitch:       uint32(*pitch),
		blockHeight: uint32(*blockHeight),
	}
	if err := run(o, flag.Arg(0), *output); err != nil {
		log.Fatalf("texdump: %v", err)
	}
}
