package imagegen

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Preprocessor transforms an image before it is fingerprinted.
type Preprocessor interface {
	Process(img image.Image) (image.Image, error)
}

// GrayscaleProcessor drops colour so hue shifts do not change the hash.
type GrayscaleProcessor struct{}

func NewGrayscaleProcessor() *GrayscaleProcessor {
	return &GrayscaleProcessor{}
}

func (p *GrayscaleProcessor) Process(img image.Image) (image.Image, error) {
	return imaging.Grayscale(img), nil
}

// FitProcessor bounds the image size.
type FitProcessor struct {
	maxSide int
}

func NewFitProcessor(maxSide int) *FitProcessor {
	return &FitProcessor{maxSide: maxSide}
}

func (p *FitProcessor) Process(img image.Image) (image.Image, error) {
	b := img.Bounds()
	if b.Dx() <= p.maxSide && b.Dy() <= p.maxSide {
		return img, nil
	}
	return imaging.Fit(img, p.maxSide, p.maxSide, imaging.Lanczos), nil
}

// DenoiseProcessor blurs away generator noise.
type DenoiseProcessor struct {
	strength float64
}

func NewDenoiseProcessor(strength float64) *DenoiseProcessor {
	return &DenoiseProcessor{strength: strength}
}

func (p *DenoiseProcessor) Process(img image.Image) (image.Image, error) {
	if p.strength <= 0 {
		return img, nil
	}
	return imaging.Blur(img, p.strength), nil
}

// Chain runs processors in order.
type Chain []Preprocessor

// DefaultChain is what fingerprinting uses unless told otherwise.
func DefaultChain() Chain {
	return Chain{
		NewFitProcessor(256),
		NewGrayscaleProcessor(),
		NewDenoiseProcessor(0.5),
	}
}

func (c Chain) Process(img image.Image) (image.Image, error) {
	if img == nil {
		return nil, fmt.Errorf("input image is nil")
	}
	var err error
	for i, p := range c {
		if img, err = p.Process(img); err != nil {
			return nil, fmt.Errorf("preprocessor %d failed: %w", i, err)
		}
	}
	return img, nil
}
