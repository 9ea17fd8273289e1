package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Recognition is page text read straight from an image.
type Recognition struct {
	Paragraphs []string
	Confidence float64 // mean word confidence, 0..1
}

// Recognizer reads text from an image file.
type Recognizer interface {
	Recognize(ctx context.Context, imagePath string, languages []string, dpi int) (*Recognition, error)
}

// TesseractRecognizer uses libtesseract through gosseract. libtesseract
// cannot be interrupted, so a cancelled Recognize returns ctx.Err() at once
// while the abandoned call finishes and frees its client in the background.
type TesseractRecognizer struct {
	TessdataPrefix string
	read           func(imagePath string, languages []string, dpi int) (*Recognition, error)
}

// NewTesseractRecognizer constructs a recognizer; tessdataPrefix may be empty.
func NewTesseractRecognizer(tessdataPrefix string) *TesseractRecognizer {
	r := &TesseractRecognizer{TessdataPrefix: tessdataPrefix}
	r.read = r.readTesseract
	return r
}

type recognition struct {
	rec *Recognition
	err error
}

func (r *TesseractRecognizer) Recognize(ctx context.Context, imagePath string, languages []string, dpi int) (*Recognition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(chan recognition, 1)
	go func() {
		rec, err := r.read(imagePath, languages, dpi)
		done <- recognition{rec, err}
	}()

	select {
	case res := <-done:
		return res.rec, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *TesseractRecognizer) readTesseract(imagePath string, languages []string, dpi int) (*Recognition, error) {
	c := gosseract.NewClient()
	defer c.Close()

	if r.TessdataPrefix != "" {
		c.TessdataPrefix = r.TessdataPrefix
	}
	if err := c.SetImage(imagePath); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}
	if len(languages) > 0 {
		if err := c.SetLanguage(languages...); err != nil {
			return nil, fmt.Errorf("set languages: %w", err)
		}
	}
	if dpi > 0 {
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), strconv.Itoa(dpi)); err != nil {
			return nil, fmt.Errorf("set dpi: %w", err)
		}
	}

	paras, err := c.GetBoundingBoxes(gosseract.RIL_PARA)
	if err != nil {
		return nil, fmt.Errorf("recognize paragraphs: %w", err)
	}

	rec := &Recognition{}
	for _, p := range paras {
		if text := strings.TrimSpace(p.Word); text != "" {
			rec.Paragraphs = append(rec.Paragraphs, text)
		}
	}
	rec.Confidence = wordConfidence(c)
	return rec, nil
}

func wordConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes))
}

// SplitLanguages turns "eng+deu" into the list gosseract expects.
func SplitLanguages(lang string) []string {
	var out []string
	for _, l := range strings.Split(lang, "+") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
