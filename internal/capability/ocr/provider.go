package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/homework-grader/constants"
	"github.com/joseph-ayodele/homework-grader/internal/tool"
)

// LowConfidence marks a transcription as degraded.
const LowConfidence = 0.6

type Config struct {
	Tesseract     string // binary name or absolute path; if empty -> "tesseract"
	TesseractLang string // default "eng"
	TessdataDir   string
	PSM           int    // e.g., 6 is good for a uniform block of text
	HeicConverter string // "heif-convert" | "magick" | "sips"
	CostUnits     int64
}

// Provider serves extract_text_lite with a local tesseract install.
type Provider struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewProvider(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	if cfg.PSM <= 0 {
		cfg.PSM = 6
	}
	if cfg.CostUnits <= 0 {
		cfg.CostUnits = 5
	}
	return &Provider{cfg: cfg, runner: execRunner{logger: logger}, logger: logger}
}

// WithRunner swaps the command runner.
func (p *Provider) WithRunner(r Runner) *Provider {
	p.runner = r
	return p
}

func (p *Provider) Invoke(ctx context.Context, capability string, args map[string]any, timeout time.Duration) (tool.Result, error) {
	if capability != constants.CapExtractTextLite {
		return tool.Result{}, &tool.Error{Code: constants.ErrCodeUnknownCapability, Message: "ocr serves " + constants.CapExtractTextLite + " only"}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ref, _ := args["image_ref"].(string)
	if constants.IsRemoteRef(ref) {
		return tool.Failed(constants.ErrCodeProvider, "local ocr cannot read remote page images", false), nil
	}
	if _, err := os.Stat(ref); err != nil {
		return tool.Failed(constants.ErrCodeProvider, fmt.Sprintf("page image: %v", err), false), nil
	}

	start := time.Now()
	path := ref
	var warnings []string
	if constants.NormalizeExt(filepath.Ext(ref)) == "heic" {
		out, w, cleanup, err := convertHEICtoPNG(ctx, p.runner, p.cfg.HeicConverter, ref)
		if cleanup != nil {
			defer cleanup()
		}
		warnings = append(warnings, w...)
		if err != nil {
			return tool.Failed(constants.ErrCodeProvider, err.Error(), false), nil
		}
		path = out
	}

	text, err := p.tesseract(ctx, path, false)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return tool.Result{}, err
		}
		return tool.Failed(constants.ErrCodeProvider, err.Error(), false), nil
	}
	text = Normalize(text)
	if text == "" {
		return tool.Empty(p.cfg.CostUnits, "no text recognized"), nil
	}

	heur := heuristicConfidence(text)
	conf := heur
	if tsv, err := p.tesseract(ctx, path, true); err == nil {
		if c := meanTSVConfidence(tsv); c > 0 {
			conf = 0.7*c + 0.3*heur
		}
	} else {
		warnings = append(warnings, "word confidences unavailable")
	}
	if conf > 1 {
		conf = 1
	}

	payload := map[string]any{"text": text, "confidence": conf}
	res := tool.OK(payload, p.cfg.CostUnits)
	if conf < LowConfidence {
		warnings = append(warnings, fmt.Sprintf("ocr confidence %.2f", conf))
	}
	if len(warnings) > 0 {
		res = tool.Degraded(payload, p.cfg.CostUnits, warnings...)
	}
	p.logger.Info("ocr.extract.ok",
		"path", filepath.Base(ref),
		"runes", len([]rune(text)),
		"confidence", conf,
		"status", string(res.Status),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (p *Provider) tesseract(ctx context.Context, path string, tsv bool) (string, error) {
	args := []string{path, "stdout", "-l", p.cfg.TesseractLang, "--psm", fmt.Sprintf("%d", p.cfg.PSM)}
	if p.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", p.cfg.TessdataDir)
	}
	if tsv {
		args = append(args, "tsv")
	}
	out, errb, err := p.runner.Run(ctx, p.cfg.Tesseract, args...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("tesseract: %w: %s", err, truncate(string(errb), 256))
	}
	return string(out), nil
}
