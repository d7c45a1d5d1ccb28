package alerts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline/driftline/internal/clock"
	"github.com/driftline/driftline/internal/metrics"
	"github.com/driftline/driftline/internal/signal"
)

// maxSeq bounds the same-second filename probe so a wedged directory
// cannot spin the emitter forever.
const maxSeq = 10000

// Emitter writes alert records to the alert directory, one JSON file
// per record, named {category}_{asset}_{yyyymmdd_hhmmss}.{seq}.json.
// The sequence number disambiguates same-second writes.
type Emitter struct {
	dir       string
	threshold float64
	clk       clock.Clock
	met       *metrics.Registry
	log       zerolog.Logger
}

// NewEmitter creates the alert directory if needed. Aggregates with
// confidence below emitThreshold are not written.
func NewEmitter(dir string, emitThreshold float64, clk clock.Clock, met *metrics.Registry, logger zerolog.Logger) (*Emitter, error) {
	if dir == "" {
		return nil, errors.New("alerts: emitter needs a directory")
	}
	if emitThreshold < 0 || emitThreshold > 1 {
		return nil, fmt.Errorf("alerts: emit threshold %v outside [0,1]", emitThreshold)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("alerts: create directory: %w", err)
	}
	return &Emitter{
		dir:       dir,
		threshold: emitThreshold,
		clk:       clk,
		met:       met,
		log:       logger.With().Str("component", "alert_emitter").Logger(),
	}, nil
}

// Emit writes the aggregate as a signal record when its confidence
// clears the emit threshold. It returns the written path and whether a
// record was written at all.
func (e *Emitter) Emit(ag signal.AggregatedSignal) (string, bool, error) {
	if ag.Confidence < e.threshold {
		e.log.Debug().
			Str("asset", ag.AssetID).
			Float64("confidence", ag.Confidence).
			Float64("threshold", e.threshold).
			Msg("Aggregate below emit threshold")
		return "", false, nil
	}
	rec := NewRecord(ag)
	if rec.TimestampMs <= 0 {
		rec.TimestampMs = e.clk.NowMs()
	}
	path, err := e.write(CategorySignal, ag.AssetID, rec)
	if err != nil {
		return "", false, err
	}
	e.log.Info().
		Str("asset", ag.AssetID).
		Str("direction", string(ag.Direction)).
		Float64("confidence", ag.Confidence).
		Str("path", path).
		Msg("Alert written")
	return path, true, nil
}

// EmitOperational writes a pipeline incident record. Operational
// records are not gated by the emit threshold.
func (e *Emitter) EmitOperational(component, message string, context map[string]any) (string, error) {
	rec := OperationalRecord{
		Category:    CategoryOperational,
		TimestampMs: e.clk.NowMs(),
		Component:   component,
		Message:     message,
		Context:     context,
	}
	path, err := e.write(CategoryOperational, component, rec)
	if err != nil {
		return "", err
	}
	e.log.Warn().
		Str("operational_component", component).
		Str("message", message).
		Str("path", path).
		Msg("Operational alert written")
	return path, nil
}

// Dir returns the alert directory.
func (e *Emitter) Dir() string { return e.dir }

func (e *Emitter) write(category, subject string, v any) (string, error) {
	stamp := time.UnixMilli(e.clk.NowMs()).UTC().Format("20060102_150405")
	base := fmt.Sprintf("%s_%s_%s", category, filenameSafe(subject), stamp)

	for seq := 0; seq < maxSeq; seq++ {
		path := filepath.Join(e.dir, fmt.Sprintf("%s.%d.json", base, seq))
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("alerts: create record file: %w", err)
		}
		enc := json.NewEncoder(file)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			file.Close()
			return "", fmt.Errorf("alerts: encode record: %w", err)
		}
		if err := file.Close(); err != nil {
			return "", fmt.Errorf("alerts: close record file: %w", err)
		}
		e.met.AlertsWritten.Inc()
		return path, nil
	}
	return "", fmt.Errorf("alerts: %d records for %s within one second", maxSeq, base)
}

// filenameSafe keeps letters, digits, dot and dash; everything else
// becomes a dash so asset ids like "BTC/USD" stay valid filenames.
func filenameSafe(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}
