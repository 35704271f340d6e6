// Package logparse imports step metrics from JSON-lines logs, the format most
// trainers already write next to their checkpoints. Each line is one object
// with an integer "step" and numeric metrics; nested objects are flattened
// with "/" so {"env":{"all":{"reward":1}}} becomes "env/all/reward".
package logparse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"syscall"
	"time"
)

// StepSink receives one call per parsed line, in file order.
type StepSink interface {
	LogMetrics(ctx context.Context, metrics map[string]float64, step int64) error
}

type Result struct {
	Steps   int
	Skipped int
}

type Parser struct {
	path    string
	poll    time.Duration
	sink    StepSink
	logger  *slog.Logger
	stepKey string
}

func New(path string, poll time.Duration, sink StepSink, logger *slog.Logger) *Parser {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{
		path:    path,
		poll:    poll,
		sink:    sink,
		logger:  logger,
		stepKey: "step",
	}
}

// ReadAll imports every complete line currently in the file.
func (p *Parser) ReadAll(ctx context.Context) (Result, error) {
	var res Result
	_, err := p.readFromOffset(ctx, 0, &res)
	return res, err
}

// Run follows the file until ctx ends, starting from the beginning. A
// truncated or replaced file is read again from the start. Run stops at the
// first line the sink rejects.
func (p *Parser) Run(ctx context.Context) (Result, error) {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	var res Result
	var offset int64
	var lastInode uint64
	for {
		fi, err := os.Stat(p.path)
		if err == nil {
			if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
				if lastInode == 0 {
					lastInode = stat.Ino
				}
				if stat.Ino != lastInode {
					lastInode = stat.Ino
					offset = 0
				}
			}
			if fi.Size() < offset {
				offset = 0
			}
			offset, err = p.readFromOffset(ctx, offset, &res)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return res, err
			}
		}

		select {
		case <-ctx.Done():
			return res, nil
		case <-ticker.C:
		}
	}
}

// readFromOffset consumes complete lines only, so a line still being written
// is picked up whole on the next pass.
func (p *Parser) readFromOffset(ctx context.Context, offset int64, res *Result) (int64, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	reader := bufio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return offset, nil
		}
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return offset, nil
		}
		if err != nil {
			return offset, err
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			offset += int64(len(line))
			continue
		}
		step, metrics, perr := ParseLine(trimmed, p.stepKey)
		if perr != nil {
			p.logger.Warn("Skipping metrics line", "path", p.path, "offset", offset, "error", perr)
			res.Skipped++
			offset += int64(len(line))
			continue
		}
		if err := p.sink.LogMetrics(ctx, metrics, step); err != nil {
			return offset, fmt.Errorf("step %d: %w", step, err)
		}
		res.Steps++
		offset += int64(len(line))
	}
}

// ParseLine decodes one JSON object into its step and flattened numeric
// metrics. Strings, nulls and arrays are ignored; booleans count as 0 or 1.
func ParseLine(line []byte, stepKey string) (int64, map[string]float64, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return 0, nil, fmt.Errorf("decode line: %w", err)
	}

	raw, ok := obj[stepKey]
	if !ok {
		return 0, nil, fmt.Errorf("missing %q", stepKey)
	}
	num, ok := raw.(json.Number)
	if !ok {
		return 0, nil, fmt.Errorf("%q is not a number", stepKey)
	}
	f, err := num.Float64()
	if err != nil || f < 0 || f != math.Trunc(f) {
		return 0, nil, fmt.Errorf("%q must be a non-negative integer, got %s", stepKey, num)
	}
	delete(obj, stepKey)

	metrics := make(map[string]float64, len(obj))
	flatten("", obj, metrics)
	return int64(f), metrics, nil
}

func flatten(prefix string, obj map[string]any, out map[string]float64) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "/" + k
		}
		switch x := v.(type) {
		case json.Number:
			if f, err := x.Float64(); err == nil {
				out[key] = f
			}
		case bool:
			if x {
				out[key] = 1
			} else {
				out[key] = 0
			}
		case map[string]any:
			flatten(key, x, out)
		}
	}
}
