package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// ContentReader returns the full current text of a pseudo-file.
type ContentReader interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// procFiles reads from the real filesystem with a size cap and a timeout.
type procFiles struct {
	maxBytes int64
	timeout  time.Duration
}

func newProcFiles(maxBytes int64, timeout time.Duration) procFiles {
	return procFiles{maxBytes: maxBytes, timeout: timeout}
}

func (p procFiles) Read(ctx context.Context, path string) ([]byte, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	type result struct {
		data []byte
		err  error
	}
	// Buffered so an abandoned read can still complete and exit.
	ch := make(chan result, 1)
	go func() {
		data, err := readCapped(path, p.maxBytes)
		ch <- result{data: data, err: err}
	}()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func readCapped(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}
	return data, nil
}

// NetDevFilter is the interface filtering policy applied to /proc/net/dev.
type NetDevFilter struct {
	Exclude  []string
	SkipIdle bool
}

func (f NetDevFilter) keep(name string, c Counters) bool {
	for _, ex := range f.Exclude {
		if ex == name {
			return false
		}
	}
	if f.SkipIdle && c.RxBytes == 0 && c.TxBytes == 0 {
		return false
	}
	return true
}

// Reader parses the four kernel metrics sources.
type Reader struct {
	files   ContentReader
	sources Sources
	filter  NetDevFilter
}

func newReader(files ContentReader, sources Sources, filter NetDevFilter) *Reader {
	return &Reader{files: files, sources: sources, filter: filter}
}

func (r *Reader) path(src Source) string {
	switch src {
	case SourceUptime:
		return r.sources.Uptime
	case SourceLoad:
		return r.sources.LoadAvg
	case SourceMemory:
		return r.sources.MemInfo
	case SourceInterfaces:
		return r.sources.NetDev
	}
	return ""
}

func (r *Reader) read(ctx context.Context, src Source, parse func([]byte) error) error {
	path := r.path(src)
	data, err := r.files.Read(ctx, path)
	if err != nil {
		return &ReadError{Source: src, Path: path, Err: err}
	}
	if err := parse(data); err != nil {
		return &ReadError{Source: src, Path: path, Err: err}
	}
	return nil
}

func (r *Reader) Uptime(ctx context.Context) (UptimeSnapshot, error) {
	var snap UptimeSnapshot
	err := r.read(ctx, SourceUptime, func(data []byte) (err error) {
		snap, err = ParseUptime(data)
		return err
	})
	return snap, err
}

func (r *Reader) Load(ctx context.Context) (LoadSnapshot, error) {
	var snap LoadSnapshot
	err := r.read(ctx, SourceLoad, func(data []byte) (err error) {
		snap, err = ParseLoad(data)
		return err
	})
	return snap, err
}

func (r *Reader) Memory(ctx context.Context) (MemorySnapshot, error) {
	var snap MemorySnapshot
	err := r.read(ctx, SourceMemory, func(data []byte) (err error) {
		snap, err = ParseMemory(data)
		return err
	})
	return snap, err
}

func (r *Reader) Interfaces(ctx context.Context) (InterfaceCounters, error) {
	var snap InterfaceCounters
	err := r.read(ctx, SourceInterfaces, func(data []byte) (err error) {
		snap, err = ParseNetDev(data, r.filter)
		return err
	})
	return snap, err
}

// ParseUptime parses "<uptime> <idle>".
func ParseUptime(data []byte) (UptimeSnapshot, error) {
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return UptimeSnapshot{}, fmt.Errorf("%w: expected 2 fields, got %d", ErrMalformed, len(fields))
	}
	up, err := parseGauge(fields[0])
	if err != nil {
		return UptimeSnapshot{}, fmt.Errorf("uptime: %w", err)
	}
	idle, err := parseGauge(fields[1])
	if err != nil {
		return UptimeSnapshot{}, fmt.Errorf("idle: %w", err)
	}
	return UptimeSnapshot{Uptime: up, Idle: idle}, nil
}

// ParseLoad takes the first three fields of the first line, e.g.
// "0.20 0.18 0.12 1/80 11206".
func ParseLoad(data []byte) (LoadSnapshot, error) {
	line, _, _ := bytes.Cut(data, []byte{'\n'})
	fields := strings.Fields(string(line))
	if len(fields) < 3 {
		return LoadSnapshot{}, fmt.Errorf("%w: expected at least 3 fields, got %d", ErrMalformed, len(fields))
	}
	var snap LoadSnapshot
	for i := range snap {
		v, err := parseGauge(fields[i])
		if err != nil {
			return LoadSnapshot{}, fmt.Errorf("load[%d]: %w", i, err)
		}
		snap[i] = v
	}
	return snap, nil
}

// ParseMemory parses "Key:   value kB" lines. Values with a kB unit are converted to
// bytes; unitless values (HugePages_Total and friends) are kept as counts.
func ParseMemory(data []byte) (MemorySnapshot, error) {
	snap := make(MemorySnapshot)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, rest, ok := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: line %d: missing key", ErrMalformed, n)
		}

		fields := strings.Fields(rest)
		if len(fields) == 0 || len(fields) > 2 {
			return nil, fmt.Errorf("%w: line %d: expected value and optional unit", ErrMalformed, n)
		}
		v, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, n, err)
		}
		if len(fields) == 2 {
			if fields[1] != "kB" {
				return nil, fmt.Errorf("%w: line %d: unknown unit %q", ErrMalformed, n, fields[1])
			}
			if v > math.MaxUint64/1024 {
				return nil, fmt.Errorf("%w: line %d: value overflows", ErrMalformed, n)
			}
			v *= 1024
		}
		snap[key] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(snap) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrMalformed)
	}
	return snap, nil
}

// ParseNetDev parses /proc/net/dev. The second header line names the columns of
// the receive and transmit sections; the bytes column of each is located from it.
func ParseNetDev(data []byte, filter NetDevFilter) (InterfaceCounters, error) {
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 2 || !strings.Contains(lines[0], "|") || !strings.Contains(lines[1], "|") {
		return nil, fmt.Errorf("%w: header not in expected format", ErrMalformed)
	}

	sections := strings.Split(lines[1], "|")
	if len(sections) < 3 {
		return nil, fmt.Errorf("%w: expected receive and transmit sections", ErrMalformed)
	}
	rxLabels := strings.Fields(sections[1])
	txLabels := strings.Fields(sections[2])
	rxCol := indexOf(rxLabels, "bytes")
	txCol := indexOf(txLabels, "bytes")
	if rxCol < 0 || txCol < 0 {
		return nil, fmt.Errorf("%w: bytes column not found", ErrMalformed)
	}
	txCol += len(rxLabels)
	width := len(rxLabels) + len(txLabels)

	counters := make(InterfaceCounters)
	for n, line := range lines[2:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, rest, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: line %d: missing interface name", ErrMalformed, n+3)
		}
		fields := strings.Fields(rest)
		if len(fields) < width {
			return nil, fmt.Errorf("%w: %s: expected %d counters, got %d", ErrMalformed, name, width, len(fields))
		}
		rx, err := strconv.ParseUint(fields[rxCol], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: rx bytes: %v", ErrMalformed, name, err)
		}
		tx, err := strconv.ParseUint(fields[txCol], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: tx bytes: %v", ErrMalformed, name, err)
		}
		if _, dup := counters[name]; dup {
			return nil, fmt.Errorf("%w: duplicate interface %s", ErrMalformed, name)
		}

		c := Counters{RxBytes: rx, TxBytes: tx}
		if filter.keep(name, c) {
			counters[name] = c
		}
	}
	return counters, nil
}

func parseGauge(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("%w: %q out of range", ErrMalformed, s)
	}
	return v, nil
}

func indexOf(labels []string, want string) int {
	for i, l := range labels {
		if l == want {
			return i
		}
	}
	return -1
}
