package main

import (
	"errors"
	"fmt"
	"time"
)

// Source identifies one kernel metrics file and the parsing rule applied to it.
type Source string

const (
	SourceUptime     Source = "uptime"
	SourceLoad       Source = "loadavg"
	SourceMemory     Source = "meminfo"
	SourceInterfaces Source = "netdev"
)

// UptimeSnapshot is the parsed content of /proc/uptime.
type UptimeSnapshot struct {
	Uptime float64
	Idle   float64
}

// LoadSnapshot holds the 1, 5 and 15 minute load averages.
type LoadSnapshot [3]float64

// MemorySnapshot maps /proc/meminfo keys to byte counts (or raw counts for unitless keys).
type MemorySnapshot map[string]uint64

// Counters is one interface's cumulative byte counters.
type Counters struct {
	RxBytes uint64
	TxBytes uint64
}

// InterfaceCounters maps interface name to its counters.
type InterfaceCounters map[string]Counters

// Rate is the per-interface bandwidth computed between two samples.
type Rate struct {
	RxRate   float64 `json:"rx_rate"`
	TxRate   float64 `json:"tx_rate"`
	Receive  uint64  `json:"receive"`
	Transmit uint64  `json:"transmit"`
}

// Record is one tick's combined metrics. Fields whose reader failed are nil.
type Record struct {
	Timestamp int64           `json:"timestamp"`
	Uptime    *float64        `json:"uptime,omitempty"`
	Idle      *float64        `json:"idle,omitempty"`
	Load      *LoadSnapshot   `json:"load,omitempty"`
	Memory    MemorySnapshot  `json:"memory,omitempty"`
	Bandwidth map[string]Rate `json:"bandwidth,omitempty"`
}

var (
	// ErrMalformed marks content that does not match the expected layout.
	ErrMalformed = errors.New("malformed content")
	// ErrTooLarge marks a file that exceeded the read size cap.
	ErrTooLarge = errors.New("content exceeds size cap")
)

// ReadError reports a metrics source that could not produce a snapshot.
type ReadError struct {
	Source Source
	Path   string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s (%s): %v", e.Source, e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// ElapsedTooSmallError is returned when two counter samples are not strictly ordered in time.
type ElapsedTooSmallError struct {
	Elapsed time.Duration
}

func (e *ElapsedTooSmallError) Error() string {
	return fmt.Sprintf("elapsed time %v between samples is not positive", e.Elapsed)
}
