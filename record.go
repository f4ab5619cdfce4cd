package proxyrotator

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	recordDelimiter = ","
	recordFields    = 5 // address,region,instanceId,activatedAt,deactivatedAt
)

// LoadFleet parses the durable record format into a Fleet. Every loaded record
// is active. Zero timestamps are normalized to now.
func LoadFleet(r io.Reader, now func() time.Time) (*Fleet, error) {
	var (
		fleet   = NewFleet(now)
		scanner = bufio.NewScanner(r)
		lineNum = 0
	)

	for scanner.Scan() {
		lineNum++
		var line = strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var record, err = parseRecord(line, fleet.timestamp())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		fleet.put(record, true)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read proxy records: %w", err)
	}

	return fleet, nil
}

// Persist writes the fleet in the durable record format. Inactive records are
// written only when includeDisabled is set.
func (f *Fleet) Persist(w io.Writer, includeDisabled bool) error {
	var bw = bufio.NewWriter(w)
	for _, address := range f.order {
		var entry = f.entries[address]
		if !entry.active && !includeDisabled {
			continue
		}
		if _, err := bw.WriteString(formatRecord(entry.record) + "\n"); err != nil {
			return fmt.Errorf("failed to write proxy record: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush proxy records: %w", err)
	}
	return nil
}

func formatRecord(p ProxyRecord) string {
	return strings.Join([]string{
		p.Address,
		strconv.Itoa(int(p.Region)),
		p.InstanceID,
		strconv.FormatInt(p.ActivatedAt.Unix(), 10),
		strconv.FormatInt(p.DeactivatedAt.Unix(), 10),
	}, recordDelimiter)
}

func parseRecord(line string, now time.Time) (ProxyRecord, error) {
	var fields = strings.Split(line, recordDelimiter)
	if len(fields) != recordFields {
		return ProxyRecord{}, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformedRecord, recordFields, len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	if fields[0] == "" {
		return ProxyRecord{}, fmt.Errorf("%w: empty address", ErrMalformedRecord)
	}

	region, err := strconv.Atoi(fields[1])
	if err != nil || region < 0 {
		return ProxyRecord{}, fmt.Errorf("%w: invalid region %q", ErrMalformedRecord, fields[1])
	}

	activatedAt, err := parseTimestamp(fields[3], now)
	if err != nil {
		return ProxyRecord{}, fmt.Errorf("%w: invalid activated_at: %v", ErrMalformedRecord, err)
	}

	deactivatedAt, err := parseTimestamp(fields[4], now)
	if err != nil {
		return ProxyRecord{}, fmt.Errorf("%w: invalid deactivated_at: %v", ErrMalformedRecord, err)
	}

	return ProxyRecord{
		Address:       fields[0],
		Region:        RegionID(region),
		InstanceID:    fields[2],
		ActivatedAt:   activatedAt,
		DeactivatedAt: deactivatedAt,
	}, nil
}

// parseTimestamp accepts integer or decimal Unix seconds. Zero means now.
func parseTimestamp(field string, now time.Time) (time.Time, error) {
	var seconds, err = strconv.ParseFloat(field, 64)
	if err != nil {
		return time.Time{}, err
	}
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 || seconds >= math.MaxInt64 {
		return time.Time{}, fmt.Errorf("out of range: %s", field)
	}

	var truncated = int64(seconds)
	if truncated == 0 {
		return now, nil
	}
	return time.Unix(truncated, 0), nil
}
