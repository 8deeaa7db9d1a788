package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"time"

	"meshprobe/internal/model"
)

// ReadCSV loads latency samples from a CSV file.
func ReadCSV(path string) ([]model.LatencySample, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.LatencySample, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]model.LatencySample, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(header) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		s := model.LatencySample{Timestamp: ts, NodeID: rec[1]}
		if rec[2] != "" {
			addr, err := netip.ParseAddr(rec[2])
			if err != nil {
				return nil, fmt.Errorf("invalid address at line %d: %w", i+1, err)
			}
			s.Address = addr
		}
		if rec[3] != "" {
			v, err := strconv.ParseFloat(rec[3], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid latency at line %d: %w", i+1, err)
			}
			s.LatencyMs = &v
		}
		items = append(items, s)
	}

	return items, nil
}
