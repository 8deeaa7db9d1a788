package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"meshprobe/internal/model"
)

var header = []string{
	"timestamp",
	"node_id",
	"address",
	"latency_ms",
}

// appendMu serializes appends from concurrent probes within this process.
var appendMu sync.Mutex

// WriteCSV writes samples to CSV with a fixed column order. An absent latency
// is written as an empty field.
func WriteCSV(w io.Writer, items []model.LatencySample) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// AppendCSV appends samples to path, writing the header only when the file is
// new or empty.
func AppendCSV(path string, items []model.LatencySample) error {
	appendMu.Lock()
	defer appendMu.Unlock()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func writeRecords(writer *csv.Writer, items []model.LatencySample) error {
	for _, s := range items {
		latency := ""
		if s.LatencyMs != nil {
			latency = strconv.FormatFloat(*s.LatencyMs, 'f', 3, 64)
		}
		addr := ""
		if s.Address.IsValid() {
			addr = s.Address.String()
		}
		record := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			s.NodeID,
			addr,
			latency,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}
