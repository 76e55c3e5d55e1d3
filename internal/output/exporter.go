package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"meterlink/internal/model"
)

// CSVHeader is the column order of WriteCSV: identity columns followed by
// every reading field.
var CSVHeader = csvHeader()

func csvHeader() []string {
	h := []string{"id", "timestamp", "source"}
	for _, f := range model.Fields() {
		h = append(h, f.Name)
	}
	return h
}

// WriteJSON writes readings as an indented JSON array.
func WriteJSON(w io.Writer, readings []model.Reading) error {
	if readings == nil {
		readings = []model.Reading{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(readings); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// WriteCSV writes one row per reading. Not measured values are empty cells.
func WriteCSV(w io.Writer, readings []model.Reading) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	fields := model.Fields()
	for _, r := range readings {
		rec := []string{r.ID.String(), timeToRFC3339(r.Timestamp), r.Source.String()}
		for _, f := range fields {
			rec = append(rec, quantity(f.Get(r)))
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSONFile writes readings as JSON to path.
func WriteJSONFile(path string, readings []model.Reading) error {
	return writeFile(path, readings, WriteJSON)
}

// WriteCSVFile writes readings as CSV to path.
func WriteCSVFile(path string, readings []model.Reading) error {
	return writeFile(path, readings, WriteCSV)
}

// WriteFile picks the format from the extension: .csv or JSON otherwise.
func WriteFile(path string, readings []model.Reading) error {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return WriteCSVFile(path, readings)
	}
	return WriteJSONFile(path, readings)
}

func writeFile(path string, readings []model.Reading, write func(io.Writer, []model.Reading) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f, readings); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func quantity(q model.Quantity) string {
	v, ok := q.Value()
	if !ok {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func timeToRFC3339(t time.Time) string { return t.Format(time.RFC3339Nano) }
