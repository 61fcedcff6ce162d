package market

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// LoadCSV reads a kline CSV (timestamp_ms,open,high,low,close,volume) into a
// Series. Handles UTF-16 exports, BOMs, quoted fields, and a leading header
// row. Rows that fail to parse are skipped rather than aborting the load.
func LoadCSV(symbol, filename string) (*Series, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("market: open csv: %w", err)
	}
	defer file.Close()

	reader, err := decodedReader(file)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(reader)
	r.ReuseRecord = false
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	bars := make([]Bar, 0, 1_000)
	lineIndex := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			lineIndex++
			continue
		}
		if len(rec) < 6 {
			lineIndex++
			continue
		}

		if lineIndex == 0 && (strings.EqualFold(rec[0], "timestamp") || strings.EqualFold(rec[0], "timestamp_ms") || strings.EqualFold(rec[0], "open_time_ms")) {
			lineIndex++
			continue
		}

		tsStr := strings.TrimPrefix(strings.TrimSpace(rec[0]), "\ufeff")
		timestamp, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			lineIndex++
			continue
		}

		open, err1 := decimal.NewFromString(strings.TrimSpace(rec[1]))
		high, err2 := decimal.NewFromString(strings.TrimSpace(rec[2]))
		low, err3 := decimal.NewFromString(strings.TrimSpace(rec[3]))
		closeP, err4 := decimal.NewFromString(strings.TrimSpace(rec[4]))
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			lineIndex++
			continue
		}
		volume, err := decimal.NewFromString(strings.TrimSpace(rec[5]))
		if err != nil {
			volume = decimal.Zero
		}

		bars = append(bars, Bar{
			Timestamp: timestamp,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeP,
			Volume:    volume,
		})
		lineIndex++
	}

	return NewSeries(symbol, bars)
}

// decodedReader sniffs a UTF-16 BOM and wraps the file in a decoder when one
// is present. ClickHouse and spreadsheet exports disagree on encoding.
func decodedReader(file *os.File) (io.Reader, error) {
	br := bufio.NewReader(file)
	head, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("market: peek csv: %w", err)
	}
	if len(head) == 2 {
		if head[0] == 0xFF && head[1] == 0xFE {
			return transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()), nil
		}
		if head[0] == 0xFE && head[1] == 0xFF {
			return transform.NewReader(br, unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()), nil
		}
	}
	return br, nil
}
