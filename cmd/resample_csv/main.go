// Resample an OHLCV CSV to a coarser cadence, e.g. 5m bars into 15m bars.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"quantlab/services/market"
)

func main() {
	var (
		in     = flag.String("in", "", "Input CSV (timestamp,open,high,low,close,volume)")
		out    = flag.String("out", "", "Output CSV path")
		dst    = flag.String("dst", "15m", "Target cadence (e.g. 15m, 1h, 1d)")
		symbol = flag.String("symbol", "UNKNOWN", "Symbol label for the series")
	)
	flag.Parse()

	if *in == "" || *out == "" {
		fmt.Println("Error: -in and -out flags are required")
		flag.Usage()
		os.Exit(1)
	}

	targetMs, err := parseCadenceMs(*dst)
	if err != nil {
		log.Fatalf("Bad -dst: %v", err)
	}

	series, err := market.LoadCSV(*symbol, *in)
	if err != nil {
		log.Fatalf("Failed to load CSV: %v", err)
	}
	resampled, err := market.Resample(series, targetMs)
	if err != nil {
		log.Fatalf("Resample failed: %v", err)
	}

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create output: %v", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"timestamp", "open", "high", "low", "close", "volume"}); err != nil {
		log.Fatalf("Write header: %v", err)
	}
	for _, b := range resampled.Bars {
		rec := []string{
			strconv.FormatInt(b.Timestamp, 10),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
			b.Volume.String(),
		}
		if err := w.Write(rec); err != nil {
			log.Fatalf("Write row: %v", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Fatalf("Flush output: %v", err)
	}
	log.Printf("Resampled %d bars to %d bars (%s) -> %s", series.Len(), resampled.Len(), *dst, *out)
}

// parseCadenceMs understands Nm, Nmin, Nh, Nd, and plain minutes.
func parseCadenceMs(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	mult := int64(60 * 1000) // minutes
	switch {
	case strings.HasSuffix(s, "min"):
		s = strings.TrimSuffix(s, "min")
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "h"):
		s = strings.TrimSuffix(s, "h")
		mult = 60 * 60 * 1000
	case strings.HasSuffix(s, "d"):
		s = strings.TrimSuffix(s, "d")
		mult = 24 * 60 * 60 * 1000
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unsupported cadence %q", s)
	}
	return n * mult, nil
}
