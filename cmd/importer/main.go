package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/zahidf/muezzin/internal/cache"
	"github.com/zahidf/muezzin/internal/config"
	"github.com/zahidf/muezzin/internal/local"
	"github.com/zahidf/muezzin/internal/observ"
	"github.com/zahidf/muezzin/internal/prayer"
	"github.com/zahidf/muezzin/internal/store"
	"github.com/zahidf/muezzin/internal/store/pgstore"
	"github.com/zahidf/muezzin/internal/store/redisstore"
	"github.com/zahidf/muezzin/internal/sync"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	file := flag.String("file", "", "timetable file to import (.json or .csv)")
	dryRun := flag.Bool("dry-run", false, "validate and report without writing anything")
	flag.Parse()

	if *file == "" {
		log.Fatal("-file is required")
	}

	records, err := parseFile(*file)
	if err != nil {
		log.Fatalf("parse %s: %v", *file, err)
	}
	log.Printf("parsed %d rows from %s", len(records), *file)

	clean, warnings := prayer.Normalize(records)
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}

	if *dryRun {
		log.Printf("dry run: %d of %d rows would be imported (%d warnings)",
			len(clean), len(records), len(warnings))
		return
	}
	if len(clean) == 0 {
		log.Fatal("no valid rows to import")
	}

	if err := importTimetable(records); err != nil {
		log.Fatalf("import: %v", err)
	}

	log.Printf("import complete (imported=%d, warnings=%d)", len(clean), len(warnings))
}

// importTimetable replaces the remote timetable with the parsed rows.
// The full stack is assembled so the local cache is written through in
// the same pass.
func importTimetable(records []prayer.Record) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer observ.Flush(logger)

	ls, err := local.NewStore(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}

	ctx := context.Background()
	var docs store.Store
	switch cfg.StoreDriver {
	case config.DriverRedis:
		docs, err = redisstore.New(ctx, redisstore.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, logger)
	case config.DriverPostgres:
		var pg *pgstore.Store
		pg, err = pgstore.New(ctx, pgstore.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		}, logger)
		if err == nil {
			if err = pg.Bootstrap(ctx); err != nil {
				return fmt.Errorf("bootstrap postgres schema: %w", err)
			}
			docs = pg
		}
	}
	if err != nil {
		return fmt.Errorf("connect to document store: %w", err)
	}
	defer docs.Close()

	ttable := cache.NewTimetable(ls, cache.Config{TTL: cfg.TimetableTTL()}, logger)
	mosque := cache.NewMosque(ls, cache.Config{TTL: cfg.MosqueTTL()}, logger)
	client := sync.New(docs, ttable, mosque, ls, logger)

	if _, err := client.ReplaceTimetable(ctx, records); err != nil {
		return err
	}
	return nil
}

func parseFile(path string) ([]prayer.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return parseJSON(f)
	case ".csv":
		return parseCSV(f)
	}
	return nil, fmt.Errorf("unsupported file extension %q (want .json or .csv)", filepath.Ext(path))
}

func parseJSON(r io.Reader) ([]prayer.Record, error) {
	var records []prayer.Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode JSON array: %w", err)
	}
	return records, nil
}

// parseCSV reads a timetable exported as CSV. The first row must be a
// header naming the columns; column order does not matter. Unknown
// columns are ignored so exports with extra bookkeeping fields load as
// is.
func parseCSV(r io.Reader) ([]prayer.Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header row: %w", err)
	}
	cols := make(map[int]string, len(header))
	for i, name := range header {
		cols[i] = strings.ToLower(strings.TrimSpace(name))
	}

	var records []prayer.Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		var rec prayer.Record
		for i, val := range row {
			setColumn(&rec, cols[i], strings.TrimSpace(val))
		}
		records = append(records, rec)
	}
	return records, nil
}

func setColumn(rec *prayer.Record, col, val string) {
	switch col {
	case "date":
		rec.Date = val
	case "fajr":
		rec.Fajr = val
	case "sunrise":
		rec.Sunrise = val
	case "dhuhr", "zuhr":
		rec.Dhuhr = val
	case "asr":
		rec.Asr = val
	case "maghrib":
		rec.Maghrib = val
	case "isha":
		rec.Isha = val
	case "fajr_jamah":
		rec.FajrJamah = val
	case "dhuhr_jamah", "zuhr_jamah":
		rec.DhuhrJamah = val
	case "asr_jamah":
		rec.AsrJamah = val
	case "maghrib_jamah":
		rec.MaghribJamah = val
	case "isha_jamah":
		rec.IshaJamah = val
	case "ramadan":
		rec.Ramadan = strings.EqualFold(val, "true") || val == "1"
	case "hijri_date":
		rec.HijriDate = val
	}
}
