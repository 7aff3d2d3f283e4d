package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/runinator/runinator/internal/cron"
	"github.com/runinator/runinator/internal/repository"
)

var importerCmd = &cobra.Command{
	Use:   "importer <file>",
	Short: "Bulk-load scheduled tasks from a CSV or JSON file",
	Long: `Reads a CSV or JSON file of {name, cron_schedule, action_name, action_function,
action_configuration, timeout_ms} rows and inserts them through the repository,
validating each row's cron_schedule before insert.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		repo, closeRepo, err := openRepository(cfg.Repository)
		if err != nil {
			return err
		}
		defer closeRepo()

		rows, err := readImportRows(args[0])
		if err != nil {
			return fmt.Errorf("failed to read import file: %w", err)
		}

		ctx := context.Background()
		inserted := 0
		for i, row := range rows {
			task, parseErr := row.toTask()
			if parseErr != nil {
				fmt.Fprintf(os.Stderr, "row %d (%s): %v\n", i+1, row.Name, parseErr)
				continue
			}
			if _, err := repo.InsertTask(ctx, task); err != nil {
				fmt.Fprintf(os.Stderr, "row %d (%s): insert failed: %v\n", i+1, row.Name, err)
				continue
			}
			inserted++
		}

		fmt.Printf("imported %d/%d task(s)\n", inserted, len(rows))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importerCmd)
}

// importRow mirrors the ScheduledTask fields an import file supplies;
// action_configuration travels as text rather than
// repository.ScheduledTask's byte slice. There is no enabled column:
// toTask enables every imported task.
type importRow struct {
	Name                string `json:"name"`
	CronSchedule        string `json:"cron_schedule"`
	ActionName          string `json:"action_name"`
	ActionFunction      string `json:"action_function"`
	ActionConfiguration string `json:"action_configuration"`
	TimeoutMs           int    `json:"timeout_ms"`
}

func boolPtr(b bool) *bool { return &b }

func (r importRow) toTask() (repository.ScheduledTask, error) {
	schedule, err := cron.Parse(r.CronSchedule)
	if err != nil {
		return repository.ScheduledTask{}, fmt.Errorf("invalid cron_schedule %q: %w", r.CronSchedule, err)
	}
	next := schedule.NextAfter(time.Now().UTC())

	task := repository.ScheduledTask{
		Name:                r.Name,
		CronSchedule:        r.CronSchedule,
		ActionName:          r.ActionName,
		ActionFunction:      r.ActionFunction,
		ActionConfiguration: []byte(r.ActionConfiguration),
		TimeoutMs:           r.TimeoutMs,
		NextExecution:       &next,
		Enabled:             boolPtr(true),
	}
	if err := task.Validate(); err != nil {
		return repository.ScheduledTask{}, err
	}
	return task, nil
}

func readImportRows(path string) ([]importRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var rows []importRow
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		return rows, nil
	case ".csv":
		return readImportCSV(data)
	default:
		return nil, fmt.Errorf("unsupported import file extension %q (want .csv or .json)", filepath.Ext(path))
	}
}

func readImportCSV(data []byte) ([]importRow, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(name)] = i
	}

	field := func(record []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var rows []importRow
	for _, record := range records[1:] {
		timeoutMs, _ := strconv.Atoi(field(record, "timeout_ms"))
		rows = append(rows, importRow{
			Name:                field(record, "name"),
			CronSchedule:        field(record, "cron_schedule"),
			ActionName:          field(record, "action_name"),
			ActionFunction:      field(record, "action_function"),
			ActionConfiguration: field(record, "action_configuration"),
			TimeoutMs:           timeoutMs,
		})
	}
	return rows, nil
}
