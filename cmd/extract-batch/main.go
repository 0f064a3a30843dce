package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/bill-extractor/constants"
	"github.com/joseph-ayodele/bill-extractor/internal/client"
	"github.com/joseph-ayodele/bill-extractor/internal/common"
	"github.com/joseph-ayodele/bill-extractor/internal/entity"
	"github.com/joseph-ayodele/bill-extractor/internal/ingest"
)

var rootCmd = &cobra.Command{
	Use:   "extract-batch [files...]",
	Short: "Upload bills as one batch, wait for extraction and print the results",
	RunE:  run,
}

func main() {
	rootCmd.Flags().String("server", "http://localhost:8000", "extraction service base URL")
	rootCmd.Flags().String("dir", "", "directory to upload PDFs from")
	rootCmd.Flags().Duration("interval", 2*time.Second, "status poll interval")
	rootCmd.Flags().Duration("timeout", 30*time.Minute, "give up waiting after this long")
	rootCmd.Flags().String("out", "", "write an XLSX export of the results to this path")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	base, _ := cmd.Flags().GetString("server")
	dir, _ := cmd.Flags().GetString("dir")
	interval, _ := cmd.Flags().GetDuration("interval")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	out, _ := cmd.Flags().GetString("out")

	var docs []entity.Document
	if dir != "" {
		found, skipped, stats, err := ingest.Directory(dir, true)
		if err != nil {
			return err
		}
		for _, sk := range skipped {
			fmt.Fprintf(os.Stderr, "skipping %s: %s\n", sk.Path, sk.Err)
		}
		fmt.Printf("Found %d PDFs in %s (%d files scanned)\n", stats.Read, dir, stats.Scanned)
		docs = append(docs, found...)
	}
	explicit, err := ingest.Files(args)
	if err != nil {
		return err
	}
	docs = append(docs, explicit...)
	if len(docs) == 0 {
		return fmt.Errorf("no PDF files given: pass --dir or file paths")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := common.NewLogger(common.LogConfig{Level: "warn"})
	c := client.New(base, time.Minute, logger)

	sub, err := c.Submit(ctx, docs)
	if err != nil {
		return err
	}
	fmt.Printf("Submitted task %s (%d files)\n", sub.TaskID, sub.TotalFiles)

	task, err := c.Poll(ctx, sub.TaskID, interval, func(t *entity.Task) {
		fmt.Printf("\r%-10s %d/%d processed", t.Status, t.ProcessedFiles, t.TotalFiles)
	})
	fmt.Println()
	if err != nil {
		return err
	}

	res, err := c.Results(ctx, sub.TaskID)
	if err != nil {
		return err
	}
	printResults(task, res.Results)

	if out != "" {
		data, err := c.Export(ctx, sub.TaskID)
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		fmt.Printf("Wrote %s\n", out)
	}
	if task.Status == constants.TaskStatusFailed {
		return fmt.Errorf("task %s failed", task.ID)
	}
	return nil
}

func printResults(task *entity.Task, results []*entity.FileResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tSTATUS\tDETAIL")
	for _, r := range results {
		detail := ""
		switch {
		case r.ErrorMessage != nil:
			detail = *r.ErrorMessage
		case len(r.ExtractedData) > 0:
			detail = truncate(string(r.ExtractedData), 80)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Filename, r.Status, detail)
	}
	_ = w.Flush()
	fmt.Printf("Task %s %s: %d/%d processed, %d failed\n",
		task.ID, task.Status, task.ProcessedFiles, task.TotalFiles, task.FailedFiles)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
