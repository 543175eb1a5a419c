package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/incrementventures/adt-studio-sub000/internal/api"
	"github.com/incrementventures/adt-studio-sub000/internal/cache"
	"github.com/incrementventures/adt-studio-sub000/internal/config"
	"github.com/incrementventures/adt-studio-sub000/internal/queue"
	"github.com/incrementventures/adt-studio-sub000/internal/storage"
	"github.com/incrementventures/adt-studio-sub000/internal/studio"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <label> <file.pdf>",
	Short: "Import a PDF into a book on the running server",
	Long: `Import a PDF into a book on the running server. Extraction cascades
into metadata and one page pipeline per page.

Examples:
  adt import moby ./moby-dick.pdf
  adt import moby ./moby-dick.pdf --start-page 3 --end-page 40 --watch`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		label := args[0]
		if err := storage.ValidateLabel(label); err != nil {
			return err
		}
		path, err := filepath.Abs(args[1])
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("reading pdf: %w", err)
		}
		start, _ := cmd.Flags().GetInt("start-page")
		end, _ := cmd.Flags().GetInt("end-page")
		watch, _ := cmd.Flags().GetBool("watch")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/books/"+label+"/import", api.ImportRequest{Path: path, StartPage: start, EndPage: end})
		if err != nil {
			return err
		}
		var job queue.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printSuccess("Queued extract job %d for %s", job.ID, label)
		if !watch {
			return nil
		}
		return watchUntilIdle(cmd.Context(), client, label)
	},
}

func init() {
	importCmd.Flags().Int("start-page", 0, "first page to extract (1-indexed)")
	importCmd.Flags().Int("end-page", 0, "last page to extract (inclusive)")
	importCmd.Flags().Bool("watch", false, "follow the jobs until the queue is idle")
}

// --- process ---

var processCmd = &cobra.Command{
	Use:   "process <label>",
	Short: "Run the pipeline for a book in this process",
	Long: `Run the pipeline for a book in this process, without a server.
With --pdf the file is extracted first; otherwise the book must already be
extracted. With --page only that page is processed.

Examples:
  adt process moby --pdf ./moby-dick.pdf
  adt process moby --page pg012
  adt process moby --page pg012 --rerender`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pdf, _ := cmd.Flags().GetString("pdf")
		page, _ := cmd.Flags().GetString("page")
		rerender, _ := cmd.Flags().GetBool("rerender")
		start, _ := cmd.Flags().GetInt("start-page")
		end, _ := cmd.Flags().GetInt("end-page")
		return runProcess(args[0], processOptions{PDF: pdf, Page: page, Rerender: rerender, StartPage: start, EndPage: end})
	},
}

func init() {
	processCmd.Flags().String("pdf", "", "PDF to extract before processing")
	processCmd.Flags().String("page", "", "process a single page id, e.g. pg001")
	processCmd.Flags().Bool("rerender", false, "with --page, render the page's sections again")
	processCmd.Flags().Int("start-page", 0, "with --pdf, first page to extract")
	processCmd.Flags().Int("end-page", 0, "with --pdf, last page to extract")
}

type processOptions struct {
	PDF       string
	Page      string
	Rerender  bool
	StartPage int
	EndPage   int
}

func runProcess(label string, opts processOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := studio.New(ctx, cfg, studio.WithLogger(logger))
	if err != nil {
		return err
	}
	defer svc.Close()

	progress := newJobProgress(os.Stderr)
	unsubscribe := svc.Queue.Subscribe(progress.Handle)
	defer unsubscribe()

	switch {
	case opts.PDF != "":
		printStep("Importing %s into %s", opts.PDF, label)
		_, err = svc.ImportBook(label, opts.PDF, opts.StartPage, opts.EndPage)
	case opts.Page != "" && opts.Rerender:
		_, err = svc.Enqueue(queue.Request{Kind: queue.KindWebRendering, Label: label, Params: queue.WebRenderingParams{PageID: opts.Page}})
	case opts.Page != "":
		_, err = svc.Enqueue(queue.Request{Kind: queue.KindPagePipeline, Label: label, Params: queue.PagePipelineParams{PageID: opts.Page}})
	default:
		_, err = svc.Process(label)
	}
	if err != nil {
		return err
	}

	if err := svc.Queue.WaitIdle(ctx); err != nil {
		progress.Finish()
		return fmt.Errorf("interrupted: %w", err)
	}
	failed := progress.Finish()
	for _, j := range failed {
		printError("%s %s: %s", j.Kind, jobSubject(j), j.Error)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d job(s) failed", len(failed))
	}
	printSuccess("Processed %s", label)
	return nil
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job queue of the running server",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retained jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		if label != "" {
			q.Set("label", label)
		}
		if status != "" {
			q.Set("status", status)
		}
		path := "/jobs"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var jobs []queue.Job
		if err := decodeJSON(resp, &jobs); err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs.")
			return nil
		}
		writeJobTable(os.Stdout, jobs)
		return nil
	},
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow job events",
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return client.streamEvents(ctx, func(ev queue.Event) bool {
			printEvent(os.Stdout, ev, label)
			return true
		})
	},
}

func init() {
	jobsListCmd.Flags().String("label", "", "only jobs of this book")
	jobsListCmd.Flags().String("status", "", "only jobs with this status")
	jobsWatchCmd.Flags().String("label", "", "only events of this book")
	jobsCmd.AddCommand(jobsListCmd, jobsWatchCmd)
}

func writeJobTable(w io.Writer, jobs []queue.Job) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSUBJECT\tSTATUS\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", j.ID, j.Kind, jobSubject(j),
			colorize(statusColor(string(j.Status)), string(j.Status)), j.Error)
	}
	tw.Flush()
}

func printEvent(w io.Writer, ev queue.Event, label string) {
	switch ev.Type {
	case queue.EventStats:
		if label == "" && ev.Stats != nil {
			fmt.Fprintf(w, "%s %d queued, %d running\n", colorize(bold, "queue"), ev.Stats.Queued, ev.Stats.Running)
		}
	case queue.EventJob:
		j := ev.Job
		if j == nil || (label != "" && j.Label != label) {
			return
		}
		line := fmt.Sprintf("%s #%d %s %s", colorize(statusColor(string(j.Status)), string(j.Status)), j.ID, j.Kind, jobSubject(*j))
		if j.Progress != nil && j.Progress.Message != "" && !j.Status.Terminal() {
			line += " " + j.Progress.Message
		}
		if j.Error != "" {
			line += ": " + j.Error
		}
		fmt.Fprintln(w, line)
	}
}

// watchUntilIdle follows events until the queue has nothing queued or
// running after at least one event for label.
func watchUntilIdle(ctx context.Context, client *apiClient, label string) error {
	progress := newJobProgress(os.Stderr)
	sawJob := false
	err := client.streamEvents(ctx, func(ev queue.Event) bool {
		if ev.Job != nil && ev.Job.Label == label {
			sawJob = true
			progress.Handle(ev)
		}
		if ev.Stats != nil && sawJob && ev.Stats.Queued == 0 && ev.Stats.Running == 0 {
			return false
		}
		return true
	})
	failed := progress.Finish()
	if err != nil {
		return err
	}
	for _, j := range failed {
		printError("%s %s: %s", j.Kind, jobSubject(j), j.Error)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d job(s) failed", len(failed))
	}
	printSuccess("Queue idle")
	return nil
}

// --- book ---

var bookCmd = &cobra.Command{
	Use:   "book",
	Short: "Manage books",
}

var bookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List books",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/books")
		if err != nil {
			return err
		}
		var books []storage.BookInfo
		if err := decodeJSON(resp, &books); err != nil {
			return err
		}
		if len(books) == 0 {
			fmt.Println("No books.")
			return nil
		}
		for _, b := range books {
			if b.Deleted {
				fmt.Printf("%s %s\n", b.Label, colorize(yellow, "(deleted)"))
				continue
			}
			fmt.Println(b.Label)
		}
		return nil
	},
}

var bookDeleteCmd = &cobra.Command{
	Use:   "delete <label>",
	Short: "Soft-delete a book",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/books/"+args[0])
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

var bookUndeleteCmd = &cobra.Command{
	Use:   "undelete <label>",
	Short: "Restore a soft-deleted book",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/books/"+args[0]+"/undelete", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Restored %s", args[0])
		return nil
	},
}

func init() {
	bookCmd.AddCommand(bookListCmd, bookDeleteCmd, bookUndeleteCmd)
}

// --- node ---

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Read stored stage outputs",
}

var nodeShowCmd = &cobra.Command{
	Use:   "show <label> <node> <item>",
	Short: "Print the latest (or a given) version of a stage output",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetInt("version")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/books/%s/nodes/%s/%s", args[0], args[1], args[2])
		if version > 0 {
			path += "/versions/" + strconv.Itoa(version)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var node api.NodeResponse
		if err := decodeJSON(resp, &node); err != nil {
			return err
		}
		return printJSON(os.Stdout, node)
	},
}

var nodeVersionsCmd = &cobra.Command{
	Use:   "versions <label> <node> <item>",
	Short: "List the stored versions of a stage output",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/books/%s/nodes/%s/%s/versions", args[0], args[1], args[2]))
		if err != nil {
			return err
		}
		var result struct {
			Versions []int `json:"versions"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if len(result.Versions) == 0 {
			fmt.Println("No versions.")
			return nil
		}
		for _, v := range result.Versions {
			fmt.Println(v)
		}
		return nil
	},
}

func init() {
	nodeShowCmd.Flags().Int("version", 0, "version to show (default latest)")
	nodeCmd.AddCommand(nodeShowCmd, nodeVersionsCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(bold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the model response cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached model response",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := studio.NewCacheStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		if c, ok := store.(io.Closer); ok {
			defer c.Close()
		}
		if err := cache.New(store).Clear(cmd.Context()); err != nil {
			return err
		}
		printSuccess("Cache cleared")
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
}
