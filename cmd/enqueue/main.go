package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/MimeLyc/media-pipeline/internal/config"
	"github.com/MimeLyc/media-pipeline/internal/jobs"
	"github.com/MimeLyc/media-pipeline/internal/library"
	"github.com/MimeLyc/media-pipeline/internal/mediaindex"
	"github.com/MimeLyc/media-pipeline/internal/persistence"
	"github.com/MimeLyc/media-pipeline/pkg/file"
	"github.com/MimeLyc/media-pipeline/pkg/log"
)

const usage = `usage: enqueue [flags] <action> [file...]

actions:
  create_image_finger  thumbnails for the given files, or every cached preview
  import               import the given staged files, or everything in upload/
  faces_find           face detection for the given files, or every indexed file
  retry_unknown        sweep failed and unscanned face detection
  upgrade_check        run the next media index upgrade step
  retry_failed         requeue every failed job
  list                 print jobs with the status given by -status

flags:
`

// Queue is the producer side of the job queue.
type Queue interface {
	Enqueue(ctx context.Context, payload jobs.Payload, priority jobs.Priority) (*jobs.Job, error)
	RetryFailed(ctx context.Context) (int, error)
	List(ctx context.Context, status jobs.Status) ([]*jobs.Job, error)
}

type options struct {
	action   string
	files    []string
	priority jobs.Priority
	since    time.Duration
	status   jobs.Status
	source   string
	dryRun   bool
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal("Failed to load .env: %v", err)
	}
	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.InitLogger(log.ParseLevel(cfg.System.LogLevel))

	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}

	store, err := persistence.NewSQLiteStore(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("Failed to open job store: %v", err)
	}
	defer store.Close()

	layout := library.Layout{StorageDir: cfg.Storage.StorageDir, CacheDir: cfg.Storage.CacheDir}
	failed, err := run(context.Background(), opts, layout, jobs.NewQueue(store), os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func parseArgs(args []string, errOut io.Writer) (options, error) {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.Usage = func() {
		fmt.Fprint(errOut, usage)
		fs.PrintDefaults()
	}

	var (
		opts     options
		priority string
		status   string
	)
	fs.StringVar(&priority, "priority", "normal", "job priority: normal or low")
	fs.DurationVar(&opts.since, "since", 0, "only files modified within this window (0 = all)")
	fs.StringVar(&status, "status", string(jobs.StatusFailed), "job status for the list action")
	fs.StringVar(&opts.source, "source", "", "directory to scan instead of the action default")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "print what would be enqueued")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return options{}, errors.New("must give action name as parameter")
	}

	p, err := jobs.ParsePriority(priority)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return options{}, err
	}
	opts.action = fs.Arg(0)
	opts.files = fs.Args()[1:]
	opts.priority = p
	opts.status = jobs.Status(status)
	return opts, nil
}

// run executes one action and returns the number of files that could not be
// enqueued. Per-file failures are reported and do not stop the batch.
func run(ctx context.Context, opts options, layout library.Layout, q Queue, out io.Writer) (int, error) {
	switch opts.action {
	case "retry_failed":
		n, err := q.RetryFailed(ctx)
		if err != nil {
			return 0, err
		}
		fmt.Fprintf(out, "Requeued %d failed jobs\n", n)
		return 0, nil
	case "list":
		list, err := q.List(ctx, opts.status)
		if err != nil {
			return 0, err
		}
		for _, j := range list {
			fmt.Fprintf(out, "%s\t%s\t%s\t%d\t%s\n", j.ID, j.Kind, j.Priority, j.Attempts, j.Error)
		}
		return 0, nil
	case string(jobs.KindRetryUnknown):
		return 0, enqueueOne(ctx, q, jobs.RetryUnknown{}, opts, out)
	case string(jobs.KindUpgradeCheck):
		return 0, enqueueOne(ctx, q, jobs.UpgradeCheck{}, opts, out)
	}

	kind := jobs.Kind(opts.action)
	files := opts.files
	if len(files) == 0 {
		var err error
		if files, err = defaultFiles(kind, opts, layout); err != nil {
			return 0, err
		}
	}

	fmt.Fprintf(out, "Enqueueing %d %s jobs\n", len(files), kind)
	failed := 0
	for _, f := range files {
		payload, err := jobs.NewFilePayload(kind, f)
		if err != nil {
			return 0, err
		}
		if err := enqueueOne(ctx, q, payload, opts, out); err != nil {
			fmt.Fprintf(out, "FAILED %s: %v\n", f, err)
			failed++
		}
	}
	fmt.Fprintf(out, "Done: %d enqueued, %d failed\n", len(files)-failed, failed)
	return failed, nil
}

func enqueueOne(ctx context.Context, q Queue, payload jobs.Payload, opts options, out io.Writer) error {
	if opts.dryRun {
		fmt.Fprintf(out, "would enqueue %s %+v\n", payload.Kind(), payload)
		return nil
	}
	_, err := q.Enqueue(ctx, payload, opts.priority)
	return err
}

// defaultFiles lists the files an action covers when none are given.
func defaultFiles(kind jobs.Kind, opts options, layout library.Layout) ([]string, error) {
	var dir string
	switch kind {
	case jobs.KindCreateImageFinger:
		dir = layout.ThumbnailDir("1920")
	case jobs.KindImport:
		dir = filepath.Join(layout.StorageDir, library.UploadDir)
	case jobs.KindFacesFind:
		if opts.source == "" {
			return mediaindex.New(layout.InfoDir()).AllMedia()
		}
	default:
		return nil, fmt.Errorf("unknown action %q", kind)
	}
	if opts.source != "" {
		dir = opts.source
	}

	log.Info("Reading dir: %s", dir)
	files, err := file.ListFiles(dir)
	if errors.Is(err, file.ErrNotFound) {
		return nil, fmt.Errorf("could not find the source folder %s", dir)
	}
	if err != nil {
		return nil, err
	}
	if opts.since <= 0 {
		return files, nil
	}
	return modifiedSince(dir, files, time.Now().Add(-opts.since))
}

func modifiedSince(dir string, files []string, after time.Time) ([]string, error) {
	recent, err := file.FindRecentAfter(dir, after)
	if err != nil {
		return nil, err
	}
	keep := make(map[string]struct{}, len(recent))
	for _, p := range recent {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			continue
		}
		keep[filepath.ToSlash(rel)] = struct{}{}
	}

	ret := make([]string, 0, len(keep))
	for _, f := range files {
		if _, ok := keep[f]; ok {
			ret = append(ret, f)
		}
	}
	sort.Strings(ret)
	return ret, nil
}
