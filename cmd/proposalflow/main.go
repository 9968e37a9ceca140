package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/draftforge/workflow"
	"github.com/fatih/color"
)

// proposalflow inspects and manages workflow threads in a file-backed
// checkpoint store. It is an operator tool: execution itself happens in the
// service that owns the step handlers.

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "list":
		err = runList(args[1:])
	case "show":
		err = runShow(args[1:])
	case "feedback":
		err = runFeedback(args[1:])
	case "delete":
		err = runDelete(args[1:])
	default:
		color.Red("Error: unknown command %q", args[0])
		usage()
		os.Exit(1)
	}
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `proposalflow - inspect and manage proposal workflow threads

Usage: %s <command> [options]

Commands:
  list      List threads in the store
  show      Show the latest state of a thread
  feedback  Attach a review decision to a paused thread
  delete    Remove a thread and its checkpoints

Run '%s <command> -h' for command options.

The store location defaults to ~/.draftforge/threads and can be overridden
with -dir on every command.
`, os.Args[0], os.Args[0])
}

func openStore(dir string) (workflow.Store, error) {
	store, err := workflow.NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	return workflow.NewRetryingStore(workflow.RetryingStoreOptions{
		Store:  store,
		Logger: workflow.NewLogger(slog.LevelWarn),
	}), nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dir := fs.String("dir", "", "Store directory")
	owner := fs.String("owner", "", "Only list threads for this owner")
	asJSON := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(*dir)
	if err != nil {
		return err
	}
	summaries, err := store.List(context.Background(), workflow.ThreadFilter{OwnerID: *owner})
	if err != nil {
		return err
	}

	if *asJSON {
		return json.NewEncoder(os.Stdout).Encode(summaries)
	}
	if len(summaries) == 0 {
		color.Yellow("No threads found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD\tOWNER\tPROPOSAL\tVERSION\tSIZE\tUPDATED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ThreadID, s.OwnerID, s.ProposalID, s.Version, s.Size,
			s.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	dir := fs.String("dir", "", "Store directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: show [options] <thread-id>")
	}
	threadID := fs.Arg(0)

	store, err := openStore(*dir)
	if err != nil {
		return err
	}
	checkpoint, err := store.Get(context.Background(), threadID)
	if err != nil {
		return err
	}
	if checkpoint == nil {
		return fmt.Errorf("thread %s not found", threadID)
	}

	status := workflow.InterruptStatusFromState(checkpoint.State)
	color.Cyan("Thread:  %s", checkpoint.ThreadID)
	color.White("Version: %d", checkpoint.Version)
	color.White("Step:    %s", checkpoint.Metadata.Step)
	color.White("Updated: %s", checkpoint.CreatedAt.Format(time.RFC3339))
	if status.IsInterrupted {
		color.Yellow("Paused at %q awaiting review", status.InterruptionPoint)
		if md, ok := workflow.InterruptMetadataFromState(checkpoint.State); ok {
			color.Yellow("  Reason:    %s", md.Reason)
			color.Yellow("  Reference: %s", md.ContentReference)
		}
	}

	data, err := json.MarshalIndent(checkpoint.State, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runFeedback(args []string) error {
	fs := flag.NewFlagSet("feedback", flag.ExitOnError)
	dir := fs.String("dir", "", "Store directory")
	kind := fs.String("type", "", "Feedback type: approve, revise, or regenerate")
	comments := fs.String("comments", "", "Revision instructions (for revise)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: feedback [options] -type <type> <thread-id>")
	}
	threadID := fs.Arg(0)

	feedbackType := workflow.FeedbackType(*kind)
	switch feedbackType {
	case workflow.FeedbackApprove, workflow.FeedbackRevise, workflow.FeedbackRegenerate:
	default:
		return fmt.Errorf("invalid feedback type %q", *kind)
	}

	store, err := openStore(*dir)
	if err != nil {
		return err
	}
	ctx := context.Background()
	checkpoint, err := store.Get(ctx, threadID)
	if err != nil {
		return err
	}
	if checkpoint == nil {
		return fmt.Errorf("thread %s not found", threadID)
	}
	status := workflow.InterruptStatusFromState(checkpoint.State)
	if !status.IsInterrupted {
		return fmt.Errorf("thread %s is not awaiting feedback", threadID)
	}

	// Attach the payload to state; the owning service resolves it on its
	// next run of the thread.
	payload := workflow.FeedbackPayload{
		Type:      feedbackType,
		Comments:  *comments,
		Timestamp: time.Now(),
	}
	updated := workflow.AttachFeedback(checkpoint, payload)
	if err := store.Put(ctx, updated); err != nil {
		return err
	}

	color.Green("Feedback %q recorded for thread %s (version %d)", *kind, threadID, updated.Version)
	return nil
}

func runDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	dir := fs.String("dir", "", "Store directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: delete [options] <thread-id>")
	}
	threadID := fs.Arg(0)

	store, err := openStore(*dir)
	if err != nil {
		return err
	}
	if err := store.Delete(context.Background(), threadID); err != nil {
		return err
	}
	color.Green("Deleted thread %s", threadID)
	return nil
}
