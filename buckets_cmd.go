package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/gcs-go/internal/gcs"
)

func newBucketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "buckets [bucket]",
		Short: "List the project's buckets, or show one bucket",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runBuckets,
	}
}

type bucketJSON struct {
	Name         string `json:"name"`
	Location     string `json:"location"`
	StorageClass string `json:"storage_class"`
	Created      string `json:"created,omitempty"`
}

func toBucketJSON(b *gcs.Bucket) bucketJSON {
	out := bucketJSON{Name: b.Name, Location: b.Location, StorageClass: b.StorageClass}
	if !b.Created.IsZero() {
		out.Created = b.Created.UTC().Format(time.RFC3339)
	}

	return out
}

func runBuckets(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()

	if len(args) == 1 {
		b, err := s.storage.GetBucket(ctx, args[0])
		if err != nil {
			return fmt.Errorf("getting bucket %q: %w", args[0], err)
		}

		return printBuckets([]gcs.Bucket{*b})
	}

	if s.cfg.Storage.Project == "" {
		return errors.New("listing buckets needs a project: use --project or [storage] project")
	}

	s.logger.Debug("buckets", slog.String("project", s.cfg.Storage.Project))

	buckets, err := s.storage.ListBuckets(ctx, s.cfg.Storage.Project)
	if err != nil {
		return fmt.Errorf("listing buckets: %w", err)
	}

	return printBuckets(buckets)
}

func printBuckets(buckets []gcs.Bucket) error {
	if flagJSON {
		out := make([]bucketJSON, 0, len(buckets))
		for i := range buckets {
			out = append(out, toBucketJSON(&buckets[i]))
		}

		return printJSON(os.Stdout, out)
	}

	rows := make([][]string, 0, len(buckets))
	for i := range buckets {
		b := &buckets[i]
		rows = append(rows, []string{b.Name, b.Location, b.StorageClass, formatTime(b.Created)})
	}

	printTable(os.Stdout, []string{"NAME", "LOCATION", "CLASS", "CREATED"}, rows)

	return nil
}
