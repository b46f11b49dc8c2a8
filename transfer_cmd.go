package main

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/gcs-go/internal/transfer"
)

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <object> [local-path]",
		Short: "Download an object to a file",
		Long: `Download an object. Content is written to <local-path>.partial and renamed
into place once its MD5 (or CRC32C) matches the object's.`,
		Args: cobra.RangeArgs(1, 2), //nolint:mnd // object plus optional local path
		RunE: runGet,
	}

	cmd.Flags().Bool("skip-verify", false, "do not compare the downloaded content's checksum")
	cmd.Flags().Bool("keep-mtime", false, "set the file's modification time to the object's")

	return cmd
}

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <local-path>... [destination]",
		Short: "Upload files",
		Long: `Upload one or more files. With several files, or a destination ending in
"/", each file is stored under the destination prefix by its base name.

Large files use resumable sessions that survive interruption: re-running the
same command continues where the previous attempt stopped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runPut,
	}

	cmd.Flags().String("content-type", "", "content type (detected from the extension when empty)")
	cmd.Flags().String("cache-control", "", "Cache-Control metadata")
	cmd.Flags().StringToString("metadata", nil, "custom metadata as key=value pairs")

	return cmd
}

func runGet(cmd *cobra.Command, args []string) error {
	ref, err := parseObjectRef(args[0], defaultBucket())
	if err != nil {
		return err
	}

	localPath := path.Base(ref.Name)
	if len(args) > 1 {
		localPath = args[1]
	}

	if info, statErr := os.Stat(localPath); statErr == nil && info.IsDir() {
		localPath = filepath.Join(localPath, path.Base(ref.Name))
	}

	skipVerify, _ := cmd.Flags().GetBool("skip-verify")
	keepMtime, _ := cmd.Flags().GetBool("keep-mtime")

	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	s.logger.Debug("get", slog.String("object", ref.String()), slog.String("local_path", localPath))

	ctx, stop := shutdownContext(cmd.Context(), s.logger)
	defer stop()

	res, err := s.transfers().DownloadFile(ctx, ref.Bucket, ref.Name, localPath, transfer.DownloadOpts{
		SkipVerify: skipVerify,
		KeepMtime:  keepMtime,
	})
	if err != nil {
		return fmt.Errorf("downloading %s: %w", ref, err)
	}

	statusf("Downloaded %s to %s (%s)\n", ref, localPath, formatSize(res.Size))

	return nil
}

// uploadJob is one file of a put invocation.
type uploadJob struct {
	local string
	ref   objectRef
}

// planUploads maps put arguments to upload jobs.
func planUploads(args []string, bucket string) ([]uploadJob, error) {
	locals := args
	dest := ""

	if len(args) > 1 {
		locals = args[:len(args)-1]
		dest = args[len(args)-1]
	}

	// A lone file goes to its base name in the default bucket.
	if dest == "" {
		ref, err := parseObjectRef(filepath.Base(locals[0]), bucket)
		if err != nil {
			return nil, err
		}

		return []uploadJob{{local: locals[0], ref: ref}}, nil
	}

	base, err := parseRef(dest, bucket)
	if err != nil {
		return nil, err
	}

	asPrefix := len(locals) > 1 || base.Name == "" || strings.HasSuffix(base.Name, "/")
	if asPrefix && base.Name != "" && !strings.HasSuffix(base.Name, "/") {
		base.Name += "/"
	}

	jobs := make([]uploadJob, 0, len(locals))

	for _, local := range locals {
		ref := base
		if asPrefix {
			ref.Name = base.Name + filepath.Base(local)
		}

		jobs = append(jobs, uploadJob{local: local, ref: ref})
	}

	return jobs, nil
}

func runPut(cmd *cobra.Command, args []string) error {
	jobs, err := planUploads(args, defaultBucket())
	if err != nil {
		return err
	}

	contentType, _ := cmd.Flags().GetString("content-type")
	cacheControl, _ := cmd.Flags().GetString("cache-control")
	metadata, _ := cmd.Flags().GetStringToString("metadata")

	opts := transfer.UploadOpts{
		ContentType:  contentType,
		CacheControl: cacheControl,
		Metadata:     metadata,
	}

	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	mgr := s.transfers()

	sigCtx, stop := shutdownContext(cmd.Context(), s.logger)
	defer stop()

	g, ctx := errgroup.WithContext(sigCtx)
	g.SetLimit(s.cfg.Transfers.ParallelUploads)

	for _, job := range jobs {
		g.Go(func() error {
			return putOne(ctx, mgr, job, opts)
		})
	}

	return g.Wait()
}

func putOne(ctx context.Context, mgr *transfer.Manager, job uploadJob, opts transfer.UploadOpts) error {
	if opts.ContentType == "" {
		opts.ContentType = mime.TypeByExtension(filepath.Ext(job.local))
	}

	res, err := mgr.UploadFile(ctx, job.ref.Bucket, job.ref.Name, job.local, opts)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", job.local, err)
	}

	verb := "Uploaded"
	if res.Resumed {
		verb = "Resumed and uploaded"
	}

	statusf("%s %s to %s (%s)\n", verb, job.local, job.ref, formatSize(res.Size))

	return nil
}
