package main

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/gcs-go/internal/gcs"
	"github.com/tonimelisma/gcs-go/internal/transfer"
)

// catChunkSize bounds each read of the cat streaming cursor.
const catChunkSize = 1 << 20

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls [gs://bucket/prefix | prefix]",
		Short: "List objects",
		Long: `List objects under a prefix. Without --recursive, names are grouped at
the next "/" and shown as directories.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runLs,
	}

	cmd.Flags().BoolP("recursive", "r", false, "list all objects under the prefix")

	return cmd
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <object>",
		Short: "Display object metadata",
		Args:  cobra.ExactArgs(1),
		RunE:  runStat,
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <object>",
		Short: "Write an object's content to stdout",
		Args:  cobra.ExactArgs(1),
		RunE:  runCat,
	}
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <object>...",
		Short: "Delete objects",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRm,
	}

	cmd.Flags().BoolP("force", "f", false, "ignore objects that do not exist")

	return cmd
}

func newComposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compose <destination> <source>...",
		Short: "Concatenate objects of one bucket into a new object",
		Args:  cobra.MinimumNArgs(2), //nolint:mnd // destination plus at least one source
		RunE:  runCompose,
	}

	cmd.Flags().String("content-type", "", "content type of the composed object")

	return cmd
}

// objectJSON is the JSON output schema for object metadata.
type objectJSON struct {
	Bucket       string            `json:"bucket"`
	Name         string            `json:"name"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type,omitempty"`
	Generation   int64             `json:"generation,omitempty"`
	StorageClass string            `json:"storage_class,omitempty"`
	MD5          string            `json:"md5,omitempty"`
	CRC32C       string            `json:"crc32c,omitempty"`
	Updated      string            `json:"updated,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func toObjectJSON(o *gcs.Object) objectJSON {
	sums := transfer.RemoteChecksums(o)

	out := objectJSON{
		Bucket:       o.Bucket,
		Name:         o.Name,
		Size:         o.Size,
		ContentType:  o.ContentType,
		Generation:   o.Generation,
		StorageClass: o.StorageClass,
		MD5:          sums.MD5,
		CRC32C:       sums.CRC32C,
		Metadata:     o.Metadata,
	}

	if !o.Updated.IsZero() {
		out.Updated = o.Updated.UTC().Format(time.RFC3339)
	}

	return out
}

type lsJSON struct {
	Objects  []objectJSON `json:"objects"`
	Prefixes []string     `json:"prefixes,omitempty"`
}

func runLs(cmd *cobra.Command, args []string) error {
	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}

	ref, err := parseRef(arg, defaultBucket())
	if err != nil {
		return err
	}

	recursive, _ := cmd.Flags().GetBool("recursive")

	q := gcs.Query{Prefix: ref.Name}
	if !recursive {
		q.Delimiter = "/"
	}

	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	s.logger.Debug("ls", slog.String("bucket", ref.Bucket), slog.String("prefix", ref.Name), slog.Bool("recursive", recursive))

	list, err := s.storage.ListObjects(cmd.Context(), ref.Bucket, q)
	if err != nil {
		return fmt.Errorf("listing %s: %w", ref, err)
	}

	if flagJSON {
		out := lsJSON{Objects: make([]objectJSON, 0, len(list.Objects)), Prefixes: list.Prefixes}
		for i := range list.Objects {
			out.Objects = append(out.Objects, toObjectJSON(&list.Objects[i]))
		}

		return printJSON(os.Stdout, out)
	}

	printTable(os.Stdout, []string{"NAME", "SIZE", "UPDATED"}, listingRows(list))

	return nil
}

// listingRows renders prefixes first, then objects.
func listingRows(list *gcs.ObjectList) [][]string {
	rows := make([][]string, 0, len(list.Prefixes)+len(list.Objects))

	for _, p := range list.Prefixes {
		rows = append(rows, []string{p, "-", "-"})
	}

	for i := range list.Objects {
		o := &list.Objects[i]
		rows = append(rows, []string{o.Name, formatSize(o.Size), formatTime(o.Updated)})
	}

	return rows
}

func runStat(cmd *cobra.Command, args []string) error {
	ref, err := parseObjectRef(args[0], defaultBucket())
	if err != nil {
		return err
	}

	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	obj, err := s.storage.GetObject(cmd.Context(), ref.Bucket, ref.Name)
	if err != nil {
		return fmt.Errorf("stat %s: %w", ref, err)
	}

	out := toObjectJSON(obj)
	if flagJSON {
		return printJSON(os.Stdout, out)
	}

	rows := [][]string{
		{"Name:", ref.String()},
		{"Size:", fmt.Sprintf("%s (%d bytes)", formatSize(out.Size), out.Size)},
		{"Type:", out.ContentType},
		{"Class:", out.StorageClass},
		{"Generation:", strconv.FormatInt(out.Generation, 10)},
		{"MD5:", out.MD5},
		{"CRC32C:", out.CRC32C},
		{"Updated:", out.Updated},
	}

	for _, k := range slices.Sorted(maps.Keys(out.Metadata)) {
		rows = append(rows, []string{"Metadata:", k + "=" + out.Metadata[k]})
	}

	for _, row := range rows {
		if row[1] != "" {
			fmt.Fprintf(os.Stdout, "%-12s %s\n", row[0], row[1])
		}
	}

	return nil
}

func runCat(cmd *cobra.Command, args []string) error {
	ref, err := parseObjectRef(args[0], defaultBucket())
	if err != nil {
		return err
	}

	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := s.storage.NewReader(cmd.Context(), ref.Bucket, ref.Name)
	if err != nil {
		return fmt.Errorf("opening %s: %w", ref, err)
	}
	defer r.Close()

	for {
		chunk, exhausted, err := r.ReadChunk(catChunkSize)
		if err != nil {
			return fmt.Errorf("reading %s: %w", ref, err)
		}

		if _, err := os.Stdout.Write(chunk); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}

		if exhausted {
			return nil
		}
	}
}

func runRm(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	refs := make([]objectRef, 0, len(args))
	for _, arg := range args {
		ref, err := parseObjectRef(arg, defaultBucket())
		if err != nil {
			return err
		}

		refs = append(refs, ref)
	}

	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	for _, ref := range refs {
		err := s.storage.DeleteObject(cmd.Context(), ref.Bucket, ref.Name)

		switch {
		case err == nil:
			statusf("Deleted %s\n", ref)
		case force && errors.Is(err, gcs.ErrNotFound):
			s.logger.Debug("rm: object already absent", slog.String("object", ref.String()))
		default:
			return fmt.Errorf("deleting %s: %w", ref, err)
		}
	}

	return nil
}

func runCompose(cmd *cobra.Command, args []string) error {
	dst, err := parseObjectRef(args[0], defaultBucket())
	if err != nil {
		return err
	}

	sources := make([]string, 0, len(args)-1)

	for _, arg := range args[1:] {
		src, err := parseObjectRef(arg, dst.Bucket)
		if err != nil {
			return err
		}

		if src.Bucket != dst.Bucket {
			return fmt.Errorf("compose source %s is not in bucket %q", src, dst.Bucket)
		}

		sources = append(sources, src.Name)
	}

	contentType, _ := cmd.Flags().GetString("content-type")

	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	obj, err := s.storage.Compose(cmd.Context(), dst.Bucket, dst.Name, sources, contentType)
	if err != nil {
		return fmt.Errorf("composing %s: %w", dst, err)
	}

	if flagJSON {
		return printJSON(os.Stdout, toObjectJSON(obj))
	}

	statusf("Composed %s (%s) from %d objects\n", dst, formatSize(obj.Size), len(sources))

	return nil
}
