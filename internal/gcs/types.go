package gcs

import (
	"encoding/base64"
	"encoding/binary"
	"log/slog"
	"time"

	storage "google.golang.org/api/storage/v1"
)

// Object is a stored object's metadata. Fields are normalized from the API
// resource; callers never see raw wire data.
type Object struct {
	Bucket             string
	Name               string
	Size               int64
	Generation         int64
	Metageneration     int64
	ContentType        string
	ContentEncoding    string
	ContentDisposition string
	CacheControl       string
	MD5                []byte // nil for composite objects
	CRC32C             uint32
	HasCRC32C          bool
	ETag               string
	StorageClass       string
	Metadata           map[string]string
	Created            time.Time
	Updated            time.Time
}

// Bucket is a bucket's metadata.
type Bucket struct {
	Name          string
	Location      string
	StorageClass  string
	ProjectNumber uint64
	Created       time.Time
	Updated       time.Time
}

// ObjectList is the merged result of all pages of an object listing.
type ObjectList struct {
	Objects  []Object
	Prefixes []string // "directories" when a delimiter is set
}

// objectFromAPI converts the wire resource. Undecodable hashes and
// timestamps are logged and left zero rather than failing the call.
func objectFromAPI(o *storage.Object, logger *slog.Logger) Object {
	obj := Object{
		Bucket:             o.Bucket,
		Name:               o.Name,
		Size:               int64(o.Size), //nolint:gosec // object sizes fit in int64
		Generation:         o.Generation,
		Metageneration:     o.Metageneration,
		ContentType:        o.ContentType,
		ContentEncoding:    o.ContentEncoding,
		ContentDisposition: o.ContentDisposition,
		CacheControl:       o.CacheControl,
		ETag:               o.Etag,
		StorageClass:       o.StorageClass,
		Metadata:           o.Metadata,
		Created:            parseTimestamp(o.TimeCreated, "timeCreated", o.Name, logger),
		Updated:            parseTimestamp(o.Updated, "updated", o.Name, logger),
	}

	if o.Md5Hash != "" {
		sum, err := base64.StdEncoding.DecodeString(o.Md5Hash)
		if err != nil {
			logger.Warn("ignoring undecodable md5Hash",
				slog.String("object", o.Name),
				slog.String("error", err.Error()),
			)
		} else {
			obj.MD5 = sum
		}
	}

	if o.Crc32c != "" {
		raw, err := base64.StdEncoding.DecodeString(o.Crc32c)
		if err == nil && len(raw) == 4 {
			obj.CRC32C = binary.BigEndian.Uint32(raw)
			obj.HasCRC32C = true
		} else {
			logger.Warn("ignoring undecodable crc32c",
				slog.String("object", o.Name),
			)
		}
	}

	return obj
}

// bucketFromAPI converts the wire resource. Some emulators omit name and
// only send id; the id is the bucket name in that case.
func bucketFromAPI(b *storage.Bucket, logger *slog.Logger) Bucket {
	name := b.Name
	if name == "" {
		name = b.Id
	}

	return Bucket{
		Name:          name,
		Location:      b.Location,
		StorageClass:  b.StorageClass,
		ProjectNumber: b.ProjectNumber,
		Created:       parseTimestamp(b.TimeCreated, "timeCreated", name, logger),
		Updated:       parseTimestamp(b.Updated, "updated", name, logger),
	}
}

func parseTimestamp(value, field, name string, logger *slog.Logger) time.Time {
	if value == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		logger.Warn("ignoring unparsable timestamp",
			slog.String("field", field),
			slog.String("name", name),
			slog.String("value", value),
		)

		return time.Time{}
	}

	return t
}
