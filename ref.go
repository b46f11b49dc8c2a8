package main

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const gsScheme = "gs://"

// objectRef names one object (or a prefix, for listings).
type objectRef struct {
	Bucket string
	Name   string
}

func (r objectRef) String() string {
	return gsScheme + r.Bucket + "/" + r.Name
}

// parseRef accepts "gs://bucket/name" or a bare name in defaultBucket.
// Names are NFC-normalized so the same visible name always maps to the same
// object key.
func parseRef(arg, defaultBucket string) (objectRef, error) {
	if rest, ok := strings.CutPrefix(arg, gsScheme); ok {
		bucket, name, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return objectRef{}, fmt.Errorf("invalid object reference %q: missing bucket", arg)
		}

		return objectRef{Bucket: bucket, Name: norm.NFC.String(name)}, nil
	}

	if defaultBucket == "" {
		return objectRef{}, fmt.Errorf("no bucket for %q: use gs://bucket/name, --bucket, or [storage] bucket", arg)
	}

	return objectRef{Bucket: defaultBucket, Name: norm.NFC.String(strings.TrimPrefix(arg, "/"))}, nil
}

// parseObjectRef is parseRef for commands that need a concrete object.
func parseObjectRef(arg, defaultBucket string) (objectRef, error) {
	ref, err := parseRef(arg, defaultBucket)
	if err != nil {
		return objectRef{}, err
	}

	if ref.Name == "" || strings.HasSuffix(ref.Name, "/") {
		return objectRef{}, errors.New("object reference " + ref.String() + " does not name an object")
	}

	return ref, nil
}

// defaultBucket returns the configured bucket, or "" before config loads.
func defaultBucket() string {
	if resolvedCfg == nil {
		return ""
	}

	return resolvedCfg.Storage.Bucket
}
