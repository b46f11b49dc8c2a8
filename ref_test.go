package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		arg, bucket string
		want        objectRef
	}{
		{"gs://bkt/dir/obj.txt", "", objectRef{"bkt", "dir/obj.txt"}},
		{"gs://bkt", "", objectRef{"bkt", ""}},
		{"gs://bkt/", "other", objectRef{"bkt", ""}},
		{"dir/obj", "dflt", objectRef{"dflt", "dir/obj"}},
		{"/obj", "dflt", objectRef{"dflt", "obj"}},
		{"", "dflt", objectRef{"dflt", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := parseRef(tt.arg, tt.bucket)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRef_NormalizesNFC(t *testing.T) {
	got, err := parseRef("gs://bkt/cafe\u0301", "")
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9", got.Name)
}

func TestParseRef_Errors(t *testing.T) {
	_, err := parseRef("gs:///obj", "")
	assert.ErrorContains(t, err, "missing bucket")

	_, err = parseRef("obj", "")
	assert.ErrorContains(t, err, "no bucket")
}

func TestParseObjectRef_RequiresName(t *testing.T) {
	for _, arg := range []string{"gs://bkt", "gs://bkt/dir/"} {
		_, err := parseObjectRef(arg, "")
		assert.Error(t, err, arg)
	}

	ref, err := parseObjectRef("gs://bkt/a", "")
	require.NoError(t, err)
	assert.Equal(t, "gs://bkt/a", ref.String())
}

func TestPlanUploads(t *testing.T) {
	t.Run("lone file uses base name", func(t *testing.T) {
		jobs, err := planUploads([]string{"/tmp/x/report.csv"}, "bkt")
		require.NoError(t, err)
		assert.Equal(t, []uploadJob{{local: "/tmp/x/report.csv", ref: objectRef{"bkt", "report.csv"}}}, jobs)
	})

	t.Run("explicit destination", func(t *testing.T) {
		jobs, err := planUploads([]string{"a.txt", "gs://bkt/renamed.txt"}, "")
		require.NoError(t, err)
		assert.Equal(t, []uploadJob{{local: "a.txt", ref: objectRef{"bkt", "renamed.txt"}}}, jobs)
	})

	t.Run("prefix destination", func(t *testing.T) {
		jobs, err := planUploads([]string{"a.txt", "gs://bkt/dir/"}, "")
		require.NoError(t, err)
		assert.Equal(t, "dir/a.txt", jobs[0].ref.Name)
	})

	t.Run("several files", func(t *testing.T) {
		jobs, err := planUploads([]string{"x/a.txt", "y/b.txt", "gs://bkt/in"}, "")
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "in/a.txt", jobs[0].ref.Name)
		assert.Equal(t, "in/b.txt", jobs[1].ref.Name)
	})

	t.Run("no bucket", func(t *testing.T) {
		_, err := planUploads([]string{"a.txt"}, "")
		assert.Error(t, err)
	})
}
