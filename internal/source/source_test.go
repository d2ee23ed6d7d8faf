package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/stagetree/internal/client"
	"github.com/agentic-research/stagetree/internal/stage"
)

func TestDir_Stage(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "stage/studyA/run1/r1.fastq", []byte("@r1"), 0o644))
	require.NoError(t, util.WriteFile(fs, "stage/studyA/run2/r2.fastq", []byte("@r2"), 0o644))
	require.NoError(t, util.WriteFile(fs, "stage/loose.vcf", []byte("##"), 0o644))
	require.NoError(t, fs.MkdirAll("stage/empty", 0o755))

	d := &Dir{FS: fs, Root: "stage"}
	m, warnings, err := d.Stage(context.Background())
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, []string{"empty", "loose.vcf", "studyA"}, m.Keys())

	loose, _ := m.Get("loose.vcf")
	assert.True(t, loose.IsLeaf())
	assert.Equal(t, int64(2), loose.Attrs["size"])
	assert.Equal(t, "loose.vcf", loose.Attrs["path"])

	studyA, _ := m.Get("studyA")
	run1, ok := studyA.Objects.Get("run1")
	require.True(t, ok)
	r1, _ := run1.Objects.Get("r1.fastq")
	assert.Equal(t, "studyA/run1/r1.fastq", r1.Attrs["path"])

	forest := stage.Tree(m, stage.LevelStudy)
	require.Len(t, forest, 1)
	assert.Equal(t, "studyA", forest[0].Name)
	assert.Equal(t, stage.SchemaStudy, forest[0].Schema)
}

func TestDir_MissingRoot(t *testing.T) {
	d := &Dir{FS: memfs.New(), Root: "nope"}
	_, _, err := d.Stage(context.Background())
	assert.Error(t, err)
}

type fakeLister struct {
	pages [][]types.Object
	err   error
	calls int
}

func (f *fakeLister) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.err != nil {
		return nil, f.err
	}
	i := 0
	if in.ContinuationToken != nil {
		i = 1
	}
	f.calls++
	out := &s3.ListObjectsV2Output{Contents: f.pages[i]}
	if i+1 < len(f.pages) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String("next")
	}
	return out, nil
}

func object(key string, size int64) types.Object {
	return types.Object{
		Key:          aws.String(key),
		Size:         aws.Int64(size),
		LastModified: aws.Time(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		ETag:         aws.String(`"abc"`),
	}
}

func TestS3_Stage(t *testing.T) {
	lister := &fakeLister{pages: [][]types.Object{
		{
			object("stage/", 0),
			object("stage/dsA/a.bam", 10),
			object("stage/dsA/b.bam", 11),
			object("stage/hollow/", 0),
		},
		{
			object("stage/studyB/run1/x.vcf", 5),
			object("stage/top.txt", 1),
		},
	}}

	s := &S3{Client: lister, Bucket: "portal", Prefix: "stage"}
	m, _, err := s.Stage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, lister.calls)
	assert.Equal(t, []string{"dsA", "hollow", "studyB", "top.txt"}, m.Keys())

	dsA, _ := m.Get("dsA")
	assert.Equal(t, []string{"a.bam", "b.bam"}, dsA.Objects.Keys())
	b, _ := dsA.Objects.Get("b.bam")
	assert.Equal(t, int64(11), b.Attrs["size"])
	assert.Equal(t, "abc", b.Attrs["etag"])

	hollow, _ := m.Get("hollow")
	assert.Equal(t, 0, hollow.Objects.Len())

	forest := stage.Tree(m, stage.LevelDataset)
	var got []string
	for _, c := range forest {
		got = append(got, c.Name+":"+string(c.Schema))
	}
	assert.Equal(t, []string{"dsA:dataset", "studyB:study", "top.txt:file"}, got)
}

func TestS3_ListError(t *testing.T) {
	s := &S3{Client: &fakeLister{err: errors.New("denied")}, Bucket: "b"}
	_, _, err := s.Stage(context.Background())
	assert.ErrorContains(t, err, "denied")
}

func TestFile_Stage(t *testing.T) {
	dir := t.TempDir()

	t.Run("enveloped", func(t *testing.T) {
		path := filepath.Join(dir, "resp.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"Response": {"data": {"b": {"object_type": "dataobject"}, "a": {"object_type": "dataobject"}}, "errors": ["stale"]}}`), 0o644))
		env, err := client.NewEnvelope("$.Response.data", "$.Response.errors")
		require.NoError(t, err)

		m, warnings, err := (&File{Path: path, Envelope: env}).Stage(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, m.Keys())
		assert.Equal(t, []string{"stale"}, warnings)
	})

	t.Run("bare", func(t *testing.T) {
		path := filepath.Join(dir, "bare.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"x": {"object_type": "collection"}}`), 0o644))

		m, _, err := (&File{Path: path}).Stage(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, m.Len())
	})

	t.Run("missing", func(t *testing.T) {
		_, _, err := (&File{Path: filepath.Join(dir, "none.json")}).Stage(context.Background())
		assert.Error(t, err)
	})
}

type fakeGetter struct {
	m   *stage.Mapping
	err error
}

func (f fakeGetter) GetStage(context.Context) (*stage.Mapping, []string, error) {
	return f.m, []string{"w"}, f.err
}

func TestHTTP_Stage(t *testing.T) {
	m, warnings, err := (&HTTP{Client: fakeGetter{m: stage.NewMapping()}}).Stage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, []string{"w"}, warnings)

	_, _, err = (&HTTP{Client: fakeGetter{err: errors.New("offline")}}).Stage(context.Background())
	assert.ErrorContains(t, err, "get stage: offline")
}

func TestInsert_LeafThenDirectory(t *testing.T) {
	root := stage.NewMapping()
	assert.Empty(t, insert(root, "a", stage.Leaf(nil)))
	assert.Equal(t, "object a dropped: it is also a directory prefix", insert(root, "a/b", stage.Leaf(nil)))
	assert.Empty(t, insert(root, "a/c", stage.Leaf(nil)))

	a, _ := root.Get("a")
	assert.False(t, a.IsLeaf())
	assert.Equal(t, []string{"b", "c"}, a.Objects.Keys())
}

func TestInsert_LeafOnDirectory(t *testing.T) {
	root := stage.NewMapping()
	assert.Empty(t, insert(root, "d/", nil))
	assert.Equal(t, "object d dropped: a directory of the same name exists", insert(root, "d", stage.Leaf(nil)))

	d, _ := root.Get("d")
	assert.False(t, d.IsLeaf())
}

func TestS3_ObjectShadowedByPrefix(t *testing.T) {
	lister := &fakeLister{pages: [][]types.Object{{
		object("stage/run1", 3),
		object("stage/run1/r.fq", 7),
		object("stage/run2/s.fq", 8),
	}}}

	s := &S3{Client: lister, Bucket: "portal", Prefix: "stage/"}
	m, warnings, err := s.Stage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"object run1 dropped: it is also a directory prefix"}, warnings)

	run1, _ := m.Get("run1")
	require.False(t, run1.IsLeaf())
	assert.Equal(t, []string{"r.fq"}, run1.Objects.Keys())
}
