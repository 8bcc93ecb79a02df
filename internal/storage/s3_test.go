package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func newFakeS3Store(prefix string) (*S3Store, *fakeS3) {
	fake := &fakeS3{objects: make(map[string][]byte)}
	store := NewS3Store(S3Config{Bucket: "checkpoints", Prefix: prefix})
	store.client = fake
	return store, fake
}

func TestS3StoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, fake := newFakeS3Store("runs/exp-1")

	if err := Put(ctx, store, KindGenotype, "g1", checkpoint{Generation: 4}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := fake.objects["runs/exp-1/genotype/g1.json"]; !ok {
		t.Fatalf("expected object under prefixed key, got keys %v", fake.objects)
	}
	got, err := Get[checkpoint](ctx, store, KindGenotype, "g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Generation != 4 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestS3StoreMissingKeyIsNotFound(t *testing.T) {
	store, _ := newFakeS3Store("")
	_, err := store.Read(context.Background(), KindJob, "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestS3StoreListByKind(t *testing.T) {
	ctx := context.Background()
	store, _ := newFakeS3Store("")
	for _, id := range []string{"n2", "n1"} {
		if err := Put(ctx, store, KindNode, id, map[string]string{"name": id}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := Put(ctx, store, KindJob, "j1", map[string]string{}); err != nil {
		t.Fatalf("put job: %v", err)
	}
	records, err := store.List(ctx, KindNode)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].ID != "n1" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestS3StoreRequiresBucket(t *testing.T) {
	store := NewS3Store(S3Config{})
	if err := store.Init(context.Background()); err == nil {
		t.Fatal("expected missing bucket error")
	}
}
