package archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeS3 struct {
	objects map[string][]byte
	headErr error
	lengths map[string]*int64
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, lengths: map[string]*int64{}}
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[k] = data
	f.lengths[k] = in.ContentLength
	return &manager.UploadOutput{}, nil
}

func TestS3Archive_Put(t *testing.T) {
	fake := newFakeS3()
	a := newS3Archive("media", "chandl", fake, fake)
	ctx := context.Background()

	loc, err := a.Put(ctx, "1/2-clip.mp4", strings.NewReader("frames"), 6)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if loc != "s3://media/chandl/1/2-clip.mp4" {
		t.Errorf("Put() location = %q", loc)
	}
	if got := string(fake.objects["media/chandl/1/2-clip.mp4"]); got != "frames" {
		t.Errorf("uploaded = %q", got)
	}
	if l := fake.lengths["media/chandl/1/2-clip.mp4"]; l == nil || *l != 6 {
		t.Errorf("ContentLength = %v, want 6", l)
	}

	if _, err := a.Put(ctx, "1/3-x.age", strings.NewReader("cipher"), -1); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if l := fake.lengths["media/chandl/1/3-x.age"]; l != nil {
		t.Errorf("ContentLength = %d for unknown size, want unset", *l)
	}
}

func TestS3Archive_Exists(t *testing.T) {
	fake := newFakeS3()
	a := newS3Archive("media", "", fake, fake)
	ctx := context.Background()

	ok, err := a.Exists(ctx, "1/2-clip.mp4")
	if err != nil || ok {
		t.Fatalf("Exists() = %v, %v; want false", ok, err)
	}
	if _, err := a.Put(ctx, "1/2-clip.mp4", strings.NewReader("x"), 1); err != nil {
		t.Fatal(err)
	}
	ok, err = a.Exists(ctx, "1/2-clip.mp4")
	if err != nil || !ok {
		t.Errorf("Exists() = %v, %v; want true", ok, err)
	}

	fake.headErr = errors.New("access denied")
	if _, err := a.Exists(ctx, "1/2-clip.mp4"); err == nil {
		t.Error("Exists() should surface non-404 errors")
	}
}
