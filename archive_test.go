package mermaidetl

import (
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type testS3 struct {
	inputs []*s3.PutObjectInput
	bodies []string
}

func (c *testS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	c.inputs = append(c.inputs, in)
	c.bodies = append(c.bodies, string(b))
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archive_Put(t *testing.T) {
	c := &testS3{}
	a := &s3Archive{client: c, bucket: "raw", prefix: "mermaid"}

	if err := a.Put(context.Background(), "run/fish/p1/page-0001.json", []byte(`[{"id":"x"}]`)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(c.inputs) != 1 {
		t.Fatalf("Size of puts should be 1, but %d", len(c.inputs))
	}
	in := c.inputs[0]
	if aws.ToString(in.Bucket) != "raw" {
		t.Errorf(`Bucket should be "raw", but %q`, aws.ToString(in.Bucket))
	}
	if aws.ToString(in.Key) != "mermaid/run/fish/p1/page-0001.json" {
		t.Errorf("Unexpected key %q", aws.ToString(in.Key))
	}
	if c.bodies[0] != `[{"id":"x"}]` {
		t.Errorf("Unexpected body %q", c.bodies[0])
	}
}

func TestOpenArchive_invalid(t *testing.T) {
	for _, u := range []string{"ftp://bucket/x", "s3:///nobucket", "::"} {
		if _, err := OpenArchive(context.Background(), ArchiveConfig{URL: u}); err == nil {
			t.Errorf("OpenArchive(%q) should fail", u)
		}
	}
}
