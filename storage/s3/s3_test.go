package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/xraph/docflow/storage"
)

type fakeS3 struct {
	s3iface.S3API
	heads map[string]*s3.HeadObjectOutput
}

func (f *fakeS3) HeadObjectWithContext(_ aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	if out, ok := f.heads[aws.StringValue(in.Key)]; ok {
		return out, nil
	}
	return nil, awserr.New("NotFound", "not found", nil)
}

func TestKey(t *testing.T) {
	s := NewWithClient(&fakeS3{}, "bucket", "/tenants/")
	tests := map[string]string{
		"inbox/a.rtf":     "tenants/inbox/a.rtf",
		"/inbox/a.rtf":    "tenants/inbox/a.rtf",
		"../../etc/x.rtf": "tenants/etc/x.rtf",
	}
	for in, want := range tests {
		if got := s.key(in); got != want {
			t.Errorf("key(%q) = %q, want %q", in, got, want)
		}
	}

	bare := NewWithClient(&fakeS3{}, "bucket", "")
	if got := bare.key("a/b"); got != "a/b" {
		t.Errorf("key without prefix = %q", got)
	}
}

func TestStat(t *testing.T) {
	fake := &fakeS3{heads: map[string]*s3.HeadObjectOutput{
		"in/report.rtf": {ContentLength: aws.Int64(2048), ETag: aws.String(`"abc123"`)},
	}}
	s := NewWithClient(fake, "bucket", "")

	fi, err := s.Stat(context.Background(), "in/report.rtf")
	if err != nil {
		t.Fatal(err)
	}
	if fi.Name != "report.rtf" || fi.Size != 2048 || fi.Hash != "abc123" {
		t.Errorf("Stat = %+v", fi)
	}

	if _, err := s.Stat(context.Background(), "in/missing.rtf"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing err = %v", err)
	}
}

func TestContentType(t *testing.T) {
	if contentType("x.MD") != "text/markdown; charset=utf-8" || contentType("x.rtf") != "application/rtf" {
		t.Error("unexpected content types")
	}
}

func TestWrapPassesThroughOtherErrors(t *testing.T) {
	err := wrap("load", "x", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) || !strings.Contains(err.Error(), "storage/s3: load x") {
		t.Errorf("wrap = %v", err)
	}
}
