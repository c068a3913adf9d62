package convert_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/xraph/docflow"
	"github.com/xraph/docflow/convert"
	"github.com/xraph/docflow/job"
)

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"permanent", convert.Permanent(job.RTFToMarkdown, "corrupt"), false},
		{"wrapped permanent", fmt.Errorf("attempt: %w", convert.Permanent(job.RTFToMarkdown, "corrupt")), false},
		{"transient", convert.Transient(job.RTFToMarkdown, "busy", nil), true},
		{"system", docflow.NewSystemError("storage.load", errors.New("io")), true},
		{"timeout", context.DeadlineExceeded, true},
		{"unknown", errors.New("boom"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := convert.IsRecoverable(tt.err); got != tt.want {
				t.Errorf("IsRecoverable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKind(t *testing.T) {
	if k := convert.Kind(fmt.Errorf("x: %w", context.DeadlineExceeded)); k != job.ErrorKindTimeout {
		t.Errorf("timeout kind = %s", k)
	}
	if k := convert.Kind(convert.Permanent(job.RTFToMarkdown, "bad")); k != job.ErrorKindConversion {
		t.Errorf("conversion kind = %s", k)
	}
	if k := convert.Kind(docflow.NewSystemError("op", errors.New("x"))); k != job.ErrorKindSystem {
		t.Errorf("system kind = %s", k)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		ct      job.ConversionType
		in      []byte
		wantErr bool
	}{
		{"rtf ok", job.RTFToMarkdown, []byte(`{\rtf1\ansi Hello}`), false},
		{"rtf with bom and space", job.RTFToMarkdown, append([]byte{0xEF, 0xBB, 0xBF, '\n'}, []byte(`{\rtf1 x}`)...), false},
		{"rtf wrong magic", job.RTFToMarkdown, []byte("# heading"), true},
		{"empty", job.RTFToMarkdown, nil, true},
		{"md ok", job.MarkdownToRTF, []byte("# Title\n\nbody"), false},
		{"md invalid utf8", job.MarkdownToRTF, []byte{0xff, 0xfe, 0xfd}, true},
		{"unknown type", job.ConversionType("pdf"), []byte("x"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := convert.Validate(tt.ct, tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && convert.Kind(err) != job.ErrorKindConversion {
				t.Errorf("validation error kind = %s", convert.Kind(err))
			}
		})
	}
}

func TestHash(t *testing.T) {
	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := convert.Hash([]byte("abc")); got != want {
		t.Errorf("Hash = %s", got)
	}
}

func TestFunc(t *testing.T) {
	var r convert.Routine = convert.Func(func(_ context.Context, content []byte, _ job.ConversionType, _ convert.Options) (*convert.Result, error) {
		return &convert.Result{Content: append([]byte("out:"), content...)}, nil
	})
	res, err := r.Convert(context.Background(), []byte("x"), job.RTFToMarkdown, nil)
	if err != nil || string(res.Content) != "out:x" {
		t.Errorf("got %v, %v", res, err)
	}
}
