package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// minimalPDF builds a structurally valid PDF with the given number of blank pages.
func minimalPDF(pages int) []byte {
	var b strings.Builder
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, b.Len())
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	b.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := make([]string, pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n", len(offsets)+1)
	b.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return []byte(b.String())
}

// fakeExecutor records the invocation and writes output next to the source.
type fakeExecutor struct {
	name   string
	args   []string
	output []byte // written to the expected pdf path when non-nil
	err    error
}

func (f *fakeExecutor) Execute(ctx context.Context, name string, args ...string) (string, error) {
	f.name = name
	f.args = args
	if f.err != nil {
		return "", f.err
	}
	if f.output != nil {
		src := args[len(args)-1]
		out := strings.TrimSuffix(src, filepath.Ext(src)) + ".pdf"
		if err := os.WriteFile(out, f.output, 0o644); err != nil {
			return "", err
		}
	}
	return "convert done", nil
}

func writeSource(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "presentation_x.pptx")
	if err := os.WriteFile(src, []byte("pptx"), 0o644); err != nil {
		t.Fatal(err)
	}
	return src
}

func TestToPDF_Success(t *testing.T) {
	src := writeSource(t)
	fe := &fakeExecutor{output: minimalPDF(3)}
	c := NewWithExecutor(fe, "libreoffice", 0)

	got, err := c.ToPDF(context.Background(), src)
	if err != nil {
		t.Fatalf("ToPDF: %v", err)
	}
	if want := filepath.Join(filepath.Dir(src), "presentation_x.pdf"); got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
	if fe.name != "libreoffice" {
		t.Errorf("binary = %q", fe.name)
	}
	joined := strings.Join(fe.args, " ")
	for _, want := range []string{"--headless", "--convert-to pdf", "--outdir " + filepath.Dir(src), "-env:UserInstallation=file://"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
}

func TestToPDF_CommandFails(t *testing.T) {
	c := NewWithExecutor(&fakeExecutor{err: errors.New("exit status 1")}, "libreoffice", 0)
	if _, err := c.ToPDF(context.Background(), writeSource(t)); err == nil {
		t.Fatal("expected error")
	}
}

func TestToPDF_NoOutput(t *testing.T) {
	c := NewWithExecutor(&fakeExecutor{}, "libreoffice", 0)
	if _, err := c.ToPDF(context.Background(), writeSource(t)); err == nil {
		t.Fatal("expected error when converter writes nothing")
	}
}

func TestToPDF_GarbageOutput(t *testing.T) {
	c := NewWithExecutor(&fakeExecutor{output: []byte("this is not a pdf")}, "libreoffice", 0)
	if _, err := c.ToPDF(context.Background(), writeSource(t)); err == nil {
		t.Fatal("expected error for unreadable pdf")
	}
}

func TestToPDF_NoBinary(t *testing.T) {
	fe := &fakeExecutor{}
	c := NewWithExecutor(fe, "", 0)
	if _, err := c.ToPDF(context.Background(), writeSource(t)); err == nil {
		t.Fatal("expected error")
	}
	if fe.name != "" {
		t.Error("executor should not run without a binary")
	}
}

func TestPageCount(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "two.pdf")
	os.WriteFile(p, minimalPDF(2), 0o644)

	n, err := PageCount(p)
	if err != nil {
		t.Fatalf("PageCount: %v", err)
	}
	if n != 2 {
		t.Errorf("pages = %d, want 2", n)
	}

	empty := filepath.Join(dir, "empty.pdf")
	os.WriteFile(empty, nil, 0o644)
	if _, err := PageCount(empty); err == nil {
		t.Error("expected error for empty file")
	}
}
