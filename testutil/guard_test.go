package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestPredicates(t *testing.T) {
	cases := []struct {
		pred func(string) bool
		in   string
		want bool
	}{
		{InternalImportForbidden, "transactor/internal/core", true},
		{InternalImportForbidden, "transactor/pkg/domain", false},
		{InfraImportForbidden, "transactor/internal/infra/blob/s3", true},
		{InfraImportForbidden, "transactor/internal/blob", false},
		{AnyOf(InfraImportForbidden, func(p string) bool { return p == "os" }), "os", true},
		{AnyOf(), "os", false},
	}
	for i, c := range cases {
		if got := c.pred(c.in); got != c.want {
			t.Fatalf("case %d: pred(%q)=%v want %v", i, c.in, got, c.want)
		}
	}
}

func writePackage(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "x.go"), []byte(src), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	test := "package tmp\nimport \"transactor/internal/core\"\nvar _ = core.SystemSession\n"
	if err := os.WriteFile(filepath.Join(dir, "x_test.go"), []byte(test), 0o600); err != nil {
		t.Fatalf("write test: %v", err)
	}
	return dir
}

func TestDirectImportViolations(t *testing.T) {
	dir := writePackage(t, "package tmp\nimport (\n\t\"fmt\"\n\t\"transactor/internal/infra/queue/kafka\"\n)\nfunc X(){fmt.Println(kafka.New)}\n")
	viols, err := directImportViolations(dir, InternalImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "transactor/internal/infra/queue/kafka (in x.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}
}

func TestAssertNoDirectImportsPasses(t *testing.T) {
	dir := writePackage(t, "package tmp\nimport \"fmt\"\nfunc X(){fmt.Println(1)}\n")
	AssertNoDirectImports(t, dir, InternalImportForbidden, "none")
}

type recordingT struct{ msg string }

func (r *recordingT) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func TestFailIfDirectViolations(t *testing.T) {
	var r recordingT
	failIfDirectViolations(&r, "reason", nil)
	if r.msg != "" {
		t.Fatalf("unexpected failure %q", r.msg)
	}
	failIfDirectViolations(&r, "reason", []string{"a (in x.go)"})
	if r.msg == "" {
		t.Fatalf("expected failure")
	}
}
