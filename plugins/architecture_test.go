package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"transactor/testutil"
)

func TestPluginsDoNotImportInternal(t *testing.T) {
	entries, err := os.ReadDir(".")
	if err != nil {
		t.Fatalf("read plugins dir: %v", err)
	}
	checked := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		testutil.AssertNoDirectImports(t, filepath.Join(".", e.Name()), testutil.InternalImportForbidden, "plugin "+e.Name()+" depends on pkg contracts only")
		checked++
	}
	if checked == 0 {
		t.Fatalf("no plugin packages found")
	}
}
