package session

import (
	"testing"

	"transactor/testutil"
)

func TestSessionUsesDriverFactories(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InfraImportForbidden, "sessions reach drivers through the pipeline factory")
}
