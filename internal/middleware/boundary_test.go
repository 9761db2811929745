package middleware_test

import (
	"testing"

	"transactor/testutil"
)

func TestMiddlewareUsesContracts(t *testing.T) {
	forbidden := testutil.AnyOf(testutil.InfraImportForbidden, func(p string) bool {
		return p == "transactor/internal/session" || p == "transactor/internal/server"
	})
	testutil.AssertNoDirectImports(t, ".", forbidden, "middlewares see storage, blob and queue through contracts")
}
