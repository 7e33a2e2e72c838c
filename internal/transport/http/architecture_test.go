package httptransport

import (
	"testing"

	"medtrace/testutil"
)

func TestTransportDoesNotImportBackends(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InfraImportForbidden, "handlers depend on core and archive interfaces")
}
