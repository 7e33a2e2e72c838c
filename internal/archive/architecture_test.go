package archive

import (
	"testing"

	"medtrace/testutil"
)

func TestArchiveUsesBlobFacadeOnly(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InfraImportForbidden, "archives go through internal/blob")
}
