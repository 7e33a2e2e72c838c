// Package sqldocs exposes the medtrace SQL schema files directly from the docs tree.
package sqldocs

import _ "embed"

// SQLite contains the SQLite DDL.
//
//go:embed sqlite.sql
var SQLite string

// Postgres contains the Postgres DDL.
//
//go:embed postgres.sql
var Postgres string
