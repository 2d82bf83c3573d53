package repository

import "embed"

// Migrations holds the schema files applied by database.DB.Migrate.
//
//go:embed migrations/*.up.sql
var Migrations embed.FS
