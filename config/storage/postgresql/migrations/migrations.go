package migrations

import "embed"

// MigrationsFS embeds the versioned task store migrations
//
//go:embed *.sql
var MigrationsFS embed.FS
