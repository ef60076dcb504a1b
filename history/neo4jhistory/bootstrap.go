package neo4jhistory

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// The schema keys every interval by its scope and start, which also keeps
// concurrent writers from opening two intervals at the same timestamp (MERGE
// relies on the key constraint).
var schema = []string{
	`CREATE CONSTRAINT asset_interval_key IF NOT EXISTS
	FOR (i:` + assetLabel + `)
	REQUIRE (i.descriptor, i.validFrom) IS NODE KEY`,
	`CREATE CONSTRAINT session_interval_key IF NOT EXISTS
	FOR (i:` + sessionLabel + `)
	REQUIRE (i.assetId, i.kind, i.descriptor, i.validFrom) IS NODE KEY`,
	`CREATE INDEX session_interval_canonical IF NOT EXISTS
	FOR (i:` + sessionLabel + `) ON (i.canonical)`,
}

// BootstrapDatabase creates the database (unless it exists) with the
// constraints and indexes the history store relies on.
//
// This function is idempotent.
func BootstrapDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if err := createDatabase(ctx, d, name); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name, AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	// schema commands run in their own auto-commit transactions
	for _, stmt := range schema {
		if _, err := s.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("schema %q: %w", strings.Fields(stmt)[2], err)
		}
	}
	return s.Close(ctx)
}

func createDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if name == "" {
		panic("neo4jhistory: database name must not be empty")
	}
	if name == "neo4j" {
		// the default database always exists
		return nil
	}
	if strings.HasPrefix(name, "system") || strings.HasPrefix(name, "_") {
		panic("neo4jhistory: names that begin with an underscore or with the prefix system are reserved for internal use")
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	result, err := s.Run(ctx, `CREATE DATABASE $name IF NOT EXISTS WAIT`, map[string]any{
		"name": name,
	})
	if err != nil {
		return err
	}
	_, err = result.Consume(ctx)
	return err
}
