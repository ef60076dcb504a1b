package neo4jhistory

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/go-digitaltwin/go-nodeidentifier/history/historytest"
	"github.com/go-digitaltwin/go-nodeidentifier/internal/dbtest"
)

func TestStore(t *testing.T) {
	d := dbtest.SetupNeo4j(t)
	if err := BootstrapDatabase(context.Background(), d, "history"); err != nil {
		t.Fatal("BootstrapDatabase:", err)
	}
	historytest.Run(t, NewStore(d, "history"))
}

func TestBootstrapDatabase(t *testing.T) {
	d := dbtest.SetupNeo4j(t)

	var tests = []struct {
		name     string
		database string
	}{
		{name: "Default", database: "neo4j"},
		{name: "Alphanumeric", database: "Aa1"},
		{name: "WithDash", database: "a-1"},
		{name: "WithDot", database: "a.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			// twice, because bootstrapping is idempotent
			for range 2 {
				if err := BootstrapDatabase(ctx, d, tt.database); err != nil {
					t.Fatalf("BootstrapDatabase() error = %v", err)
				}
			}

			session := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: tt.database})
			defer func() {
				if err := session.Close(ctx); err != nil {
					t.Fatal("Failed to close session:", err)
				}
			}()

			result, err := session.Run(ctx, "SHOW CONSTRAINTS WHERE type = 'NODE_KEY'", nil)
			if err != nil {
				t.Fatal("Failed to list constraints:", err)
			}
			found := make(map[string]bool)
			for result.Next(ctx) {
				t.Log(formatRecord(result.Record()))
				// see https://neo4j.com/docs/cypher-manual/current/constraints/examples/#constraints-examples-list-constraint
				labels, ok := result.Record().Get("labelsOrTypes")
				if !ok {
					t.Fatal("Constraints table contains no labels column")
				}
				for _, label := range labels.([]interface{}) {
					found[label.(string)] = true
				}
			}
			if err := result.Err(); err != nil {
				t.Fatal("Failed to list constraints:", err)
			}
			for _, label := range []string{assetLabel, sessionLabel} {
				if !found[label] {
					t.Errorf("Constraint for label %v not found", label)
				}
			}
		})
	}

	t.Run("InvalidName", func(t *testing.T) {
		var tests = []struct {
			name      string
			database  string
			wantPanic bool
		}{
			{name: "Empty", wantPanic: true},
			{name: "Reserved(system)", database: "systemReserved", wantPanic: true},
			{name: "Reserved(underscore)", database: "_NotSystem", wantPanic: true},
			{name: "IllegalChars(underscore)", database: "a_1"},
			{name: "IllegalChars(slash)", database: "a/1"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				defer func() {
					if r := recover(); (r != nil) != tt.wantPanic {
						t.Errorf("BootstrapDatabase() panic = %v, wantPanic %v", r, tt.wantPanic)
					}
				}()

				err := BootstrapDatabase(context.Background(), d, tt.database)
				if err == nil {
					t.Errorf("BootstrapDatabase() succeeded, want error")
				}
			})
		}
	})
}

func TestRelation_pattern(t *testing.T) {
	got := sessions.pattern("i", "validFrom")
	want := "(i:SessionInterval {assetId: $assetId, kind: $kind, descriptor: $descriptor, validFrom: $validFrom})"
	if got != want {
		t.Errorf("pattern() = %q, want %q", got, want)
	}
	// the extra properties must not leak into the relation
	if got, want := sessions.pattern("i"), "(i:SessionInterval {assetId: $assetId, kind: $kind, descriptor: $descriptor})"; got != want {
		t.Errorf("pattern() = %q, want %q", got, want)
	}
}

func formatRecord(r *neo4j.Record) string {
	var fields []string
	for i, key := range r.Keys {
		fields = append(fields, fmt.Sprintf("%s: %v", key, r.Values[i]))
	}
	return strings.Join(fields, ", ")
}

func TestReturnInterval(t *testing.T) {
	want := "RETURN i.canonical AS canonical, i.validFrom AS validFrom, " +
		"coalesce(i.validTo, 0) AS validTo, coalesce(i.lastSeen, 0) AS lastSeen"
	if got := returnInterval("i"); got != want {
		t.Errorf("returnInterval() = %q, want %q", got, want)
	}
}
