package dbtest

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	neo4jtest "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

// Neo4jImage is the image of the Neo4j container. The enterprise edition is
// required for CREATE DATABASE.
const Neo4jImage = "docker.io/neo4j:5-enterprise"

// neo4jHTTP serves the browser of the container.
const neo4jHTTP = nat.Port("7474/tcp")

// SetupNeo4j runs a Neo4j container without authentication and returns a
// driver connected to it. The test is skipped in short mode and marked
// parallel; the driver and the container are released during its cleanup.
func SetupNeo4j(t *testing.T) neo4j.DriverWithContext {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping container-based test in short mode...")
	}
	t.Parallel()

	ctx := context.Background()
	container, err := neo4jtest.Run(ctx, Neo4jImage,
		testcontainers.WithLogger(log.TestLogger(t)),
		neo4jtest.WithoutAuthentication(),
		neo4jtest.WithAcceptCommercialLicenseAgreement(),
	)
	if err != nil {
		t.Fatal("Failed to run neo4j container:", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Error("Failed to terminate neo4j container:", err)
		}
	})

	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatal("Failed to get bolt url:", err)
	}
	browser, err := container.PortEndpoint(ctx, neo4jHTTP, "http")
	if err != nil {
		t.Fatal("Failed to get http endpoint:", err)
	}

	driver, err := neo4j.NewDriverWithContext(boltURL, neo4j.NoAuth())
	if err != nil {
		t.Fatal("Failed to open neo4j driver:", err)
	}
	t.Cleanup(func() {
		if err := driver.Close(ctx); err != nil {
			t.Error("Failed to close neo4j driver:", err)
		}
	})
	if err := awaitConnectivity(t, ctx, driver); err != nil {
		t.Fatal("Neo4j container never accepted connections:", err)
	}

	// registered last, so it runs before the driver and container are released
	t.Cleanup(func() {
		if !t.Failed() || !*Inspect {
			return
		}
		t.Logf("Container %v kept for inspection (Ctrl+C to terminate)", container.GetContainerID())
		t.Logf("Browser: %s/browser?preselectAuthMethod=%s&dbms=%s", browser, url.QueryEscape("[NO_AUTH]"), url.QueryEscape(boltURL))
		waitForInterrupt()
	})
	return driver
}

// awaitConnectivity retries VerifyConnectivity a few times; the container may
// report ready slightly before bolt accepts sessions.
func awaitConnectivity(t *testing.T, ctx context.Context, driver neo4j.DriverWithContext) error {
	t.Helper()
	const attempts = 6
	var err error
	for i := range attempts {
		if err = driver.VerifyConnectivity(ctx); err == nil {
			return nil
		}
		t.Logf("Connectivity attempt %d/%d failed: %v", i+1, attempts, err)
		select {
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		case <-ctx.Done():
			return fmt.Errorf("await connectivity: %w", ctx.Err())
		}
	}
	return err
}
