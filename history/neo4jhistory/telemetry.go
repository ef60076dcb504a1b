package neo4jhistory

import (
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-nodeidentifier/history/neo4jhistory")
