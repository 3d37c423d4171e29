package postgresql

import (
	"testing"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pashagolub/pgxmock/v3"
)

// CreateMockConnection returns a Connection backed by pgxmock. Cast Db to
// pgxmock.PgxPoolIface to set expectations.
func CreateMockConnection(t *testing.T) *Connection {
	// Passing t here to ensure it is not used in production code
	t.Logf("Using mock postgres connection")

	cache, err := lru.NewARC(10)
	if err != nil {
		t.Fatalf("Failed to create device cache: %v", err)
	}
	mocked, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("Failed to create mock connection: %v", err)
	}
	return &Connection{
		Db:          mocked,
		deviceCache: cache,
	}
}
