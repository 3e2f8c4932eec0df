package storetesting

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/spend/engine/pkg/store"
	spendtesting "github.com/malbeclabs/spend/utils/pkg/testing"
)

// NewSQLiteClient returns a client on a private in-memory SQLite database that is
// closed when the test ends.
func NewSQLiteClient(t *testing.T) store.Client {
	t.Helper()
	client, err := store.OpenSQLite(t.Context(), spendtesting.NewLogger(), "")
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

// NewSQLiteConn returns a connection on a fresh in-memory database. The
// connection is the only one the database allows, so tests must not acquire a
// second one while holding it.
func NewSQLiteConn(t *testing.T) (store.Client, store.Conn) {
	t.Helper()
	client := NewSQLiteClient(t)
	conn, err := client.Conn(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})
	return client, conn
}
