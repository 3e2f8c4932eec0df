package mirror_test

import (
	"context"
	"os"
	"testing"

	"github.com/malbeclabs/spend/engine/pkg/clickhouse"
	clickhousetesting "github.com/malbeclabs/spend/engine/pkg/clickhouse/testing"
	storetesting "github.com/malbeclabs/spend/engine/pkg/store/testing"
	spendtesting "github.com/malbeclabs/spend/utils/pkg/testing"
)

var sharedDB *clickhousetesting.DB

func TestMain(m *testing.M) {
	if storetesting.IntegrationEnabled() {
		log := spendtesting.NewLogger()
		var err error
		sharedDB, err = clickhousetesting.NewDB(context.Background(), log, nil)
		if err != nil {
			log.Error("failed to create shared DB", "error", err)
			os.Exit(1)
		}
	}
	code := m.Run()
	if sharedDB != nil {
		sharedDB.Close()
	}
	os.Exit(code)
}

func testConn(t *testing.T) clickhouse.Connection {
	t.Helper()
	if sharedDB == nil {
		t.Skip("set SPEND_INTEGRATION=1 to run ClickHouse tests")
	}
	return clickhousetesting.NewTestConn(t, sharedDB)
}
