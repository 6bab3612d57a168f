package fixgresdemo

import (
	"context"
	"os"
	"testing"
	"time"

	faker "github.com/go-faker/faker/v4"

	"github.com/frowell/flowforge/db/migrations"
	"github.com/frowell/flowforge/pkg/fixgres"
)

func TestMain(m *testing.M) {
	fixgres.BootOnce(&testing.T{},
		fixgres.WithDBName("app"),
		fixgres.WithGooseUp(migrations.FS),
	)

	code := m.Run()
	_ = fixgres.ShutdownNow()
	os.Exit(code)
}

type demoOrderRow struct {
	Customer   string `db:"customer" faker:"name"`
	Status     string `db:"status"   faker:"-"`
	TotalCents int64  `db:"total_cents" faker:"-"`
}

func TestInsertRowGenericFactory(t *testing.T) {
	ctx := context.Background()
	sbx := fixgres.NewSandbox(t)
	defer sbx.Close()

	tx, err := sbx.DB.Begin()
	if err != nil {
		t.Fatalf("sbx.DB.Begin(): %v", err)
	}
	defer tx.Rollback()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE orders (
		id SERIAL PRIMARY KEY, customer TEXT NOT NULL, status TEXT NOT NULL, total_cents BIGINT NOT NULL
	)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	var row demoOrderRow
	if err := faker.FakeData(&row); err != nil {
		t.Fatalf("faker.FakeData(): %v", err)
	}
	row.Status = "pending"
	row.TotalCents = 4999

	stmt, args := insertSQL("orders", row)
	var id int64
	if err := tx.QueryRowContext(ctx, stmt, args...).Scan(&id); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a generated id")
	}
}
