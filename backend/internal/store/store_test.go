package store

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/go-sql-driver/mysql"
)

func TestMemorySnapshotStore_KeepsLatest(t *testing.T) {
	s := NewMemorySnapshotStore()
	ctx := context.Background()

	if data, rev, err := s.LoadLatest(ctx, "r"); data != nil || rev != 0 || err != nil {
		t.Fatalf("LoadLatest(empty) = %v,%d,%v", data, rev, err)
	}
	s.SaveSnapshot(ctx, "r", 3, []byte("three"))
	s.SaveSnapshot(ctx, "r", 2, []byte("two"))
	data, rev, err := s.LoadLatest(ctx, "r")
	if err != nil || rev != 3 || string(data) != "three" {
		t.Fatalf("LoadLatest() = %q,%d,%v, want three,3", data, rev, err)
	}
	// 同一 revision 后写覆盖
	s.SaveSnapshot(ctx, "r", 3, []byte("three+"))
	if data, _, _ := s.LoadLatest(ctx, "r"); string(data) != "three+" {
		t.Fatalf("LoadLatest() after rewrite = %q, want three+", data)
	}
}

// 需要一个真实的 MySQL：COLLAB_TEST_MYSQL_DSN="user:pass@tcp(127.0.0.1:3306)/collab"
func openTestMySQL(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("COLLAB_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skip: COLLAB_TEST_MYSQL_DSN not set")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMySQLSnapshotStore_DuplicateRevisionOverwrites(t *testing.T) {
	db := openTestMySQL(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS room_snapshots (
		room_id VARCHAR(128) NOT NULL,
		revision BIGINT UNSIGNED NOT NULL,
		data LONGBLOB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, revision))`)
	if err != nil {
		t.Fatalf("create table error = %v", err)
	}
	defer db.ExecContext(ctx, `DELETE FROM room_snapshots WHERE room_id = ?`, "store-test")

	s := NewMySQLSnapshotStore(db)
	if err := s.SaveSnapshot(ctx, "store-test", 1, []byte("a")); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	if err := s.SaveSnapshot(ctx, "store-test", 1, []byte("a2")); err != nil {
		t.Fatalf("SaveSnapshot(duplicate) error = %v", err)
	}
	if data, _, _ := s.LoadLatest(ctx, "store-test"); string(data) != "a2" {
		t.Fatalf("LoadLatest() after rewrite = %q, want a2", data)
	}
	s.SaveSnapshot(ctx, "store-test", 5, []byte("b"))
	data, rev, err := s.LoadLatest(ctx, "store-test")
	if err != nil || rev != 5 || string(data) != "b" {
		t.Fatalf("LoadLatest() = %q,%d,%v", data, rev, err)
	}
}

func TestProfileStore_MissingProfile(t *testing.T) {
	dsn := os.Getenv("COLLAB_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skip: COLLAB_TEST_MYSQL_DSN not set")
	}
	db, err := InitMySQL(dsn)
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	s, err := NewProfileStore(db)
	if err != nil {
		t.Fatalf("NewProfileStore() error = %v", err)
	}
	ctx := context.Background()
	p, err := s.GetProfile(ctx, "nobody-here")
	if err != nil || p != nil {
		t.Fatalf("GetProfile(missing) = %v,%v, want nil,nil", p, err)
	}
	if err := s.SaveProfile(ctx, &UserProfile{ID: "store-test-user", Name: "ada"}); err != nil {
		t.Fatalf("SaveProfile() error = %v", err)
	}
	p, err = s.GetProfile(ctx, "store-test-user")
	if err != nil || p == nil || p.Name != "ada" {
		t.Fatalf("GetProfile() = %+v,%v", p, err)
	}
}
