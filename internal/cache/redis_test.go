package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
)

func TestRedisGet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &Redis{client: db}
	ctx := context.Background()

	t.Run("hit returns value", func(t *testing.T) {
		mock.ExpectGet("driftline:latest:btc:ohlcv").SetVal(`{"ts":42000,"ok":true}`)

		value, found, err := c.Get(ctx, "driftline:latest:btc:ohlcv")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !found {
			t.Error("expected cache hit")
		}
		if string(value) != `{"ts":42000,"ok":true}` {
			t.Errorf("unexpected value %s", value)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("redis expectations not met: %v", err)
		}
	})

	t.Run("miss is not an error", func(t *testing.T) {
		mock.ExpectGet("missing").RedisNil()

		value, found, err := c.Get(ctx, "missing")
		if err != nil {
			t.Fatalf("miss should not error: %v", err)
		}
		if found || value != nil {
			t.Error("expected cache miss")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("redis expectations not met: %v", err)
		}
	})

	t.Run("backend failure surfaces", func(t *testing.T) {
		mock.ExpectGet("broken").SetErr(redis.TxFailedErr)

		_, _, err := c.Get(ctx, "broken")
		if err == nil {
			t.Error("expected error when redis fails")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("redis expectations not met: %v", err)
		}
	})
}

func TestRedisSetAndDelete(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &Redis{client: db}
	ctx := context.Background()

	t.Run("set applies TTL", func(t *testing.T) {
		mock.ExpectSet("k", []byte("v"), time.Minute).SetVal("OK")

		if err := c.Set(ctx, "k", []byte("v"), 60_000); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("redis expectations not met: %v", err)
		}
	})

	t.Run("delete batches keys", func(t *testing.T) {
		mock.ExpectDel("a", "b").SetVal(2)

		if err := c.Delete(ctx, "a", "b"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("redis expectations not met: %v", err)
		}
	})

	t.Run("delete with no keys is a no-op", func(t *testing.T) {
		if err := c.Delete(ctx); err != nil {
			t.Fatalf("empty Delete failed: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("redis expectations not met: %v", err)
		}
	})
}
