package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nedfreetoplay/hydrus"
)

type capturingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *capturingPublisher) Pub(topic string, args ...any) {
	p.mu.Lock()
	p.topics = append(p.topics, topic)
	p.mu.Unlock()
}

func (p *capturingPublisher) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

func newTestSerializer(t *testing.T, pub Publisher) *Serializer {
	t.Helper()
	ctx := context.Background()
	database, err := Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = database.Conn().ExecContext(ctx, "CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	ser := NewSerializer(database, pub, time.Hour)
	ser.Start()
	t.Cleanup(ser.Shutdown)
	return ser
}

func TestSerializerWriteThenRead(t *testing.T) {
	ser := newTestSerializer(t, nil)
	ctx := context.Background()

	_, err := ser.Write(ctx, "insert", func(tx *Tx) (any, error) {
		_, err := tx.Exec("INSERT INTO kv (k, v) VALUES ('a', 'one')")
		return nil, err
	})
	require.NoError(t, err)

	v, err := ser.Read(ctx, "select", func(tx *Tx) (any, error) {
		var s string
		err := tx.QueryRow("SELECT v FROM kv WHERE k = 'a'").Scan(&s)
		return s, err
	})
	require.NoError(t, err)
	assert.Equal(t, "one", v)
}

func TestSerializerJobErrorRollsBack(t *testing.T) {
	ser := newTestSerializer(t, nil)
	ctx := context.Background()

	_, err := ser.Write(ctx, "insert then fail", func(tx *Tx) (any, error) {
		if _, err := tx.Exec("INSERT INTO kv (k, v) VALUES ('a', 'one')"); err != nil {
			return nil, err
		}
		return nil, hydrus.Errorf(hydrus.BadRequest, "no thanks")
	})
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.BadRequest))

	v, err := ser.Read(ctx, "count", func(tx *Tx) (any, error) {
		var n int
		err := tx.QueryRow("SELECT COUNT(*) FROM kv").Scan(&n)
		return n, err
	})
	require.NoError(t, err)
	assert.Equal(t, 0, v, "the failed job's insert must not survive")
}

func TestSerializerPanicBecomesInternal(t *testing.T) {
	ser := newTestSerializer(t, nil)

	_, err := ser.Write(context.Background(), "panicking job", func(tx *Tx) (any, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Internal))

	// The loop survives a panicking job.
	v, err := ser.Read(context.Background(), "after panic", func(tx *Tx) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestSerializerPubAfterCommit(t *testing.T) {
	pub := &capturingPublisher{}
	ser := newTestSerializer(t, pub)
	ctx := context.Background()

	_, err := ser.Write(ctx, "pub", func(tx *Tx) (any, error) {
		tx.PubAfterCommit("hello", int64(7))
		return nil, nil
	})
	require.NoError(t, err)
	assert.Empty(t, pub.seen(), "nothing published before the transaction commits")

	ser.ForceCommit()
	assert.Equal(t, []string{"hello"}, pub.seen())
}

func TestSerializerFailedJobDropsItsPubs(t *testing.T) {
	pub := &capturingPublisher{}
	ser := newTestSerializer(t, pub)
	ctx := context.Background()

	_, err := ser.Write(ctx, "pub then fail", func(tx *Tx) (any, error) {
		tx.PubAfterCommit("doomed")
		return nil, hydrus.Errorf(hydrus.BadRequest, "rolled back")
	})
	require.Error(t, err)

	_, err = ser.Write(ctx, "pub and succeed", func(tx *Tx) (any, error) {
		tx.PubAfterCommit("kept")
		return nil, nil
	})
	require.NoError(t, err)

	ser.ForceCommit()
	assert.Equal(t, []string{"kept"}, pub.seen())
}

func TestSerializerPauseRejectsJobs(t *testing.T) {
	ser := newTestSerializer(t, nil)
	ctx := context.Background()

	ser.PauseAndDisconnect(true)
	_, err := ser.Write(ctx, "while paused", func(tx *Tx) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.Busy))

	ser.PauseAndDisconnect(false)
	_, err = ser.Write(ctx, "after resume", func(tx *Tx) (any, error) {
		return nil, nil
	})
	assert.NoError(t, err)
}

func TestSerializerShutdownRejectsNewJobs(t *testing.T) {
	ser := newTestSerializer(t, nil)
	ser.Shutdown()

	_, err := ser.Write(context.Background(), "too late", func(tx *Tx) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.True(t, hydrus.IsCode(err, hydrus.ShuttingDown))
}
