// Package audit は転送結果をSQLiteに記録する監査ログ。
//
// 記録するのは操作名・ステータス・失敗種別などのメタデータのみで、
// リクエスト/レスポンスのボディやトークンは保存しない。
package audit

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/flowgate/internal/forward"
	"github.com/nao1215/flowgate/pkg/httpclient"
	"github.com/nao1215/flowgate/pkg/migration"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// recordTimeout は1件の記録に許す時間。
const recordTimeout = 2 * time.Second

// defaultListLimit はListの既定の取得件数。
const defaultListLimit = 100

// queueSize はObserveForwardが書き込み待ちにできる件数。超えた分は破棄する。
const queueSize = 1024

// Entry は1回の転送の記録。
type Entry struct {
	ID         string
	Operation  string
	StatusCode int
	// Kind は失敗種別。成功時は空。
	Kind      string
	Message   string
	RequestID string
	Elapsed   time.Duration
	CreatedAt time.Time
}

// Succeeded は成功した転送かどうかを返す。
func (e Entry) Succeeded() bool {
	return e.Kind == ""
}

// Filter はListの絞り込み条件。
type Filter struct {
	// Operation が空でない場合はその操作のみを返す。
	Operation string
	// FailuresOnly がtrueの場合は失敗のみを返す。
	FailuresOnly bool
	// Limit は最大件数。0以下の場合は100件。
	Limit int
}

// Store は監査ログの保存先。
// ObserveForwardで受け取った記録は1本のgoroutineが順に書き込む。
type Store struct {
	db     *sql.DB
	logger logrus.FieldLogger
	now    func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan pending
	done    chan struct{}
	dropped atomic.Int64
}

// pending は書き込み待ちの記録。flushedが非nilの場合は記録ではなくFlushの目印。
type pending struct {
	entry   Entry
	flushed chan struct{}
}

// Open はSQLiteデータベースを開き、スキーマを最新にする。
// pathに":memory:"を指定するとメモリ上に作成する。
func Open(ctx context.Context, path string, logger logrus.FieldLogger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("監査DBのオープンに失敗: %w", err)
	}
	// SQLiteは書き込みを直列化するため接続を1本に絞る。:memory:の場合は接続ごとに別DBになる。
	db.SetMaxOpenConns(1)

	if _, err := migration.Run(ctx, db, migrations, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("監査DBのマイグレーションに失敗: %w", err)
	}
	s := &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
		queue:  make(chan pending, queueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Close は書き込み待ちの記録を保存してからデータベースを閉じる。
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}

// run は書き込み待ちの記録を順に保存する。
func (s *Store) run() {
	defer close(s.done)
	for p := range s.queue {
		if p.flushed != nil {
			close(p.flushed)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if _, err := s.Record(ctx, p.entry); err != nil {
			s.logger.WithError(err).WithField("operation", p.entry.Operation).Warn("監査ログを記録できませんでした")
		}
		cancel()
	}
}

// Flush はこれまでにObserveForwardで受け取った記録が保存されるまで待つ。
func (s *Store) Flush(ctx context.Context) error {
	flushed := make(chan struct{})

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errors.New("監査ログは既にクローズされています")
	}
	select {
	case s.queue <- pending{flushed: flushed}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped は保存できずに破棄した記録の件数を返す。
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

// Record は1件の記録を保存する。IDとCreatedAtが空の場合は補完する。
func (s *Store) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	e.CreatedAt = e.CreatedAt.UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO forward_log (id, operation, status_code, kind, message, request_id, elapsed_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Operation, e.StatusCode, e.Kind, e.Message, e.RequestID, e.Elapsed.Milliseconds(), e.CreatedAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("監査ログの保存に失敗: %w", err)
	}
	return e, nil
}

// List は新しい順に記録を返す。
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT id, operation, status_code, kind, message, request_id, elapsed_ms, created_at
		FROM forward_log WHERE 1 = 1`
	var args []any
	if f.Operation != "" {
		query += " AND operation = ?"
		args = append(args, f.Operation)
	}
	if f.FailuresOnly {
		query += " AND kind != ''"
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("監査ログの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			elapsedMS int64
		)
		if err := rows.Scan(&e.ID, &e.Operation, &e.StatusCode, &e.Kind, &e.Message, &e.RequestID, &elapsedMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("監査ログの読み取りに失敗: %w", err)
		}
		e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ObserveForward は転送結果を書き込み待ちに積み、待たずに戻る。
// 書き込み待ちが溢れている場合やクローズ後は記録を破棄する。
func (s *Store) ObserveForward(ctx context.Context, req forward.Request, res *forward.Result, elapsed time.Duration) {
	e := Entry{
		Operation:  req.Operation,
		StatusCode: res.StatusCode,
		RequestID:  httpclient.RequestIDFrom(ctx),
		Elapsed:    elapsed,
		CreatedAt:  s.now(),
	}
	if res.Failure != nil {
		e.Kind = string(res.Failure.Kind)
		e.Message = res.Failure.Message
	}

	s.mu.RLock()
	if !s.closed {
		select {
		case s.queue <- pending{entry: e}:
			s.mu.RUnlock()
			return
		default:
		}
	}
	s.mu.RUnlock()

	s.dropped.Add(1)
	s.logger.WithField("operation", req.Operation).Warn("監査ログに書き込めないため記録を破棄しました")
}
