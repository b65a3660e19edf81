package usage

import (
	"context"
	"database/sql"
	"math"
	"time"

	"OpenLaunch/internal/errors"
)

const (
	insertActivationSQL = `INSERT INTO activations
    (handler_id, item_id, query, action_id, activated_at)
    VALUES (?, ?, ?, ?, ?)`

	selectHistorySQL = `SELECT ordinal, query, action_id, activated_at
    FROM activations WHERE handler_id = ? AND item_id = ?
    ORDER BY ordinal DESC LIMIT ?`

	countSinceSQL = `SELECT handler_id, COUNT(*) FROM activations
    WHERE activated_at >= ? GROUP BY handler_id`
)

// sqlStore 是 MySQL 与 SQLite 共用的实现，两者的占位符与语句一致。
type sqlStore struct {
	db   *sql.DB
	opts Options
}

// Append 实现 Store。序号由数据库自增主键分配。
func (s *sqlStore) Append(ctx context.Context, a Activation) (Activation, error) {
	a, err := prepare(a, s.opts)
	if err != nil {
		return Activation{}, err
	}
	res, err := s.db.ExecContext(ctx, insertActivationSQL,
		a.Key.Handler, a.Key.Item, a.Query, a.Action, a.At.UnixMilli())
	if err != nil {
		return Activation{}, errors.Wrap(errors.CodeStorageFailure, err, "写入激活记录失败")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Activation{}, errors.Wrap(errors.CodeStorageFailure, err, "读取激活记录序号失败")
	}
	a.Ordinal = id
	return a, nil
}

// History 实现 Store。
func (s *sqlStore) History(ctx context.Context, key Key) ([]Activation, error) {
	limit := s.opts.MaxDepth
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.db.QueryContext(ctx, selectHistorySQL, key.Handler, key.Item, limit)
	if err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "查询激活历史失败")
	}
	defer rows.Close()

	var out []Activation
	for rows.Next() {
		var (
			a  = Activation{Key: key}
			at int64
		)
		if err := rows.Scan(&a.Ordinal, &a.Query, &a.Action, &at); err != nil {
			return nil, errors.Wrap(errors.CodeStorageFailure, err, "解析激活历史失败")
		}
		a.At = time.UnixMilli(at)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "遍历激活历史失败")
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountSince 实现 Counter。
func (s *sqlStore) CountSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, countSinceSQL, since.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "统计激活次数失败")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			handler string
			n       int
		)
		if err := rows.Scan(&handler, &n); err != nil {
			return nil, errors.Wrap(errors.CodeStorageFailure, err, "解析激活统计失败")
		}
		counts[handler] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.CodeStorageFailure, err, "遍历激活统计失败")
	}
	return counts, nil
}

// Close 实现 Store。
func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
