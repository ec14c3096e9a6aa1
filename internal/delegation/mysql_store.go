package delegation

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "VaultGuard-Chain/internal/errors"
	storage "VaultGuard-Chain/internal/storage/mysql"
)

// MySQLStore 使用 MySQL 记录委托状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。表结构由集中式迁移负责。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化委托存储失败")
	}
	return &MySQLStore{db: db}, nil
}

// Create 实现 Store 接口。标识冲突通过主键约束兜底。
func (s *MySQLStore) Create(ctx context.Context, d *Delegation) error {
	if d == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "委托不能为空")
	}
	const query = `INSERT INTO delegations
        (id, delegator, delegatee, kind, status, start_time, end_time, spending_limit, spent_amount, allowed_selectors, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		d.ID.Hex(), d.Delegator.Hex(), d.Delegatee.Hex(), string(d.Kind), string(d.Status),
		d.StartTime, d.EndTime, amountString(d.SpendingLimit), amountString(d.SpentAmount),
		encodeSelectors(d.AllowedSelectors), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return ErrDelegationExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入委托失败")
	}
	return nil
}

// Get 返回委托。
func (s *MySQLStore) Get(ctx context.Context, id common.Hash) (*Delegation, error) {
	const query = `SELECT id, delegator, delegatee, kind, status, start_time, end_time,
        CAST(spending_limit AS CHAR), CAST(spent_amount AS CHAR), allowed_selectors, created_at, updated_at
        FROM delegations WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id.Hex())
	d, err := scanDelegation(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrDelegationNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取委托失败")
	}
	return d, nil
}

// Update 覆盖写入可变字段。
func (s *MySQLStore) Update(ctx context.Context, d *Delegation) error {
	if d == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "委托不能为空")
	}
	const query = `UPDATE delegations SET status = ?, spent_amount = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, string(d.Status), amountString(d.SpentAmount), d.UpdatedAt, d.ID.Hex())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新委托失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "确认委托更新结果失败")
	}
	if affected == 0 {
		// 状态字段可能与当前值相同，需要区分“无此行”与“无变化”。
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM delegations WHERE id = ?`, d.ID.Hex()).Scan(&exists); err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return ErrDelegationNotFound
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "确认委托存在性失败")
		}
	}
	return nil
}

// ListByDelegator 返回委托人名下的全部委托。
func (s *MySQLStore) ListByDelegator(ctx context.Context, delegator common.Address) ([]*Delegation, error) {
	const query = `SELECT id, delegator, delegatee, kind, status, start_time, end_time,
        CAST(spending_limit AS CHAR), CAST(spent_amount AS CHAR), allowed_selectors, created_at, updated_at
        FROM delegations WHERE delegator = ? ORDER BY created_at DESC`
	return s.queryDelegations(ctx, query, delegator.Hex())
}

// ListByPair 返回指定委托关系的全部委托。
func (s *MySQLStore) ListByPair(ctx context.Context, delegator, delegatee common.Address) ([]*Delegation, error) {
	const query = `SELECT id, delegator, delegatee, kind, status, start_time, end_time,
        CAST(spending_limit AS CHAR), CAST(spent_amount AS CHAR), allowed_selectors, created_at, updated_at
        FROM delegations WHERE delegator = ? AND delegatee = ? ORDER BY created_at DESC`
	return s.queryDelegations(ctx, query, delegator.Hex(), delegatee.Hex())
}

func (s *MySQLStore) queryDelegations(ctx context.Context, query string, args ...any) ([]*Delegation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询委托失败")
	}
	defer rows.Close()

	var results []*Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析委托记录失败")
		}
		results = append(results, d)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历委托记录失败")
	}
	return results, nil
}

// NextSequence 在事务内消费并返回下一个序号。
func (s *MySQLStore) NextSequence(ctx context.Context, delegator common.Address) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启序号事务失败")
	}
	defer tx.Rollback()

	var current uint64
	err = tx.QueryRowContext(ctx, `SELECT next_seq FROM delegation_sequences WHERE delegator = ? FOR UPDATE`, delegator.Hex()).Scan(&current)
	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO delegation_sequences (delegator, next_seq) VALUES (?, 1)`, delegator.Hex()); err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化委托序号失败")
		}
		current = 1
	case err != nil:
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取委托序号失败")
	default:
		current++
		if _, err := tx.ExecContext(ctx, `UPDATE delegation_sequences SET next_seq = ? WHERE delegator = ?`, current, delegator.Hex()); err != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "推进委托序号失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交序号事务失败")
	}
	return current, nil
}

// PeekSequence 返回下一个将被消费的序号。
func (s *MySQLStore) PeekSequence(ctx context.Context, delegator common.Address) (uint64, error) {
	var current uint64
	err := s.db.QueryRowContext(ctx, `SELECT next_seq FROM delegation_sequences WHERE delegator = ?`, delegator.Hex()).Scan(&current)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取委托序号失败")
	}
	return current + 1, nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelegation(row rowScanner) (*Delegation, error) {
	var (
		d                  Delegation
		id, from, to       string
		kind, status       string
		limitStr, spentStr string
		selectors          sql.NullString
	)
	if err := row.Scan(&id, &from, &to, &kind, &status, &d.StartTime, &d.EndTime, &limitStr, &spentStr, &selectors, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.ID = common.HexToHash(id)
	d.Delegator = common.HexToAddress(from)
	d.Delegatee = common.HexToAddress(to)
	d.Kind = Kind(kind)
	d.Status = Status(status)
	d.SpendingLimit = parseAmount(limitStr)
	d.SpentAmount = parseAmount(spentStr)
	if selectors.Valid {
		d.AllowedSelectors = decodeSelectors(selectors.String)
	}
	return &d, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) *big.Int {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}

func encodeSelectors(selectors []Selector) string {
	if len(selectors) == 0 {
		return ""
	}
	parts := make([]string, 0, len(selectors))
	for _, sel := range selectors {
		parts = append(parts, sel.String())
	}
	return strings.Join(parts, ",")
}

func decodeSelectors(raw string) []Selector {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	selectors := make([]Selector, 0, len(parts))
	for _, part := range parts {
		b, err := hexutil.Decode(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		selectors = append(selectors, SelectorFromBytes(b))
	}
	return selectors
}

// ensure interface compliance at compile time
var _ Store = (*MySQLStore)(nil)
