package spendlimit

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultGuard-Chain/internal/errors"
	storage "VaultGuard-Chain/internal/storage/mysql"
)

// MySQLStore 使用 MySQL 记录配额配置与账户状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。表结构由集中式迁移负责。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化配额存储失败")
	}
	return &MySQLStore{db: db}, nil
}

// GetConfig 实现 Store 接口。
func (s *MySQLStore) GetConfig(ctx context.Context, account, asset common.Address) (*Config, error) {
	const query = `SELECT account, asset, CAST(spending_limit AS CHAR), period_length,
        CAST(spent AS CHAR), period_start, enabled, updated_at
        FROM spending_limits WHERE account = ? AND asset = ?`
	config, err := scanConfig(s.db.QueryRowContext(ctx, query, account.Hex(), asset.Hex()))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoLimit
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取配额配置失败")
	}
	return config, nil
}

// PutConfig 实现 Store 接口。
func (s *MySQLStore) PutConfig(ctx context.Context, config *Config) error {
	if config == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "配额配置不能为空")
	}
	const query = `INSERT INTO spending_limits
        (account, asset, spending_limit, period_length, spent, period_start, enabled, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE spending_limit = VALUES(spending_limit),
        period_length = VALUES(period_length), spent = VALUES(spent),
        period_start = VALUES(period_start), enabled = VALUES(enabled), updated_at = VALUES(updated_at)`
	_, err := s.db.ExecContext(ctx, query,
		config.Account.Hex(), config.Asset.Hex(), amountString(config.Limit), config.PeriodLength,
		amountString(config.Spent), config.PeriodStart, config.Enabled, config.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入配额配置失败")
	}
	return nil
}

// DeleteConfig 实现 Store 接口。
func (s *MySQLStore) DeleteConfig(ctx context.Context, account, asset common.Address) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spending_limits WHERE account = ? AND asset = ?`, account.Hex(), asset.Hex()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除配额配置失败")
	}
	return nil
}

// ListConfigs 实现 Store 接口。
func (s *MySQLStore) ListConfigs(ctx context.Context, account common.Address) ([]*Config, error) {
	const query = `SELECT account, asset, CAST(spending_limit AS CHAR), period_length,
        CAST(spent AS CHAR), period_start, enabled, updated_at
        FROM spending_limits WHERE account = ?`
	rows, err := s.db.QueryContext(ctx, query, account.Hex())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询配额配置失败")
	}
	defer rows.Close()

	var results []*Config
	for rows.Next() {
		config, err := scanConfig(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析配额配置失败")
		}
		results = append(results, config)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历配额配置失败")
	}
	return results, nil
}

// GetAccountState 实现 Store 接口。缺失时返回零值状态。
func (s *MySQLStore) GetAccountState(ctx context.Context, account common.Address) (*AccountState, error) {
	const query = `SELECT account, paused, whitelist, updated_at FROM spending_account_states WHERE account = ?`
	var (
		state     AccountState
		addr      string
		whitelist sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, account.Hex()).Scan(&addr, &state.Paused, &whitelist, &state.UpdatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return &AccountState{Account: account}, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账户状态失败")
	}
	state.Account = common.HexToAddress(addr)
	if whitelist.Valid {
		state.Whitelist = decodeWhitelist(whitelist.String)
	}
	return &state, nil
}

// PutAccountState 实现 Store 接口。
func (s *MySQLStore) PutAccountState(ctx context.Context, state *AccountState) error {
	if state == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "账户状态不能为空")
	}
	const query = `INSERT INTO spending_account_states (account, paused, whitelist, updated_at)
        VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE paused = VALUES(paused), whitelist = VALUES(whitelist), updated_at = VALUES(updated_at)`
	_, err := s.db.ExecContext(ctx, query,
		state.Account.Hex(), state.Paused, encodeWhitelist(state.Whitelist), state.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账户状态失败")
	}
	return nil
}

// Purge 实现 Store 接口。
func (s *MySQLStore) Purge(ctx context.Context, account common.Address) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spending_limits WHERE account = ?`, account.Hex()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清除配额配置失败")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spending_account_states WHERE account = ?`, account.Hex()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清除账户状态失败")
	}
	return nil
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

func scanConfig(row rowScanner) (*Config, error) {
	var (
		config             Config
		account, asset     string
		limitStr, spentStr string
	)
	if err := row.Scan(&account, &asset, &limitStr, &config.PeriodLength, &spentStr, &config.PeriodStart, &config.Enabled, &config.UpdatedAt); err != nil {
		return nil, err
	}
	config.Account = common.HexToAddress(account)
	config.Asset = common.HexToAddress(asset)
	config.Limit = parseAmount(limitStr)
	config.Spent = parseAmount(spentStr)
	return &config, nil
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

func encodeWhitelist(addrs []common.Address) string {
	if len(addrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		parts = append(parts, addr.Hex())
	}
	return strings.Join(parts, ",")
}

func decodeWhitelist(raw string) []common.Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	addrs := make([]common.Address, 0, len(parts))
	for _, part := range parts {
		addrs = append(addrs, common.HexToAddress(strings.TrimSpace(part)))
	}
	return addrs
}

// ensure interface compliance at compile time
var _ Store = (*MySQLStore)(nil)
