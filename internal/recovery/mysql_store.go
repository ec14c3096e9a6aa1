package recovery

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultGuard-Chain/internal/errors"
	storage "VaultGuard-Chain/internal/storage/mysql"
)

// MySQLStore 使用 MySQL 记录守护人配置与恢复请求。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。表结构由集中式迁移负责。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化恢复存储失败")
	}
	return &MySQLStore{db: db}, nil
}

// GetConfig 返回账户的守护人配置。
func (s *MySQLStore) GetConfig(ctx context.Context, account common.Address) (*GuardianConfig, error) {
	const query = `SELECT account, guardians, threshold, recovery_delay, updated_at FROM guardian_configs WHERE account = ?`
	var (
		config        GuardianConfig
		addr          string
		guardiansText string
	)
	err := s.db.QueryRowContext(ctx, query, account.Hex()).
		Scan(&addr, &guardiansText, &config.Threshold, &config.RecoveryDelay, &config.UpdatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoGuardianConfig
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取守护人配置失败")
	}
	config.Account = common.HexToAddress(addr)
	config.Guardians = decodeAddresses(guardiansText)
	return &config, nil
}

// PutConfig 覆盖写入守护人配置。
func (s *MySQLStore) PutConfig(ctx context.Context, config *GuardianConfig) error {
	if config == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "守护人配置不能为空")
	}
	const query = `INSERT INTO guardian_configs (account, guardians, threshold, recovery_delay, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE guardians = VALUES(guardians), threshold = VALUES(threshold),
        recovery_delay = VALUES(recovery_delay), updated_at = VALUES(updated_at)`
	_, err := s.db.ExecContext(ctx, query,
		config.Account.Hex(), encodeAddresses(config.Guardians),
		config.Threshold, config.RecoveryDelay, config.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入守护人配置失败")
	}
	return nil
}

// DeleteConfig 删除守护人配置。不存在时视为成功。
func (s *MySQLStore) DeleteConfig(ctx context.Context, account common.Address) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM guardian_configs WHERE account = ?`, account.Hex()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除守护人配置失败")
	}
	return nil
}

// GetRequest 返回账户当前的恢复请求。
func (s *MySQLStore) GetRequest(ctx context.Context, account common.Address) (*Request, error) {
	const query = `SELECT account, new_authority, initiated_at, approvals FROM recovery_requests WHERE account = ?`
	var (
		request         Request
		addr, authority string
		approvals       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, account.Hex()).
		Scan(&addr, &authority, &request.InitiatedAt, &approvals)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRequest
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取恢复请求失败")
	}
	request.Account = common.HexToAddress(addr)
	request.NewAuthority = common.HexToAddress(authority)
	if approvals.Valid {
		request.Approvals = decodeAddresses(approvals.String)
	}
	return &request, nil
}

// PutRequest 覆盖写入恢复请求。
func (s *MySQLStore) PutRequest(ctx context.Context, request *Request) error {
	if request == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "恢复请求不能为空")
	}
	const query = `INSERT INTO recovery_requests (account, new_authority, initiated_at, approvals)
        VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE new_authority = VALUES(new_authority),
        initiated_at = VALUES(initiated_at), approvals = VALUES(approvals)`
	_, err := s.db.ExecContext(ctx, query,
		request.Account.Hex(), request.NewAuthority.Hex(),
		request.InitiatedAt, encodeAddresses(request.Approvals),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入恢复请求失败")
	}
	return nil
}

// DeleteRequest 删除恢复请求。不存在时视为成功。
func (s *MySQLStore) DeleteRequest(ctx context.Context, account common.Address) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recovery_requests WHERE account = ?`, account.Hex()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除恢复请求失败")
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

func encodeAddresses(addrs []common.Address) string {
	if len(addrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		parts = append(parts, addr.Hex())
	}
	return strings.Join(parts, ",")
}

func decodeAddresses(raw string) []common.Address {
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
