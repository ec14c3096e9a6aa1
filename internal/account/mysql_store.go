package account

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "VaultGuard-Chain/internal/errors"
	"VaultGuard-Chain/internal/module"
	storage "VaultGuard-Chain/internal/storage/mysql"
)

// MySQLStore 使用 MySQL 记录账户状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。表结构由集中式迁移负责。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化账户存储失败")
	}
	return &MySQLStore{db: db}, nil
}

// Create 实现 Store 接口。
func (s *MySQLStore) Create(ctx context.Context, account *Account) error {
	if account == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "账户不能为空")
	}
	const query = `INSERT INTO accounts
        (address, root_authority, emergency_identity, last_activity_time, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		account.Address.Hex(), account.RootAuthority.Hex(), account.EmergencyIdentity.Hex(),
		account.LastActivityTime, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "Duplicate entry") {
			return ErrAccountExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账户失败")
	}
	return s.replaceModules(ctx, account)
}

// Get 返回账户及其已安装模块。
func (s *MySQLStore) Get(ctx context.Context, addr common.Address) (*Account, error) {
	const query = `SELECT address, root_authority, emergency_identity, last_activity_time, created_at, updated_at
        FROM accounts WHERE address = ?`
	var (
		account                  Account
		address, root, emergency string
	)
	err := s.db.QueryRowContext(ctx, query, addr.Hex()).Scan(
		&address, &root, &emergency, &account.LastActivityTime, &account.CreatedAt, &account.UpdatedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账户失败")
	}
	account.Address = common.HexToAddress(address)
	account.RootAuthority = common.HexToAddress(root)
	account.EmergencyIdentity = common.HexToAddress(emergency)

	rows, err := s.db.QueryContext(ctx, `SELECT kind, module_ref FROM account_modules WHERE account = ?`, addr.Hex())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账户模块失败")
	}
	defer rows.Close()
	for rows.Next() {
		var kind, ref string
		if err := rows.Scan(&kind, &ref); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账户模块失败")
		}
		account.addModule(module.Kind(kind), common.HexToAddress(ref))
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历账户模块失败")
	}
	return &account, nil
}

// Update 覆盖写入账户的可变字段与模块安装表。
func (s *MySQLStore) Update(ctx context.Context, account *Account) error {
	if account == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "账户不能为空")
	}
	const query = `UPDATE accounts SET root_authority = ?, last_activity_time = ?, updated_at = ? WHERE address = ?`
	result, err := s.db.ExecContext(ctx, query,
		account.RootAuthority.Hex(), account.LastActivityTime, account.UpdatedAt, account.Address.Hex(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新账户失败")
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		var exists int
		if scanErr := s.db.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE address = ?`, account.Address.Hex()).Scan(&exists); scanErr != nil {
			if stdErrors.Is(scanErr, sql.ErrNoRows) {
				return ErrAccountNotFound
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, scanErr, "确认账户存在性失败")
		}
	}
	return s.replaceModules(ctx, account)
}

func (s *MySQLStore) replaceModules(ctx context.Context, account *Account) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM account_modules WHERE account = ?`, account.Address.Hex()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理账户模块失败")
	}
	for kind, refs := range account.Modules {
		for _, ref := range refs {
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO account_modules (account, kind, module_ref) VALUES (?, ?, ?)`,
				account.Address.Hex(), string(kind), ref.Hex(),
			); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账户模块失败")
			}
		}
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

// ensure interface compliance at compile time
var _ Store = (*MySQLStore)(nil)
