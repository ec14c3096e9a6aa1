package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"VaultGuard-Chain/internal/account"
	"VaultGuard-Chain/internal/api"
	"VaultGuard-Chain/internal/assets"
	"VaultGuard-Chain/internal/config"
	"VaultGuard-Chain/internal/delegation"
	"VaultGuard-Chain/internal/events"
	"VaultGuard-Chain/internal/recovery"
	"VaultGuard-Chain/internal/spendlimit"
	storage "VaultGuard-Chain/internal/storage/mysql"
	"VaultGuard-Chain/internal/validation"
	"VaultGuard-Chain/pkg/logger"
)

// 内建模块的句柄地址。外部调度方通过这些引用安装模块。
var (
	recoveryModuleRef   = common.HexToAddress("0x0000000000000000000000000000000000000101")
	spendLimitModuleRef = common.HexToAddress("0x0000000000000000000000000000000000000102")
)

// recoveryValidationID 是守护人恢复校验器在校验管理器中的编号。
// 零号保留给根校验器。
const recoveryValidationID = 1

// main 是 VaultGuard 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("vaultguardd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("VAULTGUARD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "vaultguard.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		OutputPaths: cfg.Logger.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logger.Audit.Enabled,
			Path:       cfg.Logger.Audit.Path,
			MaxSizeMB:  cfg.Logger.Audit.MaxSizeMB,
			MaxBackups: cfg.Logger.Audit.MaxBackups,
			MaxAgeDays: cfg.Logger.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 初始化存储层。账户、委托、恢复与配额共用同一个后端驱动。
	var (
		accountStore account.Store
		delegStore   delegation.Store
		recStore     recovery.Store
		limitStore   spendlimit.Store
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		accountStore = account.NewMemoryStore()
		delegStore = delegation.NewMemoryStore()
		recStore = recovery.NewMemoryStore()
		limitStore = spendlimit.NewMemoryStore()
	case "mysql":
		storageCfg := storage.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetime) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTime) * time.Second,
		}
		// 先统一应用内嵌迁移，各存储不再自建表结构。
		migrateDB, err := storage.Open(ctx, storageCfg)
		if err != nil {
			return err
		}
		if err := storage.Migrate(ctx, migrateDB); err != nil {
			_ = migrateDB.Close()
			return err
		}
		if err := migrateDB.Close(); err != nil {
			return err
		}
		if accountStore, err = account.NewMySQLStore(ctx, storageCfg); err != nil {
			return err
		}
		if delegStore, err = delegation.NewMySQLStore(ctx, storageCfg); err != nil {
			return err
		}
		if recStore, err = recovery.NewMySQLStore(ctx, storageCfg); err != nil {
			return err
		}
		if limitStore, err = spendlimit.NewMySQLStore(ctx, storageCfg); err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer accountStore.Close()
	defer delegStore.Close()
	defer recStore.Close()
	defer limitStore.Close()

	// 初始化事件发布器。
	var publisher events.Publisher
	switch cfg.Events.Driver {
	case "", "memory":
		publisher = events.NewMemoryPublisher(1024)
	case "redis":
		publisher, err = events.NewRedisPublisher(events.RedisConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Queue:    cfg.Events.Redis.Queue,
		})
		if err != nil {
			return err
		}
	case "rabbitmq":
		publisher, err = events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:     cfg.Events.RabbitMQ.URL,
			Queue:   cfg.Events.RabbitMQ.Queue,
			Durable: true,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
	defer func() {
		if closer, ok := publisher.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}()

	// 组装授权引擎。委托注册表兼任根校验器的签名桥。
	registry := delegation.NewRegistry(delegStore,
		delegation.WithAdmin(common.HexToAddress(cfg.Engine.Admin)),
	)

	dispatcher := common.HexToAddress(cfg.Engine.Dispatcher)
	manager := validation.NewManager(
		account.RootProviderFromStore(accountStore),
		registry,
		validation.WithTrustedDispatcher(dispatcher),
	)

	core := account.NewCore(accountStore, manager,
		account.WithPublisher(publisher),
	)

	guardians := recovery.NewValidator(recStore, core, recovery.WithPublisher(publisher))
	limits := spendlimit.NewHook(limitStore, core, spendlimit.WithPublisher(publisher))

	// 内建模块登记：恢复校验器既是可安装模块也是编号校验器。
	if err := core.RegisterModuleHandle(recoveryModuleRef, guardians); err != nil {
		return err
	}
	if err := core.RegisterModuleHandle(spendLimitModuleRef, limits); err != nil {
		return err
	}
	if err := manager.RegisterValidator(recoveryValidationID, guardians); err != nil {
		return err
	}

	// 资产登记表为配额接口提供展示元数据。
	defs, err := assets.LoadDefinitions(cfg.Engine.AssetRegistry)
	if err != nil {
		return err
	}
	assetRegistry := assets.NewRegistry(defs)

	logger.L().Info("vaultguardd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.Int("assets", len(defs.Assets)),
	)

	server := api.NewServer(cfg.Server.Address, core, registry, guardians, limits, assetRegistry)
	return server.Start(ctx)
}
