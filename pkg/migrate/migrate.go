// Package migrate 提供数据库迁移功能 (基于 golang-migrate)
package migrate

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// Migrator 迁移器
//
// golang-migrate 关闭实例时会一并关闭底层 *sql.DB，
// 因此迁移器持有独立的连接，不与业务连接池共享。
type Migrator struct {
	db          *sql.DB
	logger      *zap.Logger
	serviceName string
	source      fs.FS
	sourcePath  string
}

// NewMigrator 创建迁移器
func NewMigrator(db *sql.DB, source fs.FS, sourcePath, serviceName string, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sourcePath == "" {
		sourcePath = "."
	}
	return &Migrator{
		db:          db,
		logger:      logger,
		serviceName: serviceName,
		source:      source,
		sourcePath:  sourcePath,
	}
}

// Open 使用 DSN 打开迁移专用连接
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open migration connection failed: %w", err)
	}
	return db, nil
}

func (m *Migrator) instance() (*migrate.Migrate, error) {
	source, err := iofs.New(m.source, m.sourcePath)
	if err != nil {
		return nil, fmt.Errorf("create migration source failed: %w", err)
	}

	driver, err := postgres.WithInstance(m.db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create postgres driver failed: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator failed: %w", err)
	}
	return migrator, nil
}

// Up 执行全部未应用的迁移
func (m *Migrator) Up() error {
	migrator, err := m.instance()
	if err != nil {
		return err
	}
	defer migrator.Close()

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("no new migrations to apply", zap.String("service", m.serviceName))
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("get migration version failed: %w", err)
	}

	m.logger.Info("migration completed",
		zap.String("service", m.serviceName),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))

	return nil
}

// Rollback 回滚一个版本
func (m *Migrator) Rollback() error {
	migrator, err := m.instance()
	if err != nil {
		return err
	}
	defer migrator.Close()

	if err := migrator.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("no migrations to rollback", zap.String("service", m.serviceName))
			return nil
		}
		return fmt.Errorf("rollback failed: %w", err)
	}

	m.logger.Info("rollback completed", zap.String("service", m.serviceName))
	return nil
}

// Version 获取当前迁移版本，未迁移时返回 0
func (m *Migrator) Version() (uint, bool, error) {
	migrator, err := m.instance()
	if err != nil {
		return 0, false, err
	}
	defer migrator.Close()

	version, dirty, err := migrator.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return version, dirty, nil
}
