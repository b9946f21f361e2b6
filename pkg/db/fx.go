package db

import (
	"context"
	"time"

	"github.com/smallbiznis/meterline/internal/config"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProvideConfig maps the application config onto the connection config this
// package consumes.
func ProvideConfig(app config.Config) Config {
	return Config{
		Type:            app.DBType,
		Host:            app.DBHost,
		Port:            app.DBPort,
		Name:            app.DBName,
		User:            app.DBUser,
		Password:        app.DBPassword,
		SSLMode:         app.DBSSLMode,
		MaxIdleConn:     app.DBMaxIdleConn,
		MaxOpenConn:     app.DBMaxOpenConn,
		ConnMaxLifetime: app.DBConnMaxLifetime,
		ConnMaxIdleTime: app.DBConnMaxIdleTime,
	}
}

// Open builds the gorm connection and applies pool settings and the otelgorm
// plugin.
func Open(cfg Config, log *zap.Logger) (*gorm.DB, error) {
	dialect, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialect, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := conn.Use(otelgorm.NewPlugin()); err != nil {
		log.Warn("otelgorm plugin not installed", zap.Error(err))
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConn)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConn)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTime) * time.Second)

	return conn, nil
}

func registerHooks(lc fx.Lifecycle, conn *gorm.DB) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			_ = ctx
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})
}

var Module = fx.Module("db",
	fx.Provide(ProvideConfig),
	fx.Provide(Open),
	fx.Invoke(registerHooks),
)
