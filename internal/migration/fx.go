package migration

import (
	aggregatedomain "github.com/smallbiznis/meterline/internal/aggregate/domain"
	billingdomain "github.com/smallbiznis/meterline/internal/billing/domain"
	"github.com/smallbiznis/meterline/internal/config"
	quotadomain "github.com/smallbiznis/meterline/internal/quota/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// versioned SQL migrations are written for postgres; other
		// dialects fall back to schema sync
		if cfg.DBType != "postgres" {
			return conn.AutoMigrate(
				&usagedomain.UsageEvent{},
				&aggregatedomain.UsageAggregate{},
				&aggregatedomain.QuotaAlert{},
				&quotadomain.UserQuota{},
				&billingdomain.BillingRecord{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
