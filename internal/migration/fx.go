package migration

import (
	affordabilitydomain "github.com/tandahq/rueda/internal/affordability/domain"
	cascadedomain "github.com/tandahq/rueda/internal/cascade/domain"
	circledomain "github.com/tandahq/rueda/internal/circle/domain"
	"github.com/tandahq/rueda/internal/config"
	contributiondomain "github.com/tandahq/rueda/internal/contribution/domain"
	ledgerdomain "github.com/tandahq/rueda/internal/ledger/domain"
	payoutdomain "github.com/tandahq/rueda/internal/payout/domain"
	swapdomain "github.com/tandahq/rueda/internal/swap/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Versioned migrations target Postgres. Other dialects (sqlite in
			// local development) get the schema straight from the models.
			return conn.AutoMigrate(
				&circledomain.Circle{},
				&circledomain.Cycle{},
				&circledomain.Member{},
				&contributiondomain.Contribution{},
				&cascadedomain.Default{},
				&cascadedomain.GracePeriod{},
				&cascadedomain.LossAllocation{},
				&cascadedomain.PaymentPlan{},
				&cascadedomain.PlanInstallment{},
				&swapdomain.Swap{},
				&affordabilitydomain.Check{},
				&payoutdomain.Payout{},
				&ledgerdomain.LedgerAccount{},
				&ledgerdomain.LedgerEntry{},
				&ledgerdomain.LedgerEntryLine{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
