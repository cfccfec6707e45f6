package main

import (
	"context"
	"fmt"
	"os"

	"cardbank/internal/cli"
	"cardbank/internal/config"
	"cardbank/internal/infrastructure/database"
	"cardbank/internal/service"
	"cardbank/pkg/logger"
	"cardbank/pkg/luhn"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// 交互式单用户终端，默认使用当前目录下的 card.s3db
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("bank", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "配置文件路径（可选）")
	flags.String("db", "card.s3db", "SQLite 数据文件")
	flags.String("driver", config.DriverSQLite, "存储驱动：sqlite | mysql | memory")
	verbose := flags.BoolP("verbose", "v", false, "输出日志到 stderr")
	_ = flags.Parse(os.Args[1:])

	_ = godotenv.Load()

	v := viper.New()
	if err := v.BindPFlag("database.path", flags.Lookup("db")); err != nil {
		return err
	}
	if err := v.BindPFlag("database.driver", flags.Lookup("driver")); err != nil {
		return err
	}
	// 终端模式没有 outbox 投递任务
	v.Set("kafka.enabled", false)

	cfg, err := config.Load(v, *configPath)
	if err != nil {
		return err
	}

	log := zap.NewNop()
	if *verbose {
		if log, err = logger.New(cfg.Log.Level, true); err != nil {
			return err
		}
		defer log.Sync()
	}

	store, db, err := database.OpenStore(&cfg.Database, log)
	if err != nil {
		return err
	}
	defer database.Close(db)

	gen, err := luhn.NewGenerator(cfg.Ledger.IssuerPrefix, nil)
	if err != nil {
		return err
	}

	ledger := service.NewLedgerService(store, gen, cfg, log)
	return cli.New(ledger, os.Stdin, os.Stdout, log).Run(context.Background())
}
