package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"csms/internal/config"
	"csms/internal/db"
	"csms/internal/logging"
	"csms/internal/models"
	"csms/internal/repo"

	"github.com/joho/godotenv"
)

func main() {
	deviceId := flag.String("device", "CP-001", "deviceId")
	vendor := flag.String("vendor", "ABB", "vendor")
	model := flag.String("model", "Terra54", "model")
	baseRate := flag.Float64("base_rate", 0, "optional per-kWh base rate for an active tariff")
	taxPercent := flag.Float64("tax_percent", 7, "tariff tax percent")
	currency := flag.String("currency", "USD", "tariff currency")
	customerId := flag.String("customer", "", "optional customerId to give a wallet")
	balance := flag.Float64("balance", 500, "opening wallet balance for --customer")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		MaxIdleTime: cfg.DBMaxIdleTime,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer d.Close()

	devices := repo.NewDevicesRepo(d.Pool)
	tariffs := repo.NewTariffsRepo(d.Pool)
	wallets := repo.NewWalletsRepo(d.Pool, logger)

	if _, err := devices.CreateOrFetch(ctx, *deviceId); err != nil {
		log.Fatal(err)
	}
	if err := devices.FillMetadata(ctx, *deviceId, models.DeviceMetadata{Vendor: *vendor, Model: *model}); err != nil {
		log.Fatal(err)
	}
	fmt.Println("Seeded device:", *deviceId)

	if *baseRate > 0 {
		id, err := tariffs.UpsertActiveForDevice(ctx, *deviceId, *baseRate, *taxPercent, *currency)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println("Active tariff:", id, *baseRate, *currency, "tax", *taxPercent, "%")
	}

	if *customerId != "" {
		if err := wallets.EnsureWallet(ctx, *customerId, *balance); err != nil {
			log.Fatal(err)
		}
		fmt.Println("Wallet for", *customerId, "credited", *balance)
	}
}
